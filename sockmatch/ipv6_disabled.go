//go:build noipv6

package sockmatch

// IPv6Enabled reports whether inet6 patterns are accepted.
const IPv6Enabled = false
