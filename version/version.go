// Package version holds the sydbox release number.
package version

import (
	"fmt"
)

const (
	// Major is also the magic API version, `/dev/sydbox/<major>`.
	Major = "1"
	minor = "0"
	patch = "0"
)

/**
 * Returns the version of sydbox.
 */
func Version() string {
	return fmt.Sprintf("%s.%s.%s", Major, minor, patch)
}

/**
 * Returns the version details (major, minor, patch)
 */
func VersionDetails() (string, string, string) {
	return Major, minor, patch
}
