// Package sockmatch parses and matches the socket address patterns used
// by the network access-control lists.
package sockmatch

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/HQarroum/sydbox/pathmatch"
	"github.com/apparentlymart/go-cidr/cidr"
	"golang.org/x/sys/unix"
)

var (
	// ErrInvalid is returned for malformed socket patterns.
	ErrInvalid = errors.New("invalid socket pattern")

	// ErrNotSupported is returned for unknown or disabled address families.
	ErrNotSupported = errors.New("address family not supported")
)

/**
 * Address families understood by the matcher.
 */
type Family int

const (
	FamilyUnix  Family = unix.AF_UNIX
	FamilyInet  Family = unix.AF_INET
	FamilyInet6 Family = unix.AF_INET6
)

/**
 * @return a string representation of the family.
 */
func (f Family) String() string {
	switch f {
	case FamilyUnix:
		return "unix"
	case FamilyInet:
		return "inet"
	case FamilyInet6:
		return "inet6"
	default:
		return "AF_" + strconv.Itoa(int(f))
	}
}

// Pattern prefixes and aliases.
const (
	prefixUnix         = "unix:"
	prefixUnixAbstract = "unix-abstract:"
	prefixInet         = "inet:"
	prefixInet6        = "inet6:"
	aliasLoopback      = "LOOPBACK@"
	aliasLoopback6     = "LOOPBACK6@"
	aliasLocal         = "LOCAL@"
	aliasLocal6        = "LOCAL6@"
)

var (
	localNetworks  = []string{"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}
	local6Networks = []string{"::1", "fe80::/7", "fc00::/7", "fec0::/7"}
)

/**
 * Address is a decoded socket address taken from a tracee.
 * For non-abstract unix sockets `Path` holds the resolved path.
 */
type Address struct {
	Family   Family
	Abstract bool
	Path     string
	IP       net.IP
	Port     uint16
}

/**
 * @return a printable form of the address.
 */
func (a *Address) String() string {
	switch a.Family {
	case FamilyUnix:
		if a.Abstract {
			return prefixUnixAbstract + a.Path
		}
		return prefixUnix + a.Path
	case FamilyInet, FamilyInet6:
		return fmt.Sprintf("%s:%s@%d", a.Family, a.IP, a.Port)
	default:
		return a.Family.String()
	}
}

/**
 * Pattern is a parsed socket address pattern.
 */
type Pattern struct {
	Family   Family
	Abstract bool
	Path     string
	Netmask  uint8
	PortLo   uint16
	PortHi   uint16
	Network  *net.IPNet

	// Textual form the pattern was parsed from.
	text string
}

/**
 * @return the textual form of the pattern.
 */
func (p *Pattern) String() string {
	return p.text
}

/**
 * Expand rewrites aliases into their concrete patterns. Unix patterns
 * are expanded like path patterns, everything else expands to itself.
 * @param src the source pattern
 * @param m the path matcher used for unix patterns
 * @return the expanded patterns, in insertion order
 */
func Expand(src string, m *pathmatch.Matcher) []string {
	switch {
	case strings.HasPrefix(src, prefixUnix), strings.HasPrefix(src, prefixUnixAbstract):
		return m.Expand(src)
	case strings.HasPrefix(src, aliasLoopback):
		return []string{"inet:127.0.0.0/8@" + src[len(aliasLoopback):]}
	case strings.HasPrefix(src, aliasLoopback6):
		return []string{"inet6:::1@" + src[len(aliasLoopback6):]}
	case strings.HasPrefix(src, aliasLocal):
		return withPort(prefixInet, localNetworks, src[len(aliasLocal):])
	case strings.HasPrefix(src, aliasLocal6):
		return withPort(prefixInet6, local6Networks, src[len(aliasLocal6):])
	default:
		return []string{src}
	}
}

func withPort(prefix string, networks []string, port string) []string {
	out := make([]string, 0, len(networks))
	for _, n := range networks {
		out = append(out, prefix+n+"@"+port)
	}
	return out
}

/**
 * Parse parses an expanded socket pattern.
 * @param src the pattern text
 * @return the parsed pattern, or an error wrapping
 * ErrInvalid or ErrNotSupported
 */
func Parse(src string) (*Pattern, error) {
	p := &Pattern{text: src}

	switch {
	case strings.HasPrefix(src, prefixUnix):
		p.Family = FamilyUnix
		p.Path = src[len(prefixUnix):]
	case strings.HasPrefix(src, prefixUnixAbstract):
		p.Family = FamilyUnix
		p.Abstract = true
		p.Path = src[len(prefixUnixAbstract):]
	case strings.HasPrefix(src, prefixInet):
		if err := p.parseIP(FamilyInet, src[len(prefixInet):]); err != nil {
			return nil, err
		}
		return p, nil
	case strings.HasPrefix(src, prefixInet6):
		if !IPv6Enabled {
			return nil, fmt.Errorf("%q: %w", src, ErrNotSupported)
		}
		if err := p.parseIP(FamilyInet6, src[len(prefixInet6):]); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%q: %w", src, ErrNotSupported)
	}

	if p.Path == "" {
		return nil, fmt.Errorf("%q: empty path: %w", src, ErrInvalid)
	}
	return p, nil
}

func (p *Pattern) parseIP(family Family, body string) error {
	if body == "" {
		return fmt.Errorf("%q: empty address: %w", p.text, ErrInvalid)
	}

	// The port specification follows the last `@`.
	at := strings.LastIndexByte(body, '@')
	if at < 0 || at == len(body)-1 {
		return fmt.Errorf("%q: missing port: %w", p.text, ErrInvalid)
	}
	lo, hi, err := parsePortRange(body[at+1:])
	if err != nil {
		return fmt.Errorf("%q: %v: %w", p.text, err, ErrInvalid)
	}
	addr := body[:at]

	bits := 32
	if family == FamilyInet6 {
		bits = 128
	}
	netmask := bits
	if slash := strings.LastIndexByte(addr, '/'); slash >= 0 {
		n, err := strconv.ParseUint(addr[slash+1:], 10, 8)
		if err != nil || int(n) > bits {
			return fmt.Errorf("%q: bad netmask: %w", p.text, ErrInvalid)
		}
		netmask = int(n)
		addr = addr[:slash]
	}

	ip := net.ParseIP(addr)
	if ip == nil {
		return fmt.Errorf("%q: bad address: %w", p.text, ErrInvalid)
	}
	if family == FamilyInet {
		if ip = ip.To4(); ip == nil {
			return fmt.Errorf("%q: not an IPv4 address: %w", p.text, ErrInvalid)
		}
	} else if ip.To4() != nil && !strings.Contains(addr, ":") {
		return fmt.Errorf("%q: not an IPv6 address: %w", p.text, ErrInvalid)
	}

	p.Family = family
	p.Netmask = uint8(netmask)
	p.PortLo, p.PortHi = lo, hi
	p.Network = networkOf(ip, netmask, bits)
	return nil
}

func networkOf(ip net.IP, netmask, bits int) *net.IPNet {
	if bits == 128 {
		ip = ip.To16()
	}
	mask := net.CIDRMask(netmask, bits)
	return &net.IPNet{IP: ip.Mask(mask), Mask: mask}
}

func parsePortRange(s string) (uint16, uint16, error) {
	if first, last, ok := strings.Cut(s, "-"); ok {
		lo, err := parsePort(first)
		if err != nil {
			return 0, 0, err
		}
		hi, err := parsePort(last)
		if err != nil {
			return 0, 0, err
		}
		if lo > hi {
			return 0, 0, fmt.Errorf("inverted port range %d-%d", lo, hi)
		}
		return lo, hi, nil
	}

	port, err := parsePort(s)
	return port, port, err
}

func parsePort(s string) (uint16, error) {
	if s == "" {
		return 0, errors.New("empty port")
	}
	if s[0] >= '0' && s[0] <= '9' {
		n, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("bad port %q", s)
		}
		return uint16(n), nil
	}

	// Looks like a service name.
	n, err := net.LookupPort("tcp", s)
	if err != nil {
		return 0, fmt.Errorf("unknown service %q", s)
	}
	return uint16(n), nil
}

/**
 * FromAddress builds an exact pattern out of a bound address.
 * Inet addresses get a /32 netmask, inet6 addresses a /64 one.
 * @param a the bound address
 * @return the pattern
 */
func FromAddress(a *Address) *Pattern {
	p := &Pattern{Family: a.Family}

	switch a.Family {
	case FamilyUnix:
		p.Abstract = a.Abstract
		p.Path = a.Path
		p.text = a.String()
	case FamilyInet:
		p.Netmask = 32
		p.PortLo, p.PortHi = a.Port, a.Port
		p.Network = networkOf(a.IP.To4(), 32, 32)
		p.text = fmt.Sprintf("inet:%s/32@%d", a.IP, a.Port)
	case FamilyInet6:
		p.Netmask = 64
		p.PortLo, p.PortHi = a.Port, a.Port
		p.Network = networkOf(a.IP, 64, 128)
		p.text = fmt.Sprintf("inet6:%s/64@%d", a.IP, a.Port)
	}
	return p
}

/**
 * Match reports whether an address falls within the pattern.
 * @param m the path matcher used for unix socket paths
 * @param a the address to test
 * @return true on match
 */
func (p *Pattern) Match(m *pathmatch.Matcher, a *Address) bool {
	if p.Family != a.Family {
		return false
	}

	switch p.Family {
	case FamilyUnix:
		if p.Abstract != a.Abstract {
			return false
		}
		return m.Match(p.Path, a.Path)
	case FamilyInet, FamilyInet6:
		if a.Port < p.PortLo || a.Port > p.PortHi {
			return false
		}
		return p.contains(a.IP)
	default:
		return false
	}
}

/**
 * Range returns the first and last addresses covered by the pattern.
 */
func (p *Pattern) Range() (net.IP, net.IP) {
	if p.Network == nil {
		return nil, nil
	}
	return cidr.AddressRange(p.Network)
}

func (p *Pattern) contains(ip net.IP) bool {
	if p.Network == nil || ip == nil {
		return false
	}
	if p.Family == FamilyInet {
		ip = ip.To4()
	} else {
		ip = ip.To16()
	}
	if ip == nil {
		return false
	}

	first, last := p.Range()
	return bytes.Compare(first, ip) <= 0 && bytes.Compare(ip, last) <= 0
}
