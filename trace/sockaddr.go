package trace

import (
	"bytes"
	"encoding/binary"
	"net"

	"github.com/HQarroum/sydbox/sockmatch"
	"golang.org/x/sys/unix"
)

/**
 * DecodeSockaddr decodes a raw struct sockaddr as laid out in the
 * tracee. Unknown families decode to an address carrying only the family.
 * @param b the raw bytes
 * @return the decoded address, or EINVAL when truncated
 */
func DecodeSockaddr(b []byte) (*sockmatch.Address, error) {
	if len(b) < 2 {
		return nil, unix.EINVAL
	}
	family := sockmatch.Family(binary.NativeEndian.Uint16(b[:2]))
	a := &sockmatch.Address{Family: family}

	switch family {
	case sockmatch.FamilyUnix:
		path := b[2:]
		if len(path) > 0 && path[0] == 0 {
			a.Abstract = true
			path = path[1:]
		}
		if i := bytes.IndexByte(path, 0); i >= 0 {
			path = path[:i]
		}
		a.Path = string(path)
	case sockmatch.FamilyInet:
		if len(b) < 8 {
			return nil, unix.EINVAL
		}
		a.Port = binary.BigEndian.Uint16(b[2:4])
		a.IP = net.IPv4(b[4], b[5], b[6], b[7]).To4()
	case sockmatch.FamilyInet6:
		if len(b) < 24 {
			return nil, unix.EINVAL
		}
		a.Port = binary.BigEndian.Uint16(b[2:4])
		a.IP = append(net.IP(nil), b[8:24]...)
	}
	return a, nil
}
