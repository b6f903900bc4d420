//go:build linux

package core

import (
	"errors"
	"io"
	"os"
	"path"

	"github.com/HQarroum/sydbox/acl"
	"github.com/HQarroum/sydbox/canon"
	"github.com/HQarroum/sydbox/policy"
	"github.com/HQarroum/sydbox/proc"
	"github.com/HQarroum/sydbox/sockmatch"
	"github.com/HQarroum/sydbox/trace"
	"golang.org/x/sys/unix"
)

/**
 * Filetype requirements checked on denied paths.
 */
type StatCheck uint

const (
	// The path must not exist.
	StatNoExist StatCheck = 1 << iota

	// The path must be a directory.
	StatIsDir

	// The path must not be a directory.
	StatNotDir

	// The path must not be a symbolic link.
	StatNoSymlink

	// The path must be an empty directory.
	StatEmptyDir
)

/**
 * PathCheck describes one path argument of a system call.
 */
type PathCheck struct {
	Category policy.Category

	// Index of the path argument, the directory fd sits right before
	// it for `*at()` calls.
	Arg    int
	AtFunc bool

	// A NULL path refers to the directory fd itself.
	NullOK bool

	Mode     canon.Mode
	NoFollow bool
	Stat     StatCheck

	// Denials are silent unless violation/raise_safe is set.
	Safe bool

	// Errno of the denial, EPERM when zero.
	Errno unix.Errno

	// Resolved path, set once the check ran.
	Abspath string
}

/**
 * SockCheck describes the address argument of a socket call.
 */
type SockCheck struct {
	Category policy.Category

	// Index of the address pointer, its length follows it.
	Arg int

	// A NULL address is allowed, as for sendto() on a connected socket.
	NullOK bool

	Errno unix.Errno

	// Decoded address and resolved unix path, set once the check ran.
	Addr    *sockmatch.Address
	Abspath string
}

/**
 * CheckPath applies the sandbox of the current thread to a path
 * argument. Denials are recorded on the thread and the matching
 * violation is reported.
 * @param cur the current thread
 * @param pc the path descriptor
 * @return nil, or a supervisor error
 */
func (s *Sydbox) CheckPath(cur *proc.State, pc *PathCheck) error {
	mode := cur.Box().Mode(pc.Category)
	if mode == policy.ModeOff {
		return nil
	}

	abspath, fail, err := s.resolvePath(cur, pc)
	if err != nil {
		return err
	}
	if fail != 0 {
		return s.denyFailure(cur, pc.Category, fail)
	}
	pc.Abspath = abspath

	return s.checkResolved(cur, pc, abspath)
}

/**
 * checkResolved matches a canonical path against the sandbox.
 */
func (s *Sydbox) checkResolved(cur *proc.State, pc *PathCheck, abspath string) error {
	errno := pc.Errno
	if errno == 0 {
		errno = unix.EPERM
	}

	mode := cur.Box().Mode(pc.Category)
	if mode == policy.ModeOff {
		return nil
	}
	res := cur.Box().ACL(pc.Category).MatchPath(s.cfg.Match, policy.DefaultAction(mode), abspath)
	if res.Action == acl.ActionWhitelist {
		s.log.Debug("access granted", "tid", cur.Tid, "syscall", cur.Sysname, "path", abspath)
		return nil
	}

	if pc.Safe && !s.cfg.RaiseSafe {
		s.log.Debug("denying safe system call", "tid", cur.Tid, "syscall", cur.Sysname, "path", abspath)
		return s.deny(cur, errno)
	}

	if serr := statCheck(abspath, pc); serr != 0 {
		errno = serr
		if !s.cfg.RaiseSafe {
			return s.deny(cur, errno)
		}
	}

	if err := s.deny(cur, errno); err != nil {
		return err
	}
	if s.cfg.Filter(pc.Category).MatchPath(s.cfg.Match, acl.ActionNone, abspath).Matched {
		s.log.Debug("violation filtered", "tid", cur.Tid, "path", abspath)
		return nil
	}
	return s.violation(cur, pc.Category, abspath, errno)
}

/**
 * resolvePath reads and canonicalizes a path argument.
 * @return the canonical path, an errno to deny with, or a supervisor error
 */
func (s *Sydbox) resolvePath(cur *proc.State, pc *PathCheck) (string, unix.Errno, error) {
	dir := cur.Cwd()
	badfd := false

	if pc.AtFunc {
		dirfd := int(int32(cur.Args[pc.Arg-1]))
		if dirfd != unix.AT_FDCWD {
			d, err := s.procfs.Fd(cur.Tid, dirfd)
			switch {
			case errors.Is(err, trace.ErrVanished):
				return "", 0, err
			case errors.Is(err, unix.EBADF):
				badfd = true
			case err != nil:
				return "", errnoOf(err), nil
			default:
				dir = d
			}
		}
	}

	name, err := s.readString(cur, cur.Args[pc.Arg])
	if err != nil {
		var errno unix.Errno
		if !errors.As(err, &errno) {
			return "", 0, err
		}
		if !(errno == unix.EFAULT && pc.AtFunc && pc.NullOK) {
			return "", errno, nil
		}
		name = ""
	}

	var abspath string
	switch {
	case path.IsAbs(name):
		abspath = name
	case badfd:
		return "", unix.EBADF, nil
	case name == "":
		if !(pc.AtFunc && pc.NullOK) {
			return "", unix.ENOENT, nil
		}
		abspath = dir
	default:
		abspath = dir + "/" + name
	}

	abspath = canon.ProcRewrite(abspath, cur.Tid)
	resolved, err := s.resolver.Canonicalize(abspath, pc.Mode, !pc.NoFollow)
	if err != nil {
		s.log.Debug("path resolution failed", "tid", cur.Tid, "path", abspath, "error", err)
		return "", errnoOf(err), nil
	}
	return resolved, 0, nil
}

/**
 * readString reads a NUL-terminated string, a NULL pointer reads as
 * EFAULT.
 */
func (s *Sydbox) readString(cur *proc.State, addr uint64) (string, error) {
	if addr == 0 {
		return "", unix.EFAULT
	}
	return s.backend.ReadString(cur.Tid, addr)
}

/**
 * CheckSocket applies the network sandbox of the current thread to a
 * socket address argument.
 * @param cur the current thread
 * @param sc the socket descriptor
 * @return nil, or a supervisor error
 */
func (s *Sydbox) CheckSocket(cur *proc.State, sc *SockCheck) error {
	errno := sc.Errno
	if errno == 0 {
		errno = unix.EPERM
	}

	mode := cur.Box().Network
	addrp, size := cur.Args[sc.Arg], int(cur.Args[sc.Arg+1])
	if addrp == 0 && sc.NullOK {
		return nil
	}

	addr, err := s.backend.ReadSockaddr(cur.Tid, addrp, size)
	if err != nil {
		var eno unix.Errno
		if !errors.As(err, &eno) {
			return err
		}
		if mode == policy.ModeOff {
			return nil
		}
		return s.denyFailure(cur, sc.Category, eno)
	}
	sc.Addr = addr

	switch {
	case addr.Family == sockmatch.FamilyUnix || addr.Family == sockmatch.FamilyInet || addr.Family == sockmatch.FamilyInet6:
	case s.cfg.WhitelistUnsupportedSocketFamilies || mode == policy.ModeOff:
		s.log.Debug("allowing unsupported socket family", "tid", cur.Tid, "address", addr)
		return nil
	default:
		if err := s.deny(cur, unix.EAFNOSUPPORT); err != nil {
			return err
		}
		return s.violation(cur, sc.Category, addrString(addr), unix.EAFNOSUPPORT)
	}

	needle := *addr
	if addr.Family == sockmatch.FamilyUnix && !addr.Abstract {
		abspath := addr.Path
		if !path.IsAbs(abspath) {
			abspath = cur.Cwd() + "/" + abspath
		}
		resolved, err := s.resolver.Canonicalize(canon.ProcRewrite(abspath, cur.Tid), canon.AllButLastMustExist, true)
		if err != nil {
			if mode == policy.ModeOff {
				return nil
			}
			return s.denyFailure(cur, sc.Category, errnoOf(err))
		}
		needle.Path = resolved
		sc.Abspath = resolved
	}
	if mode == policy.ModeOff {
		return nil
	}

	box := cur.Box()
	def := policy.DefaultAction(mode)
	res := box.ACL(sc.Category).MatchSocket(s.cfg.Match, def, &needle)
	if !res.Matched {
		if global := s.globalACL(sc.Category); global != nil {
			if r := global.MatchSocket(s.cfg.Match, def, &needle); r.Matched {
				res = r
			}
		}
	}
	if res.Action == acl.ActionWhitelist {
		return nil
	}

	if err := s.deny(cur, errno); err != nil {
		return err
	}
	if s.cfg.FilterNetwork.MatchSocket(s.cfg.Match, acl.ActionNone, &needle).Matched {
		s.log.Debug("violation filtered", "tid", cur.Tid, "address", needle.String())
		return nil
	}
	return s.violation(cur, sc.Category, needle.String(), errno)
}

/**
 * @return the queue shared by every tracee for a network category.
 */
func (s *Sydbox) globalACL(cat policy.Category) *acl.Queue {
	if cat == policy.CategoryConnect {
		return &s.cfg.LearnedConnect
	}
	return nil
}

/**
 * statCheck tests the filetype requirements of a denied path.
 * @return the specific errno, or zero
 */
func statCheck(abspath string, pc *PathCheck) unix.Errno {
	if pc.Stat == 0 {
		return 0
	}

	var st unix.Stat_t
	var err error
	if pc.NoFollow {
		err = unix.Lstat(abspath, &st)
	} else {
		err = unix.Stat(abspath, &st)
	}
	if err != nil {
		return 0
	}

	ftype := st.Mode & unix.S_IFMT
	switch {
	case pc.Stat&StatNoExist != 0:
		return unix.EEXIST
	case pc.Stat&StatNoSymlink != 0 && ftype == unix.S_IFLNK:
		return unix.ELOOP
	case pc.Stat&StatIsDir != 0 && ftype != unix.S_IFDIR:
		return unix.ENOTDIR
	case pc.Stat&StatNotDir != 0 && ftype == unix.S_IFDIR:
		return unix.EISDIR
	case pc.Stat&StatEmptyDir != 0:
		if ftype != unix.S_IFDIR {
			return unix.ENOTDIR
		}
		if !emptyDir(abspath) {
			return unix.ENOTEMPTY
		}
	}
	return 0
}

func emptyDir(name string) bool {
	f, err := os.Open(name)
	if err != nil {
		return false
	}
	defer f.Close()

	_, err = f.Readdirnames(1)
	return errors.Is(err, io.EOF)
}

// errnoOf extracts the errno of a resolution error, EIO otherwise.
func errnoOf(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

func addrString(a *sockmatch.Address) string {
	if a == nil {
		return "?"
	}
	return a.String()
}
