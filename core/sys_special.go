//go:build linux

package core

import (
	"strings"
	"unsafe"

	"github.com/HQarroum/sydbox/magic"
	"github.com/HQarroum/sydbox/proc"
	"golang.org/x/sys/unix"
)

// Device numbers of /dev/null reported for accepted magic paths.
const (
	nullMajor = 1
	nullMinor = 3
)

func sysStat(s *Sydbox, cur *proc.State) error {
	return s.castStat(cur, 0, statBuf, 1)
}

func sysNewfstatat(s *Sydbox, cur *proc.State) error {
	return s.castStat(cur, 1, statBuf, 2)
}

func sysStatx(s *Sydbox, cur *proc.State) error {
	return s.castStat(cur, 1, statxBuf, 4)
}

/**
 * castStat runs the magic command named by a stat path. Accepted
 * commands get a character device stat result and the command status
 * as return value; paths outside the magic prefix are left alone.
 * @param cur the current thread
 * @param arg index of the path argument
 * @param encode builds the stat buffer
 * @param bufArg index of the stat buffer argument
 */
func (s *Sydbox) castStat(cur *proc.State, arg int, encode func() []byte, bufArg int) error {
	name, err := s.readString(cur, cur.Args[arg])
	if err != nil {
		return ignoreErrno(err)
	}
	if !strings.HasPrefix(name, magic.Prefix) {
		return nil
	}

	r := s.caster.CastString(cur, name, true)
	switch {
	case r == magic.RetNoop:
		return nil
	case r == magic.RetProcessTerminated:
		return errDropped
	case r >= 0 && r.IsError():
		s.log.Warn("failed to cast magic", "tid", cur.Tid, "magic", name, "error", r.String())
		return s.deny(cur, r.Errno())
	}

	if err := s.backend.WriteMemory(cur.Tid, cur.Args[bufArg], encode()); err != nil {
		if err := ignoreErrno(err); err != nil {
			return err
		}
	}
	s.log.Debug("accepted magic", "tid", cur.Tid, "magic", name, "result", r.String())

	var errno unix.Errno
	switch {
	case r < 0:
		errno = r.Errno()
	case r == magic.RetFalse:
		errno = unix.ENOENT
	}
	return s.deny(cur, errno)
}

// statBuf encodes a struct stat describing a world-writable character
// device.
func statBuf() []byte {
	st := unix.Stat_t{
		Mode: unix.S_IFCHR | 0o666,
		Rdev: unix.Mkdev(nullMajor, nullMinor),
	}
	return append([]byte(nil), unsafe.Slice((*byte)(unsafe.Pointer(&st)), unsafe.Sizeof(st))...)
}

func statxBuf() []byte {
	st := unix.Statx_t{
		Mask:       unix.STATX_TYPE | unix.STATX_MODE,
		Mode:       unix.S_IFCHR | 0o666,
		Rdev_major: nullMajor,
		Rdev_minor: nullMinor,
	}
	return append([]byte(nil), unsafe.Slice((*byte)(unsafe.Pointer(&st)), unsafe.Sizeof(st))...)
}

/**
 * sysFcntl follows duplicated sockets and, with
 * core/restrict/file_control, only lets through the commands needed by
 * ordinary programs.
 */
func sysFcntl(s *Sydbox, cur *proc.State) error {
	cmd := int(int32(cur.Args[1]))

	switch cmd {
	case unix.F_DUPFD, unix.F_DUPFD_CLOEXEC:
		return sysDup(s, cur)
	case unix.F_SETFL:
		if s.cfg.RestrictFileControl && cur.Args[2]&(unix.O_ASYNC|unix.O_DIRECT) != 0 {
			return s.deny(cur, unix.EINVAL)
		}
	case unix.F_GETFL, unix.F_SETOWN, unix.F_SETLK, unix.F_SETLKW,
		unix.F_OFD_SETLK, unix.F_OFD_SETLKW, unix.F_GETFD, unix.F_SETFD:
	default:
		if s.cfg.RestrictFileControl {
			return s.deny(cur, unix.EINVAL)
		}
	}
	return nil
}

/**
 * sysMmap refuses writable shared mappings with
 * core/restrict/shared_memory_writable.
 */
func sysMmap(s *Sydbox, cur *proc.State) error {
	if !s.cfg.RestrictSharedMemoryWritable {
		return nil
	}
	if cur.Args[2]&unix.PROT_WRITE != 0 && cur.Args[3]&unix.MAP_SHARED != 0 {
		return s.deny(cur, unix.EINVAL)
	}
	return nil
}
