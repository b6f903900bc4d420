//go:build linux

package core

import (
	"encoding/binary"
	"errors"

	"github.com/HQarroum/sydbox/canon"
	"github.com/HQarroum/sydbox/policy"
	"github.com/HQarroum/sydbox/proc"
	"golang.org/x/sys/unix"
)

func sysOpen(s *Sydbox, cur *proc.State) error {
	return s.checkOpen(cur, PathCheck{Arg: 0}, cur.Args[1])
}

func sysOpenat(s *Sydbox, cur *proc.State) error {
	return s.checkOpen(cur, PathCheck{Arg: 1, AtFunc: true}, cur.Args[2])
}

func sysCreat(s *Sydbox, cur *proc.State) error {
	return s.checkOpen(cur, PathCheck{Arg: 0}, unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC)
}

// openat2 carries its flags in the leading u64 of struct open_how.
func sysOpenat2(s *Sydbox, cur *proc.State) error {
	box := cur.Box()
	if box.Read == policy.ModeOff && box.Write == policy.ModeOff {
		return nil
	}

	buf := make([]byte, 8)
	if err := s.backend.ReadMemory(cur.Tid, cur.Args[2], buf); err != nil {
		var errno unix.Errno
		if errors.As(err, &errno) {
			return s.deny(cur, errno)
		}
		return err
	}
	return s.checkOpen(cur, PathCheck{Arg: 1, AtFunc: true}, binary.NativeEndian.Uint64(buf))
}

/**
 * checkOpen derives the access categories of an open from its flags
 * and checks the path against each of them, write first.
 * @param cur the current thread
 * @param pc the path descriptor
 * @param flags the open flags
 */
func (s *Sydbox) checkOpen(cur *proc.State, pc PathCheck, flags uint64) error {
	box := cur.Box()
	if box.Read == policy.ModeOff && box.Write == policy.ModeOff {
		return nil
	}

	pc.Mode = canon.AllMustExist
	if flags&unix.O_CREAT != 0 {
		pc.Mode = canon.AllButLastMustExist
		if flags&unix.O_EXCL != 0 {
			pc.NoFollow = true
			pc.Stat |= StatNoExist
		}
	}
	if flags&unix.O_DIRECTORY != 0 {
		pc.Stat |= StatIsDir
	}
	if flags&unix.O_NOFOLLOW != 0 {
		pc.NoFollow = true
		pc.Stat |= StatNoSymlink
	}

	var rd, wr bool
	switch flags & unix.O_ACCMODE {
	case unix.O_RDONLY:
		rd = true
		wr = flags&unix.O_CREAT != 0
	case unix.O_WRONLY:
		wr = true
	default:
		rd, wr = true, true
	}

	if wr {
		w := pc
		w.Category = policy.CategoryWrite
		if err := s.CheckPath(cur, &w); err != nil || denied(cur) {
			return err
		}
	}
	if rd {
		r := pc
		r.Category = policy.CategoryRead
		return s.CheckPath(cur, &r)
	}
	return nil
}

func sysAccess(s *Sydbox, cur *proc.State) error {
	return s.checkAccess(cur, PathCheck{Arg: 0}, cur.Args[1])
}

func sysFaccessat(s *Sydbox, cur *proc.State) error {
	pc := PathCheck{Arg: 1, AtFunc: true}
	if cur.Sysname == "faccessat2" && cur.Args[3]&unix.AT_SYMLINK_NOFOLLOW != 0 {
		pc.NoFollow = true
	}
	return s.checkAccess(cur, pc, cur.Args[2])
}

/**
 * checkAccess maps access(2) modes onto categories. Denials are safe
 * and return EACCES.
 */
func (s *Sydbox) checkAccess(cur *proc.State, pc PathCheck, mode uint64) error {
	pc.Safe = true
	pc.Errno = unix.EACCES

	for _, c := range []struct {
		bit uint64
		cat policy.Category
	}{
		{unix.W_OK, policy.CategoryWrite},
		{unix.R_OK, policy.CategoryRead},
		{unix.X_OK, policy.CategoryExec},
	} {
		if mode&c.bit == 0 {
			continue
		}
		check := pc
		check.Category = c.cat
		if err := s.CheckPath(cur, &check); err != nil || denied(cur) {
			return err
		}
	}
	return nil
}

func sysFchownat(s *Sydbox, cur *proc.State) error {
	flags := cur.Args[4]
	return writePath(PathCheck{
		Arg:      1,
		AtFunc:   true,
		NullOK:   flags&unix.AT_EMPTY_PATH != 0,
		NoFollow: flags&unix.AT_SYMLINK_NOFOLLOW != 0,
	})(s, cur)
}

func sysUtimensat(s *Sydbox, cur *proc.State) error {
	return writePath(PathCheck{
		Arg:      1,
		AtFunc:   true,
		NullOK:   true,
		NoFollow: cur.Args[3]&unix.AT_SYMLINK_NOFOLLOW != 0,
	})(s, cur)
}

func sysUnlinkat(s *Sydbox, cur *proc.State) error {
	pc := PathCheck{Arg: 1, AtFunc: true, NoFollow: true, Stat: StatNotDir}
	if cur.Args[2]&unix.AT_REMOVEDIR != 0 {
		pc.Stat = StatEmptyDir
	}
	return writePath(pc)(s, cur)
}

func sysUmount2(s *Sydbox, cur *proc.State) error {
	return writePath(PathCheck{Arg: 0, NoFollow: cur.Args[1]&unix.UMOUNT_NOFOLLOW != 0})(s, cur)
}

func sysLink(s *Sydbox, cur *proc.State) error {
	return s.checkPair(cur,
		PathCheck{Arg: 0, NoFollow: true},
		PathCheck{Arg: 1, Mode: canon.AllButLastMustExist, NoFollow: true, Stat: StatNoExist})
}

func sysLinkat(s *Sydbox, cur *proc.State) error {
	flags := cur.Args[4]
	return s.checkPair(cur,
		PathCheck{Arg: 1, AtFunc: true, NullOK: flags&unix.AT_EMPTY_PATH != 0, NoFollow: flags&unix.AT_SYMLINK_FOLLOW == 0},
		PathCheck{Arg: 3, AtFunc: true, Mode: canon.AllButLastMustExist, NoFollow: true, Stat: StatNoExist})
}

func sysRename(s *Sydbox, cur *proc.State) error {
	return s.checkRename(cur, PathCheck{Arg: 0, NoFollow: true}, PathCheck{Arg: 1})
}

func sysRenameat(s *Sydbox, cur *proc.State) error {
	return s.checkRename(cur, PathCheck{Arg: 1, AtFunc: true, NoFollow: true}, PathCheck{Arg: 3, AtFunc: true})
}

/**
 * checkRename checks both paths of a rename, a directory may only
 * replace an empty directory.
 */
func (s *Sydbox) checkRename(cur *proc.State, from, to PathCheck) error {
	from.Category = policy.CategoryWrite
	if err := s.CheckPath(cur, &from); err != nil || denied(cur) {
		return err
	}

	to.Category = policy.CategoryWrite
	to.Mode = canon.AllButLastMustExist
	to.NoFollow = true
	if from.Abspath != "" {
		var st unix.Stat_t
		if unix.Lstat(from.Abspath, &st) == nil && st.Mode&unix.S_IFMT == unix.S_IFDIR {
			to.Stat = StatEmptyDir
		}
	}
	return s.CheckPath(cur, &to)
}

// checkPair checks two write paths, stopping at the first denial.
func (s *Sydbox) checkPair(cur *proc.State, first, second PathCheck) error {
	first.Category = policy.CategoryWrite
	if err := s.CheckPath(cur, &first); err != nil || denied(cur) {
		return err
	}
	second.Category = policy.CategoryWrite
	return s.CheckPath(cur, &second)
}

func sysExecve(s *Sydbox, cur *proc.State) error {
	return s.checkExec(cur, PathCheck{Arg: 0})
}

func sysExecveat(s *Sydbox, cur *proc.State) error {
	flags := cur.Args[4]
	return s.checkExec(cur, PathCheck{
		Arg:      1,
		AtFunc:   true,
		NullOK:   flags&unix.AT_EMPTY_PATH != 0,
		NoFollow: flags&unix.AT_SYMLINK_NOFOLLOW != 0,
	})
}

/**
 * checkExec resolves the executed path, which is kept for the exec
 * event, and checks it against the exec sandbox.
 */
func (s *Sydbox) checkExec(cur *proc.State, pc PathCheck) error {
	pc.Category = policy.CategoryExec
	pc.Mode = canon.AllMustExist
	pc.Errno = unix.EACCES

	// Keep the scratch, and Abspath, alive until the exec event.
	cur.Flags |= proc.FlagStopAtSysexit

	abspath, fail, err := s.resolvePath(cur, &pc)
	if err != nil {
		return err
	}
	if fail != 0 {
		if cur.Box().Exec == policy.ModeOff {
			return nil
		}
		return s.denyFailure(cur, pc.Category, fail)
	}
	cur.Abspath = abspath
	pc.Abspath = abspath

	return s.checkResolved(cur, &pc, abspath)
}

func sysChdirExit(s *Sydbox, cur *proc.State) error {
	if cur.Retval < 0 {
		return nil
	}
	cwd, err := s.procfs.Cwd(cur.Tid)
	if err != nil {
		return err
	}
	s.log.Debug("working directory changed", "tid", cur.Tid, "from", cur.Cwd(), "to", cwd)
	cur.SetCwd(cwd)
	return nil
}
