//go:build linux

package core

import (
	"slices"

	"github.com/HQarroum/sydbox/canon"
	"github.com/HQarroum/sydbox/policy"
	"github.com/HQarroum/sydbox/proc"
)

// handler is the entry or exit hook of a system call.
type handler func(s *Sydbox, cur *proc.State) error

// sysEntry binds the hooks of one system call.
type sysEntry struct {
	name  string
	enter handler
	exit  handler
}

var systable = []sysEntry{
	{name: "stat", enter: sysStat},
	{name: "lstat", enter: sysStat},
	{name: "newfstatat", enter: sysNewfstatat},
	{name: "statx", enter: sysStatx},

	{name: "access", enter: sysAccess},
	{name: "faccessat", enter: sysFaccessat},
	{name: "faccessat2", enter: sysFaccessat},

	{name: "open", enter: sysOpen},
	{name: "openat", enter: sysOpenat},
	{name: "openat2", enter: sysOpenat2},
	{name: "creat", enter: sysCreat},

	{name: "chmod", enter: writePath(PathCheck{Arg: 0})},
	{name: "fchmodat", enter: writePath(PathCheck{Arg: 1, AtFunc: true})},
	{name: "chown", enter: writePath(PathCheck{Arg: 0})},
	{name: "lchown", enter: writePath(PathCheck{Arg: 0, NoFollow: true})},
	{name: "fchownat", enter: sysFchownat},
	{name: "truncate", enter: writePath(PathCheck{Arg: 0})},
	{name: "utime", enter: writePath(PathCheck{Arg: 0})},
	{name: "utimes", enter: writePath(PathCheck{Arg: 0})},
	{name: "utimensat", enter: sysUtimensat},
	{name: "futimesat", enter: writePath(PathCheck{Arg: 1, AtFunc: true, NullOK: true})},

	{name: "mkdir", enter: writePath(PathCheck{Arg: 0, Mode: canon.AllButLastMustExist, NoFollow: true, Stat: StatNoExist})},
	{name: "mkdirat", enter: writePath(PathCheck{Arg: 1, AtFunc: true, Mode: canon.AllButLastMustExist, NoFollow: true, Stat: StatNoExist})},
	{name: "mknod", enter: writePath(PathCheck{Arg: 0, Mode: canon.AllButLastMustExist, NoFollow: true, Stat: StatNoExist})},
	{name: "mknodat", enter: writePath(PathCheck{Arg: 1, AtFunc: true, Mode: canon.AllButLastMustExist, NoFollow: true, Stat: StatNoExist})},
	{name: "rmdir", enter: writePath(PathCheck{Arg: 0, NoFollow: true, Stat: StatEmptyDir})},
	{name: "unlink", enter: writePath(PathCheck{Arg: 0, NoFollow: true, Stat: StatNotDir})},
	{name: "unlinkat", enter: sysUnlinkat},
	{name: "link", enter: sysLink},
	{name: "linkat", enter: sysLinkat},
	{name: "symlink", enter: writePath(PathCheck{Arg: 1, Mode: canon.AllButLastMustExist, NoFollow: true, Stat: StatNoExist})},
	{name: "symlinkat", enter: writePath(PathCheck{Arg: 2, AtFunc: true, Mode: canon.AllButLastMustExist, NoFollow: true, Stat: StatNoExist})},
	{name: "rename", enter: sysRename},
	{name: "renameat", enter: sysRenameat},
	{name: "renameat2", enter: sysRenameat},

	{name: "setxattr", enter: writePath(PathCheck{Arg: 0})},
	{name: "lsetxattr", enter: writePath(PathCheck{Arg: 0, NoFollow: true})},
	{name: "removexattr", enter: writePath(PathCheck{Arg: 0})},
	{name: "lremovexattr", enter: writePath(PathCheck{Arg: 0, NoFollow: true})},
	{name: "mount", enter: writePath(PathCheck{Arg: 1})},
	{name: "umount", enter: writePath(PathCheck{Arg: 0})},
	{name: "umount2", enter: sysUmount2},

	{name: "execve", enter: sysExecve},
	{name: "execveat", enter: sysExecveat},

	{name: "chdir", enter: stopAtExit, exit: sysChdirExit},
	{name: "fchdir", enter: stopAtExit, exit: sysChdirExit},

	{name: "bind", enter: sysBind, exit: sysBindExit},
	{name: "connect", enter: sysConnect},
	{name: "sendto", enter: sysSendto},
	{name: "getsockname", enter: sysGetsockname, exit: sysGetsocknameExit},
	{name: "dup", enter: sysDup, exit: sysDupExit},
	{name: "dup2", enter: sysDup, exit: sysDupExit},
	{name: "dup3", enter: sysDup, exit: sysDupExit},
	{name: "fcntl", enter: sysFcntl, exit: sysDupExit},
	{name: "close", enter: sysClose, exit: sysCloseExit},

	{name: "mmap", enter: sysMmap},
}

/**
 * @return the handler table indexed by system call name.
 */
func newSystable() map[string]*sysEntry {
	m := make(map[string]*sysEntry, len(systable))
	for i := range systable {
		m[systable[i].name] = &systable[i]
	}
	return m
}

/**
 * Syscalls lists the system calls the supervisor must stop on. It
 * drives the seccomp filter of the launcher, which enforces the mmap
 * restriction on its own.
 * @return the sorted system call names
 */
func Syscalls() []string {
	names := make([]string, 0, len(systable))
	for _, e := range systable {
		if e.name == "mmap" {
			continue
		}
		names = append(names, e.name)
	}
	slices.Sort(names)
	return names
}

// writePath checks a single path argument against the write sandbox.
func writePath(pc PathCheck) handler {
	pc.Category = policy.CategoryWrite
	return func(s *Sydbox, cur *proc.State) error {
		c := pc
		return s.CheckPath(cur, &c)
	}
}

func stopAtExit(_ *Sydbox, cur *proc.State) error {
	cur.Flags |= proc.FlagStopAtSysexit
	return nil
}

// denied reports whether the current system call has been denied.
func denied(cur *proc.State) bool {
	return cur.Flags&proc.FlagDenySyscall != 0
}
