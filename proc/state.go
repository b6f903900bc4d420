//go:build linux

// Package proc models the traced threads and the clone-shared structures
// they reference.
package proc

import (
	"maps"

	"github.com/HQarroum/sydbox/policy"
	"github.com/HQarroum/sydbox/sockmatch"
	"golang.org/x/sys/unix"
)

/**
 * SockInfo describes a socket address observed on a tracee.
 */
type SockInfo struct {
	// Resolved path for non-abstract unix sockets.
	Path string

	// Decoded address.
	Addr *sockmatch.Address
}

/**
 * ClonedThread is shared between threads created with CLONE_THREAD.
 */
type ClonedThread struct {
	Comm string
	Box  *policy.Sandbox
	refs int
}

/**
 * ClonedFs is shared between threads created with CLONE_FS.
 */
type ClonedFs struct {
	Cwd  string
	refs int
}

/**
 * ClonedFiles is shared between threads created with CLONE_FILES.
 */
type ClonedFiles struct {
	// Address of a bind() awaiting its exit stop.
	PendingBind *SockInfo

	// Bound sockets waiting for getsockname(), keyed by fd.
	Sockets map[int]*SockInfo

	refs int
}

// Refs returns the number of threads referencing the structure.
func (t *ClonedThread) Refs() int { return t.refs }

// Refs returns the number of threads referencing the structure.
func (f *ClonedFs) Refs() int { return f.refs }

// Refs returns the number of threads referencing the structure.
func (f *ClonedFiles) Refs() int { return f.refs }

/**
 * Per-thread tracing flags.
 */
type Flags uint

const (
	// The thread is between syscall entry and exit.
	FlagInSyscall Flags = 1 << iota

	// The current syscall was denied at entry.
	FlagDenySyscall

	// An exit stop is requested for the current syscall.
	FlagStopAtSysexit

	// The thread must be killed on its next stop.
	FlagKillOnStop

	// A freshly attached thread still owes an initial SIGSTOP.
	FlagIgnoreOneSIGSTOP
)

/**
 * State is the supervisor's view of one traced thread.
 */
type State struct {
	Tid   int
	Tgid  int
	Ppid  int
	Flags Flags

	// Scratch for the syscall being handled.
	Sysnum  int64
	Sysname string
	Args    [6]uint64
	Retval  int64
	Abspath string

	Thread *ClonedThread
	Fs     *ClonedFs
	Files  *ClonedFiles
}

/**
 * Seed supplies the initial values of a thread without a parent.
 */
type Seed struct {
	Comm string
	Cwd  string
	Box  *policy.Sandbox
}

/**
 * NewThread creates the state of a new thread. For every clone flag
 * present the parent structure is shared, otherwise a private copy of
 * the parent values, or of the seed values without parent, is made.
 * @param tid the thread id
 * @param parent the parent thread, may be nil
 * @param flags the clone() flags the thread was created with
 * @param seed the initial values used without a parent
 * @return the new state
 */
func NewThread(tid int, parent *State, flags uint64, seed Seed) *State {
	s := &State{Tid: tid, Tgid: tid}

	if parent != nil {
		s.Ppid = parent.Tid
		if flags&unix.CLONE_THREAD != 0 {
			s.Tgid = parent.Tgid
			s.Thread = parent.Thread.share()
		} else {
			s.Thread = &ClonedThread{Comm: parent.Thread.Comm, Box: parent.Thread.Box.Clone(), refs: 1}
		}
		if flags&unix.CLONE_FS != 0 {
			s.Fs = parent.Fs.share()
		} else {
			s.Fs = &ClonedFs{Cwd: parent.Fs.Cwd, refs: 1}
		}
		if flags&unix.CLONE_FILES != 0 {
			s.Files = parent.Files.share()
		} else {
			s.Files = &ClonedFiles{Sockets: maps.Clone(parent.Files.Sockets), refs: 1}
		}
		return s
	}

	box := seed.Box
	if box == nil {
		box = &policy.Sandbox{}
	}
	s.Thread = &ClonedThread{Comm: seed.Comm, Box: box.Clone(), refs: 1}
	s.Fs = &ClonedFs{Cwd: seed.Cwd, refs: 1}
	s.Files = &ClonedFiles{refs: 1}
	return s
}

func (t *ClonedThread) share() *ClonedThread {
	t.refs++
	return t
}

func (f *ClonedFs) share() *ClonedFs {
	f.refs++
	return f
}

func (f *ClonedFiles) share() *ClonedFiles {
	f.refs++
	return f
}

/**
 * Release drops the references held by the thread. Shared structures
 * are freed once their last reference is gone.
 */
func (s *State) Release() {
	if t := s.Thread; t != nil {
		if t.refs--; t.refs == 0 {
			t.Box = nil
		}
		s.Thread = nil
	}
	if f := s.Fs; f != nil {
		if f.refs--; f.refs == 0 {
			f.Cwd = ""
		}
		s.Fs = nil
	}
	if f := s.Files; f != nil {
		if f.refs--; f.refs == 0 {
			f.PendingBind = nil
			f.Sockets = nil
		}
		s.Files = nil
	}
}

/**
 * @return the sandbox governing the thread.
 */
func (s *State) Box() *policy.Sandbox {
	return s.Thread.Box
}

/**
 * @return the working directory of the thread.
 */
func (s *State) Cwd() string {
	return s.Fs.Cwd
}

/**
 * SetCwd updates the working directory, visible to every thread sharing
 * the filesystem structure.
 */
func (s *State) SetCwd(cwd string) {
	s.Fs.Cwd = cwd
}

/**
 * @return the command name of the thread.
 */
func (s *State) Comm() string {
	return s.Thread.Comm
}

/**
 * SetSocket records a bound socket for fd, allocating the map lazily.
 */
func (s *State) SetSocket(fd int, info *SockInfo) {
	if s.Files.Sockets == nil {
		s.Files.Sockets = make(map[int]*SockInfo)
	}
	s.Files.Sockets[fd] = info
}

/**
 * ResetScratch clears the per-syscall fields.
 */
func (s *State) ResetScratch() {
	s.Sysnum = 0
	s.Sysname = ""
	s.Args = [6]uint64{}
	s.Retval = 0
	s.Abspath = ""
	s.Flags &^= FlagInSyscall | FlagDenySyscall | FlagStopAtSysexit
}
