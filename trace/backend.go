// Package trace talks to the kernel tracing facilities on behalf of the
// supervisor.
package trace

import (
	"errors"

	"github.com/HQarroum/sydbox/sockmatch"
)

var (
	// ErrVanished is returned when the tracee no longer exists.
	ErrVanished = errors.New("process vanished")

	// ErrNotSupported is returned on architectures without register support.
	ErrNotSupported = errors.New("operation not supported on this architecture")
)

/**
 * Backend is the set of tracee operations the supervisor relies on.
 * Every operation may fail with ErrVanished, any other error is an
 * internal tracing failure.
 */
type Backend interface {
	// Resumes the tracee until its next syscall stop.
	Syscall(tid int, sig int) error

	// Resumes the tracee until its next event stop.
	Cont(tid int, sig int) error

	// Detaches from the tracee, letting it run freely.
	Detach(tid int, sig int) error

	// Sends SIGKILL to the tracee.
	Kill(tid int) error

	// Sets the tracing options on the tracee.
	SetOptions(tid int, options int) error

	// Returns the message attached to the last ptrace event.
	EventMsg(tid int) (uint64, error)

	// Reads the syscall number and arguments.
	Registers(tid int) (Regs, error)

	// Replaces the syscall number, -1 skips the syscall.
	SetSyscall(tid int, nr int64) error

	// Replaces the syscall return value.
	SetReturn(tid int, val int64) error

	// Reads a NUL-terminated string.
	ReadString(tid int, addr uint64) (string, error)

	// Reads len(buf) bytes.
	ReadMemory(tid int, addr uint64, buf []byte) error

	// Writes data.
	WriteMemory(tid int, addr uint64, data []byte) error

	// Reads and decodes a socket address of the given length.
	ReadSockaddr(tid int, addr uint64, size int) (*sockmatch.Address, error)
}

/**
 * Regs is the architecture independent view of a syscall stop.
 */
type Regs struct {
	Sysnum int64
	Args   [6]uint64
	Retval int64
}
