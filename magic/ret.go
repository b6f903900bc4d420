// Package magic implements the in-band command protocol used to inspect
// and reconfigure the sandbox at runtime.
package magic

import "golang.org/x/sys/unix"

/**
 * Ret is the result of a magic command.
 */
type Ret int

const (
	RetOK Ret = iota
	RetNoop
	RetTrue
	RetFalse
	RetNotSupported
	RetInvalidKey
	RetInvalidType
	RetInvalidValue
	RetInvalidQuery
	RetInvalidCommand
	RetInvalidOperation
	RetNoPerm
	RetOutOfMemory
	RetProcessTerminated
)

/**
 * @return a string representation of the result.
 */
func (r Ret) String() string {
	if r < 0 {
		return unix.Errno(-r).Error()
	}
	switch r {
	case RetOK:
		return "ok"
	case RetNoop:
		return "noop"
	case RetTrue:
		return "true"
	case RetFalse:
		return "false"
	case RetNotSupported:
		return "not supported"
	case RetInvalidKey:
		return "invalid key"
	case RetInvalidType:
		return "invalid type"
	case RetInvalidValue:
		return "invalid value"
	case RetInvalidQuery:
		return "invalid query"
	case RetInvalidCommand:
		return "invalid command"
	case RetInvalidOperation:
		return "invalid operation"
	case RetNoPerm:
		return "permission denied"
	case RetOutOfMemory:
		return "out of memory"
	case RetProcessTerminated:
		return "process terminated"
	default:
		return "unknown"
	}
}

/**
 * @return true if the result denotes a failure.
 */
func (r Ret) IsError() bool {
	return r < 0 || r >= RetNotSupported
}

/**
 * ErrnoRet wraps an errno reported by a command into a result.
 */
func ErrnoRet(errno unix.Errno) Ret {
	return Ret(-int(errno))
}

/**
 * Errno maps a failure onto the errno returned to the tracee. Negative
 * results carry an errno directly.
 * @return the errno, or 0 for non-failures
 */
func (r Ret) Errno() unix.Errno {
	if r < 0 {
		return unix.Errno(-r)
	}
	switch r {
	case RetNotSupported:
		return unix.ENOTSUP
	case RetInvalidKey, RetInvalidType, RetInvalidValue, RetInvalidQuery,
		RetInvalidCommand, RetInvalidOperation:
		return unix.EINVAL
	case RetOutOfMemory:
		return unix.ENOMEM
	case RetNoPerm:
		return unix.EPERM
	case RetFalse:
		return unix.ENOENT
	default:
		return 0
	}
}

/**
 * Error is a failed magic command.
 */
type Error struct {
	Command string
	Ret     Ret
}

func (e *Error) Error() string {
	return "magic " + e.Command + ": " + e.Ret.String()
}
