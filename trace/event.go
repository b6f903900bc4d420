//go:build linux

package trace

import (
	"errors"
	"runtime"

	"golang.org/x/sys/unix"
)

/**
 * Kind of a stop event.
 */
type EventKind int

const (
	EventSyscall EventKind = iota
	EventSeccomp
	EventFork
	EventVfork
	EventClone
	EventExec
	EventExit
	EventSignal
	EventExited
	EventSignaled
	EventStop
)

/**
 * @return a string representation of the event kind.
 */
func (k EventKind) String() string {
	switch k {
	case EventSyscall:
		return "syscall"
	case EventSeccomp:
		return "seccomp"
	case EventFork:
		return "fork"
	case EventVfork:
		return "vfork"
	case EventClone:
		return "clone"
	case EventExec:
		return "exec"
	case EventExit:
		return "exit"
	case EventSignal:
		return "signal"
	case EventExited:
		return "exited"
	case EventSignaled:
		return "signaled"
	case EventStop:
		return "stop"
	default:
		return "unknown"
	}
}

/**
 * Event is one result of waiting on the traced process tree.
 */
type Event struct {
	Tid    int
	Kind   EventKind
	Status unix.WaitStatus

	// Signal for EventSignal and EventSignaled.
	Signal unix.Signal

	// Exit status for EventExited.
	ExitCode int
}

/**
 * Classify turns a wait status into an event.
 * @param tid the waited thread
 * @param ws the wait status
 * @return the event
 */
func Classify(tid int, ws unix.WaitStatus) Event {
	ev := Event{Tid: tid, Status: ws}

	switch {
	case ws.Exited():
		ev.Kind = EventExited
		ev.ExitCode = ws.ExitStatus()
	case ws.Signaled():
		ev.Kind = EventSignaled
		ev.Signal = ws.Signal()
	case ws.Stopped():
		sig := ws.StopSignal()
		switch {
		case sig == unix.SIGTRAP|0x80:
			ev.Kind = EventSyscall
		case sig == unix.SIGTRAP && ws.TrapCause() > 0:
			ev.Kind = trapEvent(ws.TrapCause())
		default:
			ev.Kind = EventSignal
			ev.Signal = sig
		}
	default:
		ev.Kind = EventStop
	}
	return ev
}

func trapEvent(cause int) EventKind {
	switch cause {
	case unix.PTRACE_EVENT_FORK:
		return EventFork
	case unix.PTRACE_EVENT_VFORK:
		return EventVfork
	case unix.PTRACE_EVENT_CLONE:
		return EventClone
	case unix.PTRACE_EVENT_EXEC:
		return EventExec
	case unix.PTRACE_EVENT_EXIT:
		return EventExit
	case unix.PTRACE_EVENT_SECCOMP:
		return EventSeccomp
	default:
		return EventStop
	}
}

/**
 * Wait streams stop events of every tracee until no child is left.
 * The waiting goroutine keeps its own thread, tracees of the other
 * threads of the process being waitable from it. The channel is closed
 * once wait reports ECHILD or fails.
 * @return the event channel and a channel receiving the final error
 */
func Wait() (<-chan Event, <-chan error) {
	events := make(chan Event)
	errs := make(chan error, 1)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(events)

		for {
			var ws unix.WaitStatus
			tid, err := unix.Wait4(-1, &ws, unix.WALL, nil)
			if err == unix.EINTR {
				continue
			}
			if errors.Is(err, unix.ECHILD) {
				errs <- nil
				return
			}
			if err != nil {
				errs <- err
				return
			}
			events <- Classify(tid, ws)
		}
	}()

	return events, errs
}
