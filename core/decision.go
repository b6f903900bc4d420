//go:build linux

package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/HQarroum/sydbox/audit"
	"github.com/HQarroum/sydbox/policy"
	"github.com/HQarroum/sydbox/proc"
	"github.com/HQarroum/sydbox/trace"
	"golang.org/x/sys/unix"
)

/**
 * Exit stops the supervisor with the given exit code.
 */
type Exit struct {
	Code int
}

func (e *Exit) Error() string {
	return fmt.Sprintf("supervisor exiting with code %d", e.Code)
}

/**
 * deny skips the current system call and arranges for errno to be
 * returned at its exit stop.
 * @param cur the current thread
 * @param errno the error returned to the tracee, zero for success
 */
func (s *Sydbox) deny(cur *proc.State, errno unix.Errno) error {
	cur.Flags |= proc.FlagDenySyscall | proc.FlagStopAtSysexit
	cur.Retval = -int64(errno)

	s.log.Debug("denying system call", "tid", cur.Tid, "syscall", cur.Sysname, "errno", errno)
	return s.backend.SetSyscall(cur.Tid, -1)
}

/**
 * denyFailure denies after a failed argument resolution, reporting a
 * violation when violation/raise_fail is set.
 */
func (s *Sydbox) denyFailure(cur *proc.State, cat policy.Category, errno unix.Errno) error {
	if err := s.deny(cur, errno); err != nil {
		return err
	}
	if !s.cfg.RaiseFail {
		return nil
	}
	return s.violation(cur, cat, cur.Sysname+"()", errno)
}

/**
 * violation reports an access violation and applies the violation
 * decision.
 * @param cur the offending thread
 * @param cat the access category
 * @param target the denied path or address
 * @param errno the errno returned to the tracee
 */
func (s *Sydbox) violation(cur *proc.State, cat policy.Category, target string, errno unix.Errno) error {
	s.violated = true

	decision := s.cfg.Violation
	s.log.Warn("access violation",
		"tid", cur.Tid,
		"comm", cur.Comm(),
		"syscall", cur.Sysname,
		"category", cat.String(),
		"target", target,
		"errno", errno.Error(),
		"decision", decision.String())

	if s.audit != nil {
		err := s.audit.Record(s.run, audit.Violation{
			Time:     time.Now(),
			Name:     s.name,
			Tid:      cur.Tid,
			Comm:     cur.Comm(),
			Syscall:  cur.Sysname,
			Category: cat.String(),
			Target:   target,
			Errno:    int(errno),
			Decision: decision.String(),
		})
		if err != nil {
			s.log.Error("failed to record violation", "error", err)
		}
	}

	switch decision {
	case policy.ViolationKill:
		s.log.Warn("killing offending process", "tid", cur.Tid)
		return s.killOne(cur)
	case policy.ViolationCont:
		s.log.Warn("resuming offending process", "tid", cur.Tid)
		return s.detachOne(cur)
	case policy.ViolationKillAll:
		s.killAll()
		return &Exit{Code: s.finalCode()}
	case policy.ViolationContAll:
		s.contAll()
		return &Exit{Code: s.finalCode()}
	default:
		return nil
	}
}

/**
 * tracePanic handles an internal tracing failure on a thread.
 * @param cur the thread, may be nil
 * @param cause the failure
 */
func (s *Sydbox) tracePanic(cur *proc.State, cause error) error {
	tid := 0
	if cur != nil {
		tid = cur.Tid
	}
	s.log.Error("tracing failure", "tid", tid, "error", cause, "decision", s.cfg.Panic.String())

	switch s.cfg.Panic {
	case policy.PanicCont:
		if cur != nil {
			return s.detachOne(cur)
		}
		return nil
	case policy.PanicContAll:
		s.contAll()
		return &Exit{Code: s.panicCode()}
	case policy.PanicKillAll:
		s.killAll()
		return &Exit{Code: s.panicCode()}
	default:
		if cur != nil {
			return s.killOne(cur)
		}
		return nil
	}
}

/**
 * abort applies the abort decision on a fatal signal.
 */
func (s *Sydbox) abort(reason string) error {
	s.log.Warn("aborting", "reason", reason, "decision", s.cfg.Abort.String())

	if s.cfg.Abort == policy.AbortKillAll {
		s.killAll()
	} else {
		s.contAll()
	}
	return &Exit{Code: s.finalCode()}
}

func (s *Sydbox) killOne(cur *proc.State) error {
	err := s.backend.Kill(cur.Tid)
	if err == nil || errors.Is(err, trace.ErrVanished) {
		return errDropped
	}
	s.log.Error("failed to kill process, retrying at next stop", "tid", cur.Tid, "error", err)
	cur.Flags |= proc.FlagKillOnStop
	return errKillPending
}

func (s *Sydbox) detachOne(cur *proc.State) error {
	if err := s.backend.Detach(cur.Tid, 0); err != nil && !errors.Is(err, trace.ErrVanished) {
		s.log.Error("failed to detach process", "tid", cur.Tid, "error", err)
	}
	return errDropped
}

/**
 * killAll kills every traced thread and empties the table.
 */
func (s *Sydbox) killAll() {
	s.table.Each(func(st *proc.State) {
		_ = s.backend.Kill(st.Tid)
		s.table.Remove(st.Tid)
	})
}

/**
 * contAll detaches from every traced thread and empties the table.
 */
func (s *Sydbox) contAll() {
	s.table.Each(func(st *proc.State) {
		_ = s.backend.Detach(st.Tid, 0)
		s.table.Remove(st.Tid)
	})
}

/**
 * @return the exit code of the run, taking violations into account.
 */
func (s *Sydbox) finalCode() int {
	if !s.violated {
		return s.exitCode
	}
	switch code := s.cfg.ViolationExitCode; {
	case code > 0:
		return code
	case code == 0:
		return 128 + s.exitCode
	default:
		return s.exitCode
	}
}

func (s *Sydbox) panicCode() int {
	if s.cfg.PanicExitCode > 0 {
		return s.cfg.PanicExitCode
	}
	return s.exitCode
}
