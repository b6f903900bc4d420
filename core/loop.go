//go:build linux

package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"

	"github.com/HQarroum/sydbox/policy"
	"github.com/HQarroum/sydbox/proc"
	"github.com/HQarroum/sydbox/trace"
	"golang.org/x/sys/unix"
)

/**
 * Run spawns the sandboxed command and supervises it until every
 * tracee is gone. The calling goroutine is locked to its thread for
 * the whole run since every ptrace request must come from the thread
 * that spawned the tracee.
 * @param ctx cancelling ctx aborts the run
 * @param spawn starts the eldest tracee, stopped, and returns its pid
 * @return the exit code of the run and any supervisor error
 */
func (s *Sydbox) Run(ctx context.Context, spawn func() (int, error)) (int, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	pid, err := spawn()
	if err != nil {
		return 1, fmt.Errorf("spawn: %w", err)
	}
	if err := s.Attach(pid, true); err != nil {
		_ = s.backend.Kill(pid)
		return 1, err
	}

	sigs := make(chan os.Signal, 1)
	if watched := abortSignals(s.cfg.Interrupt); len(watched) > 0 {
		signal.Notify(sigs, watched...)
		defer signal.Stop(sigs)
	}

	events, errs := trace.Wait()
	return s.Supervise(ctx, events, errs, sigs)
}

/**
 * abortSignals installs the interrupt policy.
 * @return the signals that abort the run
 */
func abortSignals(mode policy.TraceInterrupt) []os.Signal {
	fatal := []os.Signal{unix.SIGINT, unix.SIGTERM, unix.SIGHUP, unix.SIGQUIT}

	switch mode {
	case policy.InterruptNever:
		signal.Ignore(fatal...)
		return nil
	case policy.InterruptBlockTstpToo:
		signal.Ignore(unix.SIGTSTP)
	}
	return fatal
}

/**
 * Attach registers the eldest tracee, which must be in a ptrace stop,
 * and resumes it.
 * @param pid the eldest tracee
 * @param awaitExec ignore the system calls of the process until it
 * executes, used when it is still the launcher helper
 */
func (s *Sydbox) Attach(pid int, awaitExec bool) error {
	if err := s.backend.SetOptions(pid, s.traceOptions()); err != nil {
		return fmt.Errorf("set trace options: %w", err)
	}

	comm, _ := s.procfs.Comm(pid)
	cwd, err := s.procfs.Cwd(pid)
	if err != nil {
		return fmt.Errorf("read working directory of %d: %w", pid, err)
	}

	cur := proc.NewThread(pid, nil, 0, proc.Seed{Comm: comm, Cwd: cwd, Box: &s.cfg.Child})
	s.table.Add(cur)
	s.eldest = pid
	s.waitExec = awaitExec
	s.whitelistProcDirs(cur)

	s.log.Info("supervising process", "pid", pid, "comm", comm, "run", s.run.String(), "name", s.name)
	return s.resume(cur, 0)
}

/**
 * @return the ptrace options matching the configuration.
 */
func (s *Sydbox) traceOptions() int {
	opts := unix.PTRACE_O_TRACESYSGOOD | unix.PTRACE_O_TRACEEXEC | unix.PTRACE_O_TRACEEXIT
	if s.cfg.FollowFork {
		opts |= unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACEVFORK | unix.PTRACE_O_TRACECLONE
	}
	if s.cfg.UseSeccomp {
		opts |= unix.PTRACE_O_TRACESECCOMP
	}
	if s.cfg.ExitKill {
		opts |= unix.PTRACE_O_EXITKILL
	}
	return opts
}

/**
 * Supervise processes stop events until the traced tree is gone, a
 * decision ends the run, or an abort signal arrives.
 * @param ctx cancelling ctx aborts the run
 * @param events the stop events
 * @param errs receives the final wait error once events is closed
 * @param sigs the abort signals
 * @return the exit code of the run and any supervisor error
 */
func (s *Sydbox) Supervise(ctx context.Context, events <-chan trace.Event, errs <-chan error, sigs <-chan os.Signal) (int, error) {
	s.events = events

	for {
		var ev trace.Event
		if len(s.backlog) > 0 {
			ev, s.backlog = s.backlog[0], s.backlog[1:]
		} else {
			var ok bool
			select {
			case <-ctx.Done():
				return s.exitOf(s.abort(ctx.Err().Error()))
			case sig := <-sigs:
				return s.exitOf(s.abort(sig.String()))
			case ev, ok = <-events:
			}
			if !ok {
				s.events = nil
				if err := <-errs; err != nil {
					return s.finalCode(), fmt.Errorf("wait: %w", err)
				}
				return s.finalCode(), nil
			}
		}

		if err := s.handleEvent(ev); err != nil {
			return s.exitOf(err)
		}
	}
}

// exitOf turns a terminal handler error into the result of the run.
func (s *Sydbox) exitOf(err error) (int, error) {
	var exit *Exit
	if errors.As(err, &exit) {
		s.log.Info("supervisor exiting", "code", exit.Code)
		return exit.Code, nil
	}
	return s.finalCode(), err
}

/**
 * handleEvent dispatches one stop event.
 * @return nil, an *Exit ending the run, or a fatal error
 */
func (s *Sydbox) handleEvent(ev trace.Event) error {
	cur := s.table.Lookup(ev.Tid)
	if cur == nil {
		return s.handleUnknown(ev)
	}

	if cur.Flags&proc.FlagKillOnStop != 0 && ev.Kind != trace.EventExited && ev.Kind != trace.EventSignaled {
		return s.settle(cur, s.killOne(cur))
	}

	var err error
	switch ev.Kind {
	case trace.EventSyscall:
		if cur.Flags&proc.FlagInSyscall != 0 {
			err = s.syscallExit(cur)
		} else {
			err = s.syscallEnter(cur)
		}
	case trace.EventSeccomp:
		err = s.syscallEnter(cur)
	case trace.EventFork, trace.EventVfork, trace.EventClone:
		err = s.forkEvent(cur, ev.Kind)
	case trace.EventExec:
		cur, err = s.execEvent(cur)
	case trace.EventSignal:
		err = s.signalStop(cur, ev.Signal)
	case trace.EventExited, trace.EventSignaled:
		return s.exitEvent(cur, ev)
	default:
		err = s.resume(cur, 0)
	}
	return s.settle(cur, err)
}

/**
 * settle applies the outcome of a handler to the thread.
 */
func (s *Sydbox) settle(cur *proc.State, err error) error {
	if err == nil {
		return nil
	}

	var exit *Exit
	switch {
	case errors.As(err, &exit):
		return err
	case errors.Is(err, errDropped), errors.Is(err, trace.ErrVanished):
		s.drop(cur)
		return nil
	case errors.Is(err, errKillPending):
		// Stop again as soon as possible, even in seccomp mode.
		return s.settle(cur, s.backend.Syscall(cur.Tid, 0))
	}

	err = s.tracePanic(cur, err)
	switch {
	case errors.Is(err, errDropped):
		s.drop(cur)
		return nil
	case errors.Is(err, errKillPending):
		if rerr := s.backend.Syscall(cur.Tid, 0); rerr != nil {
			s.drop(cur)
		}
		return nil
	}
	return err
}

func (s *Sydbox) drop(cur *proc.State) {
	s.log.Debug("dropping process", "tid", cur.Tid)
	s.table.Remove(cur.Tid)
}

/**
 * handleUnknown handles the events of threads the table does not know
 * about: fresh clones whose parent did not report yet, and threads
 * already dropped.
 */
func (s *Sydbox) handleUnknown(ev trace.Event) error {
	switch ev.Kind {
	case trace.EventExited, trace.EventSignaled:
		delete(s.orphans, ev.Tid)
		if ev.Tid == s.eldest {
			s.recordExit(ev)
			if !s.cfg.ExitWaitAll {
				s.contAll()
				return &Exit{Code: s.finalCode()}
			}
		}
		return nil
	case trace.EventSignal:
		if ev.Signal == unix.SIGSTOP {
			s.orphans[ev.Tid] = true
			return nil
		}
	}

	resume := s.backend.Syscall
	if s.cfg.UseSeccomp {
		resume = s.backend.Cont
	}
	if err := resume(ev.Tid, 0); err != nil && !errors.Is(err, trace.ErrVanished) {
		s.log.Warn("failed to resume unknown process", "tid", ev.Tid, "error", err)
	}
	return nil
}

/**
 * syscallEnter reads the system call and runs its entry handler.
 */
func (s *Sydbox) syscallEnter(cur *proc.State) error {
	regs, err := s.backend.Registers(cur.Tid)
	if err != nil {
		return err
	}

	cur.ResetScratch()
	cur.Flags |= proc.FlagInSyscall
	cur.Sysnum = regs.Sysnum
	cur.Args = regs.Args
	cur.Sysname = s.sysname(regs.Sysnum)

	if entry := s.systable[cur.Sysname]; entry != nil && !s.skipping(cur) {
		if err := entry.enter(s, cur); err != nil {
			return err
		}
	}

	if s.cfg.UseSeccomp && cur.Flags&proc.FlagStopAtSysexit == 0 {
		// No exit stop follows in seccomp mode.
		cur.ResetScratch()
		return s.backend.Cont(cur.Tid, 0)
	}
	return s.backend.Syscall(cur.Tid, 0)
}

/**
 * skipping reports whether the system calls of the launcher helper
 * are still being ignored. Its final execve is checked.
 */
func (s *Sydbox) skipping(cur *proc.State) bool {
	if !s.waitExec || cur.Tgid != s.eldest {
		return false
	}
	return cur.Sysname != "execve" && cur.Sysname != "execveat"
}

/**
 * syscallExit writes the return value of denied calls and runs the
 * exit handler of the others.
 */
func (s *Sydbox) syscallExit(cur *proc.State) error {
	if denied(cur) {
		if err := s.backend.SetReturn(cur.Tid, cur.Retval); err != nil {
			return err
		}
	} else if cur.Flags&proc.FlagStopAtSysexit != 0 {
		regs, err := s.backend.Registers(cur.Tid)
		if err != nil {
			return err
		}
		cur.Retval = regs.Retval

		if entry := s.systable[cur.Sysname]; entry != nil && entry.exit != nil {
			if err := entry.exit(s, cur); err != nil {
				return err
			}
		}
	}

	cur.ResetScratch()
	return s.resume(cur, 0)
}

/**
 * resume lets a stopped thread run to its next stop.
 */
func (s *Sydbox) resume(cur *proc.State, sig int) error {
	if s.cfg.UseSeccomp {
		return s.backend.Cont(cur.Tid, sig)
	}
	return s.backend.Syscall(cur.Tid, sig)
}

/**
 * signalStop forwards a signal, swallowing the initial SIGSTOP of
 * fresh clones.
 */
func (s *Sydbox) signalStop(cur *proc.State, sig unix.Signal) error {
	if sig == unix.SIGSTOP && cur.Flags&proc.FlagIgnoreOneSIGSTOP != 0 {
		cur.Flags &^= proc.FlagIgnoreOneSIGSTOP
		return s.resume(cur, 0)
	}
	return s.resume(cur, int(sig))
}
