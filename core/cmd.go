//go:build linux

package core

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"github.com/HQarroum/sydbox/magic"
	"github.com/HQarroum/sydbox/proc"
	"github.com/HQarroum/sydbox/trace"
	"golang.org/x/sys/unix"
)

/**
 * ExecCommand runs `cmd/exec` on behalf of a tracee: the command is
 * started outside of the sandbox, in the working directory and with
 * the environment of the tracee, and released once it executed.
 * @param cur the calling thread
 * @param argv the command line
 * @return RetOK once the command runs, the errno of a failed exec as a
 * negative result, or RetProcessTerminated
 */
func (s *Sydbox) ExecCommand(cur *proc.State, argv []string) magic.Ret {
	if s.events == nil {
		return magic.RetNotSupported
	}

	env, err := s.procfs.Environ(cur.Tid)
	if errors.Is(err, trace.ErrVanished) {
		return magic.RetProcessTerminated
	}

	name, err := exec.LookPath(argv[0])
	if err != nil {
		return magic.ErrnoRet(unix.ENOENT)
	}

	p, err := os.StartProcess(name, argv, &os.ProcAttr{
		Dir:   cur.Cwd(),
		Env:   env,
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
		Sys:   &syscall.SysProcAttr{Ptrace: true},
	})
	if err != nil {
		s.log.Warn("failed to execute command", "tid", cur.Tid, "argv", argv, "error", err)
		errno := errnoOf(err)
		if errno == unix.EAGAIN || errno == unix.ECHILD {
			errno = unix.EACCES
		}
		return magic.ErrnoRet(errno)
	}
	_ = p.Release()

	ev, ok := s.awaitChild(p.Pid)
	if !ok {
		return magic.ErrnoRet(unix.EACCES)
	}

	switch ev.Kind {
	case trace.EventExited:
		if ev.ExitCode == 0 {
			return magic.RetOK
		}
		return magic.ErrnoRet(unix.Errno(ev.ExitCode))
	case trace.EventSignaled:
		s.log.Warn("command terminated", "tid", cur.Tid, "argv", argv, "signal", ev.Signal.String())
		_ = s.backend.Kill(cur.Tid)
		return magic.RetProcessTerminated
	default:
		if err := s.backend.Detach(p.Pid, 0); err != nil {
			s.log.Warn("failed to detach command", "pid", p.Pid, "error", err)
		}
		s.log.Info("command executed", "tid", cur.Tid, "argv", argv, "pid", p.Pid)
		return magic.RetOK
	}
}

/**
 * awaitChild waits for the first stop of a helper process, keeping the
 * events of the tracees for the supervisor loop.
 */
func (s *Sydbox) awaitChild(pid int) (trace.Event, bool) {
	for ev := range s.events {
		if ev.Tid == pid {
			return ev, true
		}
		s.backlog = append(s.backlog, ev)
	}
	s.events = nil
	return trace.Event{}, false
}
