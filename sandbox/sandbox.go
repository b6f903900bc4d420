//go:build linux

// Package sandbox starts the traced process. The sydbox binary
// re-executes itself as a helper under PTRACE_TRACEME, the helper
// restricts itself and executes the command.
package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

/**
 * Name of the hidden subcommand running the helper.
 */
const HelperCommand = "exec-child"

/**
 * The file descriptor the helper reads its ChildSpec from.
 */
const specFd = 3

/**
 * Launcher parameters.
 */
type Options struct {
	// Command to execute, looked up in the PATH of Env.
	Argv []string

	// Environment of the command.
	Env EnvVars

	Capabilities *CapabilityOpts

	// System calls stopping the tracee through seccomp, none when the
	// supervisor traces every system call.
	Trace []string

	// Refuse writable shared mappings in the seccomp filter.
	RestrictSharedMemoryWritable bool

	// Binary re-executed as the helper, /proc/self/exe when empty.
	Self string
}

/**
 * ChildSpec is what the helper receives from the supervisor.
 */
type ChildSpec struct {
	Argv                         []string        `json:"argv"`
	Capabilities                 *CapabilityOpts `json:"capabilities,omitempty"`
	Trace                        []string        `json:"trace,omitempty"`
	RestrictSharedMemoryWritable bool            `json:"restrict_shared_memory_writable,omitempty"`
}

/**
 * Spawn starts the helper under PTRACE_TRACEME and waits for its
 * initial stop. It must run on the thread that traces the process.
 * @param opts the launcher options
 * @return the pid of the stopped helper, or an error if any
 */
func Spawn(opts *Options) (int, error) {
	if len(opts.Argv) == 0 {
		return 0, errors.New("missing command")
	}
	self := opts.Self
	if self == "" {
		self = "/proc/self/exe"
	}

	// The helper reads its spec from this pipe.
	rfd, wfd, err := MakeSyncPipe()
	if err != nil {
		return 0, fmt.Errorf("cannot create spec pipe: %w", err)
	}
	specR := os.NewFile(uintptr(rfd), "spec")
	defer specR.Close()

	cmd := exec.Command(self, HelperCommand)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.Env = opts.Env.ToStringArray()
	cmd.ExtraFiles = []*os.File{specR}
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		_ = unix.Close(wfd)
		return 0, fmt.Errorf("cannot start helper: %w", err)
	}
	pid := cmd.Process.Pid

	// The supervisor reaps the helper from now on.
	_ = cmd.Process.Release()

	spec := &ChildSpec{
		Argv:                         opts.Argv,
		Capabilities:                 opts.Capabilities,
		Trace:                        opts.Trace,
		RestrictSharedMemoryWritable: opts.RestrictSharedMemoryWritable,
	}
	if err := SendSpec(wfd, spec); err != nil {
		_ = unix.Kill(pid, unix.SIGKILL)
		return 0, err
	}

	if err := waitStopped(pid); err != nil {
		_ = unix.Kill(pid, unix.SIGKILL)
		return 0, err
	}
	slog.Debug("helper started", slog.Int("helper", pid), slog.Any("argv", opts.Argv))
	return pid, nil
}

/**
 * waitStopped waits for the stop following the execve of a process
 * started with PTRACE_TRACEME.
 */
func waitStopped(pid int) error {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("wait for helper: %w", err)
		}
		break
	}

	switch {
	case ws.Stopped():
		return nil
	case ws.Exited():
		return fmt.Errorf("helper exited with status %d", ws.ExitStatus())
	case ws.Signaled():
		return fmt.Errorf("helper killed by %s", ws.Signal())
	default:
		return fmt.Errorf("unexpected helper status %#x", uint32(ws))
	}
}

/**
 * ExecChild is the helper side of Spawn: it reads its spec, sets
 * no_new_privs, drops capabilities, installs the seccomp filter and
 * executes the command. It only returns on failure.
 * @return the error preventing the execution
 */
func ExecChild() error {
	// Capabilities are per thread, execve must run where they were dropped.
	runtime.LockOSThread()

	spec, err := ReadSpec(specFd)
	if err != nil {
		return err
	}
	if len(spec.Argv) == 0 {
		return errors.New("empty command")
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil && err != unix.EINVAL {
		return fmt.Errorf("prctl(NO_NEW_PRIVS): %w", err)
	}

	// Drop capabilities.
	if spec.Capabilities != nil {
		if err := spec.Capabilities.Apply(); err != nil {
			return fmt.Errorf("failed to apply capabilities: %w", err)
		}
	}

	path, err := exec.LookPath(spec.Argv[0])
	if err != nil {
		return err
	}

	// Setup seccomp filters.
	if err := SetupSeccomp(spec); err != nil {
		return fmt.Errorf("failed to setup seccomp rules: %w", err)
	}

	// Execute the specified command in the process.
	return unix.Exec(path, spec.Argv, os.Environ())
}
