//go:build linux && !amd64

package trace

import "golang.org/x/sys/unix"

// TODO: arm64 needs PTRACE_SETREGSET with NT_ARM_SYSTEM_CALL to rewrite the syscall number.

func regsOf(r *unix.PtraceRegs) Regs {
	return Regs{Sysnum: -1}
}

func setSysnum(r *unix.PtraceRegs, nr int64) error {
	return ErrNotSupported
}

func setRetval(r *unix.PtraceRegs, val int64) error {
	return ErrNotSupported
}
