//go:build linux && amd64

package trace

import "golang.org/x/sys/unix"

func regsOf(r *unix.PtraceRegs) Regs {
	return Regs{
		Sysnum: int64(r.Orig_rax),
		Args:   [6]uint64{r.Rdi, r.Rsi, r.Rdx, r.R10, r.R8, r.R9},
		Retval: int64(r.Rax),
	}
}

func setSysnum(r *unix.PtraceRegs, nr int64) error {
	r.Orig_rax = uint64(nr)
	return nil
}

func setRetval(r *unix.PtraceRegs, val int64) error {
	r.Rax = uint64(val)
	return nil
}
