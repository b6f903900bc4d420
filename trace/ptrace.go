//go:build linux

package trace

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/HQarroum/sydbox/sockmatch"
	"golang.org/x/sys/unix"
)

// Largest socket address read from a tracee (sizeof(struct sockaddr_storage)).
const maxSockaddr = 128

/**
 * Ptrace implements Backend with ptrace(2). All calls must be issued
 * from the thread tracing the tracees.
 */
type Ptrace struct{}

/**
 * @return a ptrace backend.
 */
func NewPtrace() *Ptrace {
	return &Ptrace{}
}

func (p *Ptrace) Syscall(tid int, sig int) error {
	return wrap(unix.PtraceSyscall(tid, sig))
}

func (p *Ptrace) Cont(tid int, sig int) error {
	return wrap(unix.PtraceCont(tid, sig))
}

func (p *Ptrace) Detach(tid int, sig int) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_DETACH, uintptr(tid), 0, uintptr(sig), 0, 0)
	if errno != 0 {
		return wrap(errno)
	}
	return nil
}

func (p *Ptrace) Kill(tid int) error {
	return wrap(unix.Tgkill(tgidOf(tid), tid, unix.SIGKILL))
}

func (p *Ptrace) SetOptions(tid int, options int) error {
	return wrap(unix.PtraceSetOptions(tid, options))
}

func (p *Ptrace) EventMsg(tid int) (uint64, error) {
	msg, err := unix.PtraceGetEventMsg(tid)
	return uint64(msg), wrap(err)
}

func (p *Ptrace) Registers(tid int) (Regs, error) {
	var r unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &r); err != nil {
		return Regs{}, wrap(err)
	}
	return regsOf(&r), nil
}

func (p *Ptrace) SetSyscall(tid int, nr int64) error {
	var r unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &r); err != nil {
		return wrap(err)
	}
	if err := setSysnum(&r, nr); err != nil {
		return err
	}
	return wrap(unix.PtraceSetRegs(tid, &r))
}

func (p *Ptrace) SetReturn(tid int, val int64) error {
	var r unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &r); err != nil {
		return wrap(err)
	}
	if err := setRetval(&r, val); err != nil {
		return err
	}
	return wrap(unix.PtraceSetRegs(tid, &r))
}

/**
 * ReadString reads a NUL-terminated string, at most PATH_MAX bytes long.
 * Reads never cross into the next page before needed so strings ending
 * right before an unmapped page are read correctly.
 */
func (p *Ptrace) ReadString(tid int, addr uint64) (string, error) {
	if addr == 0 {
		return "", unix.EFAULT
	}

	page := uint64(unix.Getpagesize())
	var out []byte
	for len(out) < unix.PathMax {
		n := page - (addr % page)
		if n > 256 {
			n = 256
		}
		buf := make([]byte, n)
		if err := p.ReadMemory(tid, addr, buf); err != nil {
			return "", err
		}
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			return string(append(out, buf[:i]...)), nil
		}
		out = append(out, buf...)
		addr += n
	}
	return "", unix.ENAMETOOLONG
}

func (p *Ptrace) ReadMemory(tid int, addr uint64, buf []byte) error {
	n, err := unix.PtracePeekData(tid, uintptr(addr), buf)
	if err != nil {
		if errors.Is(err, unix.EIO) {
			return unix.EFAULT
		}
		return wrap(err)
	}
	if n != len(buf) {
		return unix.EFAULT
	}
	return nil
}

func (p *Ptrace) WriteMemory(tid int, addr uint64, data []byte) error {
	_, err := unix.PtracePokeData(tid, uintptr(addr), data)
	if errors.Is(err, unix.EIO) {
		return unix.EFAULT
	}
	return wrap(err)
}

func (p *Ptrace) ReadSockaddr(tid int, addr uint64, size int) (*sockmatch.Address, error) {
	if addr == 0 {
		return nil, unix.EFAULT
	}
	if size <= 0 {
		return nil, unix.EINVAL
	}
	if size > maxSockaddr {
		size = maxSockaddr
	}
	buf := make([]byte, size)
	if err := p.ReadMemory(tid, addr, buf); err != nil {
		return nil, err
	}
	return DecodeSockaddr(buf)
}

// wrap maps ESRCH to ErrVanished and annotates the remaining errors.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.ESRCH) {
		return ErrVanished
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return fmt.Errorf("ptrace: %w", err)
}

// tgidOf reads the thread group of tid from procfs, falling back to tid.
func tgidOf(tid int) int {
	status, err := ReadProcStatus(tid)
	if err != nil || status.Tgid == 0 {
		return tid
	}
	return status.Tgid
}
