//go:build linux

package core

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/HQarroum/sydbox/acl"
	"github.com/HQarroum/sydbox/audit"
	"github.com/HQarroum/sydbox/magic"
	"github.com/HQarroum/sydbox/policy"
	"github.com/HQarroum/sydbox/proc"
	"github.com/HQarroum/sydbox/sockmatch"
	"github.com/HQarroum/sydbox/trace"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const eldestPid = 100

// fakeBackend is an in-memory tracee.
type fakeBackend struct {
	regs      map[int]trace.Regs
	strings   map[uint64]string
	memory    map[uint64][]byte
	sockaddrs map[uint64]*sockmatch.Address
	eventMsg  map[int]uint64
	written   map[uint64][]byte
	skipped   map[int]bool
	returns   map[int]int64
	signals   map[int]int
	resumed   []int
	conted    []int
	killed    []int
	killErr   error
	detached  []int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		regs:      make(map[int]trace.Regs),
		strings:   make(map[uint64]string),
		memory:    make(map[uint64][]byte),
		sockaddrs: make(map[uint64]*sockmatch.Address),
		eventMsg:  make(map[int]uint64),
		written:   make(map[uint64][]byte),
		skipped:   make(map[int]bool),
		returns:   make(map[int]int64),
		signals:   make(map[int]int),
	}
}

func (f *fakeBackend) Syscall(tid int, sig int) error {
	f.resumed = append(f.resumed, tid)
	f.signals[tid] = sig
	return nil
}

func (f *fakeBackend) Cont(tid int, sig int) error {
	f.conted = append(f.conted, tid)
	f.signals[tid] = sig
	return nil
}

func (f *fakeBackend) Detach(tid int, _ int) error {
	f.detached = append(f.detached, tid)
	return nil
}

func (f *fakeBackend) Kill(tid int) error {
	if f.killErr != nil {
		return f.killErr
	}
	f.killed = append(f.killed, tid)
	return nil
}

func (f *fakeBackend) SetOptions(int, int) error { return nil }

func (f *fakeBackend) EventMsg(tid int) (uint64, error) {
	return f.eventMsg[tid], nil
}

func (f *fakeBackend) Registers(tid int) (trace.Regs, error) {
	r, ok := f.regs[tid]
	if !ok {
		return r, trace.ErrVanished
	}
	return r, nil
}

func (f *fakeBackend) SetSyscall(tid int, nr int64) error {
	if nr == -1 {
		f.skipped[tid] = true
	}
	return nil
}

func (f *fakeBackend) SetReturn(tid int, val int64) error {
	f.returns[tid] = val
	return nil
}

func (f *fakeBackend) ReadString(_ int, addr uint64) (string, error) {
	if s, ok := f.strings[addr]; ok {
		return s, nil
	}
	return "", unix.EFAULT
}

func (f *fakeBackend) ReadMemory(_ int, addr uint64, buf []byte) error {
	b, ok := f.memory[addr]
	if !ok {
		return unix.EFAULT
	}
	copy(buf, b)
	return nil
}

func (f *fakeBackend) WriteMemory(_ int, addr uint64, data []byte) error {
	f.written[addr] = append([]byte(nil), data...)
	return nil
}

func (f *fakeBackend) ReadSockaddr(_ int, addr uint64, _ int) (*sockmatch.Address, error) {
	if a, ok := f.sockaddrs[addr]; ok {
		return a, nil
	}
	return nil, unix.EFAULT
}

// fakeProcFS serves /proc entries for every tid from fixed values.
type fakeProcFS struct {
	cwd string
	fds map[int]string
}

func (f *fakeProcFS) Comm(int) (string, error)      { return "test", nil }
func (f *fakeProcFS) Cwd(int) (string, error)       { return f.cwd, nil }
func (f *fakeProcFS) Environ(int) ([]string, error) { return nil, nil }
func (f *fakeProcFS) Fd(_ int, fd int) (string, error) {
	if p, ok := f.fds[fd]; ok {
		return p, nil
	}
	return "", unix.EBADF
}

type fakeRecorder struct {
	violations []audit.Violation
}

func (r *fakeRecorder) Record(_ uuid.UUID, v audit.Violation) error {
	r.violations = append(r.violations, v)
	return nil
}

var fakeSyscalls = append(Syscalls(), "mmap", "clone", "clone3", "getpid")

func nr(name string) int64 {
	for i, n := range fakeSyscalls {
		if n == name {
			return int64(i)
		}
	}
	panic("unknown syscall " + name)
}

type harness struct {
	t    *testing.T
	s    *Sydbox
	be   *fakeBackend
	fs   *fakeProcFS
	cfg  *policy.Config
	rec  *fakeRecorder
	root string
	addr uint64
}

type result struct {
	denied bool
	errno  unix.Errno
	err    error
}

func newHarness(t *testing.T, configure func(cfg *policy.Config, root string)) *harness {
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	cfg := policy.Default()
	if configure != nil {
		configure(cfg, root)
	}

	h := &harness{
		t:    t,
		be:   newFakeBackend(),
		fs:   &fakeProcFS{cwd: root, fds: map[int]string{}},
		cfg:  cfg,
		rec:  &fakeRecorder{},
		root: root,
		addr: 0x1000,
	}
	h.s, err = New(Options{
		Config:  cfg,
		Backend: h.be,
		ProcFS:  h.fs,
		Audit:   h.rec,
		SyscallName: func(n int64) string {
			if n < 0 || int(n) >= len(fakeSyscalls) {
				return ""
			}
			return fakeSyscalls[n]
		},
	})
	require.NoError(t, err)
	require.NoError(t, h.s.Attach(eldestPid, false))
	return h
}

// file creates a file, and its parents, under the test root.
func (h *harness) file(rel string) string {
	p := filepath.Join(h.root, rel)
	require.NoError(h.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(h.t, os.WriteFile(p, nil, 0o644))
	return p
}

func (h *harness) dir(rel string) string {
	p := filepath.Join(h.root, rel)
	require.NoError(h.t, os.MkdirAll(p, 0o755))
	return p
}

func (h *harness) str(s string) uint64 {
	h.addr += 0x100
	h.be.strings[h.addr] = s
	return h.addr
}

func (h *harness) sockaddr(a *sockmatch.Address) uint64 {
	h.addr += 0x100
	h.be.sockaddrs[h.addr] = a
	return h.addr
}

func (h *harness) mem(b []byte) uint64 {
	h.addr += 0x100
	h.be.memory[h.addr] = b
	return h.addr
}

// syscall runs one system call through its entry and exit stops, the
// kernel returning ret when the call is not denied.
func (h *harness) syscall(tid int, ret int64, name string, args ...uint64) result {
	regs := trace.Regs{Sysnum: nr(name)}
	copy(regs.Args[:], args)
	h.be.regs[tid] = regs
	delete(h.be.skipped, tid)
	delete(h.be.returns, tid)

	if err := h.s.handleEvent(trace.Event{Tid: tid, Kind: trace.EventSyscall}); err != nil {
		return result{err: err}
	}
	regs.Retval = ret
	h.be.regs[tid] = regs
	if err := h.s.handleEvent(trace.Event{Tid: tid, Kind: trace.EventSyscall}); err != nil {
		return result{err: err}
	}

	r := result{denied: h.be.skipped[tid]}
	if r.denied {
		r.errno = unix.Errno(-h.be.returns[tid])
	}
	return r
}

// seccompCall runs one system call stopped by the seccomp filter. The
// exit stop only happens when the entry resumed the thread with
// PTRACE_SYSCALL.
func (h *harness) seccompCall(tid int, ret int64, name string, args ...uint64) (result, bool) {
	regs := trace.Regs{Sysnum: nr(name)}
	copy(regs.Args[:], args)
	h.be.regs[tid] = regs
	delete(h.be.skipped, tid)
	delete(h.be.returns, tid)
	h.be.resumed, h.be.conted = nil, nil

	if err := h.s.handleEvent(trace.Event{Tid: tid, Kind: trace.EventSeccomp}); err != nil {
		return result{err: err}, false
	}
	exitStop := len(h.be.resumed) > 0
	if exitStop {
		regs.Retval = ret
		h.be.regs[tid] = regs
		h.be.conted = nil
		if err := h.s.handleEvent(trace.Event{Tid: tid, Kind: trace.EventSyscall}); err != nil {
			return result{err: err}, true
		}
	}

	r := result{denied: h.be.skipped[tid]}
	if r.denied {
		r.errno = unix.Errno(-h.be.returns[tid])
	}
	return r, exitStop
}

func (h *harness) eldest() *proc.State {
	return h.s.Table().Lookup(eldestPid)
}

func TestScenarioBlacklistWrite(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config, root string) {
		cfg.Child.Write = policy.ModeAllow
		require.NoError(t, cfg.Child.WriteACL.AppendPath(cfg.Match, acl.ActionBlacklist, root+"/home/user/***"))
	})
	h.dir("home/user")
	passwd := h.file("etc/passwd")

	r := h.syscall(eldestPid, 3, "open", h.str(h.root+"/home/user/secrets"), unix.O_WRONLY|unix.O_CREAT)
	require.NoError(t, r.err)
	assert.True(t, r.denied)
	assert.Equal(t, unix.EPERM, r.errno)
	require.Len(t, h.rec.violations, 1)
	assert.Equal(t, h.root+"/home/user/secrets", h.rec.violations[0].Target)
	assert.Equal(t, "write", h.rec.violations[0].Category)

	r = h.syscall(eldestPid, 3, "open", h.str(passwd), unix.O_WRONLY)
	require.NoError(t, r.err)
	assert.False(t, r.denied)
	assert.Len(t, h.rec.violations, 1)
}

func TestScenarioWhitelistRead(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config, root string) {
		cfg.Child.Read = policy.ModeDeny
		require.NoError(t, cfg.Child.ReadACL.AppendPath(cfg.Match, acl.ActionWhitelist, root+"/usr/**"))
	})
	ls := h.file("usr/bin/ls")
	bashrc := h.file("root/.bashrc")

	r := h.syscall(eldestPid, 3, "openat", uint64(unix.AT_FDCWD&0xffffffff), h.str(ls), unix.O_RDONLY)
	require.NoError(t, r.err)
	assert.False(t, r.denied)

	r = h.syscall(eldestPid, 3, "open", h.str(bashrc), unix.O_RDONLY)
	require.NoError(t, r.err)
	assert.True(t, r.denied)
	assert.Equal(t, unix.EPERM, r.errno)
}

func TestRelativePathsAndDirfd(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config, root string) {
		cfg.Child.Write = policy.ModeDeny
		require.NoError(t, cfg.Child.WriteACL.AppendPath(cfg.Match, acl.ActionWhitelist, root+"/tmp/***"))
	})
	h.dir("tmp")
	h.dir("etc")
	h.fs.fds[7] = h.root + "/tmp"

	// Relative to the working directory.
	r := h.syscall(eldestPid, 0, "mkdir", h.str("tmp/new"))
	assert.False(t, r.denied)

	r = h.syscall(eldestPid, 0, "mkdir", h.str("etc/new"))
	assert.True(t, r.denied)

	// Relative to a directory fd.
	r = h.syscall(eldestPid, 0, "mkdirat", 7, h.str("sub"))
	assert.False(t, r.denied)

	// A bad fd only matters for relative paths.
	r = h.syscall(eldestPid, 0, "mkdirat", 9, h.str("sub"))
	assert.True(t, r.denied)
	assert.Equal(t, unix.EBADF, r.errno)

	r = h.syscall(eldestPid, 0, "mkdirat", 9, h.str(h.root+"/tmp/abs"))
	assert.False(t, r.denied)
}

func TestResolutionFailure(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config, _ string) {
		cfg.Child.Write = policy.ModeDeny
	})

	r := h.syscall(eldestPid, 0, "truncate", h.str(h.root+"/missing/file"))
	assert.True(t, r.denied)
	assert.Equal(t, unix.ENOENT, r.errno)
	assert.Empty(t, h.rec.violations)

	h.cfg.RaiseFail = true
	r = h.syscall(eldestPid, 0, "truncate", h.str(h.root+"/missing/file"))
	assert.True(t, r.denied)
	assert.Len(t, h.rec.violations, 1)

	// Unreadable path argument.
	r = h.syscall(eldestPid, 0, "truncate", 0xdead)
	assert.True(t, r.denied)
	assert.Equal(t, unix.EFAULT, r.errno)
}

func TestStatChecks(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config, _ string) {
		cfg.Child.Write = policy.ModeDeny
	})
	existing := h.dir("existing")
	h.file("full/file")

	tests := []struct {
		name  string
		call  string
		args  []uint64
		errno unix.Errno
	}{
		{"mkdir on an existing path", "mkdir", []uint64{h.str(existing)}, unix.EEXIST},
		{"rmdir on a non empty directory", "rmdir", []uint64{h.str(h.root + "/full")}, unix.ENOTEMPTY},
		{"rmdir on a file", "rmdir", []uint64{h.str(h.root + "/full/file")}, unix.ENOTDIR},
		{"unlink on a directory", "unlink", []uint64{h.str(existing)}, unix.EISDIR},
		{"open O_DIRECTORY on a file", "open", []uint64{h.str(h.root + "/full/file"), unix.O_WRONLY | unix.O_DIRECTORY}, unix.ENOTDIR},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := h.syscall(eldestPid, 0, tt.call, tt.args...)
			require.NoError(t, r.err)
			assert.True(t, r.denied)
			assert.Equal(t, tt.errno, r.errno)
		})
	}
	assert.Empty(t, h.rec.violations)
}

func TestSafeAccess(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config, _ string) {
		cfg.Child.Read = policy.ModeDeny
	})
	f := h.file("secret")

	r := h.syscall(eldestPid, 0, "access", h.str(f), unix.R_OK)
	assert.True(t, r.denied)
	assert.Equal(t, unix.EACCES, r.errno)
	assert.Empty(t, h.rec.violations)

	h.cfg.RaiseSafe = true
	r = h.syscall(eldestPid, 0, "access", h.str(f), unix.R_OK)
	assert.True(t, r.denied)
	assert.Len(t, h.rec.violations, 1)

	// F_OK checks nothing.
	r = h.syscall(eldestPid, 0, "access", h.str(f), unix.F_OK)
	assert.False(t, r.denied)
}

func TestFilterSuppressesReport(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config, root string) {
		cfg.Child.Write = policy.ModeDeny
		require.NoError(t, cfg.FilterWrite.AppendPath(cfg.Match, acl.ActionNone, root+"/quiet/***"))
	})
	h.dir("quiet")
	h.dir("loud")

	r := h.syscall(eldestPid, 0, "open", h.str(h.root+"/quiet/f"), unix.O_WRONLY|unix.O_CREAT)
	assert.True(t, r.denied)
	assert.Empty(t, h.rec.violations)
	assert.False(t, h.s.Violated())

	r = h.syscall(eldestPid, 0, "open", h.str(h.root+"/loud/f"), unix.O_WRONLY|unix.O_CREAT)
	assert.True(t, r.denied)
	assert.Len(t, h.rec.violations, 1)
	assert.True(t, h.s.Violated())
}

func TestOpenChecksWriteBeforeRead(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config, root string) {
		cfg.Child.Read = policy.ModeDeny
		cfg.Child.Write = policy.ModeDeny
		require.NoError(t, cfg.Child.ReadACL.AppendPath(cfg.Match, acl.ActionWhitelist, root+"/***"))
	})
	f := h.file("data")

	r := h.syscall(eldestPid, 0, "open", h.str(f), unix.O_RDWR)
	assert.True(t, r.denied)
	require.Len(t, h.rec.violations, 1)
	assert.Equal(t, "write", h.rec.violations[0].Category)

	r = h.syscall(eldestPid, 0, "open", h.str(f), unix.O_RDONLY)
	assert.False(t, r.denied)
}

func TestViolationDecisions(t *testing.T) {
	setup := func(d policy.ViolationDecision) func(*policy.Config, string) {
		return func(cfg *policy.Config, _ string) {
			cfg.Child.Write = policy.ModeDeny
			cfg.Violation = d
		}
	}

	t.Run("kill", func(t *testing.T) {
		h := newHarness(t, setup(policy.ViolationKill))
		r := h.syscall(eldestPid, 0, "chmod", h.str(h.file("f")))
		require.NoError(t, r.err)
		assert.Equal(t, []int{eldestPid}, h.be.killed)
		assert.Nil(t, h.eldest())
	})

	t.Run("kill retried at next stop", func(t *testing.T) {
		h := newHarness(t, setup(policy.ViolationKill))
		h.be.killErr = unix.EPERM
		h.be.regs[eldestPid] = trace.Regs{Sysnum: nr("chmod"), Args: [6]uint64{h.str(h.file("f"))}}
		h.be.resumed = nil

		require.NoError(t, h.s.handleEvent(trace.Event{Tid: eldestPid, Kind: trace.EventSyscall}))
		require.NotNil(t, h.eldest())
		assert.NotZero(t, h.eldest().Flags&proc.FlagKillOnStop)
		assert.True(t, h.be.skipped[eldestPid])
		assert.Equal(t, []int{eldestPid}, h.be.resumed)
		assert.Empty(t, h.be.killed)

		h.be.killErr = nil
		require.NoError(t, h.s.handleEvent(trace.Event{Tid: eldestPid, Kind: trace.EventSyscall}))
		assert.Equal(t, []int{eldestPid}, h.be.killed)
		assert.Nil(t, h.eldest())
	})

	t.Run("cont", func(t *testing.T) {
		h := newHarness(t, setup(policy.ViolationCont))
		r := h.syscall(eldestPid, 0, "chmod", h.str(h.file("f")))
		require.NoError(t, r.err)
		assert.Equal(t, []int{eldestPid}, h.be.detached)
		assert.Nil(t, h.eldest())
	})

	t.Run("killall", func(t *testing.T) {
		h := newHarness(t, setup(policy.ViolationKillAll))
		h.cfg.ViolationExitCode = 7
		h.s.Table().Add(proc.NewThread(200, h.eldest(), 0, proc.Seed{}))

		r := h.syscall(eldestPid, 0, "chmod", h.str(h.file("f")))
		var exit *Exit
		require.True(t, errors.As(r.err, &exit))
		assert.Equal(t, 7, exit.Code)
		assert.ElementsMatch(t, []int{eldestPid, 200}, h.be.killed)
		assert.Zero(t, h.s.Table().Len())
	})
}

func TestPanicDecision(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config, _ string) {
		cfg.Panic = policy.PanicContAll
		cfg.PanicExitCode = 3
	})

	err := h.s.settle(h.eldest(), errors.New("ptrace: input/output error"))
	var exit *Exit
	require.True(t, errors.As(err, &exit))
	assert.Equal(t, 3, exit.Code)
	assert.Equal(t, []int{eldestPid}, h.be.detached)
}

func TestVanishedTraceeIsDropped(t *testing.T) {
	h := newHarness(t, nil)

	err := h.s.settle(h.eldest(), trace.ErrVanished)
	require.NoError(t, err)
	assert.Nil(t, h.eldest())
	assert.Empty(t, h.be.killed)
}

func TestSocketChecks(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config, _ string) {
		cfg.Child.Network = policy.ModeDeny
		require.NoError(t, cfg.Child.ConnectACL.AppendSocket(cfg.Match, acl.ActionWhitelist, "inet:10.0.0.0/24@80"))
	})

	inet := func(ip string, port uint16) uint64 {
		return h.sockaddr(&sockmatch.Address{Family: sockmatch.FamilyInet, IP: net.ParseIP(ip).To4(), Port: port})
	}

	r := h.syscall(eldestPid, 0, "connect", 3, inet("10.0.0.5", 80), 16)
	assert.False(t, r.denied)

	r = h.syscall(eldestPid, 0, "connect", 3, inet("10.0.1.5", 80), 16)
	assert.True(t, r.denied)
	assert.Equal(t, unix.ECONNREFUSED, r.errno)
	require.Len(t, h.rec.violations, 1)
	assert.Equal(t, "network/connect", h.rec.violations[0].Category)

	// sendto on a connected socket carries no address.
	r = h.syscall(eldestPid, 0, "sendto", 3, 0, 0, 0, 0, 0)
	assert.False(t, r.denied)

	r = h.syscall(eldestPid, 0, "bind", 3, inet("10.0.0.5", 80), 16)
	assert.True(t, r.denied)
	assert.Equal(t, unix.EADDRNOTAVAIL, r.errno)
}

func TestUnsupportedFamilies(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config, _ string) {
		cfg.Child.Network = policy.ModeDeny
	})
	netlink := h.sockaddr(&sockmatch.Address{Family: sockmatch.Family(unix.AF_NETLINK)})

	r := h.syscall(eldestPid, 0, "connect", 3, netlink, 12)
	assert.False(t, r.denied)

	h.cfg.WhitelistUnsupportedSocketFamilies = false
	r = h.syscall(eldestPid, 0, "connect", 3, netlink, 12)
	assert.True(t, r.denied)
	assert.Equal(t, unix.EAFNOSUPPORT, r.errno)
}

func TestUnixSocketPaths(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config, root string) {
		cfg.Child.Network = policy.ModeDeny
		require.NoError(t, cfg.Child.ConnectACL.AppendSocket(cfg.Match, acl.ActionWhitelist, "unix:"+root+"/run/**"))
	})
	h.dir("run")
	h.dir("other")

	// Relative socket paths resolve against the working directory.
	r := h.syscall(eldestPid, 0, "connect", 3, h.sockaddr(&sockmatch.Address{Family: sockmatch.FamilyUnix, Path: "run/app.sock"}), 110)
	assert.False(t, r.denied)

	r = h.syscall(eldestPid, 0, "connect", 3, h.sockaddr(&sockmatch.Address{Family: sockmatch.FamilyUnix, Path: h.root + "/other/app.sock"}), 110)
	assert.True(t, r.denied)
}

func TestSuccessfulBindLearning(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config, _ string) {
		cfg.Child.Network = policy.ModeDeny
		require.NoError(t, cfg.Child.BindACL.AppendSocket(cfg.Match, acl.ActionWhitelist, "LOOPBACK@0-65535"))
	})
	loopback := func(port uint16) uint64 {
		return h.sockaddr(&sockmatch.Address{Family: sockmatch.FamilyInet, IP: net.IPv4(127, 0, 0, 1).To4(), Port: port})
	}

	// A fixed port is learned on exit.
	r := h.syscall(eldestPid, 0, "bind", 3, loopback(8080), 16)
	require.False(t, r.denied)
	assert.Equal(t, 1, h.cfg.LearnedConnect.Len())

	r = h.syscall(eldestPid, 0, "connect", 4, loopback(8080), 16)
	assert.False(t, r.denied)

	// A failed bind is not.
	r = h.syscall(eldestPid, -int64(unix.EADDRINUSE), "bind", 3, loopback(9090), 16)
	require.False(t, r.denied)
	assert.Equal(t, 1, h.cfg.LearnedConnect.Len())

	// A zero port waits for getsockname.
	r = h.syscall(eldestPid, 0, "bind", 5, loopback(0), 16)
	require.False(t, r.denied)
	assert.Contains(t, h.eldest().Files.Sockets, 5)

	r = h.syscall(eldestPid, 6, "dup", 5)
	require.False(t, r.denied)
	assert.Contains(t, h.eldest().Files.Sockets, 6)

	r = h.syscall(eldestPid, 0, "close", 6)
	require.False(t, r.denied)
	assert.NotContains(t, h.eldest().Files.Sockets, 6)

	r = h.syscall(eldestPid, 0, "getsockname", 5, loopback(4242), h.mem([]byte{16, 0, 0, 0}))
	require.False(t, r.denied)
	assert.NotContains(t, h.eldest().Files.Sockets, 5)
	assert.Equal(t, 2, h.cfg.LearnedConnect.Len())

	r = h.syscall(eldestPid, 0, "connect", 4, loopback(4242), 16)
	assert.False(t, r.denied)

	r = h.syscall(eldestPid, 0, "connect", 4, loopback(4243), 16)
	assert.True(t, r.denied)
}

func TestMagicStat(t *testing.T) {
	h := newHarness(t, nil)
	buf := uint64(0x9000)

	r := h.syscall(eldestPid, 0, "stat", h.str(magic.Prefix+"/core/sandbox/write:deny"), buf)
	require.NoError(t, r.err)
	assert.True(t, r.denied)
	assert.Zero(t, r.errno)
	assert.NotEmpty(t, h.be.written[buf])
	assert.Equal(t, policy.ModeDeny, h.eldest().Box().Write)
	assert.Equal(t, policy.ModeOff, h.cfg.Child.Write)

	r = h.syscall(eldestPid, 0, "stat", h.str(magic.Prefix+"/core/sandbox/read?"), buf)
	assert.True(t, r.denied)
	assert.Equal(t, unix.ENOENT, r.errno)

	r = h.syscall(eldestPid, 0, "stat", h.str(magic.Prefix+"/core/sandbox/write:bogus"), buf)
	assert.True(t, r.denied)
	assert.Equal(t, unix.EINVAL, r.errno)

	r = h.syscall(eldestPid, 0, "newfstatat", uint64(unix.AT_FDCWD&0xffffffff), h.str(magic.Prefix+"/whitelist/write+/tmp/***"), buf)
	assert.True(t, r.denied)
	assert.Zero(t, r.errno)
	assert.Equal(t, 2, h.eldest().Box().WriteACL.Len())

	// Ordinary paths are left to the kernel.
	r = h.syscall(eldestPid, 0, "stat", h.str("/etc/passwd"), buf)
	assert.False(t, r.denied)
}

func TestMagicLockOnExec(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config, _ string) {
		cfg.Child.MagicLock = policy.LockPending
	})
	bin := h.file("bin/true")
	buf := uint64(0x9000)

	h.be.regs[eldestPid] = trace.Regs{Sysnum: nr("execve"), Args: [6]uint64{h.str(bin)}}
	require.NoError(t, h.s.handleEvent(trace.Event{Tid: eldestPid, Kind: trace.EventSyscall}))
	h.be.eventMsg[eldestPid] = eldestPid
	require.NoError(t, h.s.handleEvent(trace.Event{Tid: eldestPid, Kind: trace.EventExec}))
	require.NoError(t, h.s.handleEvent(trace.Event{Tid: eldestPid, Kind: trace.EventSyscall}))

	assert.Equal(t, policy.LockSet, h.eldest().Box().MagicLock)

	r := h.syscall(eldestPid, 0, "stat", h.str(magic.Prefix+"/core/sandbox/write:deny"), buf)
	assert.True(t, r.denied)
	assert.Equal(t, unix.EPERM, r.errno)
	assert.Equal(t, policy.ModeOff, h.eldest().Box().Write)
}

func TestExecIfMatch(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config, root string) {
		require.NoError(t, cfg.ExecKillIfMatch.AppendPath(cfg.Match, acl.ActionNone, root+"/bin/evil"))
		require.NoError(t, cfg.ExecResumeIfMatch.AppendPath(cfg.Match, acl.ActionNone, root+"/bin/trusted"))
	})
	evil := h.file("bin/evil")
	trusted := h.file("bin/trusted")

	exec := func(tid int, path string) {
		h.be.regs[tid] = trace.Regs{Sysnum: nr("execve"), Args: [6]uint64{h.str(path)}}
		require.NoError(t, h.s.handleEvent(trace.Event{Tid: tid, Kind: trace.EventSyscall}))
		h.be.eventMsg[tid] = uint64(tid)
		require.NoError(t, h.s.handleEvent(trace.Event{Tid: tid, Kind: trace.EventExec}))
	}

	h.s.Table().Add(proc.NewThread(200, h.eldest(), 0, proc.Seed{}))
	exec(200, trusted)
	assert.Equal(t, []int{200}, h.be.detached)
	assert.Nil(t, h.s.Table().Lookup(200))

	exec(eldestPid, evil)
	assert.Equal(t, []int{eldestPid}, h.be.killed)
	assert.Nil(t, h.eldest())
}

func TestExecDenied(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config, root string) {
		cfg.Child.Exec = policy.ModeDeny
		require.NoError(t, cfg.Child.ExecACL.AppendPath(cfg.Match, acl.ActionWhitelist, root+"/usr/bin/*"))
	})
	ok := h.file("usr/bin/ok")
	bad := h.file("opt/bad")

	r := h.syscall(eldestPid, 0, "execve", h.str(ok))
	assert.False(t, r.denied)

	r = h.syscall(eldestPid, 0, "execve", h.str(bad))
	assert.True(t, r.denied)
	assert.Equal(t, unix.EACCES, r.errno)
}

func TestCloneSharing(t *testing.T) {
	h := newHarness(t, nil)
	parent := h.eldest()

	// A thread shares the sandbox of its parent.
	h.be.eventMsg[eldestPid] = 101
	h.be.regs[eldestPid] = trace.Regs{Sysnum: nr("clone"), Args: [6]uint64{unix.CLONE_VM | unix.CLONE_FS | unix.CLONE_FILES | unix.CLONE_SIGHAND | unix.CLONE_THREAD}}
	require.NoError(t, h.s.handleEvent(trace.Event{Tid: eldestPid, Kind: trace.EventClone}))

	thread := h.s.Table().Lookup(101)
	require.NotNil(t, thread)
	assert.Same(t, parent.Box(), thread.Box())
	assert.Equal(t, parent.Tgid, thread.Tgid)

	// Its initial SIGSTOP is swallowed.
	require.NoError(t, h.s.handleEvent(trace.Event{Tid: 101, Kind: trace.EventSignal, Signal: unix.SIGSTOP}))
	assert.Zero(t, h.be.signals[101])
	require.NoError(t, h.s.handleEvent(trace.Event{Tid: 101, Kind: trace.EventSignal, Signal: unix.SIGSTOP}))
	assert.Equal(t, int(unix.SIGSTOP), h.be.signals[101])

	// A forked process gets a private copy and its /proc directory.
	h.be.eventMsg[eldestPid] = 102
	require.NoError(t, h.s.handleEvent(trace.Event{Tid: eldestPid, Kind: trace.EventFork}))
	child := h.s.Table().Lookup(102)
	require.NotNil(t, child)
	assert.NotSame(t, parent.Box(), child.Box())
	assert.True(t, child.Box().ReadACL.MatchPath(h.cfg.Match, acl.ActionNone, "/proc/102/status").Matched)
	assert.False(t, parent.Box().ReadACL.MatchPath(h.cfg.Match, acl.ActionNone, "/proc/102/status").Matched)

	// A child stopping before its parent reported it is resumed once known.
	require.NoError(t, h.s.handleEvent(trace.Event{Tid: 103, Kind: trace.EventSignal, Signal: unix.SIGSTOP}))
	h.be.resumed = nil
	h.be.eventMsg[eldestPid] = 103
	require.NoError(t, h.s.handleEvent(trace.Event{Tid: eldestPid, Kind: trace.EventFork}))
	assert.Contains(t, h.be.resumed, 103)
	assert.Zero(t, h.s.Table().Lookup(103).Flags&proc.FlagIgnoreOneSIGSTOP)
}

func TestChdirRefreshesCwd(t *testing.T) {
	h := newHarness(t, nil)
	h.fs.cwd = "/elsewhere"

	r := h.syscall(eldestPid, -int64(unix.ENOENT), "chdir", h.str("/nowhere"))
	require.False(t, r.denied)
	assert.Equal(t, h.root, h.eldest().Cwd())

	r = h.syscall(eldestPid, 0, "chdir", h.str("/elsewhere"))
	require.False(t, r.denied)
	assert.Equal(t, "/elsewhere", h.eldest().Cwd())
}

func TestRestrictions(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config, _ string) {
		cfg.RestrictFileControl = true
		cfg.RestrictSharedMemoryWritable = true
	})

	r := h.syscall(eldestPid, 0, "fcntl", 3, unix.F_SETFL, unix.O_NONBLOCK)
	assert.False(t, r.denied)

	r = h.syscall(eldestPid, 0, "fcntl", 3, unix.F_SETFL, unix.O_ASYNC)
	assert.True(t, r.denied)
	assert.Equal(t, unix.EINVAL, r.errno)

	r = h.syscall(eldestPid, 0, "fcntl", 3, unix.F_SETPIPE_SZ, 4096)
	assert.True(t, r.denied)

	r = h.syscall(eldestPid, 0, "mmap", 0, 4096, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	assert.True(t, r.denied)
	assert.Equal(t, unix.EINVAL, r.errno)

	r = h.syscall(eldestPid, 0, "mmap", 0, 4096, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	assert.False(t, r.denied)
}

func TestHelperSyscallsSkipped(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config, _ string) {
		cfg.Child.Write = policy.ModeDeny
	})
	h.s.waitExec = true
	f := h.file("f")

	r := h.syscall(eldestPid, 0, "chmod", h.str(f))
	assert.False(t, r.denied)

	h.s.waitExec = false
	r = h.syscall(eldestPid, 0, "chmod", h.str(f))
	assert.True(t, r.denied)
}

// supervise feeds events to the loop and returns its result.
func supervise(t *testing.T, h *harness, evs ...trace.Event) (int, error) {
	events := make(chan trace.Event, len(evs))
	for _, ev := range evs {
		events <- ev
	}
	close(events)
	errs := make(chan error, 1)
	errs <- nil

	return h.s.Supervise(context.Background(), events, errs, nil)
}

func TestExitCodes(t *testing.T) {
	t.Run("clean run", func(t *testing.T) {
		h := newHarness(t, nil)
		code, err := supervise(t, h, trace.Event{Tid: eldestPid, Kind: trace.EventExited, ExitCode: 4})
		require.NoError(t, err)
		assert.Equal(t, 4, code)
	})

	t.Run("signaled eldest", func(t *testing.T) {
		h := newHarness(t, nil)
		code, err := supervise(t, h, trace.Event{Tid: eldestPid, Kind: trace.EventSignaled, Signal: unix.SIGKILL})
		require.NoError(t, err)
		assert.Equal(t, 128+9, code)
	})

	for _, tt := range []struct {
		name    string
		setting int
		want    int
	}{
		{"violation exit code", 42, 42},
		{"offset violation exit code", 0, 129},
		{"eldest exit code", -1, 1},
	} {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(cfg *policy.Config, _ string) {
				cfg.Child.Write = policy.ModeDeny
				cfg.ViolationExitCode = tt.setting
			})
			h.syscall(eldestPid, 0, "chmod", h.str(h.file("f")))
			require.True(t, h.s.Violated())

			code, err := supervise(t, h, trace.Event{Tid: eldestPid, Kind: trace.EventExited, ExitCode: 1})
			require.NoError(t, err)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestExitWaitAll(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config, _ string) {
		cfg.ExitWaitAll = false
	})
	h.s.Table().Add(proc.NewThread(200, h.eldest(), 0, proc.Seed{}))

	code, err := supervise(t, h,
		trace.Event{Tid: eldestPid, Kind: trace.EventExited, ExitCode: 2},
		trace.Event{Tid: 200, Kind: trace.EventExited})
	require.NoError(t, err)
	assert.Equal(t, 2, code)
	assert.Equal(t, []int{200}, h.be.detached)
}

func TestAbort(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config, _ string) {
		cfg.Abort = policy.AbortKillAll
	})
	sigs := make(chan os.Signal, 1)
	sigs <- unix.SIGTERM

	code, err := h.s.Supervise(context.Background(), make(chan trace.Event), make(chan error), sigs)
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Equal(t, []int{eldestPid}, h.be.killed)
}

func TestSeccompStops(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config, _ string) {
		cfg.UseSeccomp = true
		cfg.Child.Read = policy.ModeOff
		cfg.Child.Write = policy.ModeDeny
	})
	assert.Equal(t, []int{eldestPid}, h.be.conted)
	assert.Empty(t, h.be.resumed)
	data := h.file("data")

	// An allowed call runs on without an exit stop.
	r, exitStop := h.seccompCall(eldestPid, 3, "open", h.str(data), unix.O_RDONLY)
	require.NoError(t, r.err)
	assert.False(t, exitStop)
	assert.False(t, r.denied)
	assert.Equal(t, []int{eldestPid}, h.be.conted)
	assert.Zero(t, h.eldest().Flags&proc.FlagInSyscall)

	// chdir asks for its exit stop to refresh the working directory.
	h.fs.cwd = "/elsewhere"
	r, exitStop = h.seccompCall(eldestPid, 0, "chdir", h.str("/elsewhere"))
	require.NoError(t, r.err)
	assert.True(t, exitStop)
	assert.False(t, r.denied)
	assert.Equal(t, "/elsewhere", h.eldest().Cwd())
	assert.Equal(t, []int{eldestPid}, h.be.conted)

	// A denied call writes its errno at the exit stop.
	r, exitStop = h.seccompCall(eldestPid, 3, "open", h.str(data), unix.O_WRONLY)
	require.NoError(t, r.err)
	assert.True(t, exitStop)
	assert.True(t, r.denied)
	assert.Equal(t, unix.EPERM, r.errno)
	assert.Equal(t, []int{eldestPid}, h.be.conted)
	assert.Zero(t, h.eldest().Flags&(proc.FlagInSyscall|proc.FlagDenySyscall|proc.FlagStopAtSysexit))
}

func TestSeccompBindLearning(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config, _ string) {
		cfg.UseSeccomp = true
		cfg.Child.Network = policy.ModeDeny
		require.NoError(t, cfg.Child.BindACL.AppendSocket(cfg.Match, acl.ActionWhitelist, "LOOPBACK@0-65535"))
	})
	addr := h.sockaddr(&sockmatch.Address{Family: sockmatch.FamilyInet, IP: net.IPv4(127, 0, 0, 1).To4(), Port: 8080})

	r, exitStop := h.seccompCall(eldestPid, 0, "bind", 3, addr, 16)
	require.NoError(t, r.err)
	assert.True(t, exitStop)
	assert.False(t, r.denied)
	assert.Equal(t, 1, h.cfg.LearnedConnect.Len())
}
