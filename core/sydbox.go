//go:build linux

// Package core implements the supervisor: the decision engine, the
// system call handlers and the violation, panic and abort policies.
package core

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/HQarroum/sydbox/audit"
	"github.com/HQarroum/sydbox/canon"
	"github.com/HQarroum/sydbox/logger"
	"github.com/HQarroum/sydbox/magic"
	"github.com/HQarroum/sydbox/policy"
	"github.com/HQarroum/sydbox/proc"
	"github.com/HQarroum/sydbox/trace"
	"github.com/google/uuid"
)

// errDropped tells the supervisor to forget about the current tracee.
var errDropped = errors.New("tracee dropped")

// errKillPending tells the supervisor to resume a tracee that could not
// be killed, the kill being retried at its next stop.
var errKillPending = errors.New("tracee kill pending")

/**
 * ProcFS reads the per process information the kernel exposes.
 */
type ProcFS interface {
	Comm(tid int) (string, error)
	Cwd(tid int) (string, error)
	Fd(tid int, fd int) (string, error)
	Environ(tid int) ([]string, error)
}

/**
 * Recorder persists access violations.
 */
type Recorder interface {
	Record(run uuid.UUID, v audit.Violation) error
}

/**
 * Supervisor options.
 */
type Options struct {
	// Global configuration, already loaded.
	Config *policy.Config

	// Magic command caster sharing Config.
	Caster *magic.Caster

	// Tracing backend, defaults to ptrace.
	Backend trace.Backend

	// Process information source, defaults to /proc.
	ProcFS ProcFS

	// Path resolver, defaults to a 32 symlink bound.
	Resolver *canon.Resolver

	// Violation store, optional.
	Audit Recorder

	// Resolves syscall numbers, defaults to trace.SyscallName.
	SyscallName func(nr int64) string

	Logger *slog.Logger
	Run    uuid.UUID
	Name   string
}

/**
 * Sydbox is the state of one supervised run.
 */
type Sydbox struct {
	cfg      *policy.Config
	caster   *magic.Caster
	backend  trace.Backend
	procfs   ProcFS
	resolver *canon.Resolver
	audit    Recorder
	sysname  func(nr int64) string
	log      *slog.Logger
	run      uuid.UUID
	name     string

	table    *proc.Table
	systable map[string]*sysEntry

	// Thread id of the first tracee and its exit status.
	eldest   int
	exitCode int

	// Set once any violation has been reported.
	violated bool

	// Syscalls of the eldest are ignored until its first execve.
	waitExec bool

	// New tracees that stopped before their parent reported the clone.
	orphans map[int]bool

	// Event source and events received while waiting for a helper.
	events  <-chan trace.Event
	backlog []trace.Event
}

/**
 * Creates a new supervisor.
 * @param opts the supervisor options
 * @return the supervisor, or an error if the options are incomplete
 */
func New(opts Options) (*Sydbox, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("missing configuration")
	}

	s := &Sydbox{
		cfg:      opts.Config,
		caster:   opts.Caster,
		backend:  opts.Backend,
		procfs:   opts.ProcFS,
		resolver: opts.Resolver,
		audit:    opts.Audit,
		sysname:  opts.SyscallName,
		log:      opts.Logger,
		run:      opts.Run,
		name:     opts.Name,
		table:    proc.NewTable(),
		orphans:  make(map[int]bool),
		exitCode: 0,
	}

	if s.caster == nil {
		s.caster = magic.New(s.cfg)
	}
	if s.caster.Commander == nil {
		s.caster.Commander = s
	}
	if s.backend == nil {
		s.backend = trace.NewPtrace()
	}
	if s.procfs == nil {
		s.procfs = procFS{}
	}
	if s.resolver == nil {
		s.resolver = &canon.Resolver{MaxSymlinks: canon.DefaultMaxSymlinks}
	}
	if s.sysname == nil {
		s.sysname = trace.SyscallName
	}
	if s.log == nil {
		s.log = logger.Log
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.run == uuid.Nil {
		s.run = uuid.New()
	}
	s.systable = newSystable()

	return s, nil
}

/**
 * @return the process table of the run.
 */
func (s *Sydbox) Table() *proc.Table {
	return s.table
}

/**
 * @return the identifier of the run.
 */
func (s *Sydbox) RunID() uuid.UUID {
	return s.run
}

/**
 * @return true if an access violation was reported.
 */
func (s *Sydbox) Violated() bool {
	return s.violated
}

// procFS reads from the live /proc.
type procFS struct{}

func (procFS) Comm(tid int) (string, error)       { return trace.ProcComm(tid) }
func (procFS) Cwd(tid int) (string, error)        { return trace.ProcCwd(tid) }
func (procFS) Fd(tid int, fd int) (string, error) { return trace.ProcFd(tid, fd) }
func (procFS) Environ(tid int) ([]string, error)  { return trace.ProcEnviron(tid) }
