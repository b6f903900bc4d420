//go:build linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/HQarroum/sydbox/audit"
	"github.com/HQarroum/sydbox/config"
	"github.com/HQarroum/sydbox/core"
	"github.com/HQarroum/sydbox/logger"
	"github.com/HQarroum/sydbox/magic"
	"github.com/HQarroum/sydbox/options"
	"github.com/HQarroum/sydbox/policy"
	"github.com/HQarroum/sydbox/sandbox"
	"github.com/google/uuid"
)

/**
 * Application entry point.
 */
func main() {
	// Parse command-line options.
	opts, err := options.ParseCli(context.Background(), os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "parsing error:", err)
		os.Exit(1)
	} else if opts == nil {
		// No options means help or version was printed.
		os.Exit(0)
	}

	// Create the application logger.
	log := logger.CreateLogger(&logger.LoggerOpts{
		LogLevel:   opts.LogLevel,
		LogFormat:  opts.LogFormat,
		LogFile:    opts.LogFile,
		LogMaxSize: opts.LogMaxSize,
	})
	defer logger.Sinks.Close()
	log.Debug("Options", slog.Any("opts", opts))

	if opts.Command == options.CommandAudit {
		if err := listViolations(opts); err != nil {
			log.Error("cannot read the violation store", slog.Any("err", err))
			os.Exit(1)
		}
		return
	}

	code, err := run(opts, log)
	if err != nil {
		log.Error("error while supervising the sandbox", slog.Any("err", err))
	}
	logger.Sinks.Close()
	os.Exit(code)
}

/**
 * Loads the configuration and supervises the command.
 * @param opts the parsed options
 * @param log the application logger
 * @return the exit code of the run and error if any
 */
func run(opts *options.Options, log *slog.Logger) (int, error) {
	cfg := policy.Default()
	caster := magic.New(cfg)
	caster.Logging = logger.Sinks

	// Static configuration, the core is locked afterwards.
	loader := config.NewLoader(caster, log)
	for _, spec := range opts.Configs {
		if err := loader.LoadSpec(spec); err != nil {
			return 1, err
		}
	}
	if err := loader.Magic(opts.Magic); err != nil {
		return 1, err
	}
	if opts.UseSeccomp {
		cfg.UseSeccomp = true
	}
	loader.Done()
	if !loader.Applied() {
		log.Debug("no static configuration loaded, core settings stay writable")
	}

	coreOpts := core.Options{
		Config: cfg,
		Caster: caster,
		Logger: log,
		Name:   opts.Name,
	}
	if opts.AuditDB != "" {
		store, err := audit.Open(opts.AuditDB)
		if err != nil {
			return 1, err
		}
		coreOpts.Audit = store
	}

	s, err := core.New(coreOpts)
	if err != nil {
		return 1, err
	}
	log.Info("starting run",
		slog.String("name", opts.Name),
		slog.String("run", s.RunID().String()),
		slog.Any("argv", opts.Commands),
	)

	spawn := func() (int, error) {
		sopts := &sandbox.Options{
			Argv:                         opts.Commands,
			Env:                          opts.Env,
			Capabilities:                 opts.Capabilities,
			RestrictSharedMemoryWritable: cfg.RestrictSharedMemoryWritable,
		}
		if cfg.UseSeccomp {
			sopts.Trace = core.Syscalls()
		}
		return sandbox.Spawn(sopts)
	}
	return s.Run(context.Background(), spawn)
}

/**
 * Prints the recorded violations of one run, or of every run.
 * @param opts the parsed options
 * @return error if any
 */
func listViolations(opts *options.Options) error {
	store, err := audit.Open(opts.AuditDB)
	if err != nil {
		return err
	}

	runs := []uuid.UUID{}
	if opts.AuditRun != nil {
		runs = append(runs, *opts.AuditRun)
	} else if runs, err = store.Runs(); err != nil {
		return err
	}

	for _, id := range runs {
		violations, err := store.Violations(id)
		if err != nil {
			return err
		}
		for _, v := range violations {
			fmt.Printf("%s %s %s %d(%s) %s %s %q errno=%d %s\n",
				id, v.Time.Format("2006-01-02T15:04:05Z07:00"), v.Name,
				v.Tid, v.Comm, v.Syscall, v.Category, v.Target, v.Errno, v.Decision,
			)
		}
	}
	return nil
}
