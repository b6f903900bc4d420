//go:build linux

package options

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/HQarroum/sydbox/audit"
	"github.com/HQarroum/sydbox/config"
	"github.com/HQarroum/sydbox/logger"
	"github.com/HQarroum/sydbox/sandbox"
	"github.com/HQarroum/sydbox/version"
	"github.com/google/uuid"
	"github.com/goombaio/namegenerator"
	"github.com/urfave/cli/v3"
)

/**
 * What the invocation asks for.
 */
type Command int

const (
	// Run a command under the supervisor.
	CommandRun Command = iota

	// List recorded violations.
	CommandAudit
)

/**
 * Options of a sydbox invocation.
 */
type Options struct {
	Command Command

	// Configuration specs, paths or `@profile` names, in load order.
	Configs []string

	// Inline magic commands, applied after the configuration files.
	Magic []string

	Env          sandbox.EnvVars
	Capabilities *sandbox.CapabilityOpts
	UseSeccomp   bool

	LogLevel   slog.Level
	LogFormat  logger.LogFormat
	LogFile    string
	LogMaxSize int64

	// Violation store, empty when disabled.
	AuditDB string

	// Run whose violations are listed, all runs when nil.
	AuditRun *uuid.UUID

	// Label of the run.
	Name string

	Commands []string
}

/**
 * Builds an `Options` struct from CLI context.
 * @param c the CLI context
 * @return the built Options and error if any
 */
func buildOptionsFromCLI(c *cli.Command) (*Options, error) {
	o := &Options{
		Magic:      c.StringSlice("magic"),
		UseSeccomp: c.Bool("use-seccomp"),
		Name:       c.String("name"),
	}
	if err := parseLogging(c, o); err != nil {
		return nil, err
	}

	// Configuration sources, the environment comes last.
	for _, p := range c.StringSlice("profile") {
		o.Configs = append(o.Configs, string(config.ProfileChar)+p)
	}
	o.Configs = append(o.Configs, c.StringSlice("config")...)
	if env := os.Getenv(config.EnvConfig); env != "" {
		o.Configs = append(o.Configs, env)
	}

	// Violation store.
	if c.Bool("audit") {
		o.AuditDB = c.String("audit-db")
	}

	// Parse environment variables.
	var userEnv []sandbox.EnvVar
	for _, e := range c.StringSlice("env") {
		ev, err := ParseEnv(e)
		if err != nil {
			return nil, err
		}
		userEnv = append(userEnv, ev)
	}
	o.Env = MergeEnv(sandbox.FromEnviron(os.Environ()), userEnv)

	// Capabilities.
	dropIDs, err := sandbox.FromCapabilities(c.StringSlice("cap-drop"))
	if err != nil {
		return nil, fmt.Errorf("bad --cap-drop: %w", err)
	}
	if len(dropIDs) > 0 {
		o.Capabilities = &sandbox.CapabilityOpts{
			Drop: sandbox.NewCapSet(dropIDs...),
		}
	}

	return o, nil
}

/**
 * Parses the logging flags.
 * @param c the CLI context
 * @param o the options to fill
 */
func parseLogging(c *cli.Command, o *Options) error {
	o.LogFile = c.String("log-file")

	// Log level parsing.
	logLevel, err := parseLogLevel(c.String("log-level"))
	if err != nil {
		return err
	}
	o.LogLevel = logLevel

	// Log format parsing.
	logFormat, err := parseLogFormat(c.String("log-format"))
	if err != nil {
		return err
	}
	o.LogFormat = logFormat

	// Log rotation size parsing.
	maxSize, err := parseLogMaxSize(c.String("log-max-size"))
	if err != nil {
		return err
	}
	o.LogMaxSize = maxSize
	return nil
}

/**
 * Parses CLI flags into an `Options` struct.
 * @param ctx the context of the invocation
 * @param args the command line
 * @return the options, nil when help or version was printed
 */
func ParseCli(ctx context.Context, args []string) (*Options, error) {
	var resultOpts *Options
	var generator = namegenerator.NewNameGenerator(
		time.Now().UTC().UnixNano(),
	)

	cmd := &cli.Command{
		Name:    "sydbox",
		Usage:   "ptrace based sandbox for Linux.",
		Version: version.Version(),

		// Magic commands and patterns may contain commas.
		DisableSliceFlagSeparator: true,

		Flags: []cli.Flag{

			// Verbosity
			&cli.StringFlag{
				Name:  "log-level",
				Value: "warn",
				Usage: "Log verbosity (debug|info|warn|error)",
			},

			// Log format.
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format (text|json)",
			},

			// Log file.
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Also write logs to a rotating `FILE`",
			},

			// Log rotation size.
			&cli.StringFlag{
				Name:  "log-max-size",
				Value: "100MB",
				Usage: "Size of the log file before rotation (e.g., 10MB)",
			},

			// Violation store.
			&cli.StringFlag{
				Name:  "audit-db",
				Value: audit.DefaultDBPath,
				Usage: "Path of the violation store",
			},

			// Configuration files.
			&cli.StringSliceFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load a configuration `FILE`, or a profile with @NAME",
			},

			// Profiles.
			&cli.StringSliceFlag{
				Name:  "profile",
				Usage: "Load the profile `NAME` from " + config.ProfileDir,
			},

			// Inline magic commands.
			&cli.StringSliceFlag{
				Name:    "magic",
				Aliases: []string{"m"},
				Usage:   "Run a magic `COMMAND` before starting",
			},

			// Environment variables
			&cli.StringSliceFlag{
				Name:    "env",
				Aliases: []string{"E"},
				Usage:   "Sets an environment variable as `KEY=VALUE` for the command",
			},

			// Remove capabilities from the command.
			&cli.StringSliceFlag{
				Name:  "cap-drop",
				Usage: "Drop a capability from the command (e.g., CAP_NET_RAW)",
			},

			// Seccomp fast path.
			&cli.BoolFlag{
				Name:  "use-seccomp",
				Usage: "Only stop on the handled system calls using a seccomp filter",
			},

			// Record violations.
			&cli.BoolFlag{
				Name:  "audit",
				Usage: "Record violations in the violation store",
			},

			// Run label.
			&cli.StringFlag{
				Name:  "name",
				Value: generator.Generate(),
				Usage: "Sets the name of the run",
			},
		},

		Commands: []*cli.Command{
			{
				Name:   sandbox.HelperCommand,
				Hidden: true,
				Action: func(ctx context.Context, c *cli.Command) error {
					err := sandbox.ExecChild()
					return cli.Exit(fmt.Sprintf("sydbox: cannot execute command: %v", err), 127)
				},
			},
			{
				Name:      "audit",
				Usage:     "List the recorded violations",
				ArgsUsage: "[RUN]",
				Action: func(ctx context.Context, c *cli.Command) error {
					opts := &Options{
						Command: CommandAudit,
						AuditDB: c.String("audit-db"),
					}
					if err := parseLogging(c, opts); err != nil {
						return err
					}

					if run := c.Args().First(); run != "" {
						id, err := uuid.Parse(run)
						if err != nil {
							return fmt.Errorf("bad run %q: %w", run, err)
						}
						opts.AuditRun = &id
					}
					resultOpts = opts
					return nil
				},
			},
		},

		// Parse arguments into an `Options` struct.
		Action: func(ctx context.Context, c *cli.Command) error {
			opts, err := buildOptionsFromCLI(c)
			if err != nil {
				return err
			}

			// Command to execute in the sandbox.
			argv := c.Args().Slice()
			if len(argv) == 0 {
				return fmt.Errorf("missing command; usage: sydbox [options] -- command [args...]")
			}

			opts.Commands = argv
			resultOpts = opts
			return nil
		},
	}

	if err := cmd.Run(ctx, args); err != nil {
		// display help if no arguments were provided
		_ = cli.ShowAppHelp(cmd)
		return nil, err
	}

	return resultOpts, nil
}
