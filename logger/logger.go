package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

/**
 * Represents a log format.
 */
type LogFormat int

/**
 * Supported log formats.
 */
const (
	LogText LogFormat = iota
	LogJSON
)

/**
 * Verbosity bits of the `log/level` and `log/console_level` magic
 * commands.
 */
const (
	MaskWarning     = 0x0001
	MaskViolation   = 0x0002
	MaskInfo        = 0x0004
	MaskAccess      = 0x0008
	MaskMagic       = 0x0010
	MaskCheck       = 0x0020
	MaskMatch       = 0x0040
	MaskTrace       = 0x0080
	MaskSyscall     = 0x0100
	MaskAllSyscalls = 0x0800
)

// Rotation size of the log file when none is given, in megabytes.
const DefaultMaxSizeMB = 100

/**
 * Logger options.
 */
type LoggerOpts struct {
	LogLevel  slog.Level
	LogFormat LogFormat

	// Optional rotating log file.
	LogFile string

	// Size of a log file before rotation, in bytes.
	LogMaxSize int64

	// Console destination, stderr when nil.
	Console io.Writer
}

/**
 * The global logger instance.
 */
var Log *slog.Logger

/**
 * The sinks behind the global logger.
 */
var Sinks *Outputs

/**
 * Creates a global structured logger writing to the console and,
 * optionally, to a rotating file.
 * @param opts the logger options.
 * @return the created logger instance.
 */
func CreateLogger(opts *LoggerOpts) *slog.Logger {
	if Log != nil {
		return Log
	}

	out := NewOutputs(opts)
	if opts.LogFile != "" {
		if err := out.SetFile(opts.LogFile); err != nil {
			fmt.Fprintf(os.Stderr, "cannot open log file %q: %v\n", opts.LogFile, err)
		}
	}

	// Add context fields.
	Log = slog.New(out).With(
		slog.Int("pid", os.Getpid()),
	)
	Sinks = out

	// Set as the default logger.
	slog.SetDefault(Log)

	return Log
}

/**
 * Outputs fans records out to a console handler and an optional file
 * handler, each with its own level. It implements the `log/*` magic
 * commands.
 */
type Outputs struct {
	mu sync.RWMutex

	format  LogFormat
	maxSize int64

	consoleLevel slog.LevelVar
	fileLevel    slog.LevelVar

	console slog.Handler
	file    slog.Handler
	rotator *lumberjack.Logger
}

/**
 * Creates the console and file outputs.
 * @param opts the logger options
 */
func NewOutputs(opts *LoggerOpts) *Outputs {
	o := &Outputs{format: opts.LogFormat, maxSize: opts.LogMaxSize}
	o.consoleLevel.Set(opts.LogLevel)
	o.fileLevel.Set(opts.LogLevel)

	w := opts.Console
	if w == nil {
		w = os.Stderr
	}
	o.console = o.newHandler(w, &o.consoleLevel)
	return o
}

func (o *Outputs) newHandler(w io.Writer, level slog.Leveler) slog.Handler {
	handlerOpts := &slog.HandlerOptions{
		Level: level,
	}

	// Choose the log format.
	if o.format == LogText {
		return slog.NewTextHandler(w, handlerOpts)
	}
	return slog.NewJSONHandler(w, handlerOpts)
}

/**
 * SetFile replaces the log file, closing the previous one. An empty
 * path disables file logging.
 * @param path the log file path
 */
func (o *Outputs) SetFile(path string) error {
	var rotator *lumberjack.Logger
	var handler slog.Handler

	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return err
		}
		_ = f.Close()

		maxSize := int(o.maxSize >> 20)
		if maxSize <= 0 {
			maxSize = DefaultMaxSizeMB
		}
		rotator = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSize,
			MaxBackups: 3,
		}
		handler = o.newHandler(rotator, &o.fileLevel)
	}

	o.mu.Lock()
	previous := o.rotator
	o.rotator, o.file = rotator, handler
	o.mu.Unlock()

	if previous != nil {
		return previous.Close()
	}
	return nil
}

/**
 * SetLevel sets the level of the file output from a verbosity mask.
 */
func (o *Outputs) SetLevel(mask int) {
	o.fileLevel.Set(LevelFromMask(mask))
}

/**
 * SetConsoleLevel sets the level of the console output from a
 * verbosity mask.
 */
func (o *Outputs) SetConsoleLevel(mask int) {
	o.consoleLevel.Set(LevelFromMask(mask))
}

/**
 * Close flushes and closes the log file, if any.
 */
func (o *Outputs) Close() error {
	return o.SetFile("")
}

/**
 * LevelFromMask maps a verbosity mask onto the closest slog level.
 * @param mask the verbosity bits
 * @return the level enabling every requested class
 */
func LevelFromMask(mask int) slog.Level {
	switch {
	case mask&^(MaskWarning|MaskViolation|MaskInfo) != 0:
		return slog.LevelDebug
	case mask&MaskInfo != 0:
		return slog.LevelInfo
	case mask&(MaskWarning|MaskViolation) != 0:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func (o *Outputs) handlers() []slog.Handler {
	o.mu.RLock()
	defer o.mu.RUnlock()

	hs := []slog.Handler{o.console}
	if o.file != nil {
		hs = append(hs, o.file)
	}
	return hs
}

func (o *Outputs) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range o.handlers() {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (o *Outputs) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range o.handlers() {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (o *Outputs) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &view{root: o, wrap: func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) }}
}

func (o *Outputs) WithGroup(name string) slog.Handler {
	return &view{root: o, wrap: func(h slog.Handler) slog.Handler { return h.WithGroup(name) }}
}

// view is an Outputs handler with attributes or groups applied. It
// shares the sinks of its root, so a file set at runtime is seen by
// loggers derived before it.
type view struct {
	root *Outputs
	wrap func(slog.Handler) slog.Handler
}

func (v *view) handlers() []slog.Handler {
	hs := v.root.handlers()
	for i, h := range hs {
		hs[i] = v.wrap(h)
	}
	return hs
}

func (v *view) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range v.handlers() {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (v *view) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range v.handlers() {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (v *view) WithAttrs(attrs []slog.Attr) slog.Handler {
	prev := v.wrap
	return &view{root: v.root, wrap: func(h slog.Handler) slog.Handler { return prev(h).WithAttrs(attrs) }}
}

func (v *view) WithGroup(name string) slog.Handler {
	prev := v.wrap
	return &view{root: v.root, wrap: func(h slog.Handler) slog.Handler { return prev(h).WithGroup(name) }}
}
