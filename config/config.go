// Package config loads sydbox configuration files: plain text files
// holding one magic command per line, or YAML profiles listing magic
// commands and other profiles to include.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/HQarroum/sydbox/magic"
	"gopkg.in/yaml.v3"
)

const (
	// Directory holding the profiles named with a leading '@'.
	ProfileDir = "/usr/share/sydbox"

	// Prefix selecting a profile by name.
	ProfileChar = '@'

	// Environment variable naming an additional configuration.
	EnvConfig = "SYDBOX_CONFIG"
)

// ErrIncludeCycle is returned when a profile includes itself.
var ErrIncludeCycle = errors.New("include cycle")

/**
 * Error describes a magic command rejected while loading a file.
 */
type Error struct {
	File      string
	Line      int
	Directive string
	Ret       magic.Ret
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s:%d: invalid magic %q: %s", e.File, e.Line, e.Directive, e.Ret)
}

/**
 * Profile is the YAML form of a configuration file.
 */
type Profile struct {
	Include []yaml.Node `yaml:"include"`
	Magic   []yaml.Node `yaml:"magic"`
}

/**
 * Loader applies configuration sources to a magic caster.
 */
type Loader struct {
	caster     *magic.Caster
	log        *slog.Logger
	profileDir string

	// Files currently being loaded, to detect include cycles.
	loading map[string]bool

	// Set once a file or an inline directive has been applied.
	applied bool
}

/**
 * Creates a loader casting into the given caster.
 * @param c the caster, its configuration receives the directives
 * @param log the logger, slog.Default() when nil
 */
func NewLoader(c *magic.Caster, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	return &Loader{
		caster:     c,
		log:        log,
		profileDir: ProfileDir,
		loading:    make(map[string]bool),
	}
}

/**
 * SetProfileDir changes the directory '@' profiles are looked up in.
 */
func (l *Loader) SetProfileDir(dir string) {
	l.profileDir = dir
}

/**
 * Resolve maps a configuration spec onto a file path: `@name` names a
 * profile, anything else is a path.
 * @param spec the spec
 * @param base directory relative paths are resolved against, or empty
 */
func (l *Loader) Resolve(spec, base string) string {
	if len(spec) > 1 && spec[0] == ProfileChar {
		return filepath.Join(l.profileDir, spec[1:])
	}
	if base != "" && !filepath.IsAbs(spec) {
		return filepath.Join(base, spec)
	}
	return spec
}

/**
 * LoadSpec loads the configuration named by a spec.
 * @param spec a path or an `@profile` name
 */
func (l *Loader) LoadSpec(spec string) error {
	return l.LoadFile(l.Resolve(spec, ""))
}

/**
 * LoadFile loads a configuration file, as YAML when its extension is
 * `.yml` or `.yaml` and as text otherwise.
 * @param path the file path
 */
func (l *Loader) LoadFile(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if l.loading[abs] {
		return fmt.Errorf("%s: %w", path, ErrIncludeCycle)
	}
	l.loading[abs] = true
	defer delete(l.loading, abs)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	l.log.Debug("loading configuration", slog.String("path", path))
	l.applied = true

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return l.loadYAML(f, path)
	default:
		return l.Load(f, path)
	}
}

/**
 * Load applies a text configuration: one magic command per line,
 * blank lines and lines starting with '#' being skipped.
 * @param r the configuration
 * @param name the name used in error messages
 */
func (l *Loader) Load(r io.Reader, name string) error {
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if err := l.Apply(name, line, text); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	return nil
}

func (l *Loader) loadYAML(r io.Reader, path string) error {
	var p Profile
	if err := yaml.NewDecoder(r).Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse %s: %w", path, err)
	}

	base := filepath.Dir(path)
	for _, n := range p.Include {
		if n.Kind != yaml.ScalarNode {
			return fmt.Errorf("%s:%d: include entries must be strings", path, n.Line)
		}
		if err := l.LoadFile(l.Resolve(n.Value, base)); err != nil {
			return fmt.Errorf("%s:%d: %w", path, n.Line, err)
		}
	}
	for _, n := range p.Magic {
		if n.Kind != yaml.ScalarNode {
			return fmt.Errorf("%s:%d: magic entries must be strings", path, n.Line)
		}
		if err := l.Apply(path, n.Line, n.Value); err != nil {
			return err
		}
	}
	return nil
}

/**
 * Apply casts one directive. Unsupported keys are only logged.
 * @param name the source of the directive
 * @param line its line, zero when not from a file
 * @param directive the magic command
 * @return an *Error if the directive is rejected
 */
func (l *Loader) Apply(name string, line int, directive string) error {
	r := l.caster.CastString(nil, directive, false)
	switch {
	case r == magic.RetNotSupported:
		l.log.Warn("unsupported magic ignored",
			slog.String("source", name),
			slog.Int("line", line),
			slog.String("magic", directive))
		return nil
	case r.IsError():
		return &Error{File: name, Line: line, Directive: directive, Ret: r}
	}
	l.applied = true
	return nil
}

/**
 * Magic applies inline directives, as given with `--magic`.
 * @param directives the magic commands
 */
func (l *Loader) Magic(directives []string) error {
	for i, d := range directives {
		if err := l.Apply("--magic", i+1, d); err != nil {
			return err
		}
	}
	return nil
}

/**
 * Done ends the static configuration. Once a source was applied,
 * `core/*` can no longer be changed by tracees.
 */
func (l *Loader) Done() {
	if l.applied {
		l.caster.LockCore()
	}
}

/**
 * @return true if a configuration file or inline directive was applied.
 */
func (l *Loader) Applied() bool {
	return l.applied
}
