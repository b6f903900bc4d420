// Package pathmatch implements the wildcard path patterns used by the
// access-control lists.
package pathmatch

import (
	"fmt"
	"log/slog"
	"strings"
)

/**
 * SubtreeSuffix marks a pattern matching a directory and everything below it.
 */
const SubtreeSuffix = "/***"

/**
 * Interpretation of patterns which carry no wildcard characters.
 */
type NoWildcard int

const (
	// The pattern is matched literally.
	NoWildcardLiteral NoWildcard = iota

	// The pattern is treated as a subtree, as if suffixed with `/***`.
	NoWildcardPrefix
)

/**
 * @return a string representation of the no-wildcard mode.
 */
func (n NoWildcard) String() string {
	switch n {
	case NoWildcardLiteral:
		return "literal"
	case NoWildcardPrefix:
		return "prefix"
	default:
		return "unknown"
	}
}

/**
 * Parse a no-wildcard mode from a string.
 * @param s the string to parse
 * @return the parsed mode and error if any
 */
func ParseNoWildcard(s string) (NoWildcard, error) {
	switch s {
	case "literal":
		return NoWildcardLiteral, nil
	case "prefix":
		return NoWildcardPrefix, nil
	default:
		return NoWildcardLiteral, fmt.Errorf("unknown no_wildcard mode: %q", s)
	}
}

/**
 * Matcher holds the sandbox-wide matching settings.
 * The zero value is not usable, call `New`.
 */
type Matcher struct {
	caseSensitive bool
	noWildcard    NoWildcard
}

/**
 * Creates a case-sensitive matcher using the literal no-wildcard mode.
 * @return the new matcher
 */
func New() *Matcher {
	return &Matcher{caseSensitive: true, noWildcard: NoWildcardLiteral}
}

func (m *Matcher) CaseSensitive() bool { return m.caseSensitive }

func (m *Matcher) SetCaseSensitive(on bool) { m.caseSensitive = on }

func (m *Matcher) NoWildcard() NoWildcard { return m.noWildcard }

func (m *Matcher) SetNoWildcard(mode NoWildcard) { m.noWildcard = mode }

/**
 * Match reports whether text matches an expanded pattern, honouring
 * the case-sensitivity setting.
 * @param pattern an expanded pattern
 * @param text the text to test
 * @return true on match
 */
func (m *Matcher) Match(pattern, text string) bool {
	var r bool
	if m.caseSensitive {
		r = Wildmatch(pattern, text)
	} else {
		r = IWildmatch(pattern, text)
	}
	slog.Debug("path match",
		slog.String("pattern", pattern),
		slog.String("text", text),
		slog.Bool("match", r),
		slog.Bool("case_sensitive", m.caseSensitive))
	return r
}

/**
 * Expand turns a source pattern into the patterns actually stored in a
 * queue. A subtree pattern `dir/***` yields `dir` and `dir/**`.
 * @param pattern the source pattern
 * @return the expanded patterns, in insertion order
 */
func (m *Matcher) Expand(pattern string) []string {
	p := pattern
	if m.noWildcard == NoWildcardPrefix && !HasWildcards(p) {
		p += SubtreeSuffix
	}
	p = KillSlashes(p)

	if strings.HasSuffix(p, SubtreeSuffix) {
		dir := strings.TrimSuffix(p, SubtreeSuffix)
		return []string{dir, dir + "/**"}
	}
	return []string{p}
}

/**
 * KillSlashes collapses runs of slashes into a single one.
 */
func KillSlashes(p string) string {
	if !strings.Contains(p, "//") {
		return p
	}

	var b strings.Builder
	b.Grow(len(p))
	slash := false
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '/' {
			if slash {
				continue
			}
			slash = true
		} else {
			slash = false
		}
		b.WriteByte(c)
	}
	return b.String()
}
