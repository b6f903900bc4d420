// Package acl implements ordered access-control queues of path and
// socket patterns. The first matching entry decides.
package acl

import (
	"errors"
	"fmt"
	"slices"

	"github.com/HQarroum/sydbox/pathmatch"
	"github.com/HQarroum/sydbox/sockmatch"
)

// ErrEmptyPattern is returned when appending or removing an empty pattern.
var ErrEmptyPattern = errors.New("empty pattern")

/**
 * Action attached to a queue entry.
 */
type Action int

const (
	ActionNone Action = iota
	ActionWhitelist
	ActionBlacklist
)

/**
 * @return a string representation of the action.
 */
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionWhitelist:
		return "whitelist"
	case ActionBlacklist:
		return "blacklist"
	default:
		return "unknown"
	}
}

/**
 * Entry is a single (action, matcher) pair. Exactly one of `Pattern`
 * and `Socket` is meaningful depending on the queue kind.
 */
type Entry struct {
	Action  Action
	Pattern string
	Socket  *sockmatch.Pattern
}

/**
 * @return the textual form of the matcher held by the entry.
 */
func (e Entry) String() string {
	if e.Socket != nil {
		return e.Socket.String()
	}
	return e.Pattern
}

/**
 * Result of evaluating a queue against a needle.
 */
type Result struct {
	Matched bool
	Action  Action
	Entry   *Entry
}

/**
 * Queue is an ordered list of entries.
 */
type Queue struct {
	entries []Entry
}

/**
 * @return the number of entries held by the queue.
 */
func (q *Queue) Len() int {
	return len(q.entries)
}

/**
 * @return a copy of the entries, in evaluation order.
 */
func (q *Queue) Entries() []Entry {
	return slices.Clone(q.entries)
}

/**
 * @return a deep copy of the queue. Socket patterns are immutable
 * and shared.
 */
func (q *Queue) Clone() Queue {
	return Queue{entries: slices.Clone(q.entries)}
}

/**
 * Clear removes every entry.
 */
func (q *Queue) Clear() {
	q.entries = nil
}

/**
 * AppendPath expands a path pattern and appends every expansion.
 * @param m the path matcher
 * @param action the action to attach
 * @param pattern the source pattern
 * @return error if the pattern is empty
 */
func (q *Queue) AppendPath(m *pathmatch.Matcher, action Action, pattern string) error {
	if pattern == "" {
		return ErrEmptyPattern
	}
	for _, p := range m.Expand(pattern) {
		q.entries = append(q.entries, Entry{Action: action, Pattern: p})
	}
	return nil
}

/**
 * RemovePath expands a path pattern identically to AppendPath and
 * removes the first entry equal to each expansion. Removing a pattern
 * that was never added is a no-op.
 * @param m the path matcher
 * @param action the action the entries were added with
 * @param pattern the source pattern
 * @return error if the pattern is empty
 */
func (q *Queue) RemovePath(m *pathmatch.Matcher, action Action, pattern string) error {
	if pattern == "" {
		return ErrEmptyPattern
	}
	for _, p := range m.Expand(pattern) {
		q.removeFirst(func(e *Entry) bool {
			return e.Action == action && e.Socket == nil && e.Pattern == p
		})
	}
	return nil
}

/**
 * AppendSocket expands and parses a socket pattern and appends every
 * expansion. Nothing is appended if any expansion fails to parse.
 * @param m the path matcher used to expand unix patterns
 * @param action the action to attach
 * @param pattern the source pattern
 * @return an error wrapping sockmatch.ErrInvalid or sockmatch.ErrNotSupported
 */
func (q *Queue) AppendSocket(m *pathmatch.Matcher, action Action, pattern string) error {
	if pattern == "" {
		return ErrEmptyPattern
	}

	expanded := sockmatch.Expand(pattern, m)
	parsed := make([]Entry, 0, len(expanded))
	for _, s := range expanded {
		sp, err := sockmatch.Parse(s)
		if err != nil {
			return fmt.Errorf("socket pattern %q: %w", pattern, err)
		}
		parsed = append(parsed, Entry{Action: action, Socket: sp})
	}
	q.entries = append(q.entries, parsed...)
	return nil
}

/**
 * AppendSocketPattern appends an already built socket pattern.
 */
func (q *Queue) AppendSocketPattern(action Action, p *sockmatch.Pattern) {
	q.entries = append(q.entries, Entry{Action: action, Socket: p})
}

/**
 * RemoveSocket expands a socket pattern and removes the first entry
 * whose textual form equals each expansion.
 * @param m the path matcher used to expand unix patterns
 * @param action the action the entries were added with
 * @param pattern the source pattern
 * @return error if the pattern is empty
 */
func (q *Queue) RemoveSocket(m *pathmatch.Matcher, action Action, pattern string) error {
	if pattern == "" {
		return ErrEmptyPattern
	}
	for _, s := range sockmatch.Expand(pattern, m) {
		q.removeFirst(func(e *Entry) bool {
			return e.Action == action && e.Socket != nil && e.Socket.String() == s
		})
	}
	return nil
}

func (q *Queue) removeFirst(pred func(*Entry) bool) {
	for i := range q.entries {
		if pred(&q.entries[i]) {
			q.entries = slices.Delete(q.entries, i, i+1)
			return
		}
	}
}

/**
 * MatchPath scans the queue for the first path entry matching path.
 * @param m the path matcher
 * @param def the action to report when nothing matches
 * @param path the canonical path to test
 * @return the evaluation result
 */
func (q *Queue) MatchPath(m *pathmatch.Matcher, def Action, path string) Result {
	for i := range q.entries {
		e := &q.entries[i]
		if e.Socket != nil {
			continue
		}
		if m.Match(e.Pattern, path) {
			return Result{Matched: true, Action: e.Action, Entry: e}
		}
	}
	return Result{Action: def}
}

/**
 * MatchSocket scans the queue for the first socket entry matching addr.
 * @param m the path matcher used for unix socket paths
 * @param def the action to report when nothing matches
 * @param addr the address to test
 * @return the evaluation result
 */
func (q *Queue) MatchSocket(m *pathmatch.Matcher, def Action, addr *sockmatch.Address) Result {
	for i := range q.entries {
		e := &q.entries[i]
		if e.Socket == nil {
			continue
		}
		if e.Socket.Match(m, addr) {
			return Result{Matched: true, Action: e.Action, Entry: e}
		}
	}
	return Result{Action: def}
}
