//go:build linux

package proc

import (
	"maps"
	"slices"
)

/**
 * Table indexes the traced threads by tid.
 */
type Table struct {
	m map[int]*State
}

/**
 * @return an empty table.
 */
func NewTable() *Table {
	return &Table{m: make(map[int]*State)}
}

/**
 * Add inserts a thread, replacing and releasing any previous entry
 * with the same tid.
 */
func (t *Table) Add(s *State) {
	if old, ok := t.m[s.Tid]; ok && old != s {
		old.Release()
	}
	t.m[s.Tid] = s
}

/**
 * @return the thread with the given tid, or nil.
 */
func (t *Table) Lookup(tid int) *State {
	return t.m[tid]
}

/**
 * Remove releases a thread and deletes it from the table.
 * @return true if the tid was present
 */
func (t *Table) Remove(tid int) bool {
	s, ok := t.m[tid]
	if !ok {
		return false
	}
	s.Release()
	delete(t.m, tid)
	return true
}

/**
 * @return the number of traced threads.
 */
func (t *Table) Len() int {
	return len(t.m)
}

/**
 * @return the traced tids in ascending order.
 */
func (t *Table) Tids() []int {
	return slices.Sorted(maps.Keys(t.m))
}

/**
 * Each calls fn for every thread in ascending tid order. The table may
 * be modified by fn.
 */
func (t *Table) Each(fn func(*State)) {
	for _, tid := range t.Tids() {
		if s, ok := t.m[tid]; ok {
			fn(s)
		}
	}
}

/**
 * Rename moves the thread known as from to the tid to, releasing any
 * thread previously registered under to. It is used when a non-leader
 * thread executes and takes over the thread group id.
 * @return true if from was present
 */
func (t *Table) Rename(from, to int) bool {
	s, ok := t.m[from]
	if !ok {
		return false
	}
	delete(t.m, from)
	if old, ok := t.m[to]; ok && old != s {
		old.Release()
	}
	s.Tid = to
	t.m[to] = s
	return true
}
