//go:build linux

package core

import (
	"encoding/binary"
	"fmt"

	"github.com/HQarroum/sydbox/acl"
	"github.com/HQarroum/sydbox/pathmatch"
	"github.com/HQarroum/sydbox/policy"
	"github.com/HQarroum/sydbox/proc"
	"github.com/HQarroum/sydbox/trace"
	"golang.org/x/sys/unix"
)

/**
 * forkEvent registers the thread created by a fork, vfork or clone.
 * @param cur the parent thread
 * @param kind the event kind
 */
func (s *Sydbox) forkEvent(cur *proc.State, kind trace.EventKind) error {
	msg, err := s.backend.EventMsg(cur.Tid)
	if err != nil {
		return err
	}
	tid := int(msg)

	var flags uint64
	switch kind {
	case trace.EventVfork:
		flags = unix.CLONE_VM | unix.CLONE_VFORK
	case trace.EventClone:
		if flags, err = s.cloneFlags(cur); err != nil {
			return err
		}
	}

	child := proc.NewThread(tid, cur, flags, proc.Seed{})
	s.table.Add(child)
	if flags&unix.CLONE_THREAD == 0 {
		s.whitelistProcDirs(child)
	}
	s.log.Debug("new process", "tid", tid, "parent", cur.Tid, "event", kind.String(), "flags", fmt.Sprintf("%#x", flags))

	if s.orphans[tid] {
		// Its initial stop was already reported.
		delete(s.orphans, tid)
		if err := s.resume(child, 0); err != nil {
			_ = s.settle(child, err)
		}
	} else {
		child.Flags |= proc.FlagIgnoreOneSIGSTOP
	}
	return s.resume(cur, 0)
}

/**
 * cloneFlags reads the flags of the clone in progress. clone3 passes
 * them in the leading u64 of struct clone_args.
 */
func (s *Sydbox) cloneFlags(cur *proc.State) (uint64, error) {
	regs, err := s.backend.Registers(cur.Tid)
	if err != nil {
		return 0, err
	}
	if s.sysname(regs.Sysnum) != "clone3" {
		return regs.Args[0], nil
	}

	buf := make([]byte, 8)
	if err := s.backend.ReadMemory(cur.Tid, regs.Args[0], buf); err != nil {
		if ignoreErrno(err) != nil {
			return 0, err
		}
		return 0, nil
	}
	return binary.NativeEndian.Uint64(buf), nil
}

/**
 * execEvent handles a successful execve. When a non-leader thread
 * executes, it takes over the thread group id.
 * @param cur the thread the event was reported for
 * @return the executing thread
 */
func (s *Sydbox) execEvent(cur *proc.State) (*proc.State, error) {
	msg, err := s.backend.EventMsg(cur.Tid)
	if err != nil {
		return cur, err
	}
	if former := int(msg); former != 0 && former != cur.Tid && s.table.Lookup(former) != nil {
		leader := cur.Tid
		s.table.Rename(former, leader)
		cur = s.table.Lookup(leader)
		s.log.Debug("thread took over its group", "from", former, "tid", leader)
	}

	if s.waitExec && cur.Tgid == s.eldest {
		s.waitExec = false
	}
	if comm, err := s.procfs.Comm(cur.Tid); err == nil {
		cur.Thread.Comm = comm
	}

	box := cur.Box()
	if box.MagicLock == policy.LockPending {
		box.MagicLock = policy.LockSet
		s.log.Info("magic commands locked", "tid", cur.Tid, "comm", cur.Comm())
	}

	if cur.Abspath != "" {
		if s.cfg.ExecKillIfMatch.MatchPath(s.cfg.Match, acl.ActionNone, cur.Abspath).Matched {
			s.log.Warn("killing process on exec", "tid", cur.Tid, "path", cur.Abspath)
			return cur, s.killOne(cur)
		}
		if s.cfg.ExecResumeIfMatch.MatchPath(s.cfg.Match, acl.ActionNone, cur.Abspath).Matched {
			s.log.Info("resuming process on exec", "tid", cur.Tid, "path", cur.Abspath)
			return cur, s.detachOne(cur)
		}
	}
	return cur, s.resume(cur, 0)
}

/**
 * exitEvent forgets a terminated thread.
 */
func (s *Sydbox) exitEvent(cur *proc.State, ev trace.Event) error {
	s.table.Remove(cur.Tid)
	if ev.Tid != s.eldest {
		return nil
	}

	s.recordExit(ev)
	if !s.cfg.ExitWaitAll {
		s.contAll()
		return &Exit{Code: s.finalCode()}
	}
	return nil
}

func (s *Sydbox) recordExit(ev trace.Event) {
	if ev.Kind == trace.EventSignaled {
		s.exitCode = 128 + int(ev.Signal)
	} else {
		s.exitCode = ev.ExitCode
	}
	s.log.Info("eldest process exited", "pid", ev.Tid, "code", s.exitCode)
}

/**
 * whitelistProcDirs lets a new process read and write its own /proc
 * entries with whitelist/per_process_directories.
 */
func (s *Sydbox) whitelistProcDirs(cur *proc.State) {
	if !s.cfg.WhitelistPerProcessDirectories {
		return
	}
	pattern := fmt.Sprintf("/proc/%d%s", cur.Tid, pathmatch.SubtreeSuffix)

	box := cur.Box()
	for _, q := range []*acl.Queue{&box.ReadACL, &box.WriteACL} {
		if err := q.AppendPath(s.cfg.Match, acl.ActionWhitelist, pattern); err != nil {
			s.log.Warn("failed to whitelist process directory", "tid", cur.Tid, "error", err)
		}
	}
}
