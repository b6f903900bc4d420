//go:build linux

package core

import (
	"encoding/binary"
	"errors"

	"github.com/HQarroum/sydbox/acl"
	"github.com/HQarroum/sydbox/policy"
	"github.com/HQarroum/sydbox/proc"
	"github.com/HQarroum/sydbox/sockmatch"
	"golang.org/x/sys/unix"
)

func sysBind(s *Sydbox, cur *proc.State) error {
	if cur.Box().Network == policy.ModeOff && !s.cfg.WhitelistSuccessfulBind {
		return nil
	}

	sc := SockCheck{Category: policy.CategoryBind, Arg: 1, Errno: unix.EADDRNOTAVAIL}
	if err := s.CheckSocket(cur, &sc); err != nil || denied(cur) {
		return err
	}
	if !s.cfg.WhitelistSuccessfulBind || sc.Addr == nil {
		return nil
	}

	switch sc.Addr.Family {
	case sockmatch.FamilyUnix, sockmatch.FamilyInet, sockmatch.FamilyInet6:
		cur.Files.PendingBind = &proc.SockInfo{Path: sc.Abspath, Addr: sc.Addr}
		cur.Flags |= proc.FlagStopAtSysexit
	}
	return nil
}

/**
 * sysBindExit whitelists the address of a successful bind for connect.
 * Zero-port binds are remembered by fd until getsockname reveals the
 * port the kernel picked.
 */
func sysBindExit(s *Sydbox, cur *proc.State) error {
	info := cur.Files.PendingBind
	cur.Files.PendingBind = nil
	if info == nil || cur.Retval < 0 {
		return nil
	}

	addr := info.Addr
	switch {
	case (addr.Family == sockmatch.FamilyInet || addr.Family == sockmatch.FamilyInet6) && addr.Port == 0:
		fd := int(int32(cur.Args[0]))
		cur.SetSocket(fd, info)
		s.log.Debug("waiting for getsockname", "tid", cur.Tid, "fd", fd, "address", addr.String())
		return nil
	case addr.Family == sockmatch.FamilyUnix && !addr.Abstract && info.Path != "":
		resolved := *addr
		resolved.Path = info.Path
		addr = &resolved
	}
	s.learnConnect(cur, addr)
	return nil
}

// learnConnect appends a bound address to the connect whitelist
// shared by every tracee.
func (s *Sydbox) learnConnect(cur *proc.State, addr *sockmatch.Address) {
	p := sockmatch.FromAddress(addr)
	s.cfg.LearnedConnect.AppendSocketPattern(acl.ActionWhitelist, p)
	s.log.Info("whitelisted bound address", "tid", cur.Tid, "pattern", p.String())
}

func sysConnect(s *Sydbox, cur *proc.State) error {
	if cur.Box().Network == policy.ModeOff {
		return nil
	}
	return s.CheckSocket(cur, &SockCheck{Category: policy.CategoryConnect, Arg: 1, Errno: unix.ECONNREFUSED})
}

func sysSendto(s *Sydbox, cur *proc.State) error {
	if cur.Box().Network == policy.ModeOff {
		return nil
	}
	return s.CheckSocket(cur, &SockCheck{Category: policy.CategoryConnect, Arg: 4, NullOK: true, Errno: unix.ECONNREFUSED})
}

func sysGetsockname(s *Sydbox, cur *proc.State) error {
	if _, ok := cur.Files.Sockets[int(int32(cur.Args[0]))]; ok {
		cur.Flags |= proc.FlagStopAtSysexit
	}
	return nil
}

func sysGetsocknameExit(s *Sydbox, cur *proc.State) error {
	fd := int(int32(cur.Args[0]))
	info, ok := cur.Files.Sockets[fd]
	if !ok || cur.Retval < 0 {
		return nil
	}

	buf := make([]byte, 4)
	if err := s.backend.ReadMemory(cur.Tid, cur.Args[2], buf); err != nil {
		return ignoreErrno(err)
	}
	bound, err := s.backend.ReadSockaddr(cur.Tid, cur.Args[1], int(binary.NativeEndian.Uint32(buf)))
	if err != nil {
		return ignoreErrno(err)
	}

	learned := *info.Addr
	learned.Port = bound.Port
	delete(cur.Files.Sockets, fd)
	s.learnConnect(cur, &learned)
	return nil
}

// tracksSockets reports whether bound sockets are followed across fds.
func (s *Sydbox) tracksSockets(cur *proc.State) bool {
	return s.cfg.WhitelistSuccessfulBind && cur.Box().Network != policy.ModeOff
}

func sysDup(s *Sydbox, cur *proc.State) error {
	if !s.tracksSockets(cur) {
		return nil
	}
	if _, ok := cur.Files.Sockets[int(int32(cur.Args[0]))]; ok {
		cur.Flags |= proc.FlagStopAtSysexit
	}
	return nil
}

/**
 * sysDupExit copies the socket entry of a duplicated fd, the new fd
 * being the return value.
 */
func sysDupExit(s *Sydbox, cur *proc.State) error {
	if cur.Retval < 0 {
		return nil
	}
	if info, ok := cur.Files.Sockets[int(int32(cur.Args[0]))]; ok {
		dup := *info
		cur.SetSocket(int(cur.Retval), &dup)
		s.log.Debug("duplicated socket", "tid", cur.Tid, "fd", int32(cur.Args[0]), "newfd", cur.Retval)
	}
	return nil
}

func sysClose(s *Sydbox, cur *proc.State) error {
	if _, ok := cur.Files.Sockets[int(int32(cur.Args[0]))]; ok {
		cur.Flags |= proc.FlagStopAtSysexit
	}
	return nil
}

func sysCloseExit(s *Sydbox, cur *proc.State) error {
	if cur.Retval == 0 {
		delete(cur.Files.Sockets, int(int32(cur.Args[0])))
	}
	return nil
}

// ignoreErrno swallows memory access errnos, keeping supervisor errors.
func ignoreErrno(err error) error {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return nil
	}
	return err
}
