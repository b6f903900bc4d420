package policy

import "github.com/HQarroum/sydbox/acl"

/**
 * Access category checked by the decision engine.
 */
type Category int

const (
	CategoryExec Category = iota
	CategoryRead
	CategoryWrite
	CategoryBind
	CategoryConnect
)

/**
 * @return a string representation of the category.
 */
func (c Category) String() string {
	switch c {
	case CategoryExec:
		return "exec"
	case CategoryRead:
		return "read"
	case CategoryWrite:
		return "write"
	case CategoryBind:
		return "network/bind"
	case CategoryConnect:
		return "network/connect"
	default:
		return "unknown"
	}
}

/**
 * Sandbox is the policy of one traced process.
 */
type Sandbox struct {
	Exec    Mode
	Read    Mode
	Write   Mode
	Network Mode

	MagicLock LockState

	ExecACL    acl.Queue
	ReadACL    acl.Queue
	WriteACL   acl.Queue
	BindACL    acl.Queue
	ConnectACL acl.Queue
}

/**
 * @return a deep copy of the sandbox.
 */
func (s *Sandbox) Clone() *Sandbox {
	c := *s
	c.ExecACL = s.ExecACL.Clone()
	c.ReadACL = s.ReadACL.Clone()
	c.WriteACL = s.WriteACL.Clone()
	c.BindACL = s.BindACL.Clone()
	c.ConnectACL = s.ConnectACL.Clone()
	return &c
}

/**
 * @return the sandbox mode governing a category.
 */
func (s *Sandbox) Mode(c Category) Mode {
	switch c {
	case CategoryExec:
		return s.Exec
	case CategoryRead:
		return s.Read
	case CategoryWrite:
		return s.Write
	default:
		return s.Network
	}
}

/**
 * @return the access-control queue of a category.
 */
func (s *Sandbox) ACL(c Category) *acl.Queue {
	switch c {
	case CategoryExec:
		return &s.ExecACL
	case CategoryRead:
		return &s.ReadACL
	case CategoryWrite:
		return &s.WriteACL
	case CategoryBind:
		return &s.BindACL
	default:
		return &s.ConnectACL
	}
}

/**
 * DefaultAction maps a sandbox mode to the action applied when no
 * entry matches: deny mode whitelists, allow mode blacklists.
 * @param m the sandbox mode
 * @return the default action
 */
func DefaultAction(m Mode) acl.Action {
	if m == ModeDeny {
		return acl.ActionBlacklist
	}
	return acl.ActionWhitelist
}
