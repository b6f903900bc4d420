//go:build linux

package magic

import (
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/HQarroum/sydbox/acl"
	"github.com/HQarroum/sydbox/pathmatch"
	"github.com/HQarroum/sydbox/policy"
	"github.com/HQarroum/sydbox/proc"
	"github.com/HQarroum/sydbox/sockmatch"
	"github.com/HQarroum/sydbox/version"
)

const (
	// Prefix of magic paths seen by tracees.
	Prefix = "/dev/sydbox"

	// APIVersion is the version key, `/dev/sydbox/1`.
	APIVersion = version.Major

	// Separator of the arguments of `cmd/exec`.
	ArgSeparator = '\x1f'

	opChars = ":+-?!"
)

/**
 * Op is a magic operation.
 */
type Op byte

const (
	OpSet    Op = ':'
	OpAppend Op = '+'
	OpRemove Op = '-'
	OpQuery  Op = '?'
	OpExec   Op = '!'
)

/**
 * Logging is the runtime log configuration driven by the `log/*` keys.
 */
type Logging interface {
	SetFile(path string) error
	SetLevel(level int)
	SetConsoleLevel(level int)
}

/**
 * Commander runs `cmd/exec` on behalf of a tracee.
 */
type Commander interface {
	ExecCommand(cur *proc.State, argv []string) Ret
}

/**
 * Caster applies magic commands to a configuration and to the sandbox
 * of the calling thread.
 */
type Caster struct {
	Config    *policy.Config
	Logging   Logging
	Commander Commander

	coreLocked bool
}

// target is what a key handler mutates.
type target struct {
	cfg *policy.Config
	box *policy.Sandbox
	cur *proc.State
}

/**
 * Creates a new caster over the given configuration.
 * @param cfg the configuration to mutate
 * @return a caster with the core subtree unlocked
 */
func New(cfg *policy.Config) *Caster {
	return &Caster{Config: cfg}
}

/**
 * LockCore refuses further mutation of the `core/*` subtree. It is
 * engaged once the static configuration has been loaded.
 */
func (c *Caster) LockCore() {
	c.coreLocked = true
}

/**
 * @return true if the `core/*` subtree is read only.
 */
func (c *Caster) CoreLocked() bool {
	return c.coreLocked
}

/**
 * CastString parses and applies a magic string.
 * @param cur the calling thread, nil for static configuration
 * @param s the magic string
 * @param prefixed whether s carries the `/dev/sydbox` prefix
 * @return the result of the command
 */
func (c *Caster) CastString(cur *proc.State, s string, prefixed bool) Ret {
	cmd := s
	if prefixed {
		rest, ok := strings.CutPrefix(s, Prefix)
		if !ok {
			return RetNoop
		}
		if rest == "" {
			return RetOK
		}
		if rest[0] != '/' {
			return RetNoop
		}
		cmd = rest[1:]
	}

	key := KeyNone
	var op Op
	for {
		next, n := nextKey(cmd, key)
		if next == keyInvalid {
			return RetInvalidKey
		}
		key = next
		cmd = cmd[n:]

		if cmd == "" {
			if keyTable[key].typ == TypeNone {
				return RetOK
			}
			return RetInvalidKey
		}
		if cmd[0] == '/' {
			if keyTable[key].typ != TypeObject {
				return RetInvalidKey
			}
			cmd = cmd[1:]
			continue
		}
		op = Op(cmd[0])
		cmd = cmd[1:]
		break
	}

	if cur != nil && key != KeyVersion && cur.Box().MagicLock == policy.LockSet {
		return RetNoPerm
	}

	var v Value
	switch op {
	case OpSet:
		switch keyTable[key].typ {
		case TypeBoolean:
			b, err := parseBoolean(cmd)
			if err != nil {
				return RetInvalidValue
			}
			v.Bool = b
		case TypeInteger:
			i, err := strconv.Atoi(cmd)
			if err != nil {
				return RetInvalidValue
			}
			v.Int = i
		case TypeString:
			v.Str = cmd
		default:
			return RetInvalidType
		}
	case OpAppend, OpRemove, OpExec:
		v.Str = cmd
	case OpQuery:
	default:
		return RetInvalidOperation
	}

	r := c.Cast(cur, op, key, v)
	slog.Debug("magic",
		slog.String("command", s),
		slog.String("key", key.String()),
		slog.String("op", string(rune(op))),
		slog.String("result", r.String()))
	return r
}

/**
 * Cast applies an already parsed command.
 * @param cur the calling thread, nil for static configuration
 * @param op the operation
 * @param key the leaf key
 * @param v the parsed value
 * @return the result of the command
 */
func (c *Caster) Cast(cur *proc.State, op Op, key Key, v Value) Ret {
	if key <= KeyNone || key >= keyCount {
		return RetInvalidKey
	}
	def := &keyTable[key]
	if r := def.allows(op); r != RetOK {
		return r
	}
	if c.coreLocked && op != OpQuery && key.Under(KeyCore) {
		return RetNoPerm
	}

	b := &target{cfg: c.Config, box: &c.Config.Child, cur: cur}
	if cur != nil {
		b.box = cur.Box()
	}

	switch op {
	case OpSet:
		return def.set(c, b, v)
	case OpQuery:
		return def.query(c, b)
	case OpAppend:
		return def.append(c, b, v.Str)
	case OpRemove:
		return def.remove(c, b, v.Str)
	case OpExec:
		return def.exec(c, b, v.Str)
	default:
		return RetInvalidOperation
	}
}

// allows checks that the key supports the operation.
func (def *keyDef) allows(op Op) Ret {
	switch op {
	case OpSet:
		switch def.typ {
		case TypeBoolean, TypeInteger, TypeString:
		default:
			return RetInvalidType
		}
		if def.set == nil {
			return RetInvalidOperation
		}
	case OpAppend, OpRemove:
		if def.typ != TypeStringArray {
			return RetInvalidType
		}
		if (op == OpAppend && def.append == nil) || (op == OpRemove && def.remove == nil) {
			return RetInvalidOperation
		}
	case OpQuery:
		if def.query == nil {
			return RetInvalidQuery
		}
	case OpExec:
		if def.typ != TypeCommand {
			return RetInvalidCommand
		}
		if def.exec == nil {
			return RetInvalidOperation
		}
	default:
		return RetInvalidOperation
	}
	return RetOK
}

func parseBoolean(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "t", "true":
		return true, nil
	case "0", "f", "false":
		return false, nil
	default:
		return false, strconv.ErrSyntax
	}
}

func boolRet(b bool) Ret {
	if b {
		return RetTrue
	}
	return RetFalse
}

// listRet maps an acl mutation error onto a result.
func listRet(err error) Ret {
	switch {
	case err == nil:
		return RetOK
	case errors.Is(err, sockmatch.ErrNotSupported):
		return RetNotSupported
	default:
		return RetInvalidValue
	}
}

func boolKey(name string, parent Key, field func(b *target) *bool) keyDef {
	return keyDef{
		name:   name,
		parent: parent,
		typ:    TypeBoolean,
		set: func(_ *Caster, b *target, v Value) Ret {
			*field(b) = v.Bool
			return RetOK
		},
		query: func(_ *Caster, b *target) Ret {
			return boolRet(*field(b))
		},
	}
}

func intKey(name string, parent Key, field func(b *target) *int) keyDef {
	return keyDef{
		name:   name,
		parent: parent,
		typ:    TypeInteger,
		set: func(_ *Caster, b *target, v Value) Ret {
			*field(b) = v.Int
			return RetOK
		},
	}
}

func modeKey(name string, field func(b *target) *policy.Mode) keyDef {
	return keyDef{
		name:   name,
		parent: KeyCoreSandbox,
		typ:    TypeString,
		set: func(_ *Caster, b *target, v Value) Ret {
			m, err := policy.ParseMode(v.Str)
			if err != nil {
				return RetInvalidValue
			}
			*field(b) = m
			return RetOK
		},
		query: func(_ *Caster, b *target) Ret {
			return boolRet(*field(b) != policy.ModeOff)
		},
	}
}

func pathList(name string, parent Key, action acl.Action, queue func(b *target) *acl.Queue) keyDef {
	return keyDef{
		name:   name,
		parent: parent,
		typ:    TypeStringArray,
		append: func(c *Caster, b *target, s string) Ret {
			return listRet(queue(b).AppendPath(c.Config.Match, action, s))
		},
		remove: func(c *Caster, b *target, s string) Ret {
			return listRet(queue(b).RemovePath(c.Config.Match, action, s))
		},
	}
}

func sockList(name string, parent Key, action acl.Action, queue func(b *target) *acl.Queue) keyDef {
	return keyDef{
		name:   name,
		parent: parent,
		typ:    TypeStringArray,
		append: func(c *Caster, b *target, s string) Ret {
			return listRet(queue(b).AppendSocket(c.Config.Match, action, s))
		},
		remove: func(c *Caster, b *target, s string) Ret {
			return listRet(queue(b).RemoveSocket(c.Config.Match, action, s))
		},
	}
}

func sandboxExec(b *target) *policy.Mode    { return &b.box.Exec }
func sandboxRead(b *target) *policy.Mode    { return &b.box.Read }
func sandboxWrite(b *target) *policy.Mode   { return &b.box.Write }
func sandboxNetwork(b *target) *policy.Mode { return &b.box.Network }

func boxExec(b *target) *acl.Queue    { return &b.box.ExecACL }
func boxRead(b *target) *acl.Queue    { return &b.box.ReadACL }
func boxWrite(b *target) *acl.Queue   { return &b.box.WriteACL }
func boxBind(b *target) *acl.Queue    { return &b.box.BindACL }
func boxConnect(b *target) *acl.Queue { return &b.box.ConnectACL }

func filterExec(b *target) *acl.Queue    { return &b.cfg.FilterExec }
func filterRead(b *target) *acl.Queue    { return &b.cfg.FilterRead }
func filterWrite(b *target) *acl.Queue   { return &b.cfg.FilterWrite }
func filterNetwork(b *target) *acl.Queue { return &b.cfg.FilterNetwork }

func execKillIfMatch(b *target) *acl.Queue   { return &b.cfg.ExecKillIfMatch }
func execResumeIfMatch(b *target) *acl.Queue { return &b.cfg.ExecResumeIfMatch }

func setCaseSensitive(c *Caster, _ *target, v Value) Ret {
	c.Config.Match.SetCaseSensitive(v.Bool)
	return RetOK
}

func queryCaseSensitive(c *Caster, _ *target) Ret {
	return boolRet(c.Config.Match.CaseSensitive())
}

func setNoWildcard(c *Caster, _ *target, v Value) Ret {
	mode, err := pathmatch.ParseNoWildcard(v.Str)
	if err != nil {
		return RetInvalidValue
	}
	c.Config.Match.SetNoWildcard(mode)
	return RetOK
}

func setAbortDecision(_ *Caster, b *target, v Value) Ret {
	d, err := policy.ParseAbortDecision(v.Str)
	if err != nil {
		return RetInvalidValue
	}
	b.cfg.Abort = d
	return RetOK
}

func setPanicDecision(_ *Caster, b *target, v Value) Ret {
	d, err := policy.ParsePanicDecision(v.Str)
	if err != nil {
		return RetInvalidValue
	}
	b.cfg.Panic = d
	return RetOK
}

func setViolationDecision(_ *Caster, b *target, v Value) Ret {
	d, err := policy.ParseViolationDecision(v.Str)
	if err != nil {
		return RetInvalidValue
	}
	b.cfg.Violation = d
	return RetOK
}

func setMagicLock(_ *Caster, b *target, v Value) Ret {
	l, err := policy.ParseLockState(v.Str)
	if err != nil {
		return RetInvalidValue
	}
	b.box.MagicLock = l
	return RetOK
}

func queryMagicLock(_ *Caster, b *target) Ret {
	return boolRet(b.box.MagicLock != policy.LockUnset)
}

// The launcher attaches with PTRACE_TRACEME, seizing is not available.
func setUseSeize(_ *Caster, _ *target, v Value) Ret {
	if v.Bool {
		return RetNotSupported
	}
	return RetOK
}

func queryUseSeize(_ *Caster, _ *target) Ret {
	return RetFalse
}

func setInterrupt(_ *Caster, b *target, v Value) Ret {
	i, err := policy.ParseTraceInterrupt(v.Str)
	if err != nil {
		return RetInvalidValue
	}
	b.cfg.Interrupt = i
	return RetOK
}

func setLogFile(c *Caster, _ *target, v Value) Ret {
	if c.Logging == nil {
		return RetNotSupported
	}
	if err := c.Logging.SetFile(v.Str); err != nil {
		slog.Warn("cannot open log file", slog.String("path", v.Str), slog.Any("error", err))
		return RetInvalidValue
	}
	return RetOK
}

func setLogLevel(c *Caster, _ *target, v Value) Ret {
	if c.Logging == nil {
		return RetNotSupported
	}
	c.Logging.SetLevel(v.Int)
	return RetOK
}

func setLogConsoleLevel(c *Caster, _ *target, v Value) Ret {
	if c.Logging == nil {
		return RetNotSupported
	}
	c.Logging.SetConsoleLevel(v.Int)
	return RetOK
}

func execCommand(c *Caster, b *target, s string) Ret {
	if b.cur == nil {
		return RetInvalidOperation
	}
	if c.Commander == nil {
		return RetNotSupported
	}
	argv := strings.Split(s, string(ArgSeparator))
	if argv[0] == "" {
		return RetInvalidValue
	}
	return c.Commander.ExecCommand(b.cur, argv)
}
