//go:build linux

package magic

import (
	"strings"

	"github.com/HQarroum/sydbox/acl"
)

/**
 * Type of a key in the magic tree.
 */
type Type int

const (
	TypeNone Type = iota
	TypeObject
	TypeBoolean
	TypeInteger
	TypeString
	TypeStringArray
	TypeCommand
)

/**
 * @return a string representation of the type.
 */
func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeObject:
		return "object"
	case TypeBoolean:
		return "boolean"
	case TypeInteger:
		return "integer"
	case TypeString:
		return "string"
	case TypeStringArray:
		return "string-array"
	case TypeCommand:
		return "command"
	default:
		return "unknown"
	}
}

/**
 * Key identifies a node of the magic tree.
 */
type Key int

const (
	KeyNone Key = iota
	KeyVersion

	KeyCore
	KeyCoreMatch
	KeyCoreMatchCaseSensitive
	KeyCoreMatchNoWildcard
	KeyCoreSandbox
	KeyCoreSandboxExec
	KeyCoreSandboxRead
	KeyCoreSandboxWrite
	KeyCoreSandboxNetwork
	KeyCoreWhitelist
	KeyCoreWhitelistPerProcessDirectories
	KeyCoreWhitelistSuccessfulBind
	KeyCoreWhitelistUnsupportedSocketFamilies
	KeyCoreAbort
	KeyCoreAbortDecision
	KeyCorePanic
	KeyCorePanicDecision
	KeyCorePanicExitCode
	KeyCoreViolation
	KeyCoreViolationDecision
	KeyCoreViolationExitCode
	KeyCoreViolationRaiseFail
	KeyCoreViolationRaiseSafe
	KeyCoreTrace
	KeyCoreTraceFollowFork
	KeyCoreTraceExitKill
	KeyCoreTraceExitWaitAll
	KeyCoreTraceMagicLock
	KeyCoreTraceInterrupt
	KeyCoreTraceUseSeccomp
	KeyCoreTraceUseSeize
	KeyCoreRestrict
	KeyCoreRestrictFileControl
	KeyCoreRestrictSharedMemoryWritable

	KeyLog
	KeyLogFile
	KeyLogLevel
	KeyLogConsoleLevel

	KeyExec
	KeyExecKillIfMatch
	KeyExecResumeIfMatch

	KeyWhitelist
	KeyWhitelistExec
	KeyWhitelistRead
	KeyWhitelistWrite
	KeyWhitelistNetwork
	KeyWhitelistNetworkBind
	KeyWhitelistNetworkConnect

	KeyBlacklist
	KeyBlacklistExec
	KeyBlacklistRead
	KeyBlacklistWrite
	KeyBlacklistNetwork
	KeyBlacklistNetworkBind
	KeyBlacklistNetworkConnect

	KeyFilter
	KeyFilterExec
	KeyFilterRead
	KeyFilterWrite
	KeyFilterNetwork

	KeyCmd
	KeyCmdExec

	keyCount
)

// keyInvalid is returned by lookups that find nothing.
const keyInvalid Key = -1

/**
 * Value carries the parsed argument of a set operation.
 */
type Value struct {
	Bool bool
	Int  int
	Str  string
}

type (
	setFunc   func(c *Caster, b *target, v Value) Ret
	queryFunc func(c *Caster, b *target) Ret
	listFunc  func(c *Caster, b *target, s string) Ret
)

type keyDef struct {
	name   string
	parent Key
	typ    Type
	set    setFunc
	query  queryFunc
	append listFunc
	remove listFunc
	exec   listFunc
}

var keyTable = [keyCount]keyDef{
	KeyNone:    {typ: TypeObject},
	KeyVersion: {name: APIVersion, parent: KeyNone, typ: TypeNone},

	KeyCore:      {name: "core", parent: KeyNone, typ: TypeObject},
	KeyCoreMatch: {name: "match", parent: KeyCore, typ: TypeObject},
	KeyCoreMatchCaseSensitive: {
		name: "case_sensitive", parent: KeyCoreMatch, typ: TypeBoolean,
		set: setCaseSensitive, query: queryCaseSensitive,
	},
	KeyCoreMatchNoWildcard: {
		name: "no_wildcard", parent: KeyCoreMatch, typ: TypeString,
		set: setNoWildcard,
	},

	KeyCoreSandbox:        {name: "sandbox", parent: KeyCore, typ: TypeObject},
	KeyCoreSandboxExec:    modeKey("exec", sandboxExec),
	KeyCoreSandboxRead:    modeKey("read", sandboxRead),
	KeyCoreSandboxWrite:   modeKey("write", sandboxWrite),
	KeyCoreSandboxNetwork: modeKey("network", sandboxNetwork),

	KeyCoreWhitelist: {name: "whitelist", parent: KeyCore, typ: TypeObject},
	KeyCoreWhitelistPerProcessDirectories: boolKey("per_process_directories", KeyCoreWhitelist,
		func(b *target) *bool { return &b.cfg.WhitelistPerProcessDirectories }),
	KeyCoreWhitelistSuccessfulBind: boolKey("successful_bind", KeyCoreWhitelist,
		func(b *target) *bool { return &b.cfg.WhitelistSuccessfulBind }),
	KeyCoreWhitelistUnsupportedSocketFamilies: boolKey("unsupported_socket_families", KeyCoreWhitelist,
		func(b *target) *bool { return &b.cfg.WhitelistUnsupportedSocketFamilies }),

	KeyCoreAbort: {name: "abort", parent: KeyCore, typ: TypeObject},
	KeyCoreAbortDecision: {
		name: "decision", parent: KeyCoreAbort, typ: TypeString,
		set: setAbortDecision,
	},
	KeyCorePanic: {name: "panic", parent: KeyCore, typ: TypeObject},
	KeyCorePanicDecision: {
		name: "decision", parent: KeyCorePanic, typ: TypeString,
		set: setPanicDecision,
	},
	KeyCorePanicExitCode: intKey("exit_code", KeyCorePanic,
		func(b *target) *int { return &b.cfg.PanicExitCode }),
	KeyCoreViolation: {name: "violation", parent: KeyCore, typ: TypeObject},
	KeyCoreViolationDecision: {
		name: "decision", parent: KeyCoreViolation, typ: TypeString,
		set: setViolationDecision,
	},
	KeyCoreViolationExitCode: intKey("exit_code", KeyCoreViolation,
		func(b *target) *int { return &b.cfg.ViolationExitCode }),
	KeyCoreViolationRaiseFail: boolKey("raise_fail", KeyCoreViolation,
		func(b *target) *bool { return &b.cfg.RaiseFail }),
	KeyCoreViolationRaiseSafe: boolKey("raise_safe", KeyCoreViolation,
		func(b *target) *bool { return &b.cfg.RaiseSafe }),

	KeyCoreTrace: {name: "trace", parent: KeyCore, typ: TypeObject},
	KeyCoreTraceFollowFork: boolKey("follow_fork", KeyCoreTrace,
		func(b *target) *bool { return &b.cfg.FollowFork }),
	KeyCoreTraceExitKill: boolKey("exit_kill", KeyCoreTrace,
		func(b *target) *bool { return &b.cfg.ExitKill }),
	KeyCoreTraceExitWaitAll: boolKey("exit_wait_all", KeyCoreTrace,
		func(b *target) *bool { return &b.cfg.ExitWaitAll }),
	KeyCoreTraceMagicLock: {
		name: "magic_lock", parent: KeyCoreTrace, typ: TypeString,
		set: setMagicLock, query: queryMagicLock,
	},
	KeyCoreTraceInterrupt: {
		name: "interrupt", parent: KeyCoreTrace, typ: TypeString,
		set: setInterrupt,
	},
	KeyCoreTraceUseSeccomp: boolKey("use_seccomp", KeyCoreTrace,
		func(b *target) *bool { return &b.cfg.UseSeccomp }),
	KeyCoreTraceUseSeize: {
		name: "use_seize", parent: KeyCoreTrace, typ: TypeBoolean,
		set: setUseSeize, query: queryUseSeize,
	},

	KeyCoreRestrict: {name: "restrict", parent: KeyCore, typ: TypeObject},
	KeyCoreRestrictFileControl: boolKey("file_control", KeyCoreRestrict,
		func(b *target) *bool { return &b.cfg.RestrictFileControl }),
	KeyCoreRestrictSharedMemoryWritable: boolKey("shared_memory_writable", KeyCoreRestrict,
		func(b *target) *bool { return &b.cfg.RestrictSharedMemoryWritable }),

	KeyLog: {name: "log", parent: KeyNone, typ: TypeObject},
	KeyLogFile: {
		name: "file", parent: KeyLog, typ: TypeString,
		set: setLogFile,
	},
	KeyLogLevel: {
		name: "level", parent: KeyLog, typ: TypeInteger,
		set: setLogLevel,
	},
	KeyLogConsoleLevel: {
		name: "console_level", parent: KeyLog, typ: TypeInteger,
		set: setLogConsoleLevel,
	},

	KeyExec:              {name: "exec", parent: KeyNone, typ: TypeObject},
	KeyExecKillIfMatch:   pathList("kill_if_match", KeyExec, acl.ActionNone, execKillIfMatch),
	KeyExecResumeIfMatch: pathList("resume_if_match", KeyExec, acl.ActionNone, execResumeIfMatch),

	KeyWhitelist:               {name: "whitelist", parent: KeyNone, typ: TypeObject},
	KeyWhitelistExec:           pathList("exec", KeyWhitelist, acl.ActionWhitelist, boxExec),
	KeyWhitelistRead:           pathList("read", KeyWhitelist, acl.ActionWhitelist, boxRead),
	KeyWhitelistWrite:          pathList("write", KeyWhitelist, acl.ActionWhitelist, boxWrite),
	KeyWhitelistNetwork:        {name: "network", parent: KeyWhitelist, typ: TypeObject},
	KeyWhitelistNetworkBind:    sockList("bind", KeyWhitelistNetwork, acl.ActionWhitelist, boxBind),
	KeyWhitelistNetworkConnect: sockList("connect", KeyWhitelistNetwork, acl.ActionWhitelist, boxConnect),

	KeyBlacklist:               {name: "blacklist", parent: KeyNone, typ: TypeObject},
	KeyBlacklistExec:           pathList("exec", KeyBlacklist, acl.ActionBlacklist, boxExec),
	KeyBlacklistRead:           pathList("read", KeyBlacklist, acl.ActionBlacklist, boxRead),
	KeyBlacklistWrite:          pathList("write", KeyBlacklist, acl.ActionBlacklist, boxWrite),
	KeyBlacklistNetwork:        {name: "network", parent: KeyBlacklist, typ: TypeObject},
	KeyBlacklistNetworkBind:    sockList("bind", KeyBlacklistNetwork, acl.ActionBlacklist, boxBind),
	KeyBlacklistNetworkConnect: sockList("connect", KeyBlacklistNetwork, acl.ActionBlacklist, boxConnect),

	KeyFilter:        {name: "filter", parent: KeyNone, typ: TypeObject},
	KeyFilterExec:    pathList("exec", KeyFilter, acl.ActionNone, filterExec),
	KeyFilterRead:    pathList("read", KeyFilter, acl.ActionNone, filterRead),
	KeyFilterWrite:   pathList("write", KeyFilter, acl.ActionNone, filterWrite),
	KeyFilterNetwork: sockList("network", KeyFilter, acl.ActionNone, filterNetwork),

	KeyCmd: {name: "cmd", parent: KeyNone, typ: TypeObject},
	KeyCmdExec: {
		name: "exec", parent: KeyCmd, typ: TypeCommand,
		exec: execCommand,
	},
}

/**
 * @return the type of a key.
 */
func (k Key) Type() Type {
	if k < 0 || k >= keyCount {
		return TypeNone
	}
	return keyTable[k].typ
}

/**
 * @return the slash separated path of a key, e.g. `core/sandbox/write`.
 */
func (k Key) String() string {
	if k <= KeyNone || k >= keyCount {
		return ""
	}
	var parts []string
	for ; k != KeyNone; k = keyTable[k].parent {
		parts = append(parts, keyTable[k].name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

/**
 * @return true if the key lies below ancestor.
 */
func (k Key) Under(ancestor Key) bool {
	for ; k > KeyNone; k = keyTable[k].parent {
		if keyTable[k].parent == ancestor {
			return true
		}
	}
	return false
}

/**
 * Leaves lists every settable key of the tree in declaration order.
 */
func Leaves() []Key {
	var out []Key
	for k := KeyNone + 1; k < keyCount; k++ {
		if keyTable[k].typ != TypeObject {
			out = append(out, k)
		}
	}
	return out
}

// nextKey finds the child of parent whose name starts cmd and is
// followed by a separator or an operator.
func nextKey(cmd string, parent Key) (Key, int) {
	for k := KeyNone + 1; k < keyCount; k++ {
		def := &keyTable[k]
		if def.parent != parent || def.name == "" || !strings.HasPrefix(cmd, def.name) {
			continue
		}
		n := len(def.name)
		if n == len(cmd) || strings.IndexByte("/"+opChars, cmd[n]) >= 0 {
			return k, n
		}
	}
	return keyInvalid, 0
}
