// Package policy holds the sandbox policy model: per-process sandboxes,
// the global configuration and the decision enums.
package policy

import "fmt"

/**
 * Sandboxing mode of an access category.
 */
type Mode int

const (
	// Access checks are disabled.
	ModeOff Mode = iota

	// Access is allowed unless blacklisted.
	ModeAllow

	// Access is denied unless whitelisted.
	ModeDeny
)

/**
 * @return a string representation of the mode.
 */
func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeAllow:
		return "allow"
	case ModeDeny:
		return "deny"
	default:
		return "unknown"
	}
}

/**
 * Parse a sandbox mode from a string.
 * @param s the string to parse
 * @return the parsed mode and error if any
 */
func ParseMode(s string) (Mode, error) {
	switch s {
	case "off":
		return ModeOff, nil
	case "allow":
		return ModeAllow, nil
	case "deny":
		return ModeDeny, nil
	default:
		return ModeOff, fmt.Errorf("unknown sandbox mode: %q", s)
	}
}

/**
 * State of the magic lock.
 */
type LockState int

const (
	// Magic commands are accepted.
	LockUnset LockState = iota

	// Magic commands are refused.
	LockSet

	// The lock engages on the next successful execve.
	LockPending
)

/**
 * @return a string representation of the lock state.
 */
func (l LockState) String() string {
	switch l {
	case LockUnset:
		return "off"
	case LockSet:
		return "on"
	case LockPending:
		return "exec"
	default:
		return "unknown"
	}
}

/**
 * Parse a lock state from a string.
 * @param s the string to parse
 * @return the parsed state and error if any
 */
func ParseLockState(s string) (LockState, error) {
	switch s {
	case "off":
		return LockUnset, nil
	case "on":
		return LockSet, nil
	case "exec":
		return LockPending, nil
	default:
		return LockUnset, fmt.Errorf("unknown magic lock state: %q", s)
	}
}

/**
 * Response to an access violation.
 */
type ViolationDecision int

const (
	ViolationDeny ViolationDecision = iota
	ViolationKill
	ViolationKillAll
	ViolationCont
	ViolationContAll
)

/**
 * @return a string representation of the decision.
 */
func (d ViolationDecision) String() string {
	switch d {
	case ViolationDeny:
		return "deny"
	case ViolationKill:
		return "kill"
	case ViolationKillAll:
		return "killall"
	case ViolationCont:
		return "cont"
	case ViolationContAll:
		return "contall"
	default:
		return "unknown"
	}
}

/**
 * Parse a violation decision from a string.
 * @param s the string to parse
 * @return the parsed decision and error if any
 */
func ParseViolationDecision(s string) (ViolationDecision, error) {
	switch s {
	case "deny":
		return ViolationDeny, nil
	case "kill":
		return ViolationKill, nil
	case "killall":
		return ViolationKillAll, nil
	case "cont":
		return ViolationCont, nil
	case "contall":
		return ViolationContAll, nil
	default:
		return ViolationDeny, fmt.Errorf("unknown violation decision: %q", s)
	}
}

/**
 * Response to an internal tracing failure.
 */
type PanicDecision int

const (
	PanicKill PanicDecision = iota
	PanicCont
	PanicContAll
	PanicKillAll
)

/**
 * @return a string representation of the decision.
 */
func (d PanicDecision) String() string {
	switch d {
	case PanicKill:
		return "kill"
	case PanicCont:
		return "cont"
	case PanicContAll:
		return "contall"
	case PanicKillAll:
		return "killall"
	default:
		return "unknown"
	}
}

/**
 * Parse a panic decision from a string.
 * @param s the string to parse
 * @return the parsed decision and error if any
 */
func ParsePanicDecision(s string) (PanicDecision, error) {
	switch s {
	case "kill":
		return PanicKill, nil
	case "cont":
		return PanicCont, nil
	case "contall":
		return PanicContAll, nil
	case "killall":
		return PanicKillAll, nil
	default:
		return PanicKill, fmt.Errorf("unknown panic decision: %q", s)
	}
}

/**
 * Response to a fatal signal delivered to the supervisor.
 */
type AbortDecision int

const (
	AbortContAll AbortDecision = iota
	AbortKillAll
)

/**
 * @return a string representation of the decision.
 */
func (d AbortDecision) String() string {
	switch d {
	case AbortContAll:
		return "contall"
	case AbortKillAll:
		return "killall"
	default:
		return "unknown"
	}
}

/**
 * Parse an abort decision from a string.
 * @param s the string to parse
 * @return the parsed decision and error if any
 */
func ParseAbortDecision(s string) (AbortDecision, error) {
	switch s {
	case "contall":
		return AbortContAll, nil
	case "killall":
		return AbortKillAll, nil
	default:
		return AbortContAll, fmt.Errorf("unknown abort decision: %q", s)
	}
}

/**
 * When the supervisor lets signals interrupt the tracee.
 */
type TraceInterrupt int

const (
	InterruptWhileWait TraceInterrupt = iota
	InterruptAnywhere
	InterruptNever
	InterruptBlockTstpToo
)

/**
 * @return a string representation of the interrupt mode.
 */
func (i TraceInterrupt) String() string {
	switch i {
	case InterruptWhileWait:
		return "while_wait"
	case InterruptAnywhere:
		return "anywhere"
	case InterruptNever:
		return "never"
	case InterruptBlockTstpToo:
		return "block_tstp_too"
	default:
		return "unknown"
	}
}

/**
 * Parse an interrupt mode from a string.
 * @param s the string to parse
 * @return the parsed mode and error if any
 */
func ParseTraceInterrupt(s string) (TraceInterrupt, error) {
	switch s {
	case "while_wait":
		return InterruptWhileWait, nil
	case "anywhere":
		return InterruptAnywhere, nil
	case "never":
		return InterruptNever, nil
	case "block_tstp_too":
		return InterruptBlockTstpToo, nil
	default:
		return InterruptWhileWait, fmt.Errorf("unknown interrupt mode: %q", s)
	}
}
