package policy

import (
	"github.com/HQarroum/sydbox/acl"
	"github.com/HQarroum/sydbox/pathmatch"
)

/**
 * Config holds the sandbox-wide settings shared by every tracee.
 */
type Config struct {
	// Path matching settings.
	Match *pathmatch.Matcher

	// Template sandbox applied to the eldest tracee.
	Child Sandbox

	WhitelistPerProcessDirectories     bool
	WhitelistSuccessfulBind            bool
	WhitelistUnsupportedSocketFamilies bool

	Abort             AbortDecision
	Panic             PanicDecision
	PanicExitCode     int
	Violation         ViolationDecision
	ViolationExitCode int
	RaiseFail         bool
	RaiseSafe         bool

	FollowFork  bool
	ExitKill    bool
	ExitWaitAll bool
	Interrupt   TraceInterrupt
	UseSeccomp  bool

	RestrictFileControl          bool
	RestrictSharedMemoryWritable bool

	ExecKillIfMatch   acl.Queue
	ExecResumeIfMatch acl.Queue

	// Violation exclusion filters.
	FilterExec    acl.Queue
	FilterRead    acl.Queue
	FilterWrite   acl.Queue
	FilterNetwork acl.Queue

	// Connect whitelist learned from successful binds.
	LearnedConnect acl.Queue
}

/**
 * Creates a configuration holding the default settings.
 * @return the new configuration
 */
func Default() *Config {
	return &Config{
		Match:                              pathmatch.New(),
		WhitelistPerProcessDirectories:     true,
		WhitelistSuccessfulBind:            true,
		WhitelistUnsupportedSocketFamilies: true,
		Abort:                              AbortContAll,
		Panic:                              PanicKill,
		PanicExitCode:                      -1,
		Violation:                          ViolationDeny,
		ViolationExitCode:                  -1,
		FollowFork:                         true,
		ExitWaitAll:                        true,
		Interrupt:                          InterruptWhileWait,
	}
}

/**
 * @return the violation exclusion filter of a category.
 */
func (c *Config) Filter(cat Category) *acl.Queue {
	switch cat {
	case CategoryExec:
		return &c.FilterExec
	case CategoryRead:
		return &c.FilterRead
	case CategoryWrite:
		return &c.FilterWrite
	default:
		return &c.FilterNetwork
	}
}
