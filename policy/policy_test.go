package policy

import (
	"testing"

	"github.com/HQarroum/sydbox/acl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	for _, s := range []string{"off", "allow", "deny"} {
		m, err := ParseMode(s)
		require.NoError(t, err)
		assert.Equal(t, s, m.String())
	}
	for _, s := range []string{"off", "on", "exec"} {
		l, err := ParseLockState(s)
		require.NoError(t, err)
		assert.Equal(t, s, l.String())
	}
	for _, s := range []string{"deny", "kill", "killall", "cont", "contall"} {
		d, err := ParseViolationDecision(s)
		require.NoError(t, err)
		assert.Equal(t, s, d.String())
	}
	for _, s := range []string{"kill", "cont", "contall", "killall"} {
		d, err := ParsePanicDecision(s)
		require.NoError(t, err)
		assert.Equal(t, s, d.String())
	}
	for _, s := range []string{"contall", "killall"} {
		d, err := ParseAbortDecision(s)
		require.NoError(t, err)
		assert.Equal(t, s, d.String())
	}

	_, err := ParseMode("maybe")
	assert.Error(t, err)
	_, err = ParseViolationDecision("deny ")
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	c := Default()
	assert.True(t, c.Match.CaseSensitive())
	assert.True(t, c.WhitelistSuccessfulBind)
	assert.Equal(t, ViolationDeny, c.Violation)
	assert.Equal(t, PanicKill, c.Panic)
	assert.Equal(t, AbortContAll, c.Abort)
	assert.Equal(t, -1, c.ViolationExitCode)
	assert.Equal(t, ModeOff, c.Child.Write)
	assert.Equal(t, LockUnset, c.Child.MagicLock)
}

func TestSandboxCloneIsDeep(t *testing.T) {
	c := Default()
	require.NoError(t, c.Child.WriteACL.AppendPath(c.Match, acl.ActionWhitelist, "/tmp/**"))
	c.Child.Write = ModeDeny

	clone := c.Child.Clone()
	require.NoError(t, clone.WriteACL.AppendPath(c.Match, acl.ActionWhitelist, "/var/**"))
	clone.Write = ModeAllow

	assert.Equal(t, 1, c.Child.WriteACL.Len())
	assert.Equal(t, 2, clone.WriteACL.Len())
	assert.Equal(t, ModeDeny, c.Child.Write)
}

func TestDefaultAction(t *testing.T) {
	assert.Equal(t, acl.ActionBlacklist, DefaultAction(ModeDeny))
	assert.Equal(t, acl.ActionWhitelist, DefaultAction(ModeAllow))
}
