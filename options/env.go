//go:build linux

package options

import (
	"fmt"
	"sort"
	"strings"

	"github.com/HQarroum/sydbox/sandbox"
	"github.com/HQarroum/sydbox/version"
)

/**
 * Environment variables telling the traced process it runs under
 * sydbox.
 */
var sydboxEnvironment = map[string]string{
	"SYDBOX_ACTIVE":  "1",
	"SYDBOX_VERSION": version.Version(),
}

/**
 * Merge the inherited environment with user provided variables and
 * the sydbox markers.
 * @param base the inherited environment
 * @param user the user provided environment variables
 * @return the merged environment variables
 */
func MergeEnv(base sandbox.EnvVars, user []sandbox.EnvVar) sandbox.EnvVars {
	merged := make(map[string]string, len(base)+len(user)+len(sydboxEnvironment))

	// Start with inherited environment variables.
	for _, e := range base {
		merged[e.Key] = e.Val
	}

	// Apply user overrides.
	for _, e := range user {
		merged[e.Key] = e.Val
	}
	for k, v := range sydboxEnvironment {
		merged[k] = v
	}

	// Build a stable []EnvVar:
	out := make(sandbox.EnvVars, 0, len(merged))

	// keep the inherited order first (but with possibly overridden values)…
	seen := make(map[string]struct{}, len(merged))
	for _, e := range base {
		if _, ok := seen[e.Key]; ok {
			continue
		}
		out = append(out, sandbox.EnvVar{Key: e.Key, Val: merged[e.Key]})
		seen[e.Key] = struct{}{}
	}
	// …then append any extra keys deterministically
	extras := make([]string, 0, len(merged))
	for k := range merged {
		if _, ok := seen[k]; !ok {
			extras = append(extras, k)
		}
	}
	sort.Strings(extras)
	for _, k := range extras {
		out = append(out, sandbox.EnvVar{Key: k, Val: merged[k]})
	}
	return out
}

/**
 * Parse an environment variable specification string.
 * @param kv the environment variable specification (KEY=VALUE)
 * @return the parsed EnvVar and error if any
 */
func ParseEnv(kv string) (sandbox.EnvVar, error) {
	k, v, ok := strings.Cut(kv, "=")

	if !ok || k == "" {
		return sandbox.EnvVar{}, fmt.Errorf("bad --env %q (KEY=VALUE)", kv)
	}
	return sandbox.EnvVar{Key: k, Val: v}, nil
}
