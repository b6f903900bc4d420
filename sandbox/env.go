package sandbox

import (
	"fmt"
	"strings"
)

/**
 * Environment variable type.
 */
type EnvVar struct {
	Key string `json:"key"`
	Val string `json:"value"`
}

/**
 * Represents a list of environment variables.
 */
type EnvVars []EnvVar

/**
 * Convert environment variables to a string array in
 * the form of KEY=VALUE.
 * @return the string array
 */
func (env EnvVars) ToStringArray() []string {
	var result []string

	for _, e := range env {
		result = append(result, fmt.Sprintf("%s=%s", e.Key, e.Val))
	}
	return result
}

/**
 * Parse a KEY=VALUE list, as returned by os.Environ. Entries without
 * '=' are skipped.
 * @param environ the entries
 * @return the environment variables, in order
 */
func FromEnviron(environ []string) EnvVars {
	out := make(EnvVars, 0, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			out = append(out, EnvVar{Key: k, Val: v})
		}
	}
	return out
}
