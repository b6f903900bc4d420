//go:build linux

package sandbox

import (
	"fmt"
	"slices"
	"strings"

	"github.com/moby/sys/capability"
)

/**
 * A tiny set type for capabilities.
 */
type CapSet map[capability.Cap]struct{}

/**
 * Capability options of the traced process.
 */
type CapabilityOpts struct {
	// List of capabilities to drop.
	Drop CapSet `json:"drop"`
}

/**
 * Create a new capability set initialized with the given capabilities.
 * @param ids the capability IDs to include
 * @return the new capability set
 */
func NewCapSet(ids ...capability.Cap) CapSet {
	cs := make(CapSet, len(ids))
	cs.Add(ids...)
	return cs
}

/**
 * Add capabilities to the set.
 * @param ids the capability IDs to add
 */
func (cs CapSet) Add(ids ...capability.Cap) {
	for _, id := range ids {
		cs[id] = struct{}{}
	}
}

/**
 * @return the capabilities of the set, in ascending order
 */
func (cs CapSet) Slice() []capability.Cap {
	out := make([]capability.Cap, 0, len(cs))
	for id := range cs {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

/**
 * Converts a capability name to a lowercase and without "CAP_" prefix.
 * @param cap the capability name to normalize
 * @return the normalized capability name
 */
func NormalizeCap(cap string) string {
	s := strings.TrimSpace(strings.ToLower(cap))
	s = strings.TrimPrefix(s, "cap_")
	return s
}

/**
 * Map of capability names to their IDs.
 */
var capNameToID = func() map[string]capability.Cap {
	m := make(map[string]capability.Cap)
	for _, c := range capability.ListKnown() {
		m[c.String()] = c
	}
	return m
}()

/**
 * Convert a capability name to its ID.
 * @param cap the capability name
 * @return the capability ID, or an error if the name is unknown
 */
func FromCapability(cap string) (capability.Cap, error) {
	cap = NormalizeCap(cap)
	if id, ok := capNameToID[cap]; ok {
		return id, nil
	} else {
		return 0, fmt.Errorf("unknown capability: %q", cap)
	}
}

/**
 * Convert a list of capability names to their IDs.
 * @param caps the list of capability names
 * @return the list of capability IDs, or an error if any name is unknown
 */
func FromCapabilities(caps []string) ([]capability.Cap, error) {
	var out []capability.Cap
	for _, cap := range caps {
		id, err := FromCapability(cap)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

/**
 * Apply removes the dropped capabilities from the current thread. The
 * bounding set is only reduced when CAP_SETPCAP is held.
 */
func (o *CapabilityOpts) Apply() error {
	if o == nil || len(o.Drop) == 0 {
		return nil
	}

	// Get a capability handler for the current process (pid=0).
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("error getting process capabilities: %w", err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("error loading process capabilities: %w", err)
	}

	drop := o.Drop.Slice()
	kind := capability.CAPS | capability.AMBIENT
	if caps.Get(capability.EFFECTIVE, capability.CAP_SETPCAP) {
		caps.Unset(capability.BOUNDING, drop...)
		kind |= capability.BOUNDS
	}
	caps.Unset(capability.CAPS|capability.AMBIENT, drop...)

	if err := caps.Apply(kind); err != nil {
		return fmt.Errorf("set capabilities: %w", err)
	}
	return nil
}
