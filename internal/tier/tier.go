// Package tier defines the service tier hierarchy and connection modes
// shared by the probe, handshake, and hierarchy subsystems.
package tier

import (
	"fmt"
	"sort"
	"strings"
)

// Mode is the current connection mode, high to low capability.
type Mode int

const (
	// ModeCloudOnly is the hosted-backend fallback. It is assumed
	// reachable in the limit and is therefore always a valid steady state.
	ModeCloudOnly Mode = iota
	// ModeLocal means a local backend tier is reachable.
	ModeLocal
	// ModeQuadCore means the sidecar tier is reachable and a handshake
	// has confirmed capability compatibility.
	ModeQuadCore
)

// String returns the wire/log name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeQuadCore:
		return "quad_core"
	case ModeLocal:
		return "local"
	case ModeCloudOnly:
		return "cloud_only"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses a mode name as produced by String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "quad_core":
		return ModeQuadCore, nil
	case "local":
		return ModeLocal, nil
	case "cloud_only":
		return ModeCloudOnly, nil
	default:
		return ModeCloudOnly, fmt.Errorf("unknown connection mode: %s", s)
	}
}

// Capability is a named feature a tier may grant during handshake or
// advertise in its health response.
type Capability string

const (
	// CapabilityPersistence indicates the tier durably stores
	// conversation turns and may be polled for the confirmed log.
	CapabilityPersistence Capability = "persistence"
	// CapabilityStreaming indicates the tier supports streamed responses.
	CapabilityStreaming Capability = "streaming"
	// CapabilityContextUpload indicates the tier accepts captured page
	// context alongside user turns.
	CapabilityContextUpload Capability = "context_upload"
)

// Tier is one candidate backend service, ranked by priority.
// Higher Priority values outrank lower ones.
type Tier struct {
	// Name identifies the tier in logs and config ("sidecar", "local",
	// "cloud").
	Name string

	// Endpoint is the base URL, without a trailing slash.
	Endpoint string

	// Priority orders the hierarchy; the probe cycle walks tiers from
	// highest to lowest.
	Priority int

	// RequiresHandshake marks quad-core-eligible tiers: reachability
	// alone never promotes to them, a capability handshake must succeed
	// first.
	RequiresHandshake bool

	// Mode is the connection mode this tier maps to when selected.
	Mode Mode
}

// SortByPriority returns the tiers ordered highest priority first.
// The input slice is not modified.
func SortByPriority(tiers []Tier) []Tier {
	out := make([]Tier, len(tiers))
	copy(out, tiers)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// CapabilitySet is the set of capabilities granted by a handshake or
// advertised by a health response.
type CapabilitySet map[Capability]bool

// NewCapabilitySet builds a set from capability names.
func NewCapabilitySet(names ...string) CapabilitySet {
	set := make(CapabilitySet, len(names))
	for _, n := range names {
		set[Capability(n)] = true
	}
	return set
}

// Has reports whether the capability is present.
func (s CapabilitySet) Has(c Capability) bool {
	return s[c]
}

// Names returns the sorted capability names, for stable wire encoding
// and logging.
func (s CapabilitySet) Names() []string {
	names := make([]string, 0, len(s))
	for c, ok := range s {
		if ok {
			names = append(names, string(c))
		}
	}
	sort.Strings(names)
	return names
}

// Intersect returns the capabilities present in both sets.
func (s CapabilitySet) Intersect(other CapabilitySet) CapabilitySet {
	out := make(CapabilitySet)
	for c, ok := range s {
		if ok && other[c] {
			out[c] = true
		}
	}
	return out
}
