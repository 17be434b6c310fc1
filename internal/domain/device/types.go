// Package device defines the appliance-facing data model: playback and
// volume state snapshots, discovery candidates, and resolved addresses.
package device

import (
	"strings"
	"time"
)

// State is an immutable snapshot of the appliance playback state.
// Each update fully replaces the previous snapshot; nothing is merged.
type State struct {
	ActiveSource     string         `json:"activeSource"`
	PluginState      string         `json:"pluginState"`
	TargetSource     *string        `json:"targetSource,omitempty"`
	Transitioning    bool           `json:"transitioning"`
	MultiroomEnabled bool           `json:"multiroomEnabled"`
	EqualizerEnabled bool           `json:"equalizerEnabled"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// InTransition reports whether a source switch is in progress.
// TargetSource is the only authoritative signal; the legacy Transitioning
// flag is carried in the model but never consulted.
func (s State) InTransition() bool {
	return s.TargetSource != nil
}

// Volume is an immutable snapshot of the appliance volume state.
// Limits and step only arrive via the HTTP status call; the stream pushes
// level changes without them.
type Volume struct {
	VolumeDb         float64 `json:"volumeDb"`
	MultiroomEnabled bool    `json:"multiroomEnabled"`
	LimitMinDb       float64 `json:"limitMinDb"`
	LimitMaxDb       float64 `json:"limitMaxDb"`
	StepDb           float64 `json:"stepDb"`
}

// VolumeEvent is a partial volume update pushed over the control stream.
// Limits are not included and must be retained from the last HTTP fetch.
type VolumeEvent struct {
	VolumeDb         float64
	MultiroomEnabled bool
	StepDb           float64
}

// Apply merges a stream-pushed volume event into a previous snapshot,
// keeping the limits the event does not carry. Latest value wins.
func (e VolumeEvent) Apply(prev Volume) Volume {
	prev.VolumeDb = e.VolumeDb
	prev.MultiroomEnabled = e.MultiroomEnabled
	if e.StepDb > 0 {
		prev.StepDb = e.StepDb
	}
	return prev
}

// Candidate is a discovered service instance pending hostname confirmation.
type Candidate struct {
	Name     string
	Hostname string
}

// ResolvedAddress is the IPv4 address selected for traffic after latency
// racing, together with the measured connect latency of the winning probe.
type ResolvedAddress struct {
	IP      string
	Latency time.Duration
}

// Station is a radio station entry as listed by the appliance.
type Station struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url,omitempty"`
	Favorite bool   `json:"favorite,omitempty"`
}

// NormalizeHostname lowercases a hostname and strips a trailing dot so
// mDNS-advertised names compare equal to configured ones.
func NormalizeHostname(h string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(h), "."))
}

// HostnamesEqual compares two hostnames case-insensitively, ignoring a
// trailing dot on either side.
func HostnamesEqual(a, b string) bool {
	return NormalizeHostname(a) == NormalizeHostname(b) && NormalizeHostname(a) != ""
}
