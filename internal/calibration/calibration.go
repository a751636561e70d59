// CLAUDE:SUMMARY Per-platform capture tuning profiles: strategy defaults, timing windows, retry policy, validation on load.

// Package calibration stores per-platform capture tuning: timing windows,
// retry backoff, disabled signal sources, and the strategy they derive from.
// Profiles are validated on every load; out-of-range fields fall back to
// their strategy defaults so a corrupt row can degrade behavior but never
// break it.
package calibration

import (
	"math"
	"slices"

	"github.com/hazyhaar/quiesce/capture"
)

// SchemaVersion is the current profile schema. Version 1 rows lack
// disabled_sources, retry_interval_ms and last_modified_by; Load fills those
// from strategy defaults and reports the migrated profile as version 2.
const SchemaVersion = 2

// Strategy names a tuning preset.
type Strategy string

const (
	StrategyAggressive   Strategy = "aggressive"
	StrategyBalanced     Strategy = "balanced"
	StrategyConservative Strategy = "conservative"
	// StrategySnapshot uses conservative timings with the warm canonical
	// fetch disabled, for platforms whose APIs reject re-fetching.
	StrategySnapshot Strategy = "snapshot"
)

// KnownStrategy reports whether s is a recognized strategy.
func KnownStrategy(s Strategy) bool {
	switch s {
	case StrategyAggressive, StrategyBalanced, StrategyConservative, StrategySnapshot:
		return true
	}
	return false
}

// Timings are the profile's millisecond windows.
type Timings struct {
	// PassiveWaitMs is how long to wait after a completion hint before the
	// first canonical probe, giving the platform time to settle.
	PassiveWaitMs int `json:"passive_wait_ms"`
	// DOMQuietWindowMs is the quiet window a DOM snapshot read requires
	// between two consecutive reads.
	DOMQuietWindowMs int `json:"dom_quiet_window_ms"`
	// MaxStabilizationWaitMs bounds the whole stabilization run.
	MaxStabilizationWaitMs int `json:"max_stabilization_wait_ms"`
	// RetryIntervalMs is the delay before the confirming second probe after
	// a first ready sample. Not scaled by strategy.
	RetryIntervalMs int `json:"retry_interval_ms"`
}

// Retry is the profile's re-probe policy.
type Retry struct {
	MaxAttempts   int   `json:"max_attempts"`
	BackoffMs     []int `json:"backoff_ms"`
	HardTimeoutMs int   `json:"hard_timeout_ms"`
}

// Profile is one platform's tuning record.
type Profile struct {
	Platform        string           `json:"platform"`
	SchemaVersion   int              `json:"schema_version"`
	Strategy        Strategy         `json:"strategy"`
	DisabledSources []capture.Source `json:"disabled_sources,omitempty"`
	Timings         Timings          `json:"timings"`
	Retry           Retry            `json:"retry"`
	UpdatedAt       int64            `json:"updated_at"`
	LastModifiedBy  string           `json:"last_modified_by,omitempty"`
}

// SourceDisabled reports whether signals from src should be dropped.
func (p *Profile) SourceDisabled(src capture.Source) bool {
	return slices.Contains(p.DisabledSources, src)
}

// Default returns the full default profile for a strategy. Unknown
// strategies yield the balanced preset.
func Default(platform string, s Strategy) *Profile {
	if !KnownStrategy(s) {
		s = StrategyBalanced
	}
	p := &Profile{
		Platform:      platform,
		SchemaVersion: SchemaVersion,
		Strategy:      s,
		Timings:       defaultTimings(s),
		Retry:         defaultRetry(s),
	}
	if s == StrategySnapshot {
		p.DisabledSources = []capture.Source{capture.SourceCanonicalFetch}
	}
	return p
}

// strategyFactor scales the aggressive base windows.
func strategyFactor(s Strategy) float64 {
	switch s {
	case StrategyAggressive:
		return 1
	case StrategyConservative, StrategySnapshot:
		return 2.5
	default:
		return 1.5
	}
}

func scaleMs(base int, f float64) int {
	return int(math.Round(float64(base) * f))
}

func defaultTimings(s Strategy) Timings {
	f := strategyFactor(s)
	return Timings{
		PassiveWaitMs:          scaleMs(900, f),
		DOMQuietWindowMs:       scaleMs(500, f),
		MaxStabilizationWaitMs: scaleMs(12000, f),
		RetryIntervalMs:        1150,
	}
}

func defaultRetry(s Strategy) Retry {
	f := strategyFactor(s)
	return Retry{
		MaxAttempts:   3,
		BackoffMs:     []int{scaleMs(300, f), scaleMs(800, f), scaleMs(1300, f)},
		HardTimeoutMs: scaleMs(12000, f),
	}
}

// Validation ranges. A field outside its range falls back to the strategy
// default rather than being pinned to the edge: a wildly wrong value means
// the row is untrustworthy, not slightly off.
const (
	minQuietMs    = 50
	maxWindowMs   = 30_000
	minTimeoutMs  = 1_000
	maxTimeoutMs  = 120_000
	minIntervalMs = 100
	maxIntervalMs = 10_000
	maxRetries    = 10
)

// Clamp validates the profile in place. Unknown strategy becomes balanced
// first, then every out-of-range field is replaced by that strategy's
// default. Unknown disabled sources are dropped.
func (p *Profile) Clamp() {
	if !KnownStrategy(p.Strategy) {
		p.Strategy = StrategyBalanced
	}
	dt := defaultTimings(p.Strategy)
	dr := defaultRetry(p.Strategy)

	if p.Timings.PassiveWaitMs < 0 || p.Timings.PassiveWaitMs > maxWindowMs {
		p.Timings.PassiveWaitMs = dt.PassiveWaitMs
	}
	if p.Timings.DOMQuietWindowMs < minQuietMs || p.Timings.DOMQuietWindowMs > maxWindowMs {
		p.Timings.DOMQuietWindowMs = dt.DOMQuietWindowMs
	}
	if p.Timings.MaxStabilizationWaitMs < minTimeoutMs || p.Timings.MaxStabilizationWaitMs > maxTimeoutMs {
		p.Timings.MaxStabilizationWaitMs = dt.MaxStabilizationWaitMs
	}
	if p.Timings.RetryIntervalMs < minIntervalMs || p.Timings.RetryIntervalMs > maxIntervalMs {
		p.Timings.RetryIntervalMs = dt.RetryIntervalMs
	}

	if p.Retry.MaxAttempts < 1 || p.Retry.MaxAttempts > maxRetries {
		p.Retry.MaxAttempts = dr.MaxAttempts
	}
	if len(p.Retry.BackoffMs) == 0 {
		p.Retry.BackoffMs = slices.Clone(dr.BackoffMs)
	} else {
		for _, b := range p.Retry.BackoffMs {
			if b < minQuietMs || b > maxWindowMs {
				p.Retry.BackoffMs = slices.Clone(dr.BackoffMs)
				break
			}
		}
	}
	if p.Retry.HardTimeoutMs < minTimeoutMs || p.Retry.HardTimeoutMs > maxTimeoutMs {
		p.Retry.HardTimeoutMs = dr.HardTimeoutMs
	}

	kept := p.DisabledSources[:0]
	for _, src := range p.DisabledSources {
		if capture.KnownSource(src) {
			kept = append(kept, src)
		}
	}
	p.DisabledSources = kept
	p.SchemaVersion = SchemaVersion
}

// Backoff returns the spacing before probe attempt n (0-based), falling back
// to the last entry when n runs past the list.
func (r *Retry) Backoff(n int) int {
	if len(r.BackoffMs) == 0 {
		return 0
	}
	if n >= len(r.BackoffMs) {
		return r.BackoffMs[len(r.BackoffMs)-1]
	}
	if n < 0 {
		return r.BackoffMs[0]
	}
	return r.BackoffMs[n]
}
