// Package capture defines the structured types exchanged by the quiesce
// engine and its collaborators. These are the public API contract: signal
// producers (browser sessions, interceptors, the built-in prober) and
// downstream consumers (sinks, admin surfaces) import this package.
package capture

// Phase is the lifecycle phase of a capture attempt.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhasePromptSent    Phase = "prompt_sent"
	PhaseStreaming     Phase = "streaming"
	PhaseCompletedHint Phase = "completed_hint"
	PhaseCompleted     Phase = "completed"
	PhaseSuperseded    Phase = "superseded"
	PhaseDisposed      Phase = "disposed"
)

// phaseRank orders phases for monotonic advancement. Superseded and disposed
// are terminal: once entered, no later signal moves the attempt again.
var phaseRank = map[Phase]int{
	PhaseIdle:          0,
	PhasePromptSent:    1,
	PhaseStreaming:     2,
	PhaseCompletedHint: 3,
	PhaseCompleted:     4,
	PhaseSuperseded:    5,
	PhaseDisposed:      5,
}

// Rank returns the ordering rank of p. Unknown phases rank below idle so a
// malformed signal can never advance an attempt.
func (p Phase) Rank() int {
	if r, ok := phaseRank[p]; ok {
		return r
	}
	return -1
}

// Terminal reports whether p is a tombstone phase (superseded or disposed).
func (p Phase) Terminal() bool {
	return p == PhaseSuperseded || p == PhaseDisposed
}

// Source identifies where a signal or sample originated.
type Source string

const (
	SourceNetworkStream      Source = "network_stream"
	SourceCompletionEndpoint Source = "completion_endpoint"
	SourceCanonicalFetch     Source = "canonical_fetch"
	SourceDOMHint            Source = "dom_hint"
	SourceSnapshotFallback   Source = "snapshot_fallback"
)

// KnownSource reports whether s is one of the defined signal sources.
func KnownSource(s Source) bool {
	switch s {
	case SourceNetworkStream, SourceCompletionEndpoint, SourceCanonicalFetch,
		SourceDOMHint, SourceSnapshotFallback:
		return true
	}
	return false
}

// Fidelity is the confidence tier of a stabilized capture.
type Fidelity string

const (
	// FidelityHigh means at least one sample of the stable pair came from an
	// authoritative canonical fetch.
	FidelityHigh Fidelity = "high"
	// FidelityDegraded means only DOM-snapshot-derived samples were available.
	FidelityDegraded Fidelity = "degraded"
)

// State is the stabilization state of an attempt.
type State string

const (
	StateCollectingFirst   State = "collecting_first_sample"
	StateAwaitingSecond    State = "awaiting_second_sample"
	StateDegradedSnapshot  State = "degraded_snapshot_captured"
	StateCapturedReady     State = "captured_ready"
	StateForceSave         State = "force_save_available"
	StateSuperseded        State = "superseded"
	StateDisposed          State = "disposed"
)

// Settled reports whether s is a terminal stabilization state.
func (s State) Settled() bool {
	switch s {
	case StateCapturedReady, StateForceSave, StateSuperseded, StateDisposed:
		return true
	}
	return false
}
