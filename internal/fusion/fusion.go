// CLAUDE:SUMMARY Signal fusion engine: ingests lifecycle signals, advances phases monotonically, supersedes displaced attempts, guards sample application against staleness.

// Package fusion merges lossy lifecycle signals into per-attempt phase state
// and applies canonical samples to the stabilization scheduler. It is the
// staleness boundary: a sample is applied under the attempt it was taken
// for, and only if that attempt still owns its conversation at application
// time. Everything else is dropped and counted, never misattributed.
package fusion

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/quiesce/capture"
	"github.com/hazyhaar/quiesce/internal/attempt"
	"github.com/hazyhaar/quiesce/internal/calibration"
	"github.com/hazyhaar/quiesce/internal/readiness"
)

// Stabilizer is the scheduler surface the engine drives.
// *stabilize.Scheduler satisfies it.
type Stabilizer interface {
	OnCompletion(attemptID, conversationID, platform string)
	OnSample(ctx context.Context, sample *capture.CanonicalSample) capture.Decision
	SetGenerating(attemptID string, on bool)
	Dispose(attemptID string)
	MarkSuperseded(attemptID string)
	Decision(attemptID string) (capture.Decision, bool)
}

// ProfileSource supplies per-platform calibration. *calibration.Store
// satisfies it.
type ProfileSource interface {
	LoadOrDefault(ctx context.Context, platform string) *calibration.Profile
}

type defaultProfiles struct{}

func (defaultProfiles) LoadOrDefault(ctx context.Context, platform string) *calibration.Profile {
	return calibration.Default(platform, calibration.StrategyBalanced)
}

// Options configures the engine.
type Options struct {
	// Profiles supplies per-platform tuning for disabled-source checks.
	// Nil uses balanced defaults.
	Profiles ProfileSource
	// Evaluator returns the platform's readiness evaluator, or nil for the
	// generic terminal check.
	Evaluator func(platform string) readiness.EvalFunc
	// HistoryLimit bounds the retained per-attempt signal log. Default: 32.
	HistoryLimit int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Profiles == nil {
		o.Profiles = defaultProfiles{}
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 32
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Engine fuses signals for one engine instance. All state lives on the
// instance; two engines never share attempts.
type Engine struct {
	tracker *attempt.Tracker
	gate    *readiness.Gate
	stab    Stabilizer
	opts    Options
	logger  *slog.Logger

	mu      sync.Mutex
	history map[string][]capture.Signal

	ingested    atomic.Int64
	invalid     atomic.Int64
	dropped     atomic.Int64
	regressions atomic.Int64
	applied     atomic.Int64
	stale       atomic.Int64
}

// New creates an engine over the given tracker, gate and scheduler.
func New(tracker *attempt.Tracker, gate *readiness.Gate, stab Stabilizer, opts Options) *Engine {
	opts.defaults()
	return &Engine{
		tracker: tracker,
		gate:    gate,
		stab:    stab,
		opts:    opts,
		logger:  opts.Logger,
		history: make(map[string][]capture.Signal),
	}
}

// IngestSignal folds one lifecycle signal into the attempt's state and
// returns the attempt's decision afterwards. Phases only move forward;
// a regressive signal is recorded in the history and counted, never applied.
func (e *Engine) IngestSignal(ctx context.Context, sig capture.Signal) capture.Decision {
	e.ingested.Add(1)
	if sig.AttemptID == "" || !capture.KnownSource(sig.Source) {
		e.invalid.Add(1)
		e.logger.Debug("fusion: invalid signal dropped",
			"attempt_id", sig.AttemptID, "source", sig.Source)
		return capture.Decision{Reason: "invalid-signal"}
	}
	prof := e.opts.Profiles.LoadOrDefault(ctx, sig.Platform)
	if prof.SourceDisabled(sig.Source) {
		e.dropped.Add(1)
		e.logger.Debug("fusion: signal source disabled by profile",
			"attempt_id", sig.AttemptID, "platform", sig.Platform, "source", sig.Source)
		return capture.Decision{AttemptID: sig.AttemptID, Reason: "source-disabled"}
	}

	ts := sig.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	rec := e.tracker.CreateOrTouch(sig.AttemptID, sig.Platform, ts)
	if rec.Tombstone() {
		e.stale.Add(1)
		return e.decisionFor(rec)
	}
	e.record(sig)

	if sig.ConversationID != "" {
		displaced, ok := e.tracker.UpdateConversationID(sig.AttemptID, sig.ConversationID, ts)
		if ok && displaced != "" {
			// A newer attempt claimed a conversation an older one still
			// held: the old attempt is done, whatever it was doing.
			if e.tracker.MarkSuperseded(displaced, sig.AttemptID) {
				e.stab.MarkSuperseded(displaced)
				e.logger.Info("fusion: attempt superseded",
					"conversation_id", sig.ConversationID,
					"old", displaced, "new", sig.AttemptID)
			}
		}
	}

	if sig.Phase != "" && !e.tracker.AdvancePhase(sig.AttemptID, sig.Phase) {
		cur, ok := e.tracker.Get(sig.AttemptID)
		if ok && sig.Phase.Rank() >= 0 && sig.Phase.Rank() < cur.Phase.Rank() {
			e.regressions.Add(1)
			e.logger.Debug("fusion: phase regression ignored",
				"attempt_id", sig.AttemptID, "current", cur.Phase, "signal", sig.Phase)
		}
	}

	rec, _ = e.tracker.Get(sig.AttemptID)
	if sig.Phase == capture.PhaseStreaming && sig.Source == capture.SourceDOMHint {
		// The page shows a stop/generating indicator; promotions hold until
		// it clears.
		e.stab.SetGenerating(sig.AttemptID, true)
	} else if rec.Phase.Rank() >= capture.PhaseCompletedHint.Rank() && !rec.Phase.Terminal() {
		e.stab.SetGenerating(sig.AttemptID, false)
	}
	if rec.Phase == capture.PhaseCompletedHint || rec.Phase == capture.PhaseCompleted {
		e.stab.OnCompletion(sig.AttemptID, rec.ConversationID, rec.Platform)
	}
	return e.decisionFor(rec)
}

// ApplyCanonicalSample runs one canonical sample through the staleness guard
// and the readiness gate, then hands it to the scheduler. The gate's verdict
// overwrites whatever readiness the sample carried: evaluation happens at
// application time, never at the producer.
func (e *Engine) ApplyCanonicalSample(ctx context.Context, sample *capture.CanonicalSample) capture.Decision {
	if sample == nil || sample.AttemptID == "" {
		e.invalid.Add(1)
		return capture.Decision{Reason: "invalid-sample"}
	}
	resolved := e.tracker.ResolveAlias(sample.AttemptID)
	if resolved != sample.AttemptID {
		return e.rejectStale(sample, capture.PhaseSuperseded, capture.StateSuperseded)
	}
	rec, ok := e.tracker.Get(sample.AttemptID)
	if !ok {
		return e.rejectStale(sample, capture.PhaseSuperseded, capture.StateSuperseded)
	}
	if rec.Tombstone() {
		state := capture.StateSuperseded
		if rec.Phase == capture.PhaseDisposed {
			state = capture.StateDisposed
		}
		return e.rejectStale(sample, rec.Phase, state)
	}
	if sample.ConversationID != "" {
		if active, ok := e.tracker.ActiveForConversation(sample.ConversationID); ok && active.AttemptID != sample.AttemptID {
			return e.rejectStale(sample, capture.PhaseSuperseded, capture.StateSuperseded)
		}
	}

	var eval readiness.EvalFunc
	if e.opts.Evaluator != nil {
		eval = e.opts.Evaluator(sample.Platform)
	}
	sample.Readiness = e.gate.Evaluate(sample.Payload, eval)

	e.applied.Add(1)
	d := e.stab.OnSample(ctx, sample)
	d.AttemptID = sample.AttemptID
	d.Phase = rec.Phase
	return d
}

func (e *Engine) rejectStale(sample *capture.CanonicalSample, phase capture.Phase, state capture.State) capture.Decision {
	e.stale.Add(1)
	e.logger.Debug("fusion: stale sample dropped",
		"attempt_id", sample.AttemptID, "conversation_id", sample.ConversationID)
	return capture.Decision{
		AttemptID: sample.AttemptID,
		Phase:     phase,
		State:     state,
		Reason:    "stale-attempt",
	}
}

// ResolveByConversation reports the decision for the conversation's active
// attempt. Read-only: no attempt state is created or advanced.
func (e *Engine) ResolveByConversation(conversationID string) (capture.Decision, bool) {
	rec, ok := e.tracker.ActiveForConversation(conversationID)
	if !ok {
		return capture.Decision{}, false
	}
	return e.decisionFor(rec), true
}

// Decision returns the decision for one attempt, following supersession
// aliases to the attempt that now owns the conversation.
func (e *Engine) Decision(attemptID string) (capture.Decision, bool) {
	rec, ok := e.tracker.Get(e.tracker.ResolveAlias(attemptID))
	if !ok {
		return capture.Decision{}, false
	}
	return e.decisionFor(rec), true
}

// DisposeAttempt tombstones an attempt and tears down its stabilization
// state. Reports whether the tracker disposed a live record.
func (e *Engine) DisposeAttempt(attemptID, reason string) bool {
	ok := e.tracker.Dispose(attemptID, reason)
	e.stab.Dispose(attemptID)
	return ok
}

// SetGenerating forwards a page writing indicator, resolving the attempt
// alias first.
func (e *Engine) SetGenerating(attemptID string, on bool) {
	e.stab.SetGenerating(e.tracker.ResolveAlias(attemptID), on)
}

// History returns the retained signal log for an attempt, oldest first.
func (e *Engine) History(attemptID string) []capture.Signal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]capture.Signal(nil), e.history[attemptID]...)
}

// Forget drops the signal log for an evicted attempt.
func (e *Engine) Forget(attemptID string) {
	e.mu.Lock()
	delete(e.history, attemptID)
	e.mu.Unlock()
}

func (e *Engine) record(sig capture.Signal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := append(e.history[sig.AttemptID], sig)
	if n := len(h) - e.opts.HistoryLimit; n > 0 {
		h = h[n:]
	}
	e.history[sig.AttemptID] = h
}

func (e *Engine) decisionFor(rec attempt.Record) capture.Decision {
	d, ok := e.stab.Decision(rec.AttemptID)
	if !ok {
		d = capture.Decision{State: capture.StateCollectingFirst}
	}
	d.AttemptID = rec.AttemptID
	d.Phase = rec.Phase
	if rec.Phase == capture.PhaseSuperseded && !d.State.Settled() {
		d.State = capture.StateSuperseded
	}
	if rec.Phase == capture.PhaseDisposed && !d.State.Settled() {
		d.State = capture.StateDisposed
	}
	return d
}

// Stats is a counter snapshot.
type Stats struct {
	SignalsIngested  int64 `json:"signals_ingested"`
	SignalsInvalid   int64 `json:"signals_invalid"`
	SignalsDropped   int64 `json:"signals_dropped"`
	PhaseRegressions int64 `json:"phase_regressions"`
	SamplesApplied   int64 `json:"samples_applied"`
	SamplesStale     int64 `json:"samples_stale"`
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		SignalsIngested:  e.ingested.Load(),
		SignalsInvalid:   e.invalid.Load(),
		SignalsDropped:   e.dropped.Load(),
		PhaseRegressions: e.regressions.Load(),
		SamplesApplied:   e.applied.Load(),
		SamplesStale:     e.stale.Load(),
	}
}
