// CLAUDE:SUMMARY Stabilization state machine: paces confirm probes per profile, promotes on two agreeing reads, arms force-save on timeout, emits exactly once.

// Package stabilize decides when a completed capture attempt is stable enough
// to export. A capture is promoted only once two independent canonical reads
// agree on the same content hash; a single unconfirmed read eventually arms a
// manual force-save instead, and an attempt that never produced meaningful
// assistant content stays blocked forever.
//
// All pacing runs through one Timers registry with per-attempt token
// prefixes, so disposal or supersession tears an attempt's timers down in a
// single cancellation. Every timer callback re-validates the attempt against
// the tracker before and after any blocking work; a stale tick is dropped and
// counted, never applied.
package stabilize

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/quiesce/capture"
	"github.com/hazyhaar/quiesce/internal/attempt"
	"github.com/hazyhaar/quiesce/internal/calibration"
	"github.com/hazyhaar/quiesce/internal/lease"
)

// Export reasons recorded on promoted results.
const (
	ReasonStable    = "stable"
	ReasonForceSave = "force-save"
)

// Decision reasons for attempts still in flight.
const (
	reasonAwaitingConfirm = "awaiting-confirmation"
	reasonUnstable        = "unstable-content"
	reasonConfirmTimeout  = "confirm-timeout"
	reasonNoReadySample   = "no-ready-sample"
	reasonGenerating      = "generation-in-progress"
)

// Timer token purposes, appended to the attempt id.
const (
	tokenProbe     = "/probe"
	tokenForceSave = "/force-save"
	tokenHardStop  = "/hard-stop"
)

// ErrNotForceSavable is returned by ForceSave for attempts that have not
// reached force_save_available.
var ErrNotForceSavable = errors.New("stabilize: attempt is not force-savable")

// ErrNoProber is returned when a probe tick has no usable sample source.
var ErrNoProber = errors.New("stabilize: no prober available")

// Prober produces one canonical sample for a conversation.
type Prober interface {
	Probe(ctx context.Context, platform, conversationID, attemptID string) (*capture.CanonicalSample, error)
}

// Leaser serializes probing per conversation across engine instances.
// *lease.Coordinator satisfies it.
type Leaser interface {
	Claim(ctx context.Context, conversationID, attemptID string, ttl time.Duration) (lease.Lease, bool, error)
	Release(ctx context.Context, conversationID, attemptID string) error
}

// ProfileSource supplies per-platform calibration. *calibration.Store
// satisfies it.
type ProfileSource interface {
	LoadOrDefault(ctx context.Context, platform string) *calibration.Profile
}

// Emitter receives each promoted capture. It reports whether the capture was
// new; a replay of an already archived attempt returns false.
type Emitter interface {
	Emit(ctx context.Context, res *capture.Result) (bool, error)
}

// SampleSink routes probe-produced samples back through the engine's full
// application path: alias re-resolution, the readiness gate, and broadcast to
// sessions that lost the probe lease. When unset, samples feed OnSample
// directly.
type SampleSink func(ctx context.Context, sample *capture.CanonicalSample)

// Options configures the scheduler.
type Options struct {
	// Profiles supplies per-platform tuning. Nil uses balanced defaults.
	Profiles ProfileSource
	// Lease serializes probing when multiple sessions watch one
	// conversation. Nil disables coordination.
	Lease Leaser
	// Warm reads the platform's canonical conversation endpoint.
	Warm Prober
	// Snapshot reads the conversation out of the rendered DOM. Used when the
	// warm fetch fails or the profile disables it.
	Snapshot Prober
	// Emitter receives promoted captures.
	Emitter Emitter
	// Samples, when set, receives probe-produced samples instead of OnSample.
	Samples SampleSink
	// ForceSaveFallbackAfter arms manual export when a first ready sample has
	// gone unconfirmed this long. Independent of the profile hard timeout,
	// which is measured from stabilization start. Default: 7500ms.
	ForceSaveFallbackAfter time.Duration
	// LeaseTTL bounds one probe's exclusive claim. Default: 10s.
	LeaseTTL time.Duration
	// ProbeTimeout bounds one warm fetch or snapshot. Default: 5s.
	ProbeTimeout time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.ForceSaveFallbackAfter <= 0 {
		o.ForceSaveFallbackAfter = 7500 * time.Millisecond
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 10 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// attemptState is the per-attempt stabilization record. lastReady is the
// confirmation reference: the newest ready sample, which the next read must
// agree with.
type attemptState struct {
	attemptID      string
	conversationID string
	platform       string
	profile        *calibration.Profile
	state          capture.State
	reason         string
	contentHash    string
	fidelity       capture.Fidelity
	lastReady      *capture.CanonicalSample
	confirm        *capture.CanonicalSample
	firstReadyAt   int64
	startedAt      int64
	probes         int
	completionSeen bool
	sawMismatch    bool
	generating     bool
	pendingPromote bool
	hardstopSet    bool
	emitted        bool
}

// Scheduler owns stabilization state for every live attempt of one engine.
type Scheduler struct {
	tracker *attempt.Tracker
	opts    Options
	logger  *slog.Logger
	timers  *Timers

	mu     sync.Mutex
	states map[string]*attemptState

	run  context.Context
	stop context.CancelFunc

	samples         atomic.Int64
	lateSamples     atomic.Int64
	mismatches      atomic.Int64
	suppressed      atomic.Int64
	promotions      atomic.Int64
	duplicateEmits  atomic.Int64
	emitFailures    atomic.Int64
	forceSavesArmed atomic.Int64
	forceSaves      atomic.Int64
	probeAttempts   atomic.Int64
	probeFailures   atomic.Int64
	leaseDenied     atomic.Int64
	staleTicks      atomic.Int64
	blocked         atomic.Int64
}

// New creates a scheduler bound to tracker. The tracker is the staleness
// authority: every timer callback checks it before acting.
func New(tracker *attempt.Tracker, opts Options) *Scheduler {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tracker: tracker,
		opts:    opts,
		logger:  opts.Logger,
		timers:  NewTimers(),
		states:  make(map[string]*attemptState),
		run:     ctx,
		stop:    cancel,
	}
}

// Close cancels every pending timer and the background context. In-flight
// probes see their context cancelled and abort.
func (s *Scheduler) Close() {
	s.stop()
	s.timers.CancelAll()
}

// OnCompletion starts (or resumes) stabilization for an attempt whose
// response finished. The first probe waits out the profile's passive window
// so the platform's own post-completion writes land before we read.
func (s *Scheduler) OnCompletion(attemptID, conversationID, platform string) {
	if attemptID == "" {
		return
	}
	st := s.ensure(attemptID, conversationID, platform)
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.state.Settled() {
		return
	}
	st.completionSeen = true
	if st.conversationID == "" && conversationID != "" {
		st.conversationID = conversationID
	}
	s.ensureHardStopLocked(st)
	if st.lastReady == nil {
		s.reschedule(attemptID, time.Duration(st.profile.Timings.PassiveWaitMs)*time.Millisecond)
	}
}

// OnSample applies one canonical sample and returns the attempt's decision
// after application. Samples for settled attempts are counted no-ops. The
// caller has already resolved the attempt alias; sample.AttemptID is the
// attempt this sample belongs to now.
func (s *Scheduler) OnSample(ctx context.Context, sample *capture.CanonicalSample) capture.Decision {
	if sample == nil || sample.AttemptID == "" {
		return capture.Decision{Reason: "sample-missing"}
	}
	s.samples.Add(1)
	st := s.ensure(sample.AttemptID, sample.ConversationID, sample.Platform)

	s.mu.Lock()
	if st.state.Settled() {
		s.lateSamples.Add(1)
		d := s.decisionLocked(st)
		s.mu.Unlock()
		return d
	}
	if st.conversationID == "" && sample.ConversationID != "" {
		st.conversationID = sample.ConversationID
	}
	prof := st.profile

	var result *capture.Result
	switch {
	case !sample.Readiness.Ready:
		if sample.Readiness.Reason != "" {
			st.reason = sample.Readiness.Reason
		}
		// Not exportable yet. Terminal-but-empty payloads land here too and
		// must never promote; probing continues until the window closes.
		if st.completionSeen && st.lastReady == nil {
			s.reschedule(sample.AttemptID, backoffDur(prof, st.probes))
		}

	case st.lastReady == nil:
		st.lastReady = sample
		st.firstReadyAt = nowMs()
		st.reason = reasonAwaitingConfirm
		s.stageLocked(st, sample)
		s.ensureHardStopLocked(st)
		s.reschedule(sample.AttemptID, time.Duration(prof.Timings.RetryIntervalMs)*time.Millisecond)
		id := sample.AttemptID
		s.timers.ScheduleOnce(id+tokenForceSave, s.opts.ForceSaveFallbackAfter, func() { s.fallbackTick(id) })

	case capture.Matches(st.lastReady.Readiness, sample.Readiness):
		if st.generating {
			// The platform says it is still writing; hold the promotion
			// until the indicator clears.
			st.pendingPromote = true
			st.confirm = sample
			st.reason = reasonGenerating
			s.suppressed.Add(1)
		} else {
			result = s.promoteLocked(st, st.lastReady, sample, ReasonStable)
		}

	default:
		// Content moved between reads. The newest read becomes the
		// reference; the next probe must agree with it.
		s.mismatches.Add(1)
		st.sawMismatch = true
		st.pendingPromote = false
		st.confirm = nil
		st.lastReady = sample
		st.reason = reasonUnstable
		s.stageLocked(st, sample)
		s.reschedule(sample.AttemptID, backoffDur(prof, st.probes))
	}
	d := s.decisionLocked(st)
	s.mu.Unlock()

	s.emit(ctx, result)
	return d
}

// SetGenerating records the platform's generation indicator for an attempt.
// Clearing it releases a promotion that was held while the indicator was on.
func (s *Scheduler) SetGenerating(attemptID string, on bool) {
	s.mu.Lock()
	st, ok := s.states[attemptID]
	if !ok {
		s.mu.Unlock()
		return
	}
	st.generating = on
	var result *capture.Result
	if !on && st.pendingPromote && !st.state.Settled() {
		result = s.promoteLocked(st, st.lastReady, st.confirm, ReasonStable)
	}
	s.mu.Unlock()
	s.emit(s.run, result)
}

// ForceSave manually exports an attempt that reached force_save_available.
// The attempt id may be a superseded alias; it is resolved first.
func (s *Scheduler) ForceSave(ctx context.Context, attemptID string) (*capture.Result, error) {
	id := s.tracker.ResolveAlias(attemptID)
	s.mu.Lock()
	st, ok := s.states[id]
	if !ok || st.state != capture.StateForceSave {
		s.mu.Unlock()
		return nil, ErrNotForceSavable
	}
	result := s.promoteLocked(st, st.lastReady, nil, ReasonForceSave)
	s.mu.Unlock()
	if result == nil {
		return nil, ErrNotForceSavable
	}
	s.forceSaves.Add(1)
	s.emit(ctx, result)
	return result, nil
}

// Dispose retires an attempt's stabilization state and cancels its timers in
// one sweep. Already-captured state is left as captured.
func (s *Scheduler) Dispose(attemptID string) {
	s.retire(attemptID, capture.StateDisposed)
}

// MarkSuperseded retires an attempt whose conversation was taken over by a
// newer attempt.
func (s *Scheduler) MarkSuperseded(attemptID string) {
	s.retire(attemptID, capture.StateSuperseded)
}

// Evict drops all scheduler state for an attempt the tracker evicted.
func (s *Scheduler) Evict(attemptID string) {
	s.timers.CancelPrefix(attemptID + "/")
	s.mu.Lock()
	delete(s.states, attemptID)
	s.mu.Unlock()
}

func (s *Scheduler) retire(attemptID string, to capture.State) {
	s.timers.CancelPrefix(attemptID + "/")
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[attemptID]
	if !ok {
		return
	}
	if st.state == capture.StateCapturedReady {
		return
	}
	st.state = to
	st.reason = string(to)
	st.pendingPromote = false
	st.confirm = nil
	st.generating = false
}

// Decision returns the current decision for an attempt, if tracked.
func (s *Scheduler) Decision(attemptID string) (capture.Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[attemptID]
	if !ok {
		return capture.Decision{}, false
	}
	return s.decisionLocked(st), true
}

// Decisions returns the decision for every tracked attempt, keyed by id.
func (s *Scheduler) Decisions() map[string]capture.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]capture.Decision, len(s.states))
	for id, st := range s.states {
		out[id] = s.decisionLocked(st)
	}
	return out
}

// Stats is a counter snapshot.
type Stats struct {
	Tracked         int   `json:"tracked"`
	PendingTimers   int   `json:"pending_timers"`
	Samples         int64 `json:"samples"`
	LateSamples     int64 `json:"late_samples"`
	Mismatches      int64 `json:"mismatches"`
	Suppressed      int64 `json:"suppressed_promotions"`
	Promotions      int64 `json:"promotions"`
	DuplicateEmits  int64 `json:"duplicate_emits"`
	EmitFailures    int64 `json:"emit_failures"`
	ForceSavesArmed int64 `json:"force_saves_armed"`
	ForceSaves      int64 `json:"force_saves"`
	ProbeAttempts   int64 `json:"probe_attempts"`
	ProbeFailures   int64 `json:"probe_failures"`
	LeaseDenied     int64 `json:"lease_denied"`
	StaleTicks      int64 `json:"stale_ticks"`
	Blocked         int64 `json:"blocked"`
}

// Stats returns current counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	tracked := len(s.states)
	s.mu.Unlock()
	return Stats{
		Tracked:         tracked,
		PendingTimers:   s.timers.Len(),
		Samples:         s.samples.Load(),
		LateSamples:     s.lateSamples.Load(),
		Mismatches:      s.mismatches.Load(),
		Suppressed:      s.suppressed.Load(),
		Promotions:      s.promotions.Load(),
		DuplicateEmits:  s.duplicateEmits.Load(),
		EmitFailures:    s.emitFailures.Load(),
		ForceSavesArmed: s.forceSavesArmed.Load(),
		ForceSaves:      s.forceSaves.Load(),
		ProbeAttempts:   s.probeAttempts.Load(),
		ProbeFailures:   s.probeFailures.Load(),
		LeaseDenied:     s.leaseDenied.Load(),
		StaleTicks:      s.staleTicks.Load(),
		Blocked:         s.blocked.Load(),
	}
}

// ensure returns the attempt's state record, creating it (and loading the
// platform profile) on first sight.
func (s *Scheduler) ensure(attemptID, conversationID, platform string) *attemptState {
	s.mu.Lock()
	if st, ok := s.states[attemptID]; ok {
		s.mu.Unlock()
		return st
	}
	s.mu.Unlock()

	prof := s.profileFor(platform)

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[attemptID]; ok {
		return st
	}
	st := &attemptState{
		attemptID:      attemptID,
		conversationID: conversationID,
		platform:       platform,
		profile:        prof,
		state:          capture.StateCollectingFirst,
		startedAt:      nowMs(),
	}
	s.states[attemptID] = st
	return st
}

func (s *Scheduler) profileFor(platform string) *calibration.Profile {
	if s.opts.Profiles == nil {
		return calibration.Default(platform, calibration.StrategyBalanced)
	}
	ctx, cancel := context.WithTimeout(s.run, 2*time.Second)
	defer cancel()
	return s.opts.Profiles.LoadOrDefault(ctx, platform)
}

// stageLocked moves st into the waiting state matching the reference
// sample's origin and records the candidate hash and fidelity.
func (s *Scheduler) stageLocked(st *attemptState, sample *capture.CanonicalSample) {
	st.contentHash = sample.Readiness.ContentHash
	if apiOrigin(sample.Origin) {
		st.state = capture.StateAwaitingSecond
		st.fidelity = capture.FidelityHigh
	} else {
		st.state = capture.StateDegradedSnapshot
		st.fidelity = capture.FidelityDegraded
	}
}

// ensureHardStopLocked schedules the overall stabilization deadline once per
// attempt: the smaller of the profile's max wait and hard timeout.
func (s *Scheduler) ensureHardStopLocked(st *attemptState) {
	if st.hardstopSet {
		return
	}
	st.hardstopSet = true
	limit := st.profile.Timings.MaxStabilizationWaitMs
	if ht := st.profile.Retry.HardTimeoutMs; ht > 0 && ht < limit {
		limit = ht
	}
	id := st.attemptID
	s.timers.ScheduleOnce(id+tokenHardStop, time.Duration(limit)*time.Millisecond, func() { s.hardstopTick(id) })
}

func (s *Scheduler) reschedule(attemptID string, delay time.Duration) {
	s.timers.ScheduleOnce(attemptID+tokenProbe, delay, func() { s.probeTick(attemptID) })
}

// probeTick runs one probe attempt. It validates the attempt against the
// tracker before starting and again after the read returns; a probe slot is
// consumed only when a read actually starts, so lease denials do not burn
// retries.
func (s *Scheduler) probeTick(attemptID string) {
	if s.stale(attemptID) {
		s.staleTicks.Add(1)
		return
	}
	s.mu.Lock()
	st, ok := s.states[attemptID]
	if !ok || st.state.Settled() {
		s.mu.Unlock()
		return
	}
	prof := st.profile
	conv := st.conversationID
	platform := st.platform
	idx := st.probes
	if idx >= prof.Retry.MaxAttempts {
		s.exhaustLocked(st)
		s.mu.Unlock()
		return
	}
	backoff := backoffDur(prof, idx)
	if conv == "" {
		// No conversation binding yet, so no endpoint to read. Check again
		// once the id resolves.
		s.reschedule(attemptID, backoff)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.run, s.opts.ProbeTimeout)
	defer cancel()

	if s.opts.Lease != nil {
		l, held, err := s.opts.Lease.Claim(ctx, conv, attemptID, s.opts.LeaseTTL)
		if err != nil {
			s.logger.Warn("stabilize: lease claim failed", "attempt_id", attemptID, "err", err)
			s.rescheduleLive(attemptID, backoff)
			return
		}
		if !held {
			// Another session probes this conversation; it will broadcast
			// its sample. Check back after the backoff.
			s.leaseDenied.Add(1)
			s.logger.Debug("stabilize: probe lease held elsewhere",
				"attempt_id", attemptID, "conversation_id", conv, "owner", l.OwnerAttemptID)
			s.rescheduleLive(attemptID, backoff)
			return
		}
		defer func() {
			if err := s.opts.Lease.Release(context.WithoutCancel(ctx), conv, attemptID); err != nil {
				s.logger.Debug("stabilize: lease release failed", "attempt_id", attemptID, "err", err)
			}
		}()
	}

	s.mu.Lock()
	if st2, ok := s.states[attemptID]; ok && !st2.state.Settled() {
		st2.probes++
	} else {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.probeAttempts.Add(1)

	sample, err := s.readSample(ctx, prof, platform, conv, attemptID)
	if err != nil {
		s.probeFailures.Add(1)
		s.logger.Warn("stabilize: probe failed",
			"attempt_id", attemptID, "conversation_id", conv, "err", err)
		s.rescheduleLive(attemptID, backoff)
		return
	}

	// The read awaited; the attempt may have been superseded or disposed
	// meanwhile. Validate again before applying anything.
	if s.stale(attemptID) {
		s.staleTicks.Add(1)
		return
	}

	if s.opts.Samples != nil {
		s.opts.Samples(ctx, sample)
		return
	}
	s.OnSample(ctx, sample)
}

// readSample tries the warm canonical fetch, then the DOM snapshot, honoring
// the profile's disabled sources.
func (s *Scheduler) readSample(ctx context.Context, prof *calibration.Profile, platform, conversationID, attemptID string) (*capture.CanonicalSample, error) {
	var firstErr error
	if s.opts.Warm != nil && !prof.SourceDisabled(capture.SourceCanonicalFetch) {
		sample, err := s.opts.Warm.Probe(ctx, platform, conversationID, attemptID)
		if err == nil {
			return sample, nil
		}
		firstErr = err
		s.logger.Debug("stabilize: warm fetch failed, falling back to snapshot",
			"attempt_id", attemptID, "err", err)
	}
	if s.opts.Snapshot != nil && !prof.SourceDisabled(capture.SourceSnapshotFallback) {
		sample, err := s.opts.Snapshot.Probe(ctx, platform, conversationID, attemptID)
		if err == nil {
			return sample, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = ErrNoProber
	}
	return nil, firstErr
}

// stale reports whether attemptID no longer identifies a live attempt.
func (s *Scheduler) stale(attemptID string) bool {
	if s.tracker.ResolveAlias(attemptID) != attemptID {
		return true
	}
	if rec, ok := s.tracker.Get(attemptID); ok && rec.Tombstone() {
		return true
	}
	return false
}

// rescheduleLive re-arms the probe timer unless the attempt settled.
func (s *Scheduler) rescheduleLive(attemptID string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[attemptID]; ok && !st.state.Settled() {
		s.reschedule(attemptID, delay)
	}
}

// fallbackTick fires when the force-save window after the first ready sample
// elapses without a confirmed pair.
func (s *Scheduler) fallbackTick(attemptID string) {
	if s.stale(attemptID) {
		s.staleTicks.Add(1)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[attemptID]
	if !ok || st.state.Settled() || st.lastReady == nil {
		return
	}
	s.armForceSaveLocked(st, exhaustReason(st))
}

// hardstopTick fires at the overall stabilization deadline.
func (s *Scheduler) hardstopTick(attemptID string) {
	if s.stale(attemptID) {
		s.staleTicks.Add(1)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[attemptID]
	if !ok || st.state.Settled() {
		return
	}
	s.timers.Cancel(attemptID + tokenProbe)
	s.timers.Cancel(attemptID + tokenForceSave)
	if st.lastReady == nil {
		// Terminal but nothing exportable: the attempt stays blocked. An
		// empty capture is never promoted, not even manually.
		if st.reason == "" {
			st.reason = reasonNoReadySample
		}
		s.blocked.Add(1)
		s.logger.Warn("stabilize: window elapsed without a ready sample",
			"attempt_id", attemptID, "conversation_id", st.conversationID, "reason", st.reason)
		return
	}
	s.armForceSaveLocked(st, exhaustReason(st))
}

// exhaustLocked handles a probe tick after retries ran out.
func (s *Scheduler) exhaustLocked(st *attemptState) {
	if st.lastReady == nil {
		st.reason = reasonNoReadySample
		s.logger.Warn("stabilize: retries exhausted without a ready sample",
			"attempt_id", st.attemptID, "conversation_id", st.conversationID)
		return
	}
	s.armForceSaveLocked(st, exhaustReason(st))
}

func exhaustReason(st *attemptState) string {
	if st.sawMismatch {
		return reasonUnstable
	}
	return reasonConfirmTimeout
}

func (s *Scheduler) armForceSaveLocked(st *attemptState, reason string) {
	if st.state.Settled() || st.lastReady == nil {
		return
	}
	st.state = capture.StateForceSave
	st.reason = reason
	s.timers.CancelPrefix(st.attemptID + "/")
	s.forceSavesArmed.Add(1)
	s.logger.Info("stabilize: force-save available",
		"attempt_id", st.attemptID, "conversation_id", st.conversationID, "reason", reason)
}

// promoteLocked settles st as captured. ref is the reference sample and
// confirm the agreeing read (nil for force-save); the newest of the two
// carries the exported payload. Returns nil if the attempt already emitted.
func (s *Scheduler) promoteLocked(st *attemptState, ref, confirm *capture.CanonicalSample, reason string) *capture.Result {
	if st.emitted || ref == nil {
		return nil
	}
	st.emitted = true
	st.state = capture.StateCapturedReady
	st.pendingPromote = false
	st.confirm = nil
	pick := ref
	if confirm != nil {
		pick = confirm
	}
	fid := capture.FidelityDegraded
	if apiOrigin(ref.Origin) || (confirm != nil && apiOrigin(confirm.Origin)) {
		fid = capture.FidelityHigh
	}
	st.fidelity = fid
	st.contentHash = pick.Readiness.ContentHash
	st.reason = reason
	s.timers.CancelPrefix(st.attemptID + "/")
	res := &capture.Result{
		ConversationID: st.conversationID,
		AttemptID:      st.attemptID,
		Platform:       st.platform,
		Payload:        pick.Payload,
		Fidelity:       fid,
		ContentHash:    pick.Readiness.ContentHash,
		Reason:         reason,
		CapturedAt:     nowMs(),
	}
	if pick.Payload != nil {
		res.Title = pick.Payload.Title
	}
	return res
}

// emit hands a promoted result to the emitter. Tolerates a nil result so
// callers can pass the outcome of a promote that did not happen.
func (s *Scheduler) emit(ctx context.Context, res *capture.Result) {
	if res == nil {
		return
	}
	if s.opts.Emitter == nil {
		s.promotions.Add(1)
		return
	}
	fresh, err := s.opts.Emitter.Emit(ctx, res)
	switch {
	case err != nil:
		s.emitFailures.Add(1)
		s.logger.Error("stabilize: emit failed", "attempt_id", res.AttemptID, "err", err)
	case fresh:
		s.promotions.Add(1)
		s.logger.Info("stabilize: capture promoted",
			"attempt_id", res.AttemptID, "conversation_id", res.ConversationID,
			"fidelity", res.Fidelity, "reason", res.Reason)
	default:
		s.duplicateEmits.Add(1)
	}
}

func (s *Scheduler) decisionLocked(st *attemptState) capture.Decision {
	d := capture.Decision{
		AttemptID:   st.attemptID,
		State:       st.state,
		Reason:      st.reason,
		ContentHash: st.contentHash,
		Fidelity:    st.fidelity,
	}
	switch st.state {
	case capture.StateCapturedReady:
		d.Ready = true
	case capture.StateForceSave:
		d.Ready = true
		d.ReadyForManualOverride = true
	}
	return d
}

// apiOrigin reports whether src read the platform's own API rather than the
// rendered DOM.
func apiOrigin(src capture.Source) bool {
	switch src {
	case capture.SourceCanonicalFetch, capture.SourceCompletionEndpoint, capture.SourceNetworkStream:
		return true
	}
	return false
}

func backoffDur(p *calibration.Profile, n int) time.Duration {
	return time.Duration(p.Retry.Backoff(n)) * time.Millisecond
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
