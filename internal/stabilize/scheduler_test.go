package stabilize_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/quiesce/capture"
	"github.com/hazyhaar/quiesce/internal/attempt"
	"github.com/hazyhaar/quiesce/internal/calibration"
	"github.com/hazyhaar/quiesce/internal/lease"
	"github.com/hazyhaar/quiesce/internal/stabilize"
)

// fastProfile keeps every window short enough for real-timer tests.
func fastProfile() *calibration.Profile {
	return &calibration.Profile{
		Platform:      "chatgpt",
		SchemaVersion: calibration.SchemaVersion,
		Strategy:      calibration.StrategyAggressive,
		Timings: calibration.Timings{
			PassiveWaitMs:          10,
			DOMQuietWindowMs:       50,
			MaxStabilizationWaitMs: 2000,
			RetryIntervalMs:        25,
		},
		Retry: calibration.Retry{
			MaxAttempts:   3,
			BackoffMs:     []int{20, 30, 40},
			HardTimeoutMs: 2000,
		},
	}
}

type fixedProfiles struct{ p *calibration.Profile }

func (f fixedProfiles) LoadOrDefault(ctx context.Context, platform string) *calibration.Profile {
	cp := *f.p
	cp.Platform = platform
	return &cp
}

// scriptProber answers each probe from next, indexed by call number.
type scriptProber struct {
	mu    sync.Mutex
	calls int
	next  func(call int) (*capture.CanonicalSample, error)
}

func (p *scriptProber) Probe(ctx context.Context, platform, conversationID, attemptID string) (*capture.CanonicalSample, error) {
	p.mu.Lock()
	n := p.calls
	p.calls++
	p.mu.Unlock()
	sample, err := p.next(n)
	if sample != nil {
		sample.AttemptID = attemptID
		sample.ConversationID = conversationID
		sample.Platform = platform
	}
	return sample, err
}

func (p *scriptProber) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// memEmitter mimics the archive guard: one fresh emit per attempt id.
type memEmitter struct {
	mu      sync.Mutex
	results []*capture.Result
	seen    map[string]bool
}

func (e *memEmitter) Emit(ctx context.Context, res *capture.Result) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seen == nil {
		e.seen = make(map[string]bool)
	}
	if e.seen[res.AttemptID] {
		return false, nil
	}
	e.seen[res.AttemptID] = true
	e.results = append(e.results, res)
	return true, nil
}

func (e *memEmitter) all() []*capture.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*capture.Result(nil), e.results...)
}

type denyLease struct{ denials atomic.Int64 }

func (d *denyLease) Claim(ctx context.Context, conversationID, attemptID string, ttl time.Duration) (lease.Lease, bool, error) {
	d.denials.Add(1)
	return lease.Lease{ConversationID: conversationID, OwnerAttemptID: "someone-else"}, false, nil
}

func (d *denyLease) Release(ctx context.Context, conversationID, attemptID string) error {
	return nil
}

func readySample(attemptID, conversationID, hash string, origin capture.Source) *capture.CanonicalSample {
	return &capture.CanonicalSample{
		ID:             hash + "-" + attemptID,
		AttemptID:      attemptID,
		Platform:       "chatgpt",
		ConversationID: conversationID,
		Timestamp:      time.Now().UnixMilli(),
		Origin:         origin,
		Payload: &capture.ConversationPayload{
			ConversationID: conversationID,
			Platform:       "chatgpt",
			Title:          "greetings",
			Messages: []capture.Message{
				{Role: capture.RoleUser, Text: "hello"},
				{Role: capture.RoleAssistant, Text: "Final answer.", Final: true},
			},
		},
		Readiness: capture.Readiness{
			Ready:                  true,
			Terminal:               true,
			ContentHash:            hash,
			LatestAssistantTextLen: 13,
		},
	}
}

func emptySample(attemptID, conversationID string) *capture.CanonicalSample {
	s := readySample(attemptID, conversationID, "", capture.SourceCanonicalFetch)
	s.Payload.Messages = []capture.Message{{Role: capture.RoleUser, Text: "hello"}}
	s.Readiness = capture.Readiness{Ready: false, Terminal: true, Reason: "assistant-text-missing"}
	return s
}

func newScheduler(t *testing.T, tr *attempt.Tracker, opts stabilize.Options) *stabilize.Scheduler {
	t.Helper()
	if opts.Profiles == nil {
		opts.Profiles = fixedProfiles{fastProfile()}
	}
	if opts.ForceSaveFallbackAfter == 0 {
		opts.ForceSaveFallbackAfter = 2 * time.Second
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s := stabilize.New(tr, opts)
	t.Cleanup(s.Close)
	return s
}

func newTracker(t *testing.T) *attempt.Tracker {
	t.Helper()
	return attempt.New(attempt.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s not reached within %v", what, timeout)
}

func TestTwoMatchingSamplesPromote(t *testing.T) {
	tr := newTracker(t)
	tr.CreateOrTouch("a1", "chatgpt", 1)
	em := &memEmitter{}
	s := newScheduler(t, tr, stabilize.Options{Emitter: em})

	s.OnCompletion("a1", "c1", "chatgpt")
	d := s.OnSample(context.Background(), readySample("a1", "c1", "h", capture.SourceCanonicalFetch))
	if d.Ready {
		t.Fatal("ready after a single sample")
	}
	if d.State != capture.StateAwaitingSecond {
		t.Fatalf("state = %q, want awaiting_second_sample", d.State)
	}

	d = s.OnSample(context.Background(), readySample("a1", "c1", "h", capture.SourceCanonicalFetch))
	if !d.Ready || d.State != capture.StateCapturedReady {
		t.Fatalf("decision = %+v, want ready captured_ready", d)
	}
	if d.Fidelity != capture.FidelityHigh {
		t.Fatalf("fidelity = %q, want high", d.Fidelity)
	}

	results := em.all()
	if len(results) != 1 {
		t.Fatalf("emitted %d results, want 1", len(results))
	}
	if results[0].Reason != stabilize.ReasonStable || results[0].ContentHash != "h" {
		t.Fatalf("result = %+v", results[0])
	}
	if results[0].Title != "greetings" {
		t.Fatalf("title = %q", results[0].Title)
	}

	// A third matching sample is a counted no-op.
	s.OnSample(context.Background(), readySample("a1", "c1", "h", capture.SourceCanonicalFetch))
	if len(em.all()) != 1 {
		t.Fatal("settled attempt emitted again")
	}
	if s.Stats().LateSamples != 1 {
		t.Fatalf("late samples = %d, want 1", s.Stats().LateSamples)
	}
}

func TestSnapshotOnlyPromotesDegraded(t *testing.T) {
	tr := newTracker(t)
	tr.CreateOrTouch("a1", "gemini", 1)
	em := &memEmitter{}
	s := newScheduler(t, tr, stabilize.Options{Emitter: em})

	d := s.OnSample(context.Background(), readySample("a1", "c1", "h", capture.SourceSnapshotFallback))
	if d.State != capture.StateDegradedSnapshot {
		t.Fatalf("state = %q, want degraded_snapshot_captured", d.State)
	}
	d = s.OnSample(context.Background(), readySample("a1", "c1", "h", capture.SourceSnapshotFallback))
	if !d.Ready || d.Fidelity != capture.FidelityDegraded {
		t.Fatalf("decision = %+v, want ready degraded", d)
	}
	if results := em.all(); len(results) != 1 || results[0].Fidelity != capture.FidelityDegraded {
		t.Fatalf("results = %+v", results)
	}
}

func TestMixedOriginsPromoteHigh(t *testing.T) {
	tr := newTracker(t)
	tr.CreateOrTouch("a1", "chatgpt", 1)
	em := &memEmitter{}
	s := newScheduler(t, tr, stabilize.Options{Emitter: em})

	s.OnSample(context.Background(), readySample("a1", "c1", "h", capture.SourceSnapshotFallback))
	d := s.OnSample(context.Background(), readySample("a1", "c1", "h", capture.SourceCanonicalFetch))
	if !d.Ready || d.Fidelity != capture.FidelityHigh {
		t.Fatalf("decision = %+v, want ready high", d)
	}
}

func TestEmptyTerminalNeverPromotes(t *testing.T) {
	tr := newTracker(t)
	tr.CreateOrTouch("a1", "chatgpt", 1)
	em := &memEmitter{}
	s := newScheduler(t, tr, stabilize.Options{Emitter: em})

	s.OnCompletion("a1", "c1", "chatgpt")
	for i := 0; i < 3; i++ {
		d := s.OnSample(context.Background(), emptySample("a1", "c1"))
		if d.Ready || d.ReadyForManualOverride {
			t.Fatalf("empty terminal payload produced an exportable decision: %+v", d)
		}
		if d.Reason != "assistant-text-missing" {
			t.Fatalf("reason = %q, want assistant-text-missing", d.Reason)
		}
	}
	if len(em.all()) != 0 {
		t.Fatal("empty terminal payload was emitted")
	}
	if _, err := s.ForceSave(context.Background(), "a1"); !errors.Is(err, stabilize.ErrNotForceSavable) {
		t.Fatalf("ForceSave err = %v, want ErrNotForceSavable", err)
	}
}

func TestConfirmProbePromotes(t *testing.T) {
	tr := newTracker(t)
	tr.CreateOrTouch("a1", "chatgpt", 1)
	em := &memEmitter{}
	warm := &scriptProber{next: func(int) (*capture.CanonicalSample, error) {
		return readySample("", "", "h", capture.SourceCanonicalFetch), nil
	}}
	s := newScheduler(t, tr, stabilize.Options{Emitter: em, Warm: warm})

	s.OnCompletion("a1", "c1", "chatgpt")
	s.OnSample(context.Background(), readySample("a1", "c1", "h", capture.SourceCanonicalFetch))

	waitUntil(t, 2*time.Second, "promotion", func() bool { return len(em.all()) == 1 })
	if warm.count() < 1 {
		t.Fatalf("warm probe calls = %d, want >= 1", warm.count())
	}
	d, ok := s.Decision("a1")
	if !ok || d.State != capture.StateCapturedReady || d.Fidelity != capture.FidelityHigh {
		t.Fatalf("decision = %+v", d)
	}
}

func TestUnstableContentArmsForceSave(t *testing.T) {
	tr := newTracker(t)
	tr.CreateOrTouch("a1", "chatgpt", 1)
	em := &memEmitter{}
	warm := &scriptProber{next: func(call int) (*capture.CanonicalSample, error) {
		return readySample("", "", fmt.Sprintf("h%d", call+2), capture.SourceCanonicalFetch), nil
	}}
	s := newScheduler(t, tr, stabilize.Options{Emitter: em, Warm: warm})

	s.OnCompletion("a1", "c1", "chatgpt")
	s.OnSample(context.Background(), readySample("a1", "c1", "h", capture.SourceCanonicalFetch))

	waitUntil(t, 2*time.Second, "force-save", func() bool {
		d, ok := s.Decision("a1")
		return ok && d.State == capture.StateForceSave
	})
	d, _ := s.Decision("a1")
	if !d.Ready || !d.ReadyForManualOverride {
		t.Fatalf("decision = %+v, want ready with manual override", d)
	}
	if d.Reason != "unstable-content" {
		t.Fatalf("reason = %q, want unstable-content", d.Reason)
	}
	if len(em.all()) != 0 {
		t.Fatal("unstable attempt emitted without a manual save")
	}

	res, err := s.ForceSave(context.Background(), "a1")
	if err != nil {
		t.Fatalf("ForceSave: %v", err)
	}
	if res.Reason != stabilize.ReasonForceSave {
		t.Fatalf("reason = %q, want force-save", res.Reason)
	}
	if len(em.all()) != 1 {
		t.Fatalf("emitted %d results, want 1", len(em.all()))
	}
	if _, err := s.ForceSave(context.Background(), "a1"); !errors.Is(err, stabilize.ErrNotForceSavable) {
		t.Fatalf("second ForceSave err = %v, want ErrNotForceSavable", err)
	}
}

func TestForceSaveFallbackWindow(t *testing.T) {
	prof := fastProfile()
	prof.Retry.MaxAttempts = 10
	prof.Retry.BackoffMs = []int{500}
	prof.Timings.RetryIntervalMs = 500

	tr := newTracker(t)
	tr.CreateOrTouch("a1", "chatgpt", 1)
	em := &memEmitter{}
	s := newScheduler(t, tr, stabilize.Options{
		Emitter:                em,
		Profiles:               fixedProfiles{prof},
		ForceSaveFallbackAfter: 60 * time.Millisecond,
	})

	s.OnSample(context.Background(), readySample("a1", "c1", "h", capture.SourceCanonicalFetch))

	waitUntil(t, time.Second, "fallback arming", func() bool {
		d, ok := s.Decision("a1")
		return ok && d.State == capture.StateForceSave
	})
	d, _ := s.Decision("a1")
	if d.Reason != "confirm-timeout" {
		t.Fatalf("reason = %q, want confirm-timeout", d.Reason)
	}
}

func TestHardStopWithoutReadySampleBlocks(t *testing.T) {
	prof := fastProfile()
	prof.Timings.MaxStabilizationWaitMs = 80
	prof.Retry.HardTimeoutMs = 80
	prof.Retry.BackoffMs = []int{30}

	tr := newTracker(t)
	tr.CreateOrTouch("a1", "chatgpt", 1)
	em := &memEmitter{}
	warm := &scriptProber{next: func(int) (*capture.CanonicalSample, error) {
		return nil, errors.New("fetch refused")
	}}
	s := newScheduler(t, tr, stabilize.Options{Emitter: em, Profiles: fixedProfiles{prof}, Warm: warm})

	s.OnCompletion("a1", "c1", "chatgpt")

	waitUntil(t, time.Second, "blocked counter", func() bool { return s.Stats().Blocked == 1 })
	d, ok := s.Decision("a1")
	if !ok {
		t.Fatal("decision missing")
	}
	if d.Ready || d.ReadyForManualOverride {
		t.Fatalf("decision = %+v, want blocked", d)
	}
	if len(em.all()) != 0 {
		t.Fatal("blocked attempt emitted")
	}
	if _, err := s.ForceSave(context.Background(), "a1"); !errors.Is(err, stabilize.ErrNotForceSavable) {
		t.Fatalf("ForceSave err = %v, want ErrNotForceSavable", err)
	}
}

func TestGeneratingSuppressesPromotion(t *testing.T) {
	tr := newTracker(t)
	tr.CreateOrTouch("a1", "claude", 1)
	em := &memEmitter{}
	s := newScheduler(t, tr, stabilize.Options{Emitter: em})

	s.OnSample(context.Background(), readySample("a1", "c1", "h", capture.SourceCanonicalFetch))
	s.SetGenerating("a1", true)

	d := s.OnSample(context.Background(), readySample("a1", "c1", "h", capture.SourceCanonicalFetch))
	if d.Ready {
		t.Fatal("promoted while the generation indicator was on")
	}
	if d.Reason != "generation-in-progress" {
		t.Fatalf("reason = %q, want generation-in-progress", d.Reason)
	}
	if len(em.all()) != 0 {
		t.Fatal("emitted while suppressed")
	}

	s.SetGenerating("a1", false)
	if len(em.all()) != 1 {
		t.Fatalf("emitted %d results after indicator cleared, want 1", len(em.all()))
	}
	d, _ = s.Decision("a1")
	if !d.Ready || d.State != capture.StateCapturedReady {
		t.Fatalf("decision = %+v, want captured_ready", d)
	}
	if s.Stats().Suppressed != 1 {
		t.Fatalf("suppressed = %d, want 1", s.Stats().Suppressed)
	}
}

func TestDisposeCancelsEverything(t *testing.T) {
	tr := newTracker(t)
	tr.CreateOrTouch("a1", "chatgpt", 1)
	em := &memEmitter{}
	warm := &scriptProber{next: func(int) (*capture.CanonicalSample, error) {
		return readySample("", "", "h", capture.SourceCanonicalFetch), nil
	}}
	s := newScheduler(t, tr, stabilize.Options{Emitter: em, Warm: warm})

	s.OnSample(context.Background(), readySample("a1", "c1", "h", capture.SourceCanonicalFetch))

	s.Dispose("a1")
	if s.Stats().PendingTimers != 0 {
		t.Fatalf("pending timers = %d after dispose, want 0", s.Stats().PendingTimers)
	}
	time.Sleep(150 * time.Millisecond)
	if warm.count() != 0 {
		t.Fatalf("probe ran %d times after dispose", warm.count())
	}
	if len(em.all()) != 0 {
		t.Fatal("disposed attempt emitted")
	}
	d, _ := s.Decision("a1")
	if d.State != capture.StateDisposed {
		t.Fatalf("state = %q, want disposed", d.State)
	}
}

func TestSupersededTickIsDropped(t *testing.T) {
	tr := newTracker(t)
	tr.CreateOrTouch("a1", "chatgpt", 1)
	tr.UpdateConversationID("a1", "c1", 1)
	em := &memEmitter{}
	warm := &scriptProber{next: func(int) (*capture.CanonicalSample, error) {
		return readySample("", "", "h", capture.SourceCanonicalFetch), nil
	}}
	s := newScheduler(t, tr, stabilize.Options{Emitter: em, Warm: warm})

	s.OnSample(context.Background(), readySample("a1", "c1", "h", capture.SourceCanonicalFetch))

	// The tracker supersedes a1 before its confirm probe fires. The tick
	// must notice and do nothing, even without an explicit retire call.
	tr.CreateOrTouch("a2", "chatgpt", 2)
	if !tr.MarkSuperseded("a1", "a2") {
		t.Fatal("MarkSuperseded failed")
	}

	waitUntil(t, time.Second, "stale tick", func() bool { return s.Stats().StaleTicks >= 1 })
	if warm.count() != 0 {
		t.Fatalf("probe ran %d times for a superseded attempt", warm.count())
	}
	if len(em.all()) != 0 {
		t.Fatal("superseded attempt emitted")
	}
}

func TestLeaseDeniedSkipsProbe(t *testing.T) {
	tr := newTracker(t)
	tr.CreateOrTouch("a1", "chatgpt", 1)
	em := &memEmitter{}
	warm := &scriptProber{next: func(int) (*capture.CanonicalSample, error) {
		return readySample("", "", "h", capture.SourceCanonicalFetch), nil
	}}
	deny := &denyLease{}
	s := newScheduler(t, tr, stabilize.Options{Emitter: em, Warm: warm, Lease: deny})

	s.OnSample(context.Background(), readySample("a1", "c1", "h", capture.SourceCanonicalFetch))

	waitUntil(t, time.Second, "lease denial", func() bool { return s.Stats().LeaseDenied >= 2 })
	if warm.count() != 0 {
		t.Fatalf("probe ran %d times without the lease", warm.count())
	}
	if s.Stats().ProbeAttempts != 0 {
		t.Fatal("denied ticks consumed probe slots")
	}

	// The winning session broadcasts its sample; the denied session still
	// promotes from the broadcast alone.
	d := s.OnSample(context.Background(), readySample("a1", "c1", "h", capture.SourceCanonicalFetch))
	if !d.Ready || d.State != capture.StateCapturedReady {
		t.Fatalf("decision = %+v, want captured_ready", d)
	}
}

func TestProbeSamplesRouteThroughSink(t *testing.T) {
	tr := newTracker(t)
	tr.CreateOrTouch("a1", "chatgpt", 1)
	em := &memEmitter{}
	warm := &scriptProber{next: func(int) (*capture.CanonicalSample, error) {
		return readySample("", "", "h", capture.SourceCanonicalFetch), nil
	}}
	var mu sync.Mutex
	var routed []*capture.CanonicalSample
	var s *stabilize.Scheduler
	sink := func(ctx context.Context, sample *capture.CanonicalSample) {
		mu.Lock()
		routed = append(routed, sample)
		mu.Unlock()
		s.OnSample(ctx, sample)
	}
	s = newScheduler(t, tr, stabilize.Options{Emitter: em, Warm: warm, Samples: sink})

	s.OnCompletion("a1", "c1", "chatgpt")
	s.OnSample(context.Background(), readySample("a1", "c1", "h", capture.SourceCanonicalFetch))

	waitUntil(t, 2*time.Second, "routed sample", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(routed) >= 1
	})
	mu.Lock()
	got := routed[0]
	mu.Unlock()
	if got.AttemptID != "a1" || got.Origin != capture.SourceCanonicalFetch {
		t.Fatalf("routed sample = %+v", got)
	}
	waitUntil(t, 2*time.Second, "promotion", func() bool { return len(em.all()) == 1 })
}
