package calibration_test

import (
	"context"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/quiesce/capture"
	"github.com/hazyhaar/quiesce/internal/calibration"
	"github.com/hazyhaar/quiesce/internal/dbopen"
)

func openStore(t *testing.T) *calibration.Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(calibration.Schema))
	return calibration.NewStore(db)
}

func TestStrategyDefaults(t *testing.T) {
	agg := calibration.Default("chatgpt", calibration.StrategyAggressive)
	if agg.Timings.PassiveWaitMs != 900 || agg.Timings.DOMQuietWindowMs != 500 ||
		agg.Timings.MaxStabilizationWaitMs != 12000 || agg.Retry.HardTimeoutMs != 12000 {
		t.Fatalf("aggressive defaults: %+v", agg)
	}
	if got := agg.Retry.BackoffMs; len(got) != 3 || got[0] != 300 || got[1] != 800 || got[2] != 1300 {
		t.Fatalf("aggressive backoff: %v", got)
	}

	bal := calibration.Default("chatgpt", calibration.StrategyBalanced)
	if bal.Timings.PassiveWaitMs != 1350 || bal.Timings.MaxStabilizationWaitMs != 18000 {
		t.Fatalf("balanced should be 1.5x aggressive: %+v", bal.Timings)
	}
	if bal.Timings.RetryIntervalMs != 1150 {
		t.Fatalf("retry interval should not scale: %d", bal.Timings.RetryIntervalMs)
	}

	con := calibration.Default("chatgpt", calibration.StrategyConservative)
	if con.Timings.PassiveWaitMs != 2250 || con.Retry.HardTimeoutMs != 30000 {
		t.Fatalf("conservative should be 2.5x aggressive: %+v", con)
	}

	snap := calibration.Default("chatgpt", calibration.StrategySnapshot)
	if !snap.SourceDisabled(capture.SourceCanonicalFetch) {
		t.Fatal("snapshot strategy must disable the warm canonical fetch")
	}
	if snap.Timings.PassiveWaitMs != con.Timings.PassiveWaitMs {
		t.Fatal("snapshot timings should mirror conservative")
	}

	if got := calibration.Default("x", "bogus").Strategy; got != calibration.StrategyBalanced {
		t.Fatalf("unknown strategy should fall back to balanced, got %s", got)
	}
}

func TestClampOutOfRange(t *testing.T) {
	p := calibration.Default("claude", calibration.StrategyAggressive)
	p.Timings.PassiveWaitMs = -50
	p.Timings.MaxStabilizationWaitMs = 10 // below 1s floor
	p.Retry.MaxAttempts = 99
	p.Retry.BackoffMs = []int{5} // below 50ms floor poisons the list
	p.DisabledSources = []capture.Source{"telepathy", capture.SourceDOMHint}

	p.Clamp()

	if p.Timings.PassiveWaitMs != 900 {
		t.Fatalf("passive wait = %d, want strategy default 900", p.Timings.PassiveWaitMs)
	}
	if p.Timings.MaxStabilizationWaitMs != 12000 {
		t.Fatalf("max wait = %d, want 12000", p.Timings.MaxStabilizationWaitMs)
	}
	if p.Retry.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d, want 3", p.Retry.MaxAttempts)
	}
	if len(p.Retry.BackoffMs) != 3 || p.Retry.BackoffMs[0] != 300 {
		t.Fatalf("backoff = %v, want strategy default", p.Retry.BackoffMs)
	}
	if len(p.DisabledSources) != 1 || p.DisabledSources[0] != capture.SourceDOMHint {
		t.Fatalf("disabled sources = %v, want unknown dropped", p.DisabledSources)
	}
	if p.SchemaVersion != calibration.SchemaVersion {
		t.Fatalf("schema version = %d", p.SchemaVersion)
	}
}

func TestBackoffIndexing(t *testing.T) {
	r := calibration.Retry{BackoffMs: []int{300, 800, 1300}}
	for i, want := range []int{300, 800, 1300, 1300, 1300} {
		if got := r.Backoff(i); got != want {
			t.Fatalf("backoff(%d) = %d, want %d", i, got, want)
		}
	}
	empty := calibration.Retry{}
	if got := empty.Backoff(0); got != 0 {
		t.Fatalf("empty backoff = %d", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	p := calibration.Default("gemini", calibration.StrategyConservative)
	p.DisabledSources = []capture.Source{capture.SourceNetworkStream}
	p.LastModifiedBy = "auto-tuner"
	if err := s.Save(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load(ctx, "gemini")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil {
		t.Fatal("expected profile")
	}
	if got.Strategy != calibration.StrategyConservative ||
		got.Timings.PassiveWaitMs != 2250 ||
		got.LastModifiedBy != "auto-tuner" {
		t.Fatalf("round trip: %+v", got)
	}
	if !got.SourceDisabled(capture.SourceNetworkStream) {
		t.Fatal("disabled sources lost")
	}
	if got.UpdatedAt == 0 {
		t.Fatal("UpdatedAt not stamped")
	}
}

func TestLoadMissing(t *testing.T) {
	s := openStore(t)
	got, err := s.Load(context.Background(), "nope")
	if err != nil || got != nil {
		t.Fatalf("missing row: %v / %+v", err, got)
	}

	def := s.LoadOrDefault(context.Background(), "nope")
	if def.Strategy != calibration.StrategyBalanced {
		t.Fatalf("LoadOrDefault strategy = %s", def.Strategy)
	}
}

func TestLoadMigratesV1Row(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	// A version 1 row: no disabled_sources, retry_interval_ms or
	// last_modified_by.
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO calibration_profiles
			(platform, schema_version, strategy, passive_wait_ms, dom_quiet_ms,
			 max_wait_ms, retry_max_attempts, retry_backoff_ms,
			 retry_hard_timeout_ms, updated_at)
		VALUES ('legacy', 1, 'aggressive', 900, 500, 12000, 3, '[300,800,1300]', 12000, 0)`)
	if err != nil {
		t.Fatalf("seed v1 row: %v", err)
	}

	got, err := s.Load(ctx, "legacy")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.SchemaVersion != calibration.SchemaVersion {
		t.Fatalf("schema version = %d, want %d", got.SchemaVersion, calibration.SchemaVersion)
	}
	if got.Timings.RetryIntervalMs != 1150 {
		t.Fatalf("migrated retry interval = %d, want 1150", got.Timings.RetryIntervalMs)
	}
	if len(got.DisabledSources) != 0 {
		t.Fatalf("migrated disabled sources = %v", got.DisabledSources)
	}
}

func TestList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	for _, name := range []string{"chatgpt", "claude"} {
		if err := s.Save(ctx, calibration.Default(name, calibration.StrategyBalanced)); err != nil {
			t.Fatal(err)
		}
	}
	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].Platform != "chatgpt" || all[1].Platform != "claude" {
		t.Fatalf("list: %+v", all)
	}
}
