// CLAUDE:SUMMARY Top-level engine: wires tracker, gate, scheduler, fusion, bus and probers over one SQLite database and exposes the public operations.

// Package quiesce decides the single moment an in-progress AI chat
// conversation is finished and stable enough to capture. Browser sessions
// feed it lifecycle signals and intercepted traffic over an authenticated
// bus; the engine fuses them per attempt, takes two independent canonical
// reads, and emits each conversation downstream exactly once when the reads
// agree, or degrades to a user-triggered force save when they never do.
package quiesce

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/hazyhaar/quiesce/bus"
	"github.com/hazyhaar/quiesce/capture"
	"github.com/hazyhaar/quiesce/internal/archive"
	"github.com/hazyhaar/quiesce/internal/attempt"
	"github.com/hazyhaar/quiesce/internal/calibration"
	"github.com/hazyhaar/quiesce/internal/dbopen"
	"github.com/hazyhaar/quiesce/internal/fusion"
	"github.com/hazyhaar/quiesce/internal/hub"
	"github.com/hazyhaar/quiesce/internal/lease"
	"github.com/hazyhaar/quiesce/internal/probe"
	"github.com/hazyhaar/quiesce/internal/readiness"
	"github.com/hazyhaar/quiesce/internal/shield"
	"github.com/hazyhaar/quiesce/internal/stabilize"
	"github.com/hazyhaar/quiesce/platform"
)

// Engine is one running quiesce instance.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	db        *sql.DB
	profiles  *profileSource
	leases    *lease.Coordinator
	archive   *archive.Store
	tracker   *attempt.Tracker
	sched     *stabilize.Scheduler
	fusion    *fusion.Engine
	sessions  *bus.SessionManager
	bcast     *bus.Broadcaster
	broker    *bus.SnapshotBroker
	dispatch  *bus.Dispatcher
	platforms *platform.Registry
	sinks     *hub.Router
	limiter   *shield.RateLimiter
	browser   *probe.BrowserSnapshotter

	done chan struct{}
}

// New builds a fully wired engine. The caller must blank-import
// modernc.org/sqlite. Extra sinks receive finalized captures alongside the
// ones Config enables.
func New(cfg Config, logger *slog.Logger, extra ...Sink) (*Engine, error) {
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := dbopen.Open(cfg.DBPath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(calibration.Schema),
		dbopen.WithSchema(lease.Schema),
		dbopen.WithSchema(archive.Schema),
		dbopen.WithSchema(shield.Schema),
	)
	if err != nil {
		return nil, fmt.Errorf("quiesce: open db: %w", err)
	}

	// Any secret length is accepted past validation; hashing normalizes it
	// to the session manager's key size.
	keyed := sha256.Sum256([]byte(cfg.MasterSecret))
	sessions, err := bus.NewSessionManager(keyed[:], bus.WithSessionTTL(cfg.SessionTTL))
	if err != nil {
		db.Close()
		return nil, err
	}

	registry := platform.NewRegistry()
	profiles := &profileSource{
		store:      calibration.NewStore(db),
		strategies: strategyMap(cfg.Platforms),
	}
	leases := lease.New(db, lease.Options{DefaultTTL: cfg.Probe.LeaseTTL, Logger: logger})
	archiveStore := archive.NewStore(db)
	bcast := bus.NewBroadcaster(logger)
	broker := bus.NewSnapshotBroker(bcast, cfg.Probe.SnapshotTimeout, logger)

	var sinkList []hub.Sink
	if cfg.Sink.Stdout {
		sinkList = append(sinkList, hub.NewStdout(os.Stdout))
	}
	if cfg.Sink.WebhookURL != "" {
		opts := []hub.WebhookOption{hub.WithWebhookLogger(logger)}
		if cfg.Sink.WebhookSecret != "" {
			opts = append(opts, hub.WithWebhookSecret([]byte(cfg.Sink.WebhookSecret)))
		}
		sinkList = append(sinkList, hub.NewWebhook(cfg.Sink.WebhookURL, opts...))
	}
	sinkList = append(sinkList, extra...)
	sinks := hub.NewRouter(logger, sinkList...)

	var warmHeader http.Header
	if cfg.Probe.WarmCookie != "" {
		warmHeader = http.Header{"Cookie": []string{cfg.Probe.WarmCookie}}
	}
	warm := probe.NewWarmFetcher(registry, probe.WarmOptions{Header: warmHeader, Logger: logger})

	var browser *probe.BrowserSnapshotter
	var snapshot probe.Prober = probe.NewSessionSnapshotter(broker, registry, logger)
	if cfg.Probe.Browser.Enabled {
		browser = probe.NewBrowserSnapshotter(registry, probe.BrowserOptions{
			RemoteURL:   cfg.Probe.Browser.RemoteURL,
			UserDataDir: cfg.Probe.Browser.UserDataDir,
			Logger:      logger,
		})
		snapshot = probe.Chain{snapshot, browser}
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		profiles:  profiles,
		leases:    leases,
		archive:   archiveStore,
		sessions:  sessions,
		bcast:     bcast,
		broker:    broker,
		platforms: registry,
		sinks:     sinks,
		browser:   browser,
		done:      make(chan struct{}),
	}

	e.tracker = attempt.New(attempt.Options{
		MaxAttempts: cfg.MaxAttempts,
		OnEvict:     e.onEvict,
		Logger:      logger,
	})
	e.sched = stabilize.New(e.tracker, stabilize.Options{
		Profiles: profiles,
		Lease:    leases,
		Warm:     warm,
		Snapshot: snapshot,
		Emitter: &resultEmitter{
			archive: archiveStore,
			sinks:   sinks,
			bcast:   bcast,
			logger:  logger,
		},
		Samples:                e.applySample,
		ForceSaveFallbackAfter: cfg.Probe.ForceSaveAfter,
		LeaseTTL:               cfg.Probe.LeaseTTL,
		Logger:                 logger,
	})
	e.fusion = fusion.New(e.tracker, readiness.NewGate(logger), e.sched, fusion.Options{
		Profiles:  profiles,
		Evaluator: e.evaluatorFor,
		Logger:    logger,
	})
	e.dispatch = bus.NewDispatcher(sessions, registry, e.fusion, broker, logger)
	e.limiter = shield.NewRateLimiter(db, logger)
	e.limiter.StartReloader(e.done)

	logger.Info("quiesce: engine ready", "db", cfg.DBPath, "platforms", registry.Names())
	return e, nil
}

// onEvict drops all state keyed on an attempt the tracker let go of.
func (e *Engine) onEvict(attemptID string) {
	if e.sched != nil {
		e.sched.Evict(attemptID)
	}
	if e.fusion != nil {
		e.fusion.Forget(attemptID)
	}
}

// applySample routes probe-produced samples through the fusion engine so
// they face the same alias and gate checks as samples from the bus.
func (e *Engine) applySample(ctx context.Context, sample *capture.CanonicalSample) {
	e.fusion.ApplyCanonicalSample(ctx, sample)
}

// evaluatorFor adapts the platform's readiness capability to the gate.
func (e *Engine) evaluatorFor(platformName string) readiness.EvalFunc {
	ev, ok := e.platforms.Lookup(platformName).(platform.ReadinessEvaluator)
	if !ok {
		return nil
	}
	return ev.EvaluateReadiness
}

// HandleEnvelope authenticates and routes one bus frame.
func (e *Engine) HandleEnvelope(ctx context.Context, env bus.Envelope) (capture.Decision, error) {
	return e.dispatch.Dispatch(ctx, env)
}

// IssueSession mints a session token. Empty sessionID generates one.
func (e *Engine) IssueSession(sessionID string) (token, id string, err error) {
	return e.sessions.Issue(sessionID)
}

// Subscribe registers a session for engine-originated frames (decisions,
// snapshot requests).
func (e *Engine) Subscribe(sessionID string) (<-chan bus.Envelope, func()) {
	return e.bcast.Subscribe(sessionID)
}

// ResolveByConversation answers the read-only decision query for whichever
// attempt currently owns the conversation.
func (e *Engine) ResolveByConversation(conversationID string) (capture.Decision, bool) {
	return e.fusion.ResolveByConversation(conversationID)
}

// AttemptDecision returns the decision for one attempt, following
// supersession aliases to the live attempt.
func (e *Engine) AttemptDecision(attemptID string) (capture.Decision, bool) {
	return e.fusion.Decision(attemptID)
}

// ForceSave promotes a force_save_available attempt on user request.
func (e *Engine) ForceSave(ctx context.Context, attemptID string) (*capture.Result, error) {
	return e.sched.ForceSave(ctx, attemptID)
}

// DisposeAttempt retires an attempt (tab closed, navigation away).
func (e *Engine) DisposeAttempt(attemptID, reason string) bool {
	return e.fusion.DisposeAttempt(attemptID, reason)
}

// Captures lists archived captures, newest first.
func (e *Engine) Captures(ctx context.Context, limit int) ([]*capture.Result, error) {
	return e.archive.List(ctx, limit)
}

// Capture returns one archived capture by attempt id, or nil.
func (e *Engine) Capture(ctx context.Context, attemptID string) (*capture.Result, error) {
	return e.archive.Get(ctx, attemptID)
}

// LatestCapture returns the newest archived capture for a conversation, or
// nil.
func (e *Engine) LatestCapture(ctx context.Context, conversationID string) (*capture.Result, error) {
	return e.archive.Latest(ctx, conversationID)
}

// Profile returns the effective calibration profile for a platform.
func (e *Engine) Profile(ctx context.Context, platformName string) *calibration.Profile {
	return e.profiles.LoadOrDefault(ctx, platformName)
}

// SaveProfile persists a calibration profile after clamping it to sane
// bounds.
func (e *Engine) SaveProfile(ctx context.Context, p *calibration.Profile) error {
	p.Clamp()
	return e.profiles.store.Save(ctx, p)
}

// Stats is a point-in-time snapshot across all engine components.
type Stats struct {
	Tracker     attempt.Stats   `json:"tracker"`
	Fusion      fusion.Stats    `json:"fusion"`
	Stabilizer  stabilize.Stats `json:"stabilizer"`
	Bus         bus.Stats       `json:"bus"`
	Leases      lease.Stats     `json:"leases"`
	Subscribers int             `json:"subscribers"`
	Captures    int64           `json:"captures"`
}

// Stats gathers counters from every component.
func (e *Engine) Stats(ctx context.Context) Stats {
	captures, err := e.archive.Count(ctx)
	if err != nil {
		e.logger.Warn("quiesce: capture count failed", "err", err)
		captures = -1
	}
	return Stats{
		Tracker:     e.tracker.Stats(),
		Fusion:      e.fusion.Stats(),
		Stabilizer:  e.sched.Stats(),
		Bus:         e.dispatch.Stats(),
		Leases:      e.leases.Stats(),
		Subscribers: e.bcast.Subscribers(),
		Captures:    captures,
	}
}

// Close stops timers and background loops and closes the database.
func (e *Engine) Close() error {
	close(e.done)
	e.sched.Close()
	var firstErr error
	if e.browser != nil {
		if err := e.browser.Close(); err != nil {
			firstErr = err
		}
	}
	if err := e.sinks.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// profileSource serves calibration profiles: stored rows win, then the
// configured strategy's defaults, then balanced defaults.
type profileSource struct {
	store      *calibration.Store
	strategies map[string]calibration.Strategy
}

func (ps *profileSource) LoadOrDefault(ctx context.Context, platformName string) *calibration.Profile {
	if p, err := ps.store.Load(ctx, platformName); err == nil && p != nil {
		return p
	}
	strategy, ok := ps.strategies[platformName]
	if !ok {
		strategy = calibration.StrategyBalanced
	}
	return calibration.Default(platformName, strategy)
}

func strategyMap(platforms map[string]PlatformConfig) map[string]calibration.Strategy {
	m := make(map[string]calibration.Strategy, len(platforms))
	for name, pc := range platforms {
		if pc.Strategy != "" {
			m[name] = calibration.Strategy(pc.Strategy)
		}
	}
	return m
}

// resultEmitter is the scheduler's downstream: archive first (the
// exactly-once boundary), then sinks, then a decision broadcast to every
// subscribed session including ones that lost the probe lease.
type resultEmitter struct {
	archive *archive.Store
	sinks   *hub.Router
	bcast   *bus.Broadcaster
	logger  *slog.Logger
}

func (em *resultEmitter) Emit(ctx context.Context, res *capture.Result) (bool, error) {
	fresh, err := em.archive.Insert(ctx, res)
	if err != nil {
		return false, err
	}
	if !fresh {
		return false, nil
	}
	// Sink errors do not undo an archived capture; they are logged and the
	// emission still counts.
	if err := em.sinks.Publish(ctx, *res); err != nil {
		em.logger.Error("quiesce: sink publish failed",
			"attempt_id", res.AttemptID, "err", err)
	}
	em.bcast.BroadcastDecision(bus.Decision{
		ConversationID: res.ConversationID,
		Decision: capture.Decision{
			Ready:       true,
			AttemptID:   res.AttemptID,
			Phase:       capture.PhaseCompleted,
			State:       capture.StateCapturedReady,
			Reason:      res.Reason,
			ContentHash: res.ContentHash,
			Fidelity:    res.Fidelity,
		},
	})
	return true, nil
}
