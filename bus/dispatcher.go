// CLAUDE:SUMMARY Bus dispatcher: verifies envelope tokens, decodes typed payloads, routes them into the fusion engine; unauthenticated frames mutate nothing.

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/quiesce/capture"
	"github.com/hazyhaar/quiesce/platform"
)

// Handler is the engine surface the dispatcher feeds. *fusion.Engine
// satisfies it.
type Handler interface {
	IngestSignal(ctx context.Context, sig capture.Signal) capture.Decision
	ApplyCanonicalSample(ctx context.Context, sample *capture.CanonicalSample) capture.Decision
	DisposeAttempt(attemptID, reason string) bool
	SetGenerating(attemptID string, on bool)
}

// ErrUnauthenticated marks an envelope whose token failed verification. The
// envelope is discarded whole; nothing inside it is decoded.
var ErrUnauthenticated = errors.New("bus: envelope unauthenticated")

// ErrUnknownEvent marks an envelope of a type the dispatcher does not route.
var ErrUnknownEvent = errors.New("bus: unknown event type")

// Dispatcher is the entry point for inbound bus traffic.
type Dispatcher struct {
	sessions  *SessionManager
	platforms *platform.Registry
	engine    Handler
	broker    *SnapshotBroker
	logger    *slog.Logger

	dispatched    atomic.Int64
	authFailures  atomic.Int64
	unknownEvents atomic.Int64
	parseFailures atomic.Int64
}

// NewDispatcher wires the dispatcher. broker may be nil when page snapshots
// are not in use.
func NewDispatcher(sessions *SessionManager, platforms *platform.Registry, engine Handler, broker *SnapshotBroker, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sessions:  sessions,
		platforms: platforms,
		engine:    engine,
		broker:    broker,
		logger:    logger,
	}
}

// Dispatch authenticates env and routes its payload. An authentication
// failure discards the envelope before any payload byte is decoded. Payload
// decode failures and parser failures are logged and counted but return a
// plain decision: a malformed producer must not stall the pipeline.
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) (capture.Decision, error) {
	sessionID, err := d.sessions.Verify(env.Token)
	if err != nil {
		d.authFailures.Add(1)
		d.logger.Warn("bus: envelope rejected", "type", env.Type, "err", err)
		return capture.Decision{}, ErrUnauthenticated
	}
	d.dispatched.Add(1)

	switch env.Type {
	case EventResponseLifecycle:
		var p ResponseLifecycle
		if !d.decode(env, &p) {
			return capture.Decision{Reason: "payload-malformed"}, nil
		}
		return d.engine.IngestSignal(ctx, capture.Signal{
			AttemptID:      p.AttemptID,
			Platform:       p.Platform,
			Source:         p.Source,
			Phase:          p.Phase,
			ConversationID: d.conversationID(p.Platform, p.ConversationID, p.PageURL),
			Timestamp:      env.Timestamp,
		}), nil

	case EventStreamDelta:
		var p StreamDelta
		if !d.decode(env, &p) {
			return capture.Decision{Reason: "payload-malformed"}, nil
		}
		return d.engine.IngestSignal(ctx, capture.Signal{
			AttemptID: p.AttemptID,
			Platform:  p.Platform,
			Source:    capture.SourceNetworkStream,
			Phase:     capture.PhaseStreaming,
			Timestamp: env.Timestamp,
			Text:      p.Text,
		}), nil

	case EventResponseFinished:
		var p ResponseFinished
		if !d.decode(env, &p) {
			return capture.Decision{Reason: "payload-malformed"}, nil
		}
		src := p.Source
		if src == "" {
			src = capture.SourceCompletionEndpoint
		}
		return d.engine.IngestSignal(ctx, capture.Signal{
			AttemptID:      p.AttemptID,
			Platform:       p.Platform,
			Source:         src,
			Phase:          capture.PhaseCompleted,
			ConversationID: p.ConversationID,
			Timestamp:      env.Timestamp,
		}), nil

	case EventConversationIDResolved:
		var p ConversationIDResolved
		if !d.decode(env, &p) {
			return capture.Decision{Reason: "payload-malformed"}, nil
		}
		return d.engine.IngestSignal(ctx, capture.Signal{
			AttemptID:      p.AttemptID,
			Platform:       p.Platform,
			Source:         capture.SourceDOMHint,
			ConversationID: d.conversationID(p.Platform, p.ConversationID, p.PageURL),
			Timestamp:      env.Timestamp,
		}), nil

	case EventAttemptDisposed:
		var p AttemptDisposed
		if !d.decode(env, &p) {
			return capture.Decision{Reason: "payload-malformed"}, nil
		}
		d.engine.DisposeAttempt(p.AttemptID, p.Reason)
		return capture.Decision{AttemptID: p.AttemptID, Phase: capture.PhaseDisposed, State: capture.StateDisposed}, nil

	case EventDataIntercepted:
		var p DataIntercepted
		if !d.decode(env, &p) {
			return capture.Decision{Reason: "payload-malformed"}, nil
		}
		return d.intercepted(ctx, p), nil

	case EventSnapshotResponse:
		var p SnapshotResponse
		if !d.decode(env, &p) {
			return capture.Decision{Reason: "payload-malformed"}, nil
		}
		if d.broker == nil || !d.broker.Fulfill(p) {
			d.logger.Debug("bus: snapshot response without a waiter", "request_id", p.RequestID)
		}
		return capture.Decision{}, nil
	}

	d.unknownEvents.Add(1)
	d.logger.Warn("bus: unknown event type", "type", env.Type, "session_id", sessionID)
	return capture.Decision{}, fmt.Errorf("%w: %s", ErrUnknownEvent, env.Type)
}

// intercepted parses a captured network body with the platform's parser and
// applies it as a canonical sample.
func (d *Dispatcher) intercepted(ctx context.Context, p DataIntercepted) capture.Decision {
	adapter := d.platforms.Lookup(p.Platform)
	parser, ok := adapter.(platform.InterceptParser)
	if !ok {
		d.logger.Debug("bus: platform has no intercept parser", "platform", p.Platform)
		return capture.Decision{AttemptID: p.AttemptID, Reason: "no-intercept-parser"}
	}
	payload, err := parser.ParseIntercepted(p.Body)
	if err != nil {
		// Platforms reshape their internals without notice. A parse failure
		// is routine: log it, count it, keep the attempt alive for the
		// probe paths.
		d.parseFailures.Add(1)
		d.logger.Warn("bus: intercept parse failed",
			"platform", p.Platform, "attempt_id", p.AttemptID, "url", p.URL, "err", err)
		return capture.Decision{AttemptID: p.AttemptID, Reason: "parse-failed"}
	}
	conv := p.ConversationID
	if conv == "" {
		conv = payload.ConversationID
	}
	payload.ConversationID = conv
	if payload.CapturedAt == 0 {
		payload.CapturedAt = time.Now().UnixMilli()
	}
	sample := &capture.CanonicalSample{
		ID:             "smp_" + p.AttemptID + "_intercept",
		AttemptID:      p.AttemptID,
		Platform:       p.Platform,
		ConversationID: conv,
		Timestamp:      payload.CapturedAt,
		Origin:         capture.SourceNetworkStream,
		Payload:        payload,
	}
	return d.engine.ApplyCanonicalSample(ctx, sample)
}

// conversationID prefers the explicit id, falling back to extraction from
// the page URL.
func (d *Dispatcher) conversationID(platformName, explicit, pageURL string) string {
	if explicit != "" {
		return explicit
	}
	if pageURL == "" {
		return ""
	}
	return d.platforms.Lookup(platformName).ExtractConversationID(pageURL)
}

func (d *Dispatcher) decode(env Envelope, into any) bool {
	if err := json.Unmarshal(env.Payload, into); err != nil {
		d.parseFailures.Add(1)
		d.logger.Warn("bus: payload malformed", "type", env.Type, "err", err)
		return false
	}
	return true
}

// Stats is a counter snapshot.
type Stats struct {
	Dispatched    int64 `json:"dispatched"`
	AuthFailures  int64 `json:"auth_failures"`
	UnknownEvents int64 `json:"unknown_events"`
	ParseFailures int64 `json:"parse_failures"`
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched:    d.dispatched.Load(),
		AuthFailures:  d.authFailures.Load(),
		UnknownEvents: d.unknownEvents.Load(),
		ParseFailures: d.parseFailures.Load(),
	}
}
