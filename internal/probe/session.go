package probe

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/quiesce/bus"
	"github.com/hazyhaar/quiesce/capture"
	"github.com/hazyhaar/quiesce/internal/idgen"
	"github.com/hazyhaar/quiesce/platform"
)

// SessionSnapshotter asks a live page session for its DOM over the bus and
// converts the answer into a snapshot-origin sample. It is the preferred
// snapshot path: the page the user is looking at is authoritative for what
// was rendered, and its session already holds the platform credentials.
type SessionSnapshotter struct {
	broker    *bus.SnapshotBroker
	platforms *platform.Registry
	logger    *slog.Logger
	ids       idgen.Generator
}

// NewSessionSnapshotter wires the snapshotter over the broker.
func NewSessionSnapshotter(broker *bus.SnapshotBroker, platforms *platform.Registry, logger *slog.Logger) *SessionSnapshotter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionSnapshotter{
		broker:    broker,
		platforms: platforms,
		logger:    logger,
		ids:       idgen.Prefixed("smp_", idgen.Default),
	}
}

// Probe requests a snapshot and converts it. A session that reports a
// visible generation indicator yields a non-terminal sample.
func (s *SessionSnapshotter) Probe(ctx context.Context, platformName, conversationID, attemptID string) (*capture.CanonicalSample, error) {
	resp, err := s.broker.Request(ctx, conversationID, attemptID)
	if err != nil {
		return nil, err
	}
	sample, err := sampleFromSnapshot(s.platforms, s.ids(), platformName, conversationID, attemptID, resp.HTML, resp.Generating)
	if err != nil {
		s.logger.Debug("probe: session snapshot unusable",
			"platform", platformName, "conversation_id", conversationID, "err", err)
		return nil, err
	}
	return sample, nil
}
