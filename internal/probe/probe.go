// CLAUDE:SUMMARY Canonical readers behind the scheduler: snapshot-to-sample conversion and an ordered fallback chain over probers.

// Package probe implements the canonical readers the stabilization scheduler
// drives. Three ways to re-read a conversation exist, in descending fidelity:
// a warm HTTP fetch against the platform's own conversation endpoint, a DOM
// snapshot answered by a live page session over the bus, and a headless
// browser visit for conversations no session is left to answer for. All
// three produce the same thing, a CanonicalSample, so the scheduler does not
// care which road a sample took.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/quiesce/capture"
	"github.com/hazyhaar/quiesce/internal/readiness"
	"github.com/hazyhaar/quiesce/platform"
)

var (
	// ErrNoEndpoints means the platform publishes no fetchable conversation
	// endpoint and the warm path cannot serve it.
	ErrNoEndpoints = errors.New("probe: platform has no canonical endpoint")
	// ErrNoParser means the platform adapter cannot decode canonical
	// responses.
	ErrNoParser = errors.New("probe: platform cannot parse canonical responses")
	// ErrNoTurns means a snapshot held no attributable conversation turns.
	ErrNoTurns = errors.New("probe: snapshot has no conversation turns")
)

// Prober is one way of taking a canonical read of a conversation.
type Prober interface {
	Probe(ctx context.Context, platform, conversationID, attemptID string) (*capture.CanonicalSample, error)
}

// Chain tries each prober in order and returns the first sample. Errors
// accumulate; the first one is returned when every prober fails.
type Chain []Prober

func (c Chain) Probe(ctx context.Context, platformName, conversationID, attemptID string) (*capture.CanonicalSample, error) {
	var firstErr error
	for _, p := range c {
		sample, err := p.Probe(ctx, platformName, conversationID, attemptID)
		if err == nil {
			return sample, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("probe: empty prober chain")
	}
	return nil, firstErr
}

// sampleFromSnapshot turns raw page HTML into a snapshot-origin sample.
// generating reports a visible generation indicator from the producer side;
// the DOM itself may contribute its own. While either holds, the last
// assistant turn stays non-final so the gate never calls the payload ready.
func sampleFromSnapshot(platforms *platform.Registry, id, platformName, conversationID, attemptID, rawHTML string, generating bool) (*capture.CanonicalSample, error) {
	msgs, domGenerating := readiness.ExtractTurns(rawHTML)
	if len(msgs) == 0 {
		return nil, ErrNoTurns
	}
	generating = generating || domGenerating

	if !generating {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == capture.RoleAssistant {
				msgs[i].Final = true
				break
			}
		}
	}

	adapter := platforms.Lookup(platformName)
	title := ""
	if te, ok := adapter.(platform.TitleExtractor); ok {
		title = te.TitleFromDOM(rawHTML)
	}
	if title == "" {
		title = readiness.Title(rawHTML)
	}

	now := time.Now().UnixMilli()
	return &capture.CanonicalSample{
		ID:             id,
		AttemptID:      attemptID,
		Platform:       platformName,
		ConversationID: conversationID,
		Timestamp:      now,
		Origin:         capture.SourceSnapshotFallback,
		Payload: &capture.ConversationPayload{
			ConversationID: conversationID,
			Platform:       platformName,
			Title:          title,
			Messages:       msgs,
			CapturedAt:     now,
		},
	}, nil
}
