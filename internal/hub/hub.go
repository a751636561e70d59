// Package hub defines the downstream outputs for finalized captures.
// The engine publishes each stabilized result exactly once (guarded by the
// archive); sinks deliver it to stdout, webhooks, or in-process consumers.
package hub

import (
	"context"

	"github.com/hazyhaar/quiesce/capture"
)

// Sink is the output interface. Implementations deliver finalized results
// to different backends (stdout, webhook, in-process callback).
type Sink interface {
	Publish(ctx context.Context, result capture.Result) error
	Close() error
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}
