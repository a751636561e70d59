// CLAUDE:SUMMARY Public sink surface: re-exports downstream capture sinks so embedders can receive results in-process.
package quiesce

import (
	"context"
	"io"
	"log/slog"

	"github.com/hazyhaar/quiesce/capture"
	"github.com/hazyhaar/quiesce/internal/hub"
)

// Sink is the output interface for finalized captures.
type Sink = hub.Sink

// ResultFunc is called for each finalized capture.
type ResultFunc = hub.ResultFunc

// NewStdoutSink creates a stdout JSON-lines sink.
func NewStdoutSink(w io.Writer) Sink {
	return hub.NewStdout(w)
}

// NewWebhookSink creates a webhook POST sink with retry. secret, when
// non-empty, signs each body with HMAC-SHA256.
func NewWebhookSink(url, secret string, logger *slog.Logger) Sink {
	opts := []hub.WebhookOption{hub.WithWebhookLogger(logger)}
	if secret != "" {
		opts = append(opts, hub.WithWebhookSecret([]byte(secret)))
	}
	return hub.NewWebhook(url, opts...)
}

// NewCallbackSink creates an in-process callback sink — zero serialisation,
// for consumers living in the same binary.
func NewCallbackSink(onResult func(ctx context.Context, result capture.Result) error) Sink {
	return hub.NewCallback(onResult)
}
