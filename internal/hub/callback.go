// CLAUDE:SUMMARY In-process callback sink delivering finalized captures as Go function calls with zero serialization.
package hub

import (
	"context"

	"github.com/hazyhaar/quiesce/capture"
)

// ResultFunc is called for each finalized capture (in-process, zero
// serialisation).
type ResultFunc func(ctx context.Context, result capture.Result) error

// Callback delivers results via Go function calls — the path used when the
// downstream consumer lives in the same binary.
type Callback struct {
	onResult ResultFunc
}

// NewCallback creates a Callback sink. The handler may be nil.
func NewCallback(onResult ResultFunc) *Callback {
	return &Callback{onResult: onResult}
}

func (c *Callback) Publish(ctx context.Context, result capture.Result) error {
	if c.onResult != nil {
		return c.onResult(ctx, result)
	}
	return nil
}

func (c *Callback) Close() error { return nil }
