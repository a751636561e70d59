// CLAUDE:SUMMARY Snapshot request/response correlation: engine asks a page session for its DOM, waits bounded, responses match by request id.

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/quiesce/internal/idgen"
)

// ErrSnapshotTimeout is returned when no page answered within the window.
var ErrSnapshotTimeout = errors.New("bus: snapshot request timed out")

// SnapshotBroker correlates DOM snapshot requests with their responses. The
// engine publishes a request frame to subscribed sessions; whichever session
// owns the conversation answers with the matching request id.
type SnapshotBroker struct {
	bcast   *Broadcaster
	logger  *slog.Logger
	timeout time.Duration
	ids     idgen.Generator

	mu      sync.Mutex
	pending map[string]chan SnapshotResponse
}

// NewSnapshotBroker wires a broker over the broadcaster. timeout <= 0 means
// 4s.
func NewSnapshotBroker(bcast *Broadcaster, timeout time.Duration, logger *slog.Logger) *SnapshotBroker {
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotBroker{
		bcast:   bcast,
		logger:  logger,
		timeout: timeout,
		ids:     idgen.Prefixed("snap_", idgen.Default),
		pending: make(map[string]chan SnapshotResponse),
	}
}

// Request asks the sessions for a snapshot of the conversation's page and
// waits for the first answer.
func (k *SnapshotBroker) Request(ctx context.Context, conversationID, attemptID string) (SnapshotResponse, error) {
	id := k.ids()
	ch := make(chan SnapshotResponse, 1)
	k.mu.Lock()
	k.pending[id] = ch
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		delete(k.pending, id)
		k.mu.Unlock()
	}()

	raw, err := json.Marshal(SnapshotRequest{
		RequestID:      id,
		ConversationID: conversationID,
		AttemptID:      attemptID,
	})
	if err != nil {
		return SnapshotResponse{}, err
	}
	k.bcast.Publish(Envelope{
		Type:      EventSnapshotRequest,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	})

	timer := time.NewTimer(k.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return SnapshotResponse{}, ErrSnapshotTimeout
	case <-ctx.Done():
		return SnapshotResponse{}, ctx.Err()
	}
}

// Fulfill answers a pending request. Reports whether a waiter existed;
// duplicate or late responses return false and are dropped.
func (k *SnapshotBroker) Fulfill(resp SnapshotResponse) bool {
	k.mu.Lock()
	ch, ok := k.pending[resp.RequestID]
	if ok {
		delete(k.pending, resp.RequestID)
	}
	k.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// Pending returns the number of unanswered requests.
func (k *SnapshotBroker) Pending() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.pending)
}
