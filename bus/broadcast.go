// CLAUDE:SUMMARY Session fan-out: buffered per-session channels for engine-originated envelopes; slow consumers drop, never block.

package bus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Broadcaster delivers engine-originated envelopes (capture decisions,
// snapshot requests) to subscribed sessions. Delivery is best effort: a
// session that stops draining its channel loses frames rather than stalling
// the engine.
type Broadcaster struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]chan Envelope

	published atomic.Int64
	dropped   atomic.Int64
}

const subscriberBuffer = 16

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{logger: logger, subs: make(map[string]chan Envelope)}
}

// Subscribe registers a session and returns its delivery channel and a
// cancel func. Subscribing an already subscribed session replaces the old
// channel, which is closed.
func (b *Broadcaster) Subscribe(sessionID string) (<-chan Envelope, func()) {
	ch := make(chan Envelope, subscriberBuffer)
	b.mu.Lock()
	if old, ok := b.subs[sessionID]; ok {
		close(old)
	}
	b.subs[sessionID] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.subs[sessionID]; ok && cur == ch {
			delete(b.subs, sessionID)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish fans env out to every subscriber.
func (b *Broadcaster) Publish(env Envelope) {
	b.published.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- env:
		default:
			b.dropped.Add(1)
			b.logger.Debug("bus: subscriber lagging, frame dropped",
				"session_id", id, "type", env.Type)
		}
	}
}

// PublishTo delivers env to one session only. Reports whether the session
// was subscribed and accepted the frame.
func (b *Broadcaster) PublishTo(sessionID string, env Envelope) bool {
	b.mu.Lock()
	ch, ok := b.subs[sessionID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- env:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// BroadcastDecision wraps a decision payload in an outbound frame and fans
// it out. Outbound frames carry no token: subscribers hold the channel,
// which is the trust boundary on this side.
func (b *Broadcaster) BroadcastDecision(payload Decision) {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("bus: marshal decision broadcast", "err", err)
		return
	}
	b.Publish(Envelope{
		Type:      EventDecision,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	})
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Published and Dropped expose delivery counters.
func (b *Broadcaster) Published() int64 { return b.published.Load() }
func (b *Broadcaster) Dropped() int64   { return b.dropped.Load() }
