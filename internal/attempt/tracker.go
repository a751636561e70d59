// CLAUDE:SUMMARY Lifecycle records for capture attempts: conversation binding, supersession aliases, disposal tombstones, bounded eviction.

// Package attempt tracks the lifecycle of capture attempts. One record per
// attempt, kept from first signal until bounded eviction; superseded and
// disposed records remain as tombstones so late work can be recognized as
// stale through alias resolution instead of being misapplied.
package attempt

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/quiesce/capture"
)

// maxAliasHops bounds the supersession chain walk in ResolveAlias. Chains
// longer than this only occur under pathological rebind loops; the visited
// set already breaks cycles, the bound caps cost.
const maxAliasHops = 64

// Record is one attempt's lifecycle state. Copies are returned to callers;
// all mutation goes through Tracker methods.
type Record struct {
	AttemptID      string        `json:"attempt_id"`
	Platform       string        `json:"platform"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Phase          capture.Phase `json:"phase"`
	CreatedAt      int64         `json:"created_at"`
	TouchedAt      int64         `json:"touched_at"`
	SupersededBy   string        `json:"superseded_by,omitempty"`
	DisposeReason  string        `json:"dispose_reason,omitempty"`
}

// Tombstone reports whether the record can no longer advance.
func (r *Record) Tombstone() bool { return r.Phase.Terminal() }

// Options tunes the tracker.
type Options struct {
	// MaxAttempts is the eviction ceiling. When a new record would exceed
	// it, oldest records are destroyed (tombstones first). Default: 512.
	MaxAttempts int
	// OnEvict is called (outside the tracker lock) with each evicted
	// attempt id so the owner can cancel timers keyed on it.
	OnEvict func(attemptID string)
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 512
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Tracker owns all attempt state. No ambient globals: two Trackers never
// share records, so engines under test cannot leak into each other.
type Tracker struct {
	mu      sync.Mutex
	opts    Options
	records map[string]*Record
	aliases map[string]string // superseded attempt id -> successor id
	active  map[string]string // conversation id -> active attempt id
	order   []string          // creation order, oldest first

	created    atomic.Int64
	evicted    atomic.Int64
	superseded atomic.Int64
	disposed   atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Live       int   `json:"live"`
	Created    int64 `json:"created"`
	Evicted    int64 `json:"evicted"`
	Superseded int64 `json:"superseded"`
	Disposed   int64 `json:"disposed"`
}

// New creates a Tracker.
func New(opts Options) *Tracker {
	opts.defaults()
	return &Tracker{
		opts:    opts,
		records: make(map[string]*Record),
		aliases: make(map[string]string),
		active:  make(map[string]string),
	}
}

// CreateOrTouch returns the existing record for attemptID or creates one in
// phase idle. Idempotent; repeated calls only refresh TouchedAt.
func (t *Tracker) CreateOrTouch(attemptID, platform string, ts int64) Record {
	t.mu.Lock()
	if r, ok := t.records[attemptID]; ok {
		r.TouchedAt = ts
		out := *r
		t.mu.Unlock()
		return out
	}
	r := &Record{
		AttemptID: attemptID,
		Platform:  platform,
		Phase:     capture.PhaseIdle,
		CreatedAt: ts,
		TouchedAt: ts,
	}
	t.records[attemptID] = r
	t.order = append(t.order, attemptID)
	t.created.Add(1)
	out := *r
	evictions := t.evictLocked()
	t.mu.Unlock()

	t.notifyEvicted(evictions)
	return out
}

// UpdateConversationID binds a conversation id discovered after the attempt
// began. No-op on unknown or tombstoned attempts. When a different attempt is
// still active for the conversation, the binding of the active map is
// deferred: the displaced attempt id is returned and the caller decides
// supersession (MarkSuperseded flips the active binding).
func (t *Tracker) UpdateConversationID(attemptID, conversationID string, ts int64) (displaced string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, found := t.records[attemptID]
	if !found || r.Tombstone() || conversationID == "" {
		return "", false
	}
	r.ConversationID = conversationID
	r.TouchedAt = ts

	cur, bound := t.active[conversationID]
	if !bound || cur == attemptID {
		t.active[conversationID] = attemptID
		return "", true
	}
	if prev, live := t.records[cur]; live && !prev.Tombstone() {
		return cur, true
	}
	// Stale binding left by an evicted or tombstoned attempt.
	t.active[conversationID] = attemptID
	return "", true
}

// MarkSuperseded tombstones oldID, records the alias edge old -> new, and
// moves the conversation's active binding to newID. No-op when oldID is
// unknown or already tombstoned, when old and new are the same id, or when
// the edge would close an alias cycle (newID already resolves back through
// oldID).
func (t *Tracker) MarkSuperseded(oldID, newID string) bool {
	if oldID == newID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	old, ok := t.records[oldID]
	if !ok || old.Tombstone() {
		return false
	}
	if t.chainReachesLocked(newID, oldID) {
		t.opts.Logger.Warn("attempt: refused cyclic supersession", "old", oldID, "new", newID)
		return false
	}
	old.Phase = capture.PhaseSuperseded
	old.SupersededBy = newID
	t.aliases[oldID] = newID
	if old.ConversationID != "" {
		t.active[old.ConversationID] = newID
		if nr, ok := t.records[newID]; ok && nr.ConversationID == "" {
			nr.ConversationID = old.ConversationID
		}
	}
	t.superseded.Add(1)
	t.opts.Logger.Debug("attempt: superseded", "old", oldID, "new", newID)
	return true
}

// Dispose tombstones the attempt. The record stays resolvable so late
// samples are recognized as stale; the conversation's active binding is
// cleared if it pointed here. Timers keyed on the attempt are the caller's
// to cancel.
func (t *Tracker) Dispose(attemptID, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[attemptID]
	if !ok || r.Tombstone() {
		return false
	}
	r.Phase = capture.PhaseDisposed
	r.DisposeReason = reason
	if r.ConversationID != "" && t.active[r.ConversationID] == attemptID {
		delete(t.active, r.ConversationID)
	}
	t.disposed.Add(1)
	t.opts.Logger.Debug("attempt: disposed", "attempt_id", attemptID, "reason", reason)
	return true
}

// ResolveAlias follows the supersession chain from attemptID to the current
// canonical attempt id. Idempotent; terminates under cycles (visited set)
// and pathological chain lengths (hop bound). Unknown ids resolve to
// themselves. MarkSuperseded refuses cycle-closing edges, so a cycle here
// means corrupted state; resolution then falls back to the queried id, which
// every consumer treats as stale.
func (t *Tracker) ResolveAlias(attemptID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := attemptID
	visited := map[string]struct{}{cur: {}}
	for range maxAliasHops {
		next, ok := t.aliases[cur]
		if !ok {
			return cur
		}
		if _, seen := visited[next]; seen {
			return attemptID
		}
		visited[next] = struct{}{}
		cur = next
	}
	return cur
}

// chainReachesLocked reports whether following alias edges from id reaches
// target. Caller holds t.mu.
func (t *Tracker) chainReachesLocked(id, target string) bool {
	cur := id
	visited := map[string]struct{}{cur: {}}
	for range maxAliasHops {
		if cur == target {
			return true
		}
		next, ok := t.aliases[cur]
		if !ok {
			return false
		}
		if _, seen := visited[next]; seen {
			return false
		}
		visited[next] = struct{}{}
		cur = next
	}
	return false
}

// AdvancePhase moves the attempt's phase forward. Regressions and unknown
// phases are refused; tombstones never change. Returns whether the phase
// actually moved.
func (t *Tracker) AdvancePhase(attemptID string, phase capture.Phase) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[attemptID]
	if !ok || r.Tombstone() {
		return false
	}
	if phase.Rank() <= r.Phase.Rank() || phase.Terminal() {
		return false
	}
	r.Phase = phase
	return true
}

// Get returns a copy of the record for attemptID.
func (t *Tracker) Get(attemptID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[attemptID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// ActiveForConversation returns the active (non-tombstoned) attempt bound to
// the conversation, if any.
func (t *Tracker) ActiveForConversation(conversationID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.active[conversationID]
	if !ok {
		return Record{}, false
	}
	r, ok := t.records[id]
	if !ok || r.Tombstone() {
		return Record{}, false
	}
	return *r, true
}

// Stats returns the current counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	live := len(t.records)
	t.mu.Unlock()
	return Stats{
		Live:       live,
		Created:    t.created.Load(),
		Evicted:    t.evicted.Load(),
		Superseded: t.superseded.Load(),
		Disposed:   t.disposed.Load(),
	}
}

// evictLocked destroys oldest records until the ceiling holds, preferring
// tombstones over live attempts. Alias edges departing an evicted record and
// its active binding are cleaned; edges pointing at it are left dangling on
// purpose (resolution then yields an id with no record, which is treated as
// stale by every consumer). Caller holds t.mu; returns ids to notify.
func (t *Tracker) evictLocked() []string {
	over := len(t.records) - t.opts.MaxAttempts
	if over <= 0 {
		return nil
	}

	var victims []string
	pick := func(tombstonesOnly bool) {
		for _, id := range t.order {
			if len(victims) >= over {
				return
			}
			r, ok := t.records[id]
			if !ok {
				continue
			}
			if tombstonesOnly && !r.Tombstone() {
				continue
			}
			if !tombstonesOnly && r.Tombstone() {
				continue // already picked in the first pass
			}
			victims = append(victims, id)
		}
	}
	pick(true)
	pick(false)

	doomed := make(map[string]struct{}, len(victims))
	for _, id := range victims {
		doomed[id] = struct{}{}
		r := t.records[id]
		delete(t.records, id)
		delete(t.aliases, id)
		if r.ConversationID != "" && t.active[r.ConversationID] == id {
			delete(t.active, r.ConversationID)
		}
		t.evicted.Add(1)
	}

	keep := t.order[:0]
	for _, id := range t.order {
		if _, gone := doomed[id]; !gone {
			keep = append(keep, id)
		}
	}
	t.order = keep

	t.opts.Logger.Debug("attempt: evicted", "count", len(victims))
	return victims
}

func (t *Tracker) notifyEvicted(ids []string) {
	if t.opts.OnEvict == nil {
		return
	}
	for _, id := range ids {
		t.opts.OnEvict(id)
	}
}
