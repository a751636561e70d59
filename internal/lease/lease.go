// CLAUDE:SUMMARY Single-owner time-expiring probe lease per conversation, arbitrated through one atomic SQLite upsert.

// Package lease arbitrates which attempt may run the expensive canonical
// re-probe for a conversation. One lease per conversation, time-expiring so
// a crashed or closed session cannot starve the others; losers do not probe,
// they wait for the winner's sample on the broadcast path.
//
// The claim is a single SQLite upsert guarded by an expiry predicate, so two
// simultaneous claims for one conversation always yield exactly one owner.
package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/quiesce/internal/dbopen"
)

// Schema contains the DDL for the lease table.
const Schema = `
CREATE TABLE IF NOT EXISTS probe_leases (
    conversation_id  TEXT PRIMARY KEY,
    owner_attempt_id TEXT NOT NULL,
    expires_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_probe_leases_expiry ON probe_leases (expires_at);
`

// Lease is one conversation's probe ownership.
type Lease struct {
	ConversationID string `json:"conversation_id"`
	OwnerAttemptID string `json:"owner_attempt_id"`
	ExpiresAt      int64  `json:"expires_at"`
}

// Options configures the coordinator.
type Options struct {
	// DefaultTTL is used when Claim is called with ttl <= 0. Default: 10s.
	DefaultTTL time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Coordinator is the lease handle.
type Coordinator struct {
	db   *sql.DB
	opts Options

	grants   atomic.Int64
	denials  atomic.Int64
	releases atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Grants   int64 `json:"grants"`
	Denials  int64 `json:"denials"`
	Releases int64 `json:"releases"`
}

// New creates a Coordinator on a database that already carries Schema.
func New(db *sql.DB, opts Options) *Coordinator {
	opts.defaults()
	return &Coordinator{db: db, opts: opts}
}

// Claim tries to take the probe lease for conversationID on behalf of
// attemptID. The upsert succeeds when no lease exists, the existing lease has
// expired, or the caller already owns it (re-claim extends). On denial the
// returned lease describes the live owner.
func (c *Coordinator) Claim(ctx context.Context, conversationID, attemptID string, ttl time.Duration) (Lease, bool, error) {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	now := time.Now().UnixMilli()
	expires := now + ttl.Milliseconds()

	row := c.db.QueryRowContext(ctx, `
		INSERT INTO probe_leases (conversation_id, owner_attempt_id, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			owner_attempt_id = excluded.owner_attempt_id,
			expires_at = excluded.expires_at
		WHERE probe_leases.expires_at <= ?
		   OR probe_leases.owner_attempt_id = excluded.owner_attempt_id
		RETURNING conversation_id, owner_attempt_id, expires_at`,
		conversationID, attemptID, expires, now,
	)

	var l Lease
	err := row.Scan(&l.ConversationID, &l.OwnerAttemptID, &l.ExpiresAt)
	if err == nil {
		c.grants.Add(1)
		return l, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Lease{}, false, fmt.Errorf("lease: claim: %w", err)
	}

	// Denied: report the live owner.
	cur, err := c.Get(ctx, conversationID)
	if err != nil {
		return Lease{}, false, err
	}
	c.denials.Add(1)
	if cur == nil {
		// The owner released or expired between the two statements. The
		// caller simply retries on its next tick.
		return Lease{ConversationID: conversationID}, false, nil
	}
	c.opts.Logger.Debug("lease: denied",
		"conversation_id", conversationID, "claimant", attemptID, "owner", cur.OwnerAttemptID)
	return *cur, false, nil
}

// Release frees the lease, but only when attemptID is the current owner.
// No-op otherwise.
func (c *Coordinator) Release(ctx context.Context, conversationID, attemptID string) error {
	res, err := dbopen.Exec(ctx, c.db,
		`DELETE FROM probe_leases WHERE conversation_id = ? AND owner_attempt_id = ?`,
		conversationID, attemptID,
	)
	if err != nil {
		return fmt.Errorf("lease: release: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		c.releases.Add(1)
	}
	return nil
}

// Extend pushes the expiry forward for a probe that needs more time. Only
// the current, unexpired owner may extend.
func (c *Coordinator) Extend(ctx context.Context, conversationID, attemptID string, extra time.Duration) (Lease, bool, error) {
	now := time.Now().UnixMilli()
	expires := now + extra.Milliseconds()

	row := c.db.QueryRowContext(ctx, `
		UPDATE probe_leases
		SET expires_at = ?
		WHERE conversation_id = ? AND owner_attempt_id = ? AND expires_at > ?
		RETURNING conversation_id, owner_attempt_id, expires_at`,
		expires, conversationID, attemptID, now,
	)

	var l Lease
	err := row.Scan(&l.ConversationID, &l.OwnerAttemptID, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, fmt.Errorf("lease: extend: %w", err)
	}
	return l, true, nil
}

// Get returns the unexpired lease for conversationID, or nil, nil.
func (c *Coordinator) Get(ctx context.Context, conversationID string) (*Lease, error) {
	var l Lease
	err := c.db.QueryRowContext(ctx, `
		SELECT conversation_id, owner_attempt_id, expires_at
		FROM probe_leases WHERE conversation_id = ? AND expires_at > ?`,
		conversationID, time.Now().UnixMilli(),
	).Scan(&l.ConversationID, &l.OwnerAttemptID, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease: get: %w", err)
	}
	return &l, nil
}

// Sweep deletes expired rows. Harmless to skip; claims step over expired
// rows anyway.
func (c *Coordinator) Sweep(ctx context.Context) (int64, error) {
	res, err := dbopen.Exec(ctx, c.db,
		`DELETE FROM probe_leases WHERE expires_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("lease: sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats returns the current counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Grants:   c.grants.Load(),
		Denials:  c.denials.Load(),
		Releases: c.releases.Load(),
	}
}
