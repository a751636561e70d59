// CLAUDE:SUMMARY Store of finalized captures; the INSERT OR IGNORE on attempt_id is the exactly-once emission guard.

// Package archive persists finalized captures. Insert reports whether the
// row was new, which is what guarantees each stabilized result is published
// downstream exactly once per attempt: promotion and force-save both pass
// through here before any sink sees the result.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/quiesce/capture"
	"github.com/hazyhaar/quiesce/internal/dbopen"
)

// Schema contains the DDL for the captures table.
const Schema = `
CREATE TABLE IF NOT EXISTS captures (
    attempt_id      TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    platform        TEXT NOT NULL,
    title           TEXT NOT NULL DEFAULT '',
    fidelity        TEXT NOT NULL,
    content_hash    TEXT NOT NULL,
    reason          TEXT NOT NULL DEFAULT '',
    payload         TEXT NOT NULL,
    captured_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_captures_conversation ON captures(conversation_id, captured_at DESC);
CREATE INDEX IF NOT EXISTS idx_captures_time ON captures(captured_at DESC);
`

// Store is the archive database handle.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the archive at path.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	allOpts := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)

	db, err := dbopen.Open(path, allOpts...)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// NewStore wraps an existing database handle that already carries Schema.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Insert archives a result. Returns true when the row is new; false means
// this attempt was already archived and the caller must not publish again.
func (s *Store) Insert(ctx context.Context, r *capture.Result) (bool, error) {
	payload, err := capture.MarshalPayload(r.Payload)
	if err != nil {
		return false, fmt.Errorf("archive: marshal payload: %w", err)
	}
	if r.CapturedAt == 0 {
		r.CapturedAt = time.Now().UnixMilli()
	}

	res, err := dbopen.Exec(ctx, s.DB, `
		INSERT OR IGNORE INTO captures
			(attempt_id, conversation_id, platform, title, fidelity,
			 content_hash, reason, payload, captured_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		r.AttemptID, r.ConversationID, r.Platform, r.Title, string(r.Fidelity),
		r.ContentHash, r.Reason, string(payload), r.CapturedAt,
	)
	if err != nil {
		return false, fmt.Errorf("archive: insert: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Get returns the archived result for attemptID, or nil, nil.
func (s *Store) Get(ctx context.Context, attemptID string) (*capture.Result, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT attempt_id, conversation_id, platform, title, fidelity,
		       content_hash, reason, payload, captured_at
		FROM captures WHERE attempt_id = ?`, attemptID)
	return scanResult(row)
}

// Latest returns the most recent archived result for a conversation, or
// nil, nil.
func (s *Store) Latest(ctx context.Context, conversationID string) (*capture.Result, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT attempt_id, conversation_id, platform, title, fidelity,
		       content_hash, reason, payload, captured_at
		FROM captures WHERE conversation_id = ?
		ORDER BY captured_at DESC LIMIT 1`, conversationID)
	return scanResult(row)
}

// List returns archived results newest first, up to limit (default 50).
func (s *Store) List(ctx context.Context, limit int) ([]*capture.Result, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT attempt_id, conversation_id, platform, title, fidelity,
		       content_hash, reason, payload, captured_at
		FROM captures ORDER BY captured_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*capture.Result
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of archived captures.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM captures`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(row *sql.Row) (*capture.Result, error) {
	r, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func scan(s scanner) (*capture.Result, error) {
	var r capture.Result
	var fidelity, payload string
	if err := s.Scan(&r.AttemptID, &r.ConversationID, &r.Platform, &r.Title,
		&fidelity, &r.ContentHash, &r.Reason, &payload, &r.CapturedAt); err != nil {
		return nil, err
	}
	r.Fidelity = capture.Fidelity(fidelity)
	p, err := capture.UnmarshalPayload([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("archive: unmarshal payload: %w", err)
	}
	r.Payload = p
	return &r, nil
}
