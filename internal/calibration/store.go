package calibration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/hazyhaar/quiesce/capture"
	"github.com/hazyhaar/quiesce/internal/dbopen"
)

// Schema contains the DDL for the calibration tables. The nullable columns
// are the ones added in schema version 2; version 1 rows carry NULLs there
// and are migrated on read.
const Schema = `
CREATE TABLE IF NOT EXISTS calibration_profiles (
    platform            TEXT PRIMARY KEY,
    schema_version      INTEGER NOT NULL DEFAULT 1,
    strategy            TEXT NOT NULL DEFAULT 'balanced',
    disabled_sources    TEXT,
    passive_wait_ms     INTEGER NOT NULL,
    dom_quiet_ms        INTEGER NOT NULL,
    max_wait_ms         INTEGER NOT NULL,
    retry_interval_ms   INTEGER,
    retry_max_attempts  INTEGER NOT NULL,
    retry_backoff_ms    TEXT NOT NULL DEFAULT '[]',
    retry_hard_timeout_ms INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL,
    last_modified_by    TEXT
);
`

// Store is the calibration database handle.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the calibration store at path.
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

// Load reads the profile for platform, migrating and clamping it. Returns
// nil, nil when no row exists.
func (s *Store) Load(ctx context.Context, platform string) (*Profile, error) {
	p := &Profile{Platform: platform}
	var (
		disabled sql.NullString
		interval sql.NullInt64
		backoff  string
		modBy    sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT schema_version, strategy, disabled_sources,
		       passive_wait_ms, dom_quiet_ms, max_wait_ms, retry_interval_ms,
		       retry_max_attempts, retry_backoff_ms, retry_hard_timeout_ms,
		       updated_at, last_modified_by
		FROM calibration_profiles WHERE platform = ?`, platform).Scan(
		&p.SchemaVersion, &p.Strategy, &disabled,
		&p.Timings.PassiveWaitMs, &p.Timings.DOMQuietWindowMs,
		&p.Timings.MaxStabilizationWaitMs, &interval,
		&p.Retry.MaxAttempts, &backoff, &p.Retry.HardTimeoutMs,
		&p.UpdatedAt, &modBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if disabled.Valid {
		var srcs []capture.Source
		json.Unmarshal([]byte(disabled.String), &srcs)
		p.DisabledSources = srcs
	}
	if interval.Valid {
		p.Timings.RetryIntervalMs = int(interval.Int64)
	}
	json.Unmarshal([]byte(backoff), &p.Retry.BackoffMs)
	p.LastModifiedBy = modBy.String

	// Clamp doubles as the v1 -> v2 migration: absent fields land as zero
	// values and are replaced by strategy defaults.
	p.Clamp()
	return p, nil
}

// LoadOrDefault reads the profile for platform, or returns the balanced
// default when none is stored. Read errors also fall back to the default:
// tuning must never block capture.
func (s *Store) LoadOrDefault(ctx context.Context, platform string) *Profile {
	p, err := s.Load(ctx, platform)
	if err != nil || p == nil {
		return Default(platform, StrategyBalanced)
	}
	return p
}

// Save clamps and upserts the profile, stamping UpdatedAt.
func (s *Store) Save(ctx context.Context, p *Profile) error {
	p.Clamp()
	p.UpdatedAt = time.Now().UnixMilli()

	disabled, _ := json.Marshal(p.DisabledSources)
	backoff, _ := json.Marshal(p.Retry.BackoffMs)

	_, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO calibration_profiles
			(platform, schema_version, strategy, disabled_sources,
			 passive_wait_ms, dom_quiet_ms, max_wait_ms, retry_interval_ms,
			 retry_max_attempts, retry_backoff_ms, retry_hard_timeout_ms,
			 updated_at, last_modified_by)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(platform) DO UPDATE SET
			schema_version=excluded.schema_version,
			strategy=excluded.strategy,
			disabled_sources=excluded.disabled_sources,
			passive_wait_ms=excluded.passive_wait_ms,
			dom_quiet_ms=excluded.dom_quiet_ms,
			max_wait_ms=excluded.max_wait_ms,
			retry_interval_ms=excluded.retry_interval_ms,
			retry_max_attempts=excluded.retry_max_attempts,
			retry_backoff_ms=excluded.retry_backoff_ms,
			retry_hard_timeout_ms=excluded.retry_hard_timeout_ms,
			updated_at=excluded.updated_at,
			last_modified_by=excluded.last_modified_by`,
		p.Platform, p.SchemaVersion, string(p.Strategy), string(disabled),
		p.Timings.PassiveWaitMs, p.Timings.DOMQuietWindowMs,
		p.Timings.MaxStabilizationWaitMs, p.Timings.RetryIntervalMs,
		p.Retry.MaxAttempts, string(backoff), p.Retry.HardTimeoutMs,
		p.UpdatedAt, p.LastModifiedBy,
	)
	return err
}

// List returns all stored profiles, clamped.
func (s *Store) List(ctx context.Context) ([]*Profile, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT platform FROM calibration_profiles ORDER BY platform`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	profiles := make([]*Profile, 0, len(names))
	for _, n := range names {
		p, err := s.Load(ctx, n)
		if err != nil {
			return nil, err
		}
		if p != nil {
			profiles = append(profiles, p)
		}
	}
	return profiles, nil
}
