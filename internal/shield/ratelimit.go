package shield

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Schema contains the DDL for the rate limit rules table. Seeded rows give
// the bus ingest endpoint a ceiling; everything else passes until a row
// says otherwise.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
	endpoint       TEXT PRIMARY KEY,
	max_requests   INTEGER NOT NULL DEFAULT 120,
	window_seconds INTEGER NOT NULL DEFAULT 60,
	enabled        INTEGER NOT NULL DEFAULT 1
);
`

// Rule is the limit for one endpoint path.
type Rule struct {
	MaxRequests   int
	WindowSeconds int
	Enabled       bool
}

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter enforces per-IP, per-endpoint limits from the rate_limits
// table. Rules reload periodically; counting buckets live in memory and are
// garbage collected.
type RateLimiter struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.RWMutex
	rules map[string]Rule

	bmu     sync.Mutex
	buckets map[string]*bucket // "ip endpoint" -> window counter
}

// NewRateLimiter creates a limiter over a database carrying Schema and
// loads the current rules.
func NewRateLimiter(db *sql.DB, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimiter{
		db:      db,
		logger:  logger,
		rules:   make(map[string]Rule),
		buckets: make(map[string]*bucket),
	}
	rl.reload()
	return rl
}

// StartReloader refreshes rules every minute and sweeps expired buckets
// every five, until done closes.
func (rl *RateLimiter) StartReloader(done <-chan struct{}) {
	go func() {
		reload := time.NewTicker(time.Minute)
		gc := time.NewTicker(5 * time.Minute)
		defer reload.Stop()
		defer gc.Stop()
		for {
			select {
			case <-done:
				return
			case <-reload.C:
				rl.reload()
			case <-gc.C:
				rl.gc()
			}
		}
	}()
}

// Middleware enforces the limits. Requests to endpoints without an enabled
// rule pass untouched.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rule, ok := rl.ruleFor(r.URL.Path)
		if !ok || !rule.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		if !rl.allow(ip, r.URL.Path, rule) {
			w.Header().Set("Retry-After", strconv.Itoa(rule.WindowSeconds))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetRule writes a rule and applies it immediately.
func (rl *RateLimiter) SetRule(endpoint string, rule Rule) error {
	enabled := 0
	if rule.Enabled {
		enabled = 1
	}
	_, err := rl.db.Exec(`
		INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			max_requests = excluded.max_requests,
			window_seconds = excluded.window_seconds,
			enabled = excluded.enabled`,
		endpoint, rule.MaxRequests, rule.WindowSeconds, enabled)
	if err != nil {
		return err
	}
	rl.mu.Lock()
	rl.rules[endpoint] = rule
	rl.mu.Unlock()
	return nil
}

func (rl *RateLimiter) ruleFor(endpoint string) (Rule, bool) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	rule, ok := rl.rules[endpoint]
	return rule, ok
}

func (rl *RateLimiter) allow(ip, endpoint string, rule Rule) bool {
	key := ip + " " + endpoint
	window := time.Duration(rule.WindowSeconds) * time.Second
	now := time.Now()

	rl.bmu.Lock()
	defer rl.bmu.Unlock()
	b, ok := rl.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = &bucket{resetAt: now.Add(window)}
		rl.buckets[key] = b
	}
	b.count++
	return b.count <= rule.MaxRequests
}

func (rl *RateLimiter) reload() {
	rows, err := rl.db.Query(`SELECT endpoint, max_requests, window_seconds, enabled FROM rate_limits`)
	if err != nil {
		rl.logger.Warn("shield: rate limit reload failed", "err", err)
		return
	}
	defer rows.Close()

	fresh := make(map[string]Rule)
	for rows.Next() {
		var endpoint string
		var rule Rule
		var enabled int
		if err := rows.Scan(&endpoint, &rule.MaxRequests, &rule.WindowSeconds, &enabled); err != nil {
			rl.logger.Warn("shield: rate limit row scan failed", "err", err)
			continue
		}
		rule.Enabled = enabled != 0
		fresh[endpoint] = rule
	}
	rl.mu.Lock()
	rl.rules = fresh
	rl.mu.Unlock()
}

func (rl *RateLimiter) gc() {
	now := time.Now()
	rl.bmu.Lock()
	defer rl.bmu.Unlock()
	for key, b := range rl.buckets {
		if now.After(b.resetAt) {
			delete(rl.buckets, key)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
