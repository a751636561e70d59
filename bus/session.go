// CLAUDE:SUMMARY Per-session bus authentication: HKDF-derived signing key, HS256 session tokens, constant-shape verification.

package bus

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/hazyhaar/quiesce/internal/idgen"
)

// MinSecretLen is the minimum master secret size in bytes.
const MinSecretLen = 32

const tokenIssuer = "quiesce"

// hkdfInfo domain-separates the bus signing key from any other key derived
// from the same master secret.
var hkdfInfo = []byte("quiesce bus v1")

// ErrSecretTooShort rejects master secrets below MinSecretLen.
var ErrSecretTooShort = errors.New("bus: master secret shorter than 32 bytes")

// ErrTokenInvalid covers every verification failure. Callers get no detail:
// a bad token is a bad token.
var ErrTokenInvalid = errors.New("bus: token invalid")

// SessionManager issues and verifies the per-session tokens that
// authenticate bus traffic. The signing key is derived from the master
// secret with HKDF-SHA256, so the secret itself never signs anything.
type SessionManager struct {
	key []byte
	ttl time.Duration
	ids idgen.Generator
}

// SessionOption tunes the manager.
type SessionOption func(*SessionManager)

// WithSessionTTL bounds token lifetime. Default: 12h.
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(m *SessionManager) { m.ttl = ttl }
}

// WithSessionIDs overrides the session id generator.
func WithSessionIDs(g idgen.Generator) SessionOption {
	return func(m *SessionManager) { m.ids = g }
}

// NewSessionManager derives the signing key from master.
func NewSessionManager(master []byte, opts ...SessionOption) (*SessionManager, error) {
	if len(master) < MinSecretLen {
		return nil, ErrSecretTooShort
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("bus: derive signing key: %w", err)
	}
	m := &SessionManager{key: key, ttl: 12 * time.Hour, ids: idgen.Prefixed("ses_", idgen.Default)}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Issue mints a token for a new session and returns both. An empty
// sessionID gets a generated one.
func (m *SessionManager) Issue(sessionID string) (token, id string, err error) {
	if sessionID == "" {
		sessionID = m.ids()
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", "", fmt.Errorf("bus: sign session token: %w", err)
	}
	return token, sessionID, nil
}

// Verify checks a token and returns its session id.
func (m *SessionManager) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return m.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return "", ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrTokenInvalid
	}
	return claims.Subject, nil
}
