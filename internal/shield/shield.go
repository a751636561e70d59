// CLAUDE:SUMMARY HTTP hardening for the engine's API: security headers, body limits, request ids, sqlite-backed per-IP rate limiting.

// Package shield provides the HTTP middleware the engine's API surface runs
// behind: security headers, request body limits, request id injection, and
// per-IP rate limiting backed by the engine database.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.Stack(64<<10, logger) {
//	    r.Use(mw)
//	}
package shield

import (
	"log/slog"
	"net/http"
)

// Stack returns the standard middleware stack in application order:
// SecurityHeaders, MaxJSONBody, RequestID. Rate limiting is attached
// separately because it needs a database.
func Stack(maxBody int64, logger *slog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		SecurityHeaders(DefaultHeaders()),
		MaxJSONBody(maxBody),
		RequestID(logger),
	}
}
