package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/quiesce/internal/idgen"
	"github.com/hazyhaar/quiesce/internal/kit"
)

type contextKey string

// loggerKey carries the per-request structured logger.
const loggerKey contextKey = "shield_logger"

// RequestID returns middleware that tags each request with a generated id,
// exposes it via the X-Request-ID header and kit.RequestID, and stores a
// per-request logger carrying it.
func RequestID(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	ids := idgen.Prefixed("req_", idgen.Short(8))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := ids()
			w.Header().Set("X-Request-ID", id)

			reqLogger := logger.With("request_id", id, "method", r.Method, "path", r.URL.Path)
			ctx := kit.WithRequestID(r.Context(), id)
			ctx = context.WithValue(ctx, loggerKey, reqLogger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Logger retrieves the per-request logger, falling back to slog.Default().
func Logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// MaxJSONBody returns middleware that caps request body size. The engine's
// API accepts only small JSON frames; oversized bodies fail at read time
// inside the handler.
func MaxJSONBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && r.ContentLength != 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
