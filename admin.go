// CLAUDE:SUMMARY HTTP surface: session minting, bus ingest, SSE event stream, decision/capture/calibration reads, force save.

package quiesce

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/quiesce/bus"
	"github.com/hazyhaar/quiesce/internal/calibration"
	"github.com/hazyhaar/quiesce/internal/shield"
	"github.com/hazyhaar/quiesce/internal/stabilize"
)

// maxEnvelopeBytes bounds one bus frame. Intercepted conversation bodies are
// the largest legitimate payload; 4 MiB covers long conversations with room.
const maxEnvelopeBytes = 4 << 20

// Router builds the engine's HTTP surface.
func (e *Engine) Router() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.Stack(maxEnvelopeBytes, e.logger) {
		r.Use(mw)
	}
	r.Use(e.limiter.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, e.Stats(r.Context()))
	})

	r.Post("/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SessionID string `json:"session_id"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
		}
		token, id, err := e.IssueSession(req.SessionID)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 201, map[string]any{
			"session_id": id,
			"token":      token,
			"expires_in": int64(e.cfg.SessionTTL / time.Second),
		})
	})

	r.Post("/bus", func(w http.ResponseWriter, r *http.Request) {
		var env bus.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			writeError(w, 400, err)
			return
		}
		dec, err := e.HandleEnvelope(r.Context(), env)
		switch {
		case errors.Is(err, bus.ErrUnauthenticated):
			writeError(w, 401, err)
			return
		case errors.Is(err, bus.ErrUnknownEvent):
			writeError(w, 400, err)
			return
		case err != nil:
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, dec)
	})

	r.Get("/bus/events", e.streamEvents)

	r.Get("/conversations/{conversationID}/decision", func(w http.ResponseWriter, r *http.Request) {
		dec, ok := e.ResolveByConversation(chi.URLParam(r, "conversationID"))
		if !ok {
			writeError(w, 404, errors.New("conversation unknown"))
			return
		}
		writeJSON(w, 200, dec)
	})

	r.Get("/attempts/{attemptID}/decision", func(w http.ResponseWriter, r *http.Request) {
		dec, ok := e.AttemptDecision(chi.URLParam(r, "attemptID"))
		if !ok {
			writeError(w, 404, errors.New("attempt unknown"))
			return
		}
		writeJSON(w, 200, dec)
	})

	r.Post("/attempts/{attemptID}/force-save", func(w http.ResponseWriter, r *http.Request) {
		res, err := e.ForceSave(r.Context(), chi.URLParam(r, "attemptID"))
		switch {
		case errors.Is(err, stabilize.ErrNotForceSavable):
			writeError(w, 409, err)
			return
		case err != nil:
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, res)
	})

	r.Post("/conversations/{conversationID}/force-save", func(w http.ResponseWriter, r *http.Request) {
		dec, ok := e.ResolveByConversation(chi.URLParam(r, "conversationID"))
		if !ok {
			writeError(w, 404, errors.New("conversation unknown"))
			return
		}
		res, err := e.ForceSave(r.Context(), dec.AttemptID)
		switch {
		case errors.Is(err, stabilize.ErrNotForceSavable):
			writeError(w, 409, err)
			return
		case err != nil:
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, res)
	})

	r.Delete("/attempts/{attemptID}", func(w http.ResponseWriter, r *http.Request) {
		if !e.DisposeAttempt(chi.URLParam(r, "attemptID"), "admin") {
			writeError(w, 404, errors.New("attempt unknown"))
			return
		}
		writeJSON(w, 200, map[string]string{"status": "disposed"})
	})

	r.Get("/captures", func(w http.ResponseWriter, r *http.Request) {
		list, err := e.Captures(r.Context(), queryInt(r, "limit", 50))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, list)
	})

	r.Get("/captures/{attemptID}", func(w http.ResponseWriter, r *http.Request) {
		res, err := e.Capture(r.Context(), chi.URLParam(r, "attemptID"))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		if res == nil {
			writeError(w, 404, errors.New("capture unknown"))
			return
		}
		writeJSON(w, 200, res)
	})

	r.Get("/conversations/{conversationID}/capture", func(w http.ResponseWriter, r *http.Request) {
		res, err := e.LatestCapture(r.Context(), chi.URLParam(r, "conversationID"))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		if res == nil {
			writeError(w, 404, errors.New("no capture for conversation"))
			return
		}
		writeJSON(w, 200, res)
	})

	r.Get("/calibration/{platform}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, e.Profile(r.Context(), chi.URLParam(r, "platform")))
	})

	r.Put("/calibration/{platform}", func(w http.ResponseWriter, r *http.Request) {
		var p calibration.Profile
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, 400, err)
			return
		}
		p.Platform = chi.URLParam(r, "platform")
		if err := e.SaveProfile(r.Context(), &p); err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, &p)
	})

	return r
}

// streamEvents pushes engine-originated frames (decisions, snapshot
// requests) to one session over SSE. The token rides the query string
// because EventSource cannot set headers.
func (e *Engine) streamEvents(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	sessionID, err := e.sessions.Verify(token)
	if err != nil {
		writeError(w, 401, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, 500, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(200)
	flusher.Flush()

	ch, cancel := e.Subscribe(sessionID)
	defer cancel()

	ctx := r.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case env, open := <-ch:
			if !open {
				return
			}
			sendSSE(w, env)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func sendSSE(w http.ResponseWriter, env bus.Envelope) {
	payload, _ := json.Marshal(env)
	fmt.Fprintf(w, "event: %s\n", env.Type)
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
