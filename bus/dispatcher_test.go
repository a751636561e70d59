package bus_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/quiesce/bus"
	"github.com/hazyhaar/quiesce/capture"
	"github.com/hazyhaar/quiesce/platform"
)

// recordingHandler captures every engine call the dispatcher makes.
type recordingHandler struct {
	mu       sync.Mutex
	signals  []capture.Signal
	samples  []*capture.CanonicalSample
	disposed []string
}

func (h *recordingHandler) IngestSignal(_ context.Context, sig capture.Signal) capture.Decision {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, sig)
	return capture.Decision{AttemptID: sig.AttemptID, Phase: sig.Phase}
}

func (h *recordingHandler) ApplyCanonicalSample(_ context.Context, sample *capture.CanonicalSample) capture.Decision {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = append(h.samples, sample)
	return capture.Decision{AttemptID: sample.AttemptID, State: capture.StateAwaitingSecond}
}

func (h *recordingHandler) DisposeAttempt(attemptID, _ string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disposed = append(h.disposed, attemptID)
	return true
}

func (h *recordingHandler) SetGenerating(string, bool) {}

func (h *recordingHandler) calls() (signals int, samples int, disposed int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.signals), len(h.samples), len(h.disposed)
}

func newTestDispatcher(t *testing.T) (*bus.Dispatcher, *recordingHandler, string) {
	t.Helper()
	sessions, err := bus.NewSessionManager(masterSecret())
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	token, _, err := sessions.Issue("tab-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	h := &recordingHandler{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := bus.NewDispatcher(sessions, platform.NewRegistry(), h, nil, logger)
	return d, h, token
}

func mustEnvelope(t *testing.T, typ bus.EventType, token string, payload any) bus.Envelope {
	t.Helper()
	env, err := bus.NewEnvelope(typ, token, time.Now().UnixMilli(), payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func TestDispatchRejectsBadToken(t *testing.T) {
	d, h, _ := newTestDispatcher(t)
	env := mustEnvelope(t, bus.EventResponseLifecycle, "forged-token", bus.ResponseLifecycle{
		AttemptID: "att_1", Platform: "chatgpt", Source: capture.SourceDOMHint, Phase: capture.PhaseStreaming,
	})

	_, err := d.Dispatch(context.Background(), env)
	if !errors.Is(err, bus.ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
	if sig, smp, dis := h.calls(); sig+smp+dis != 0 {
		t.Fatalf("unauthenticated envelope reached the engine: %d/%d/%d", sig, smp, dis)
	}
	st := d.Stats()
	if st.AuthFailures != 1 || st.Dispatched != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestDispatchLifecycleRoutesSignal(t *testing.T) {
	d, h, token := newTestDispatcher(t)
	env := mustEnvelope(t, bus.EventResponseLifecycle, token, bus.ResponseLifecycle{
		AttemptID: "att_1",
		Platform:  "chatgpt",
		Source:    capture.SourceDOMHint,
		Phase:     capture.PhasePromptSent,
		PageURL:   "https://chatgpt.com/c/0a1b2c3d-4e5f-6071-8293-a4b5c6d7e8f9",
	})

	dec, err := d.Dispatch(context.Background(), env)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if dec.AttemptID != "att_1" {
		t.Fatalf("decision = %+v", dec)
	}
	if len(h.signals) != 1 {
		t.Fatalf("signals = %d", len(h.signals))
	}
	sig := h.signals[0]
	if sig.Phase != capture.PhasePromptSent || sig.Source != capture.SourceDOMHint {
		t.Fatalf("signal = %+v", sig)
	}
	if sig.ConversationID != "0a1b2c3d-4e5f-6071-8293-a4b5c6d7e8f9" {
		t.Fatalf("conversation not extracted from page url: %q", sig.ConversationID)
	}
}

func TestDispatchStreamDelta(t *testing.T) {
	d, h, token := newTestDispatcher(t)
	env := mustEnvelope(t, bus.EventStreamDelta, token, bus.StreamDelta{
		AttemptID: "att_1", Platform: "claude", Text: "partial",
	})
	if _, err := d.Dispatch(context.Background(), env); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	sig := h.signals[0]
	if sig.Source != capture.SourceNetworkStream || sig.Phase != capture.PhaseStreaming || sig.Text != "partial" {
		t.Fatalf("signal = %+v", sig)
	}
}

func TestDispatchFinishedDefaultsSource(t *testing.T) {
	d, h, token := newTestDispatcher(t)
	env := mustEnvelope(t, bus.EventResponseFinished, token, bus.ResponseFinished{
		AttemptID: "att_1", Platform: "chatgpt", ConversationID: "c1",
	})
	if _, err := d.Dispatch(context.Background(), env); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	sig := h.signals[0]
	if sig.Source != capture.SourceCompletionEndpoint || sig.Phase != capture.PhaseCompleted {
		t.Fatalf("signal = %+v", sig)
	}
}

func TestDispatchDisposed(t *testing.T) {
	d, h, token := newTestDispatcher(t)
	env := mustEnvelope(t, bus.EventAttemptDisposed, token, bus.AttemptDisposed{
		AttemptID: "att_9", Reason: "tab-closed",
	})
	dec, err := d.Dispatch(context.Background(), env)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if dec.Phase != capture.PhaseDisposed {
		t.Fatalf("decision = %+v", dec)
	}
	if len(h.disposed) != 1 || h.disposed[0] != "att_9" {
		t.Fatalf("disposed = %v", h.disposed)
	}
}

func TestDispatchIntercepted(t *testing.T) {
	d, h, token := newTestDispatcher(t)
	body := `{
	  "title": "Hashes",
	  "conversation_id": "conv-int",
	  "current_node": "n2",
	  "mapping": {
	    "n0": {"parent": "", "message": null},
	    "n1": {"parent": "n0", "message": {
	      "author": {"role": "user"},
	      "content": {"content_type": "text", "parts": ["Explain FNV."]}
	    }},
	    "n2": {"parent": "n1", "message": {
	      "author": {"role": "assistant"},
	      "content": {"content_type": "text", "parts": ["FNV multiplies and xors."]},
	      "status": "finished_successfully",
	      "end_turn": true
	    }}
	  }
	}`
	env := mustEnvelope(t, bus.EventDataIntercepted, token, bus.DataIntercepted{
		AttemptID: "att_1",
		Platform:  "chatgpt",
		URL:       "https://chatgpt.com/backend-api/conversation/conv-int",
		Body:      []byte(body),
	})

	if _, err := d.Dispatch(context.Background(), env); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(h.samples) != 1 {
		t.Fatalf("samples = %d", len(h.samples))
	}
	smp := h.samples[0]
	if smp.Origin != capture.SourceNetworkStream || smp.AttemptID != "att_1" {
		t.Fatalf("sample = %+v", smp)
	}
	if smp.ConversationID != "conv-int" {
		t.Fatalf("conversation id not taken from payload: %q", smp.ConversationID)
	}
	if smp.Payload == nil || smp.Payload.Title != "Hashes" || len(smp.Payload.Messages) != 2 {
		t.Fatalf("payload = %+v", smp.Payload)
	}
}

func TestDispatchInterceptedParseFailure(t *testing.T) {
	d, h, token := newTestDispatcher(t)
	env := mustEnvelope(t, bus.EventDataIntercepted, token, bus.DataIntercepted{
		AttemptID: "att_1", Platform: "chatgpt", Body: []byte("<!doctype html>"),
	})

	dec, err := d.Dispatch(context.Background(), env)
	if err != nil {
		t.Fatalf("parse failure must not surface as error, got %v", err)
	}
	if dec.Reason != "parse-failed" {
		t.Fatalf("decision = %+v", dec)
	}
	if len(h.samples) != 0 {
		t.Fatal("malformed body produced a sample")
	}
	if d.Stats().ParseFailures != 1 {
		t.Fatalf("stats = %+v", d.Stats())
	}
}

func TestDispatchInterceptedNoParser(t *testing.T) {
	d, h, token := newTestDispatcher(t)
	env := mustEnvelope(t, bus.EventDataIntercepted, token, bus.DataIntercepted{
		AttemptID: "att_1", Platform: "gemini", Body: []byte("{}"),
	})
	dec, err := d.Dispatch(context.Background(), env)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if dec.Reason != "no-intercept-parser" {
		t.Fatalf("decision = %+v", dec)
	}
	if len(h.samples) != 0 {
		t.Fatal("sample applied without a parser")
	}
}

func TestDispatchMalformedPayload(t *testing.T) {
	d, h, token := newTestDispatcher(t)
	env := bus.Envelope{
		Token:     token,
		Type:      bus.EventResponseLifecycle,
		Timestamp: time.Now().UnixMilli(),
		Payload:   []byte(`{"attempt_id": 42}`),
	}
	dec, err := d.Dispatch(context.Background(), env)
	if err != nil {
		t.Fatalf("malformed payload must not surface as error, got %v", err)
	}
	if dec.Reason != "payload-malformed" {
		t.Fatalf("decision = %+v", dec)
	}
	if len(h.signals) != 0 {
		t.Fatal("malformed payload reached the engine")
	}
	if d.Stats().ParseFailures != 1 {
		t.Fatalf("stats = %+v", d.Stats())
	}
}

func TestDispatchUnknownType(t *testing.T) {
	d, _, token := newTestDispatcher(t)
	env := mustEnvelope(t, bus.EventType("FUTURE_EVENT"), token, struct{}{})
	if _, err := d.Dispatch(context.Background(), env); !errors.Is(err, bus.ErrUnknownEvent) {
		t.Fatalf("err = %v, want ErrUnknownEvent", err)
	}
	if d.Stats().UnknownEvents != 1 {
		t.Fatalf("stats = %+v", d.Stats())
	}
}

func TestDispatchSnapshotResponseFulfills(t *testing.T) {
	sessions, _ := bus.NewSessionManager(masterSecret())
	token, _, _ := sessions.Issue("tab-1")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bcast := bus.NewBroadcaster(logger)
	broker := bus.NewSnapshotBroker(bcast, time.Second, logger)
	d := bus.NewDispatcher(sessions, platform.NewRegistry(), &recordingHandler{}, broker, logger)

	ch, cancel := bcast.Subscribe("tab-1")
	defer cancel()

	type result struct {
		resp bus.SnapshotResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := broker.Request(context.Background(), "c1", "att_1")
		done <- result{resp, err}
	}()

	// The page session sees the request frame and answers through the bus.
	var req bus.SnapshotRequest
	select {
	case env := <-ch:
		if env.Type != bus.EventSnapshotRequest {
			t.Fatalf("frame type = %s", env.Type)
		}
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot request frame")
	}

	env := mustEnvelope(t, bus.EventSnapshotResponse, token, bus.SnapshotResponse{
		RequestID: req.RequestID, HTML: "<main>done</main>", Generating: false,
	})
	if _, err := d.Dispatch(context.Background(), env); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Request: %v", r.err)
		}
		if r.resp.HTML != "<main>done</main>" {
			t.Fatalf("response = %+v", r.resp)
		}
	case <-time.After(time.Second):
		t.Fatal("request not fulfilled")
	}
}
