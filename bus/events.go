// CLAUDE:SUMMARY Typed bus events: authenticated envelope frame plus payload structs for lifecycle, stream, interception, disposal and snapshot traffic.

// Package bus defines the message surface between in-page producers
// (content scripts, interceptors) and the quiesce engine. Every message
// travels in an authenticated Envelope; payloads are typed per event so
// producers and the dispatcher agree on shape at compile time.
package bus

import (
	"encoding/json"

	"github.com/hazyhaar/quiesce/capture"
)

// EventType names one bus message kind.
type EventType string

const (
	// EventResponseLifecycle carries a phase observation for an attempt.
	EventResponseLifecycle EventType = "RESPONSE_LIFECYCLE"
	// EventStreamDelta reports streamed output arriving for an attempt.
	EventStreamDelta EventType = "STREAM_DELTA"
	// EventResponseFinished marks an attempt's response as complete.
	EventResponseFinished EventType = "RESPONSE_FINISHED"
	// EventAttemptDisposed retires an attempt (tab closed, navigation).
	EventAttemptDisposed EventType = "ATTEMPT_DISPOSED"
	// EventConversationIDResolved binds an attempt to its conversation id.
	EventConversationIDResolved EventType = "CONVERSATION_ID_RESOLVED"
	// EventDataIntercepted delivers a captured network response body.
	EventDataIntercepted EventType = "DATA_INTERCEPTED"
	// EventSnapshotRequest asks a page session for a DOM snapshot.
	EventSnapshotRequest EventType = "PAGE_SNAPSHOT_REQUEST"
	// EventSnapshotResponse answers a snapshot request.
	EventSnapshotResponse EventType = "PAGE_SNAPSHOT_RESPONSE"
	// EventDecision broadcasts a capture decision to every session watching
	// the conversation, including sessions that lost the probe lease.
	EventDecision EventType = "CAPTURE_DECISION"
)

// Envelope is the frame every bus message travels in. Token must verify
// against the engine's session manager before anything inside is looked at.
type Envelope struct {
	Token     string          `json:"token"`
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp int64           `json:"timestamp"` // epoch milliseconds
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into a frame of the given type.
func NewEnvelope(typ EventType, token string, ts int64, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Token: token, Type: typ, Timestamp: ts, Payload: raw}, nil
}

// ResponseLifecycle is the payload of EventResponseLifecycle.
type ResponseLifecycle struct {
	AttemptID      string         `json:"attempt_id"`
	Platform       string         `json:"platform"`
	Source         capture.Source `json:"source"`
	Phase          capture.Phase  `json:"phase"`
	ConversationID string         `json:"conversation_id,omitempty"`
	PageURL        string         `json:"page_url,omitempty"`
}

// StreamDelta is the payload of EventStreamDelta.
type StreamDelta struct {
	AttemptID string `json:"attempt_id"`
	Platform  string `json:"platform"`
	Text      string `json:"text,omitempty"`
}

// ResponseFinished is the payload of EventResponseFinished.
type ResponseFinished struct {
	AttemptID      string         `json:"attempt_id"`
	Platform       string         `json:"platform"`
	Source         capture.Source `json:"source,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
}

// AttemptDisposed is the payload of EventAttemptDisposed.
type AttemptDisposed struct {
	AttemptID string `json:"attempt_id"`
	Reason    string `json:"reason,omitempty"`
}

// ConversationIDResolved is the payload of EventConversationIDResolved.
type ConversationIDResolved struct {
	AttemptID      string `json:"attempt_id"`
	Platform       string `json:"platform"`
	ConversationID string `json:"conversation_id,omitempty"`
	PageURL        string `json:"page_url,omitempty"`
}

// DataIntercepted is the payload of EventDataIntercepted. Body is the raw
// response body; encoding/json transports it as base64.
type DataIntercepted struct {
	AttemptID      string `json:"attempt_id"`
	Platform       string `json:"platform"`
	ConversationID string `json:"conversation_id,omitempty"`
	URL            string `json:"url,omitempty"`
	Body           []byte `json:"body"`
}

// SnapshotRequest is the payload of EventSnapshotRequest.
type SnapshotRequest struct {
	RequestID      string `json:"request_id"`
	ConversationID string `json:"conversation_id"`
	AttemptID      string `json:"attempt_id"`
}

// SnapshotResponse is the payload of EventSnapshotResponse.
type SnapshotResponse struct {
	RequestID  string `json:"request_id"`
	HTML       string `json:"html"`
	PageURL    string `json:"page_url,omitempty"`
	Generating bool   `json:"generating"`
}

// Decision is the payload of EventDecision.
type Decision struct {
	ConversationID string           `json:"conversation_id"`
	Decision       capture.Decision `json:"decision"`
}
