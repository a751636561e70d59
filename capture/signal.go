package capture

// Signal is a cheap, frequent, lossy lifecycle observation tagged to an
// attempt. Signals are immutable once ingested: they are never rewound, only
// superseded by newer signals for the same attempt.
type Signal struct {
	AttemptID      string `json:"attempt_id"`
	Platform       string `json:"platform"`
	Source         Source `json:"source"`
	Phase          Phase  `json:"phase"`
	ConversationID string `json:"conversation_id,omitempty"`
	Timestamp      int64  `json:"timestamp"` // epoch milliseconds
	Text           string `json:"text,omitempty"`
}

// Readiness is the gate's verdict on one payload. ContentHash is "" when no
// meaningful terminal assistant content exists; an empty hash never matches.
type Readiness struct {
	Ready                  bool   `json:"ready"`
	Terminal               bool   `json:"terminal"`
	Reason                 string `json:"reason"`
	ContentHash            string `json:"content_hash,omitempty"`
	LatestAssistantTextLen int    `json:"latest_assistant_text_len"`
}

// CanonicalSample pairs a full payload with its readiness verdict. Samples
// are expensive (a warm re-fetch or a DOM snapshot round trip) and must
// never be misattributed to a stale attempt, so every application re-resolves
// the attempt alias at the moment of application.
type CanonicalSample struct {
	ID             string               `json:"id"`
	AttemptID      string               `json:"attempt_id"`
	Platform       string               `json:"platform"`
	ConversationID string               `json:"conversation_id"`
	Timestamp      int64                `json:"timestamp"` // epoch milliseconds
	Origin         Source               `json:"origin"`    // canonical_fetch or snapshot_fallback
	Payload        *ConversationPayload `json:"payload"`
	Readiness      Readiness            `json:"readiness"`
}

// Decision is the engine's current answer for one conversation: whether the
// capture is exportable, at what confidence, and why.
type Decision struct {
	Ready                  bool     `json:"ready"`
	AttemptID              string   `json:"attempt_id"`
	Phase                  Phase    `json:"phase"`
	State                  State    `json:"state"`
	Reason                 string   `json:"reason"`
	ContentHash            string   `json:"content_hash,omitempty"`
	Fidelity               Fidelity `json:"fidelity,omitempty"`
	ReadyForManualOverride bool     `json:"ready_for_manual_override"`
}

// Result is the exactly-once downstream emission for one stabilized attempt.
type Result struct {
	ConversationID string               `json:"conversation_id"`
	AttemptID      string               `json:"attempt_id"`
	Platform       string               `json:"platform"`
	Title          string               `json:"title,omitempty"`
	Payload        *ConversationPayload `json:"payload"`
	Fidelity       Fidelity             `json:"fidelity"`
	ContentHash    string               `json:"content_hash"`
	Reason         string               `json:"reason"` // "stable" or "force-save"
	CapturedAt     int64                `json:"captured_at"` // epoch milliseconds
}

// Matches reports whether two readiness snapshots agree: both ready, both
// carrying the same non-empty content hash.
func Matches(a, b Readiness) bool {
	return a.Ready && b.Ready && a.ContentHash != "" && a.ContentHash == b.ContentHash
}
