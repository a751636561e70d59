package capture

// Role of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one turn of a reconstructed conversation. Text is the visible
// content; Reasoning holds structured thinking segments when the platform
// exposes them. Reasoning participates in the content fingerprint but never
// counts as meaningful assistant text on its own.
type Message struct {
	Role      Role     `json:"role"`
	Text      string   `json:"text"`
	Reasoning []string `json:"reasoning,omitempty"`
	// Final marks the turn the platform considers complete. For
	// snapshot-derived payloads the prober sets this from the absence of a
	// generation indicator.
	Final bool `json:"final,omitempty"`
	// HTML carries the raw markup for DOM-derived turns. It is sanitized and
	// normalized before hashing; API-derived turns leave it empty.
	HTML string `json:"html,omitempty"`
}

// ConversationPayload is a full reconstructed conversation at one point in
// time. It is the unit the readiness gate evaluates and the unit exported
// downstream once stable.
type ConversationPayload struct {
	ConversationID string    `json:"conversation_id"`
	Platform       string    `json:"platform"`
	Title          string    `json:"title,omitempty"`
	Model          string    `json:"model,omitempty"`
	Messages       []Message `json:"messages"`
	CapturedAt     int64     `json:"captured_at"` // epoch milliseconds
}

// LastAssistant returns the last assistant message, or nil if none exists.
func (p *ConversationPayload) LastAssistant() *Message {
	for i := len(p.Messages) - 1; i >= 0; i-- {
		if p.Messages[i].Role == RoleAssistant {
			return &p.Messages[i]
		}
	}
	return nil
}
