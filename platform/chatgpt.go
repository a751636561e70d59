// CLAUDE:SUMMARY ChatGPT adapter: /c/ URL ids, backend-api endpoints, mapping-tree intercept parser, strict readiness evaluation.

package platform

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/hazyhaar/quiesce/capture"
)

// ChatGPT adapts chatgpt.com (and the legacy chat.openai.com host).
type ChatGPT struct{}

var chatgptConvPath = regexp.MustCompile(`/(?:c|g/[^/]+/c)/([0-9a-fA-F-]{8,})`)

func (ChatGPT) Name() string { return "chatgpt" }

func (ChatGPT) ExtractConversationID(pageURL string) string {
	m := chatgptConvPath.FindStringSubmatch(pageURL)
	if m == nil {
		return ""
	}
	return m[1]
}

func (ChatGPT) BuildAPIURLs(conversationID string) []string {
	if conversationID == "" {
		return nil
	}
	return []string{
		"https://chatgpt.com/backend-api/conversation/" + conversationID,
		"https://chat.openai.com/backend-api/conversation/" + conversationID,
	}
}

func (ChatGPT) DefaultTitle() string { return "ChatGPT conversation" }

func (ChatGPT) PageURL(conversationID string) string {
	if conversationID == "" {
		return ""
	}
	return "https://chatgpt.com/c/" + conversationID
}

func (ChatGPT) TitleFromDOM(markup string) string { return titleFromHTML(markup) }

// EvaluateReadiness is stricter than the generic check: the conversation
// must contain a user turn and the last assistant turn must be finished.
func (ChatGPT) EvaluateReadiness(p *capture.ConversationPayload) (capture.Readiness, bool) {
	if p == nil {
		return capture.Readiness{Reason: "payload-missing"}, true
	}
	hasUser := false
	for _, m := range p.Messages {
		if m.Role == capture.RoleUser {
			hasUser = true
			break
		}
	}
	last := p.LastAssistant()
	if !hasUser || last == nil {
		return capture.Readiness{Terminal: false, Reason: "conversation-incomplete"}, true
	}
	if !last.Final {
		return capture.Readiness{Terminal: false, Reason: "assistant-turn-unfinished"}, true
	}
	return capture.Readiness{Ready: true, Terminal: true}, true
}

// Conversation documents from backend-api arrive as a node tree: mapping is
// keyed by node id, current_node points at the newest leaf, and each node
// links its parent. The visible transcript is the parent chain from
// current_node up to the root, reversed.
type chatgptDoc struct {
	Title          string                 `json:"title"`
	ConversationID string                 `json:"conversation_id"`
	Model          string                 `json:"default_model_slug"`
	CurrentNode    string                 `json:"current_node"`
	Mapping        map[string]chatgptNode `json:"mapping"`
}

type chatgptNode struct {
	Parent  string          `json:"parent"`
	Message *chatgptMessage `json:"message"`
}

type chatgptMessage struct {
	Author struct {
		Role string `json:"role"`
	} `json:"author"`
	Content struct {
		ContentType string            `json:"content_type"`
		Parts       []json.RawMessage `json:"parts"`
		Text        string            `json:"text"`
		Thoughts    []struct {
			Content string `json:"content"`
		} `json:"thoughts"`
	} `json:"content"`
	Status   string `json:"status"`
	EndTurn  *bool  `json:"end_turn"`
	Metadata struct {
		Hidden bool `json:"is_visually_hidden_from_conversation"`
	} `json:"metadata"`
}

// ParseIntercepted decodes a backend-api conversation document.
func (c ChatGPT) ParseIntercepted(body []byte) (*capture.ConversationPayload, error) {
	var doc chatgptDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("chatgpt: decode conversation: %w", err)
	}
	if len(doc.Mapping) == 0 {
		return nil, fmt.Errorf("chatgpt: conversation document has no mapping")
	}

	var chain []*chatgptMessage
	seen := make(map[string]bool)
	for id := doc.CurrentNode; id != "" && !seen[id]; {
		seen[id] = true
		node, ok := doc.Mapping[id]
		if !ok {
			break
		}
		if node.Message != nil {
			chain = append(chain, node.Message)
		}
		id = node.Parent
	}

	var messages []capture.Message
	for i := len(chain) - 1; i >= 0; i-- {
		m := chain[i]
		if m.Metadata.Hidden {
			continue
		}
		role := roleFor(m.Author.Role)
		if role == "" {
			continue
		}
		msg := capture.Message{Role: role}
		switch m.Content.ContentType {
		case "thoughts":
			for _, th := range m.Content.Thoughts {
				if th.Content != "" {
					msg.Reasoning = append(msg.Reasoning, th.Content)
				}
			}
		case "code", "reasoning_recap":
			// Tool scratch space, not transcript content.
			continue
		default:
			msg.Text = joinParts(m.Content.Parts)
			if msg.Text == "" && m.Content.Text != "" {
				msg.Text = m.Content.Text
			}
		}
		if role == capture.RoleAssistant {
			msg.Final = m.Status == "finished_successfully" && (m.EndTurn == nil || *m.EndTurn)
		}
		if msg.Text == "" && len(msg.Reasoning) == 0 {
			continue
		}
		messages = append(messages, msg)
	}

	return &capture.ConversationPayload{
		ConversationID: doc.ConversationID,
		Platform:       "chatgpt",
		Title:          doc.Title,
		Model:          doc.Model,
		Messages:       mergeReasoning(messages),
	}, nil
}

// joinParts concatenates the string parts of a content block. Non-string
// parts (image pointers, attachments) are skipped.
func joinParts(parts []json.RawMessage) string {
	var out []string
	for _, p := range parts {
		var s string
		if err := json.Unmarshal(p, &s); err == nil && s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "\n\n")
}

// mergeReasoning folds a reasoning-only assistant turn into the assistant
// turn that follows it, mirroring how the page renders thinking above the
// answer.
func mergeReasoning(in []capture.Message) []capture.Message {
	var out []capture.Message
	var pending []string
	for _, m := range in {
		if m.Role == capture.RoleAssistant && m.Text == "" && len(m.Reasoning) > 0 {
			pending = append(pending, m.Reasoning...)
			continue
		}
		if m.Role == capture.RoleAssistant && len(pending) > 0 {
			m.Reasoning = append(pending, m.Reasoning...)
			pending = nil
		}
		out = append(out, m)
	}
	if len(pending) > 0 {
		out = append(out, capture.Message{Role: capture.RoleAssistant, Reasoning: pending})
	}
	return out
}

func roleFor(role string) capture.Role {
	switch role {
	case "user":
		return capture.RoleUser
	case "assistant":
		return capture.RoleAssistant
	case "system":
		return capture.RoleSystem
	case "tool":
		return capture.RoleTool
	}
	return ""
}
