// CLAUDE:SUMMARY Claude adapter: /chat/ URL ids, chat_conversations endpoints, content-block intercept parser, DOM title extraction.

package platform

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/hazyhaar/quiesce/capture"
)

// Claude adapts claude.ai.
type Claude struct{}

var claudeConvPath = regexp.MustCompile(`/chat/([0-9a-fA-F-]{8,})`)

func (Claude) Name() string { return "claude" }

func (Claude) ExtractConversationID(pageURL string) string {
	m := claudeConvPath.FindStringSubmatch(pageURL)
	if m == nil {
		return ""
	}
	return m[1]
}

func (Claude) BuildAPIURLs(conversationID string) []string {
	if conversationID == "" {
		return nil
	}
	// The org-scoped form needs an organization id the page session already
	// has; the unscoped form answers for the session's default org.
	return []string{
		"https://claude.ai/api/chat_conversations/" + conversationID + "?tree=True&rendering_mode=messages",
		"https://claude.ai/api/chat_conversations/" + conversationID,
	}
}

func (Claude) DefaultTitle() string { return "Claude conversation" }

func (Claude) PageURL(conversationID string) string {
	if conversationID == "" {
		return ""
	}
	return "https://claude.ai/chat/" + conversationID
}

func (Claude) TitleFromDOM(markup string) string { return titleFromHTML(markup) }

// chat_conversations documents carry messages flat, each with typed content
// blocks. Thinking blocks are separate from text blocks in the same turn.
type claudeDoc struct {
	UUID         string          `json:"uuid"`
	Name         string          `json:"name"`
	Model        string          `json:"model"`
	ChatMessages []claudeMessage `json:"chat_messages"`
}

type claudeMessage struct {
	Sender     string        `json:"sender"`
	Text       string        `json:"text"`
	StopReason string        `json:"stop_reason"`
	Content    []claudeBlock `json:"content"`
}

type claudeBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Thinking string `json:"thinking"`
}

// ParseIntercepted decodes a chat_conversations document.
func (Claude) ParseIntercepted(body []byte) (*capture.ConversationPayload, error) {
	var doc claudeDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("claude: decode conversation: %w", err)
	}
	if doc.UUID == "" && len(doc.ChatMessages) == 0 {
		return nil, fmt.Errorf("claude: not a conversation document")
	}

	var messages []capture.Message
	for _, cm := range doc.ChatMessages {
		var role capture.Role
		switch cm.Sender {
		case "human":
			role = capture.RoleUser
		case "assistant":
			role = capture.RoleAssistant
		default:
			continue
		}
		msg := capture.Message{Role: role}
		var texts []string
		for _, b := range cm.Content {
			switch b.Type {
			case "text":
				if b.Text != "" {
					texts = append(texts, b.Text)
				}
			case "thinking":
				if b.Thinking != "" {
					msg.Reasoning = append(msg.Reasoning, b.Thinking)
				}
			}
		}
		msg.Text = strings.Join(texts, "\n\n")
		if msg.Text == "" {
			msg.Text = cm.Text
		}
		if role == capture.RoleAssistant {
			msg.Final = cm.StopReason != ""
		}
		if msg.Text == "" && len(msg.Reasoning) == 0 {
			continue
		}
		messages = append(messages, msg)
	}

	return &capture.ConversationPayload{
		ConversationID: doc.UUID,
		Platform:       "claude",
		Title:          doc.Name,
		Model:          doc.Model,
		Messages:       messages,
	}, nil
}
