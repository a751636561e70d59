package platform_test

import (
	"testing"

	"github.com/hazyhaar/quiesce/capture"
	"github.com/hazyhaar/quiesce/platform"
)

func TestRegistryLookupAndFallback(t *testing.T) {
	r := platform.NewRegistry()
	if got := r.Lookup("chatgpt").Name(); got != "chatgpt" {
		t.Fatalf("Lookup(chatgpt).Name() = %q", got)
	}
	// Unknown names get a generic adapter that keeps the name, so profiles
	// and results stay attributed to the platform that produced them.
	a := r.Lookup("perplexity")
	if a.Name() != "perplexity" {
		t.Fatalf("fallback name = %q, want perplexity", a.Name())
	}
	if urls := a.BuildAPIURLs("abc12345"); urls != nil {
		t.Fatalf("generic adapter returned endpoints: %v", urls)
	}
	names := r.Names()
	if len(names) != 3 || names[0] != "chatgpt" || names[1] != "claude" || names[2] != "gemini" {
		t.Fatalf("Names() = %v", names)
	}
}

func TestRegistryDetect(t *testing.T) {
	r := platform.NewRegistry()
	cases := []struct {
		url  string
		want string
	}{
		{"https://chatgpt.com/c/abc-123", "chatgpt"},
		{"https://chat.openai.com/c/abc-123", "chatgpt"},
		{"https://claude.ai/chat/def-456", "claude"},
		{"https://gemini.google.com/app/1a2b3c4d5e", "gemini"},
		{"https://example.org/chat/whatever", "generic"},
	}
	for _, tc := range cases {
		if got := r.Detect(tc.url).Name(); got != tc.want {
			t.Errorf("Detect(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestCapabilityAssertions(t *testing.T) {
	var a platform.Adapter = platform.ChatGPT{}
	if _, ok := a.(platform.ReadinessEvaluator); !ok {
		t.Error("ChatGPT should evaluate readiness")
	}
	if _, ok := a.(platform.InterceptParser); !ok {
		t.Error("ChatGPT should parse intercepts")
	}
	if _, ok := a.(platform.TitleExtractor); !ok {
		t.Error("ChatGPT should extract titles")
	}
	a = platform.Gemini{}
	if _, ok := a.(platform.ReadinessEvaluator); ok {
		t.Error("Gemini should not claim readiness evaluation")
	}
	if _, ok := a.(platform.InterceptParser); ok {
		t.Error("Gemini should not claim intercept parsing")
	}
}

func TestChatGPTExtractConversationID(t *testing.T) {
	c := platform.ChatGPT{}
	cases := []struct {
		url  string
		want string
	}{
		{"https://chatgpt.com/c/67e9a2b1-1234-8002-9c7d-abcdef012345", "67e9a2b1-1234-8002-9c7d-abcdef012345"},
		{"https://chatgpt.com/g/g-p-custom/c/67e9a2b1-1234-8002-9c7d-abcdef012345", "67e9a2b1-1234-8002-9c7d-abcdef012345"},
		{"https://chatgpt.com/", ""},
		{"https://chatgpt.com/gpts", ""},
	}
	for _, tc := range cases {
		if got := c.ExtractConversationID(tc.url); got != tc.want {
			t.Errorf("ExtractConversationID(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
	urls := c.BuildAPIURLs("abc-123")
	if len(urls) != 2 || urls[0] != "https://chatgpt.com/backend-api/conversation/abc-123" {
		t.Fatalf("BuildAPIURLs = %v", urls)
	}
	if c.BuildAPIURLs("") != nil {
		t.Fatal("BuildAPIURLs with empty id should be nil")
	}
}

const chatgptFixture = `{
  "title": "Sorting in Go",
  "conversation_id": "conv-1",
  "default_model_slug": "gpt-4o",
  "current_node": "n4",
  "mapping": {
    "n0": {"parent": "", "message": null},
    "n1": {"parent": "n0", "message": {
      "author": {"role": "system"},
      "content": {"content_type": "text", "parts": [""]},
      "metadata": {"is_visually_hidden_from_conversation": true}
    }},
    "n2": {"parent": "n1", "message": {
      "author": {"role": "user"},
      "content": {"content_type": "text", "parts": ["How do I sort a slice?"]}
    }},
    "n3": {"parent": "n2", "message": {
      "author": {"role": "assistant"},
      "content": {"content_type": "thoughts", "thoughts": [{"content": "User wants sort.Slice."}]},
      "status": "finished_successfully"
    }},
    "n4": {"parent": "n3", "message": {
      "author": {"role": "assistant"},
      "content": {"content_type": "text", "parts": ["Use sort.Slice.", "Or slices.SortFunc on newer Go."]},
      "status": "finished_successfully",
      "end_turn": true
    }}
  }
}`

func TestChatGPTParseIntercepted(t *testing.T) {
	p, err := platform.ChatGPT{}.ParseIntercepted([]byte(chatgptFixture))
	if err != nil {
		t.Fatalf("ParseIntercepted: %v", err)
	}
	if p.ConversationID != "conv-1" || p.Title != "Sorting in Go" || p.Model != "gpt-4o" {
		t.Fatalf("metadata = %q %q %q", p.ConversationID, p.Title, p.Model)
	}
	if len(p.Messages) != 2 {
		t.Fatalf("messages = %d, want 2 (hidden system turn skipped): %+v", len(p.Messages), p.Messages)
	}
	if p.Messages[0].Role != capture.RoleUser || p.Messages[0].Text != "How do I sort a slice?" {
		t.Fatalf("user turn = %+v", p.Messages[0])
	}
	last := p.Messages[1]
	if last.Role != capture.RoleAssistant || !last.Final {
		t.Fatalf("assistant turn = %+v", last)
	}
	if last.Text != "Use sort.Slice.\n\nOr slices.SortFunc on newer Go." {
		t.Fatalf("assistant text = %q", last.Text)
	}
	if len(last.Reasoning) != 1 || last.Reasoning[0] != "User wants sort.Slice." {
		t.Fatalf("reasoning folded wrong: %+v", last.Reasoning)
	}

	if _, err := (platform.ChatGPT{}).ParseIntercepted([]byte(`{"no":"mapping"}`)); err == nil {
		t.Fatal("document without mapping parsed")
	}
}

func TestChatGPTEvaluateReadiness(t *testing.T) {
	c := platform.ChatGPT{}
	rd, handled := c.EvaluateReadiness(&capture.ConversationPayload{
		Messages: []capture.Message{
			{Role: capture.RoleUser, Text: "q"},
			{Role: capture.RoleAssistant, Text: "a", Final: true},
		},
	})
	if !handled || !rd.Ready || !rd.Terminal {
		t.Fatalf("readiness = %+v handled=%v", rd, handled)
	}

	rd, _ = c.EvaluateReadiness(&capture.ConversationPayload{
		Messages: []capture.Message{
			{Role: capture.RoleUser, Text: "q"},
			{Role: capture.RoleAssistant, Text: "partial", Final: false},
		},
	})
	if rd.Ready || rd.Reason != "assistant-turn-unfinished" {
		t.Fatalf("readiness = %+v", rd)
	}

	rd, _ = c.EvaluateReadiness(&capture.ConversationPayload{
		Messages: []capture.Message{{Role: capture.RoleAssistant, Text: "orphan", Final: true}},
	})
	if rd.Ready || rd.Reason != "conversation-incomplete" {
		t.Fatalf("readiness = %+v", rd)
	}
}

const claudeFixture = `{
  "uuid": "11111111-2222-3333-4444-555555555555",
  "name": "Regex help",
  "model": "claude-sonnet-4",
  "chat_messages": [
    {"sender": "human", "text": "Explain this regex.", "content": [{"type": "text", "text": "Explain this regex."}]},
    {"sender": "assistant", "stop_reason": "stop_sequence", "content": [
      {"type": "thinking", "thinking": "Break it into groups."},
      {"type": "text", "text": "The pattern has three groups."}
    ]}
  ]
}`

func TestClaudeParseIntercepted(t *testing.T) {
	p, err := platform.Claude{}.ParseIntercepted([]byte(claudeFixture))
	if err != nil {
		t.Fatalf("ParseIntercepted: %v", err)
	}
	if p.ConversationID != "11111111-2222-3333-4444-555555555555" || p.Title != "Regex help" {
		t.Fatalf("metadata = %q %q", p.ConversationID, p.Title)
	}
	if len(p.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(p.Messages))
	}
	if p.Messages[0].Role != capture.RoleUser {
		t.Fatalf("sender human mapped to %q", p.Messages[0].Role)
	}
	last := p.Messages[1]
	if !last.Final || last.Text != "The pattern has three groups." {
		t.Fatalf("assistant turn = %+v", last)
	}
	if len(last.Reasoning) != 1 || last.Reasoning[0] != "Break it into groups." {
		t.Fatalf("reasoning = %+v", last.Reasoning)
	}

	if _, err := (platform.Claude{}).ParseIntercepted([]byte(`{"unrelated": true}`)); err == nil {
		t.Fatal("non-conversation document parsed")
	}
}

func TestClaudeExtractConversationID(t *testing.T) {
	c := platform.Claude{}
	if got := c.ExtractConversationID("https://claude.ai/chat/aaaabbbb-cccc-dddd-eeee-ffff00001111"); got != "aaaabbbb-cccc-dddd-eeee-ffff00001111" {
		t.Fatalf("got %q", got)
	}
	if got := c.ExtractConversationID("https://claude.ai/new"); got != "" {
		t.Fatalf("got %q for a fresh chat", got)
	}
}

func TestGeminiAdapter(t *testing.T) {
	g := platform.Gemini{}
	if got := g.ExtractConversationID("https://gemini.google.com/app/9f8e7d6c5b4a"); got != "9f8e7d6c5b4a" {
		t.Fatalf("got %q", got)
	}
	if g.BuildAPIURLs("9f8e7d6c5b4a") != nil {
		t.Fatal("gemini should have no canonical endpoints")
	}
}

func TestGenericExtractConversationID(t *testing.T) {
	g := platform.Generic{Platform: "unknown"}
	if got := g.ExtractConversationID("https://example.org/threads/th_0a1b2c3d4e"); got != "th_0a1b2c3d4e" {
		t.Fatalf("got %q", got)
	}
	if got := g.ExtractConversationID("https://example.org/about"); got != "" {
		t.Fatalf("short segment accepted: %q", got)
	}
	if got := g.ExtractConversationID("https://example.org/a/b%20c%20d%20e%20f"); got != "" {
		t.Fatalf("non-id segment accepted: %q", got)
	}
}

func TestTitleFromDOM(t *testing.T) {
	markup := `<html><head><title>Sorting in Go - ChatGPT</title></head><body></body></html>`
	if got := (platform.ChatGPT{}).TitleFromDOM(markup); got != "Sorting in Go" {
		t.Fatalf("title = %q", got)
	}
	if got := (platform.Claude{}).TitleFromDOM("<html><body>no title</body></html>"); got != "" {
		t.Fatalf("title = %q for markup without one", got)
	}
}
