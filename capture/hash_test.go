package capture_test

import (
	"testing"

	"github.com/hazyhaar/quiesce/capture"
)

func payloadWithAssistant(text string, reasoning ...string) *capture.ConversationPayload {
	return &capture.ConversationPayload{
		ConversationID: "c1",
		Platform:       "chatgpt",
		Messages: []capture.Message{
			{Role: capture.RoleUser, Text: "question"},
			{Role: capture.RoleAssistant, Text: text, Reasoning: reasoning, Final: true},
		},
	}
}

func TestContentHashDeterministic(t *testing.T) {
	a := capture.ContentHash(payloadWithAssistant("the answer"))
	b := capture.ContentHash(payloadWithAssistant("the answer"))
	if a == "" {
		t.Fatal("expected non-empty hash")
	}
	if a != b {
		t.Fatalf("hash not deterministic: %q vs %q", a, b)
	}
}

func TestContentHashWhitespaceInsensitive(t *testing.T) {
	a := capture.ContentHash(payloadWithAssistant("the  answer\n  is 42"))
	b := capture.ContentHash(payloadWithAssistant("the answer is 42"))
	if a != b {
		t.Fatalf("whitespace variants should hash equal: %q vs %q", a, b)
	}
}

func TestContentHashEmptyAssistant(t *testing.T) {
	if h := capture.ContentHash(payloadWithAssistant("")); h != "" {
		t.Fatalf("empty assistant text should yield null hash, got %q", h)
	}
	if h := capture.ContentHash(payloadWithAssistant("   \n\t ")); h != "" {
		t.Fatalf("whitespace-only assistant text should yield null hash, got %q", h)
	}
	if h := capture.ContentHash(nil); h != "" {
		t.Fatalf("nil payload should yield null hash, got %q", h)
	}
}

func TestContentHashReasoningOnlyStaysNull(t *testing.T) {
	// Thinking segments alone must not produce a hashable capture.
	if h := capture.ContentHash(payloadWithAssistant("", "let me think about this")); h != "" {
		t.Fatalf("reasoning-only payload should yield null hash, got %q", h)
	}
}

func TestContentHashReasoningParticipates(t *testing.T) {
	a := capture.ContentHash(payloadWithAssistant("answer", "chain one"))
	b := capture.ContentHash(payloadWithAssistant("answer", "chain two"))
	if a == b {
		t.Fatal("different reasoning should change the hash")
	}
}

func TestContentHashUserTextIgnored(t *testing.T) {
	p1 := payloadWithAssistant("answer")
	p2 := payloadWithAssistant("answer")
	p2.Messages[0].Text = "a different question"
	if capture.ContentHash(p1) != capture.ContentHash(p2) {
		t.Fatal("user text must not affect the assistant fingerprint")
	}
}

func TestMatches(t *testing.T) {
	ready := capture.Readiness{Ready: true, Terminal: true, ContentHash: "h"}
	other := capture.Readiness{Ready: true, Terminal: true, ContentHash: "h2"}
	unready := capture.Readiness{Ready: false, ContentHash: "h"}
	null := capture.Readiness{Ready: true, Terminal: true}

	if !capture.Matches(ready, ready) {
		t.Fatal("equal non-null hashes should match")
	}
	if capture.Matches(ready, other) {
		t.Fatal("differing hashes must not match")
	}
	if capture.Matches(ready, unready) {
		t.Fatal("unready snapshot must not match")
	}
	if capture.Matches(null, null) {
		t.Fatal("null hashes must never match, even when equal")
	}
}
