package readiness_test

import (
	"testing"

	"github.com/hazyhaar/quiesce/capture"
	"github.com/hazyhaar/quiesce/internal/readiness"
)

const roleAttrDoc = `<html><head><title>Chat - Trip Planning</title></head><body>
<div data-message-author-role="user"><p>plan a trip</p></div>
<div data-message-author-role="assistant"><p>Day one: <em>arrive</em>.</p></div>
</body></html>`

func TestExtractTurnsRoleAttr(t *testing.T) {
	msgs, generating := readiness.ExtractTurns(roleAttrDoc)
	if generating {
		t.Fatal("no stop indicator present")
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d turns, want 2", len(msgs))
	}
	if msgs[0].Role != capture.RoleUser || msgs[1].Role != capture.RoleAssistant {
		t.Fatalf("roles = %s/%s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].HTML == "" {
		t.Fatal("assistant turn should carry inner HTML")
	}
}

func TestExtractTurnsClassHints(t *testing.T) {
	doc := `<main>
<div class="conversation-turn user-query"><p>hello</p></div>
<div class="conversation-turn model-response"><p>hi there</p></div>
</main>`
	msgs, _ := readiness.ExtractTurns(doc)
	if len(msgs) != 2 {
		t.Fatalf("got %d turns, want 2", len(msgs))
	}
	if msgs[0].Role != capture.RoleUser || msgs[1].Role != capture.RoleAssistant {
		t.Fatalf("roles = %s/%s", msgs[0].Role, msgs[1].Role)
	}
}

func TestExtractTurnsNestedHintsIgnored(t *testing.T) {
	// A hint inside an attributed turn is formatting, not a second turn.
	doc := `<div data-message-author-role="assistant"><div class="model-response">inner</div></div>`
	msgs, _ := readiness.ExtractTurns(doc)
	if len(msgs) != 1 {
		t.Fatalf("got %d turns, want 1", len(msgs))
	}
}

func TestExtractTurnsGenerating(t *testing.T) {
	doc := `<body>
<div data-message-author-role="assistant"><p>partial</p></div>
<button aria-label="Stop generating">stop</button>
</body>`
	_, generating := readiness.ExtractTurns(doc)
	if !generating {
		t.Fatal("stop button should flag generation in progress")
	}

	doc2 := `<div class="markdown result-streaming">partial</div>`
	if _, g := readiness.ExtractTurns(doc2); !g {
		t.Fatal("streaming class should flag generation in progress")
	}
}

func TestExtractTurnsEmptyDoc(t *testing.T) {
	msgs, generating := readiness.ExtractTurns(`<html><body><p>nothing here</p></body></html>`)
	if len(msgs) != 0 || generating {
		t.Fatalf("plain page: msgs=%d generating=%v", len(msgs), generating)
	}
}

func TestTitle(t *testing.T) {
	if got := readiness.Title(roleAttrDoc); got != "Chat - Trip Planning" {
		t.Fatalf("title = %q", got)
	}
	if got := readiness.Title("<div>no title</div>"); got != "" {
		t.Fatalf("title = %q, want empty", got)
	}
}

func TestSnapshotToHashPipeline(t *testing.T) {
	g := readiness.NewGate(nil)
	msgs, generating := readiness.ExtractTurns(roleAttrDoc)
	if generating {
		t.Fatal("unexpected generating flag")
	}
	p := &capture.ConversationPayload{ConversationID: "c1", Platform: "chatgpt", Messages: msgs}
	if last := p.LastAssistant(); last != nil {
		last.Final = true
	}
	r := g.Evaluate(p, nil)
	if !r.Ready || r.ContentHash == "" {
		t.Fatalf("snapshot pipeline should yield ready sample: %+v", r)
	}
}
