// CLAUDE:SUMMARY Extracts conversation turns and generation indicators from raw DOM snapshot HTML.

package readiness

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/quiesce/capture"
)

// Attribute hints for turn-role detection, checked in order. The explicit
// author-role attribute wins; class/testid substrings are the fallback for
// platforms that do not annotate roles directly.
var (
	userHints      = []string{"user-message", "user-query", "human-turn"}
	assistantHints = []string{"assistant-message", "model-response", "bot-message"}
	stopHints      = []string{"stop-button", "stop-generating", "result-streaming"}
)

// ExtractTurns parses snapshot HTML and returns the conversation turns it can
// attribute to a role, plus whether a generation-in-progress indicator (stop
// control, streaming marker) is visible. Turns carry raw inner HTML; the Gate
// normalizes them to text before hashing. An unparseable or turn-free
// document yields (nil, false).
func ExtractTurns(snapshot string) ([]capture.Message, bool) {
	doc, err := html.Parse(strings.NewReader(snapshot))
	if err != nil {
		return nil, false
	}

	var msgs []capture.Message
	generating := false

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			}
			if hasStopIndicator(n) {
				generating = true
			}
			if role, ok := turnRole(n); ok {
				msgs = append(msgs, capture.Message{Role: role, HTML: innerHTML(n)})
				// A matched turn owns its subtree; nested hints inside it
				// are formatting, not further turns.
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return msgs, generating
}

// Title returns the document <title> text, or "".
func Title(snapshot string) string {
	doc, err := html.Parse(strings.NewReader(snapshot))
	if err != nil {
		return ""
	}
	return findTitle(doc)
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		if n.FirstChild != nil {
			return strings.TrimSpace(n.FirstChild.Data)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func turnRole(n *html.Node) (capture.Role, bool) {
	for _, a := range n.Attr {
		if a.Key == "data-message-author-role" {
			switch a.Val {
			case "user":
				return capture.RoleUser, true
			case "assistant":
				return capture.RoleAssistant, true
			case "system":
				return capture.RoleSystem, true
			case "tool":
				return capture.RoleTool, true
			}
			return "", false
		}
	}
	hint := hintText(n)
	if hint == "" {
		return "", false
	}
	for _, h := range userHints {
		if strings.Contains(hint, h) {
			return capture.RoleUser, true
		}
	}
	for _, h := range assistantHints {
		if strings.Contains(hint, h) {
			return capture.RoleAssistant, true
		}
	}
	return "", false
}

func hasStopIndicator(n *html.Node) bool {
	for _, a := range n.Attr {
		if a.Key == "aria-label" && n.DataAtom == atom.Button &&
			strings.Contains(strings.ToLower(a.Val), "stop") {
			return true
		}
	}
	hint := hintText(n)
	if hint == "" {
		return false
	}
	for _, h := range stopHints {
		if strings.Contains(hint, h) {
			return true
		}
	}
	return false
}

// hintText joins the class and data-testid attributes, lowercased.
func hintText(n *html.Node) string {
	var sb strings.Builder
	for _, a := range n.Attr {
		if a.Key == "class" || a.Key == "data-testid" {
			sb.WriteString(strings.ToLower(a.Val))
			sb.WriteByte(' ')
		}
	}
	return sb.String()
}

func innerHTML(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		html.Render(&sb, c)
	}
	return sb.String()
}
