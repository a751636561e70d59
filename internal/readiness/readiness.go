// CLAUDE:SUMMARY Decides whether a canonical payload is terminal with meaningful assistant content and fingerprints it.

// Package readiness evaluates canonical conversation payloads: is the
// response terminal, does it carry meaningful assistant content, and what is
// its content fingerprint. Platform adapters may supply their own evaluator;
// the gate enforces the empty-content rule on top of whatever they decide.
package readiness

import (
	"log/slog"

	"github.com/hazyhaar/quiesce/capture"
)

// Evaluation reasons surfaced in capture.Readiness.Reason.
const (
	// ReasonAssistantTextMissing marks a payload that is terminal but has no
	// non-whitespace assistant text. Such payloads never become exportable,
	// regardless of fallback windows.
	ReasonAssistantTextMissing = "assistant-text-missing"

	// ReasonNotTerminal marks a payload the platform is still producing.
	ReasonNotTerminal = "not-terminal"

	// ReasonPayloadMissing marks a sample that arrived without a payload.
	ReasonPayloadMissing = "payload-missing"
)

// EvalFunc is a platform-supplied readiness check. It returns its verdict and
// true when the platform had an opinion; false falls through to the generic
// heuristic. The gate overwrites ContentHash and LatestAssistantTextLen on
// whatever the evaluator returns.
type EvalFunc func(*capture.ConversationPayload) (capture.Readiness, bool)

// Gate evaluates payloads. It owns the HTML normalization pipeline so that
// DOM-derived and API-derived content produce identical fingerprints.
type Gate struct {
	norm   *Normalizer
	logger *slog.Logger
}

// NewGate creates a Gate. A nil logger falls back to slog.Default().
func NewGate(logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{norm: NewNormalizer(), logger: logger}
}

// Evaluate normalizes the payload in place, then decides readiness. When eval
// is non-nil and claims the payload, its terminal/ready verdict is kept;
// otherwise the generic heuristic applies (terminal = last assistant message
// marked final). Either way the gate computes the fingerprint and enforces
// that terminal-but-empty payloads are never ready.
func (g *Gate) Evaluate(p *capture.ConversationPayload, eval EvalFunc) capture.Readiness {
	if p == nil {
		return capture.Readiness{Reason: ReasonPayloadMissing}
	}

	g.NormalizePayload(p)
	hash := capture.ContentHash(p)
	textLen := latestAssistantLen(p)

	var r capture.Readiness
	handled := false
	if eval != nil {
		if v, ok := eval(p); ok {
			r = v
			handled = true
		}
	}
	if !handled {
		r.Terminal = genericTerminal(p)
		r.Ready = r.Terminal
	}

	r.ContentHash = hash
	r.LatestAssistantTextLen = textLen

	if hash == "" {
		r.Ready = false
		if r.Terminal {
			r.Reason = ReasonAssistantTextMissing
		} else if r.Reason == "" {
			r.Reason = ReasonNotTerminal
		}
		return r
	}
	if !r.Terminal {
		r.Ready = false
		if r.Reason == "" {
			r.Reason = ReasonNotTerminal
		}
	}
	return r
}

// NormalizePayload fills Message.Text from Message.HTML for DOM-derived turns
// (sanitize, then convert to markdown) so both read paths hash identically.
// Messages that already carry text are left untouched.
func (g *Gate) NormalizePayload(p *capture.ConversationPayload) {
	if p == nil {
		return
	}
	for i := range p.Messages {
		m := &p.Messages[i]
		if m.Text == "" && m.HTML != "" {
			m.Text = g.norm.MarkdownFromHTML(m.HTML)
		}
	}
}

// genericTerminal reports whether the payload's last assistant message is
// marked final. Platforms with richer completion semantics override this via
// their EvalFunc.
func genericTerminal(p *capture.ConversationPayload) bool {
	m := p.LastAssistant()
	return m != nil && m.Final
}

func latestAssistantLen(p *capture.ConversationPayload) int {
	m := p.LastAssistant()
	if m == nil {
		return 0
	}
	return len(capture.NormalizeText(m.Text))
}
