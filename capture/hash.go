package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Field and record separators for the fingerprint normal form. Unit/record
// separator control bytes cannot appear in normalized text, so the encoding
// is unambiguous without escaping.
const (
	hashFieldSep  = "\x1f"
	hashRecordSep = "\x1e"
)

// ContentHash computes the deterministic fingerprint over the assistant's
// terminal content: visible text plus structured reasoning, in message
// order, whitespace-normalized. Two independent reads of the same settled
// conversation produce the same hash regardless of whether they came from a
// canonical fetch or a DOM snapshot.
//
// Returns "" (the null hash) when no non-whitespace assistant text exists;
// a null hash never matches anything, which keeps thinking-only captures
// unexportable.
func ContentHash(p *ConversationPayload) string {
	if p == nil {
		return ""
	}

	var b strings.Builder
	hasText := false

	for _, m := range p.Messages {
		if m.Role != RoleAssistant {
			continue
		}
		text := NormalizeText(m.Text)
		if text != "" {
			hasText = true
		}
		b.WriteString("m")
		b.WriteString(hashFieldSep)
		b.WriteString(text)
		for _, r := range m.Reasoning {
			b.WriteString(hashRecordSep)
			b.WriteString("r")
			b.WriteString(hashFieldSep)
			b.WriteString(NormalizeText(r))
		}
		b.WriteString(hashRecordSep)
	}

	if !hasText {
		return ""
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// NormalizeText collapses all runs of whitespace to single spaces and trims
// the ends. This is the canonical text form used for hashing and length
// measurement, so rendering differences (wrapping, indentation, trailing
// newlines) between an API payload and a DOM read do not break stability.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
