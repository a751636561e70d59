package readiness

import (
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

// Normalizer converts DOM-derived HTML into the markdown normal form used for
// content fingerprinting. Platforms deliver assistant turns either as API text
// (already markdown-ish) or as rendered HTML; pushing both through the same
// normal form is what lets two independent reads agree byte-for-byte.
type Normalizer struct {
	policy *bluemonday.Policy
	conv   *converter.Converter
}

// NewNormalizer builds the sanitize+convert pipeline.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		policy: bluemonday.UGCPolicy(),
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// MarkdownFromHTML sanitizes raw HTML and converts it to markdown.
// If conversion fails or produces empty output, returns the sanitized text
// with tags stripped as a fallback.
func (n *Normalizer) MarkdownFromHTML(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	clean := n.policy.Sanitize(raw)
	result, err := n.conv.ConvertString(clean)
	if err != nil || strings.TrimSpace(result) == "" {
		return strings.TrimSpace(bluemonday.StrictPolicy().Sanitize(clean))
	}
	return strings.TrimSpace(result)
}
