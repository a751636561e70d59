package platform

import "regexp"

// Gemini adapts gemini.google.com. The app exchanges conversation data over
// opaque batchexecute calls, so there is no canonical endpoint to re-fetch;
// captures come from DOM snapshots. Pair it with the snapshot calibration
// strategy.
type Gemini struct{}

var geminiConvPath = regexp.MustCompile(`/app/([0-9a-f]{8,})`)

func (Gemini) Name() string { return "gemini" }

func (Gemini) ExtractConversationID(pageURL string) string {
	m := geminiConvPath.FindStringSubmatch(pageURL)
	if m == nil {
		return ""
	}
	return m[1]
}

func (Gemini) BuildAPIURLs(conversationID string) []string { return nil }

func (Gemini) DefaultTitle() string { return "Gemini conversation" }

func (Gemini) PageURL(conversationID string) string {
	if conversationID == "" {
		return ""
	}
	return "https://gemini.google.com/app/" + conversationID
}
