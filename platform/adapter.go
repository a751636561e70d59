// CLAUDE:SUMMARY Platform adapter contract and registry: conversation id extraction, canonical endpoints, optional capabilities detected by assertion, generic fallback.

// Package platform describes the chat platforms quiesce captures from. An
// Adapter supplies the required basics: conversation id extraction, canonical
// endpoint candidates and a fallback title. Optional behavior lives in
// separate capability interfaces detected by type assertion, so a minimal
// adapter stays a three-method struct and the engine degrades to generic
// handling for anything an adapter does not provide.
package platform

import (
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/hazyhaar/quiesce/capture"
)

// Adapter is the required surface of one platform.
type Adapter interface {
	// Name is the stable platform key used in profiles, signals and results.
	Name() string
	// ExtractConversationID pulls the conversation id out of a page URL.
	// Returns "" when the URL carries none, e.g. a fresh unsaved chat.
	ExtractConversationID(pageURL string) string
	// BuildAPIURLs returns candidate canonical endpoints for a conversation
	// in preference order. Nil means the platform has no fetchable endpoint
	// and stabilization relies on DOM snapshots.
	BuildAPIURLs(conversationID string) []string
	// DefaultTitle is the capture title when neither the payload nor the
	// page yields one.
	DefaultTitle() string
}

// ReadinessEvaluator is an optional capability: a platform-specific verdict
// on whether a payload is terminal and exportable. Returning handled=false
// defers to the generic check.
type ReadinessEvaluator interface {
	EvaluateReadiness(p *capture.ConversationPayload) (capture.Readiness, bool)
}

// InterceptParser is an optional capability: turning an intercepted network
// response body into a payload.
type InterceptParser interface {
	ParseIntercepted(body []byte) (*capture.ConversationPayload, error)
}

// TitleExtractor is an optional capability: recovering a conversation title
// from snapshot HTML.
type TitleExtractor interface {
	TitleFromDOM(html string) string
}

// PageURLBuilder is an optional capability: reconstructing the canonical page
// URL of a conversation. The headless snapshot prober needs it to visit the
// page; adapters without it are reachable only through live sessions.
type PageURLBuilder interface {
	PageURL(conversationID string) string
}

// Registry maps platform names to adapters. Lookups never fail: unknown
// names get the generic fallback adapter under their own name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns a registry with the built-in adapters registered.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	r.Register(ChatGPT{})
	r.Register(Claude{})
	r.Register(Gemini{})
	return r
}

// Register adds or replaces an adapter under its own name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Lookup returns the adapter for name, or a Generic adapter carrying that
// name. Never nil.
func (r *Registry) Lookup(name string) Adapter {
	r.mu.RLock()
	a, ok := r.adapters[name]
	r.mu.RUnlock()
	if ok {
		return a
	}
	return Generic{Platform: name}
}

// Detect picks the adapter for a page URL by host, falling back to Generic.
func (r *Registry) Detect(pageURL string) Adapter {
	u, err := url.Parse(pageURL)
	if err != nil {
		return Generic{Platform: "generic"}
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case host == "chatgpt.com" || strings.HasSuffix(host, ".chatgpt.com") || host == "chat.openai.com":
		return r.Lookup("chatgpt")
	case host == "claude.ai" || strings.HasSuffix(host, ".claude.ai"):
		return r.Lookup("claude")
	case host == "gemini.google.com":
		return r.Lookup("gemini")
	}
	return Generic{Platform: "generic"}
}

// Names lists registered platform names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Generic is the fallback adapter for platforms without a dedicated one. It
// guesses conversation ids from the last URL path segment and offers no
// canonical endpoint, so captures come from DOM snapshots only.
type Generic struct {
	Platform string
}

func (g Generic) Name() string {
	if g.Platform == "" {
		return "generic"
	}
	return g.Platform
}

func (g Generic) ExtractConversationID(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	seg := path.Base(strings.TrimSuffix(u.Path, "/"))
	if len(seg) >= 8 && idLike(seg) {
		return seg
	}
	return ""
}

func (g Generic) BuildAPIURLs(conversationID string) []string { return nil }

func (g Generic) DefaultTitle() string { return "Captured conversation" }

// idLike reports whether s looks like an opaque conversation identifier.
func idLike(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
