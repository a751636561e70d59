package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/quiesce/capture"
	"github.com/hazyhaar/quiesce/internal/idgen"
	"github.com/hazyhaar/quiesce/internal/shield"
	"github.com/hazyhaar/quiesce/platform"
)

// EndpointFunc returns candidate canonical URLs for a conversation in
// preference order.
type EndpointFunc func(platformName, conversationID string) []string

// WarmOptions configures the warm fetcher.
type WarmOptions struct {
	// Client performs the requests. Default: http.Client with a 10s timeout.
	Client *http.Client

	// Header is added to every request: session cookies, auth headers. The
	// platform endpoints answer with the page session's credentials only.
	Header http.Header

	// Endpoints overrides endpoint discovery. Default: the platform
	// adapter's BuildAPIURLs.
	Endpoints EndpointFunc

	// Validate vets each candidate URL before fetching. Default:
	// shield.ValidateURL. Override in tests that fetch from loopback.
	Validate func(string) error

	// MaxBodyBytes bounds the response read. Default: 4 MiB.
	MaxBodyBytes int64

	Logger *slog.Logger
}

func (o *WarmOptions) defaults() {
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if o.Validate == nil {
		o.Validate = shield.ValidateURL
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 4 << 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// WarmFetcher is the canonical-fetch prober: it re-reads a conversation from
// the platform's own conversation endpoint and parses the response with the
// platform adapter. Samples it produces carry SourceCanonicalFetch and rank
// as high fidelity.
type WarmFetcher struct {
	platforms *platform.Registry
	opts      WarmOptions
	ids       idgen.Generator

	fetches  atomic.Int64
	failures atomic.Int64
}

// NewWarmFetcher wires a fetcher over the registry.
func NewWarmFetcher(platforms *platform.Registry, opts WarmOptions) *WarmFetcher {
	opts.defaults()
	if opts.Endpoints == nil {
		opts.Endpoints = func(platformName, conversationID string) []string {
			return platforms.Lookup(platformName).BuildAPIURLs(conversationID)
		}
	}
	return &WarmFetcher{
		platforms: platforms,
		opts:      opts,
		ids:       idgen.Prefixed("smp_", idgen.Default),
	}
}

// Probe fetches the conversation from the first answering endpoint.
func (w *WarmFetcher) Probe(ctx context.Context, platformName, conversationID, attemptID string) (*capture.CanonicalSample, error) {
	parser, ok := w.platforms.Lookup(platformName).(platform.InterceptParser)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoParser, platformName)
	}
	urls := w.opts.Endpoints(platformName, conversationID)
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEndpoints, platformName)
	}

	var lastErr error
	for _, u := range urls {
		if err := w.opts.Validate(u); err != nil {
			lastErr = err
			w.opts.Logger.Warn("probe: unsafe endpoint skipped", "url", u, "err", err)
			continue
		}
		payload, err := w.fetch(ctx, parser, u)
		if err != nil {
			lastErr = err
			w.opts.Logger.Debug("probe: warm fetch failed", "url", u, "err", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		w.fetches.Add(1)
		if payload.ConversationID == "" {
			payload.ConversationID = conversationID
		}
		if payload.CapturedAt == 0 {
			payload.CapturedAt = time.Now().UnixMilli()
		}
		return &capture.CanonicalSample{
			ID:             w.ids(),
			AttemptID:      attemptID,
			Platform:       platformName,
			ConversationID: payload.ConversationID,
			Timestamp:      payload.CapturedAt,
			Origin:         capture.SourceCanonicalFetch,
			Payload:        payload,
		}, nil
	}
	w.failures.Add(1)
	return nil, lastErr
}

func (w *WarmFetcher) fetch(ctx context.Context, parser platform.InterceptParser, url string) (*capture.ConversationPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range w.opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := w.opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("probe: %s: %s", url, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, w.opts.MaxBodyBytes))
	if err != nil {
		return nil, err
	}
	return parser.ParseIntercepted(body)
}

// Fetches and Failures expose probe counters.
func (w *WarmFetcher) Fetches() int64  { return w.fetches.Load() }
func (w *WarmFetcher) Failures() int64 { return w.failures.Load() }
