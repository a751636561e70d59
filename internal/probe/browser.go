// CLAUDE:SUMMARY Headless Chrome snapshot prober: stealth page per probe, DOM-quiet double read, converts outer HTML to a snapshot sample.

package probe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/quiesce/capture"
	"github.com/hazyhaar/quiesce/internal/idgen"
	"github.com/hazyhaar/quiesce/platform"
)

// BrowserOptions configures the headless snapshot prober.
type BrowserOptions struct {
	// RemoteURL is the WebSocket URL of an external Chrome. Empty launches a
	// local headless Chrome on first use.
	RemoteURL string

	// UserDataDir carries the browser profile holding platform logins.
	// Without it every platform answers with a login wall.
	UserDataDir string

	// QuietWindow is how long the DOM must hold still between two reads
	// before a snapshot counts. Default: 400ms.
	QuietWindow time.Duration

	// QuietChecks bounds the number of re-reads waiting for a quiet DOM.
	// Default: 3.
	QuietChecks int

	// NavigateTimeout bounds page load. Default: 20s.
	NavigateTimeout time.Duration

	Logger *slog.Logger
}

func (o *BrowserOptions) defaults() {
	if o.QuietWindow <= 0 {
		o.QuietWindow = 400 * time.Millisecond
	}
	if o.QuietChecks <= 0 {
		o.QuietChecks = 3
	}
	if o.NavigateTimeout <= 0 {
		o.NavigateTimeout = 20 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// BrowserSnapshotter is the last-resort snapshot path: when no live session
// can answer for a conversation, it visits the conversation page in a
// headless Chrome and reads the DOM directly. The browser launches lazily on
// the first probe and is shared across probes; each probe gets its own
// stealth page.
type BrowserSnapshotter struct {
	platforms *platform.Registry
	opts      BrowserOptions
	ids       idgen.Generator

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewBrowserSnapshotter wires the prober. The browser is not launched until
// the first probe needs it.
func NewBrowserSnapshotter(platforms *platform.Registry, opts BrowserOptions) *BrowserSnapshotter {
	opts.defaults()
	return &BrowserSnapshotter{
		platforms: platforms,
		opts:      opts,
		ids:       idgen.Prefixed("smp_", idgen.Default),
	}
}

// Probe visits the conversation page and snapshots its DOM once the DOM has
// held still for the quiet window.
func (b *BrowserSnapshotter) Probe(ctx context.Context, platformName, conversationID, attemptID string) (*capture.CanonicalSample, error) {
	builder, ok := b.platforms.Lookup(platformName).(platform.PageURLBuilder)
	if !ok {
		return nil, fmt.Errorf("probe: %s has no page url", platformName)
	}
	pageURL := builder.PageURL(conversationID)
	if pageURL == "" {
		return nil, fmt.Errorf("probe: no page url for conversation %q", conversationID)
	}

	browser, err := b.ensureBrowser()
	if err != nil {
		return nil, err
	}
	page, err := stealth.Page(browser)
	if err != nil {
		return nil, fmt.Errorf("probe: create page: %w", err)
	}
	defer page.Close()

	navCtx, cancel := context.WithTimeout(ctx, b.opts.NavigateTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		return nil, fmt.Errorf("probe: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		b.opts.Logger.Warn("probe: wait load timed out", "url", pageURL, "err", err)
	}

	rawHTML, quiet, err := b.quietHTML(ctx, page)
	if err != nil {
		return nil, err
	}
	// A DOM still churning after every check is treated as generating: the
	// sample stays non-terminal and the scheduler retries.
	return sampleFromSnapshot(b.platforms, b.ids(), platformName, conversationID, attemptID, rawHTML, !quiet)
}

// quietHTML reads the DOM repeatedly until two consecutive reads separated
// by the quiet window agree, or checks run out.
func (b *BrowserSnapshotter) quietHTML(ctx context.Context, page *rod.Page) (html string, quiet bool, err error) {
	prev, err := outerHTML(ctx, page)
	if err != nil {
		return "", false, err
	}
	for i := 0; i < b.opts.QuietChecks; i++ {
		select {
		case <-time.After(b.opts.QuietWindow):
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
		cur, err := outerHTML(ctx, page)
		if err != nil {
			return "", false, err
		}
		if cur == prev {
			return cur, true, nil
		}
		prev = cur
	}
	return prev, false, nil
}

func outerHTML(ctx context.Context, page *rod.Page) (string, error) {
	res, err := page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("probe: read DOM: %w", err)
	}
	return res.Value.Str(), nil
}

func (b *BrowserSnapshotter) ensureBrowser() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("probe: browser snapshotter closed")
	}
	if b.browser != nil {
		return b.browser, nil
	}

	wsURL := b.opts.RemoteURL
	if wsURL == "" {
		l := launcher.New().Headless(true)
		if b.opts.UserDataDir != "" {
			l = l.UserDataDir(b.opts.UserDataDir)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("probe: launch chrome: %w", err)
		}
		b.lnch = l
		wsURL = u
	}

	browser := rod.New().ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		if b.lnch != nil {
			b.lnch.Kill()
			b.lnch = nil
		}
		return nil, fmt.Errorf("probe: connect chrome: %w", err)
	}
	b.browser = browser
	b.opts.Logger.Info("probe: browser ready", "remote", b.opts.RemoteURL != "")
	return browser, nil
}

// Close disconnects and, when the browser was launched locally, kills it.
func (b *BrowserSnapshotter) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var err error
	if b.browser != nil {
		err = b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Kill()
		b.lnch = nil
	}
	return err
}
