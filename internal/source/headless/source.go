// Package headless implements an item source for feeds that only render via
// JavaScript, driven by chromedp and headless Chrome. The browser tab is the
// pagination state: each fetch scrolls the feed further and returns the
// items that appeared, so the cursor argument is unused.
package headless

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/harvestkit/harvester/internal/harvester"
)

// Config controls the headless source.
type Config struct {
	// StartURL is the feed page to open.
	StartURL string `mapstructure:"start_url" yaml:"start_url"`
	// ItemSelector matches one rendered item element.
	ItemSelector string `mapstructure:"item_selector" yaml:"item_selector"`
	// IDAttr names the attribute carrying the declared ID, if any.
	IDAttr string `mapstructure:"id_attr" yaml:"id_attr"`
	// LoginMarker, when set, is a selector that must be present after
	// navigation; its absence means the stored credentials no longer work.
	LoginMarker string `mapstructure:"login_marker" yaml:"login_marker"`
	UserAgent   string `mapstructure:"user_agent" yaml:"user_agent"`
	// Headers are injected on every browser request, e.g. cookies.
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`
	// ScrollSettle is how long to wait after scrolling for lazy content
	// (default 2s).
	ScrollSettle time.Duration `mapstructure:"scroll_settle" yaml:"scroll_settle"`
	// NavigationTimeout bounds the initial page load (default 45s).
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
}

// extracted mirrors the array produced by the in-page extraction script.
type extracted struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Source drives one headless browser tab over a scrolling feed.
type Source struct {
	cfg Config

	mu          sync.Mutex
	allocCancel context.CancelFunc
	tabCancel   context.CancelFunc
	tab         context.Context
	seenCount   int
	lastHeight  int64
}

// New builds a Source; the browser launches on Connect.
func New(cfg Config) *Source {
	if cfg.ScrollSettle <= 0 {
		cfg.ScrollSettle = 2 * time.Second
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	return &Source{cfg: cfg}
}

// Connect launches Chrome, opens the feed, and verifies the login marker.
func (s *Source) Connect(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.StartURL) == "" {
		return fmt.Errorf("start URL is required")
	}
	if strings.TrimSpace(s.cfg.ItemSelector) == "" {
		return fmt.Errorf("item selector is required")
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tab, tabCancel := chromedp.NewContext(allocCtx)

	navCtx, cancel := context.WithTimeout(tab, s.cfg.NavigationTimeout)
	defer cancel()

	actions := []chromedp.Action{
		s.networkSetupAction(),
		chromedp.Navigate(s.cfg.StartURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if err := chromedp.Run(navCtx, actions...); err != nil {
		tabCancel()
		allocCancel()
		return fmt.Errorf("open feed page: %w", err)
	}

	if s.cfg.LoginMarker != "" {
		var present bool
		script := fmt.Sprintf("document.querySelector(%q) !== null", s.cfg.LoginMarker)
		if err := chromedp.Run(navCtx, chromedp.Evaluate(script, &present)); err != nil {
			tabCancel()
			allocCancel()
			return fmt.Errorf("probe login marker: %w", err)
		}
		if !present {
			tabCancel()
			allocCancel()
			return fmt.Errorf("%w: login marker %q not found", harvester.ErrAuthExpired, s.cfg.LoginMarker)
		}
	}

	s.mu.Lock()
	s.allocCancel = allocCancel
	s.tabCancel = tabCancel
	s.tab = tab
	s.seenCount = 0
	s.lastHeight = 0
	s.mu.Unlock()
	return nil
}

// FetchBatch extracts items rendered since the previous fetch, then scrolls
// to the bottom to trigger the next page. HasMore is inferred from document
// height growth: a feed that stops growing is out of content.
func (s *Source) FetchBatch(ctx context.Context, _ string) (harvester.Batch, error) {
	s.mu.Lock()
	tab := s.tab
	prevSeen := s.seenCount
	prevHeight := s.lastHeight
	s.mu.Unlock()
	if tab == nil {
		return harvester.Batch{}, fmt.Errorf("source is not connected")
	}

	runCtx, cancel := mergeCancel(tab, ctx)
	defer cancel()

	var raw json.RawMessage
	var height int64
	actions := []chromedp.Action{
		chromedp.Evaluate(s.extractScript(prevSeen), &raw),
		chromedp.Evaluate("document.body.scrollHeight", &height),
		chromedp.Evaluate("window.scrollTo(0, document.body.scrollHeight)", nil),
		chromedp.Sleep(s.cfg.ScrollSettle),
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return harvester.Batch{}, fmt.Errorf("scroll feed: %w", err)
	}

	var found []extracted
	if err := json.Unmarshal(raw, &found); err != nil {
		return harvester.Batch{}, fmt.Errorf("decode extracted items: %w", err)
	}

	items := make([]harvester.Item, 0, len(found))
	for _, f := range found {
		items = append(items, harvester.Item{
			DeclaredID: f.ID,
			Content:    []byte(f.Text),
		})
	}

	hasMore := height > prevHeight || len(items) > 0

	s.mu.Lock()
	s.seenCount = prevSeen + len(items)
	s.lastHeight = height
	s.mu.Unlock()

	return harvester.Batch{Items: items, HasMore: hasMore}, nil
}

// Close tears down the tab and the browser process.
func (s *Source) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tabCancel != nil {
		s.tabCancel()
		s.tabCancel = nil
	}
	if s.allocCancel != nil {
		s.allocCancel()
		s.allocCancel = nil
	}
	s.tab = nil
	return nil
}

// extractScript returns a script collecting item elements past the given
// offset as [{id, text}].
func (s *Source) extractScript(offset int) string {
	return fmt.Sprintf(`(() => {
		const nodes = Array.from(document.querySelectorAll(%q)).slice(%d);
		return nodes.map(n => ({
			id: %q ? (n.getAttribute(%q) || "") : "",
			text: (n.innerText || "").trim(),
		}));
	})()`, s.cfg.ItemSelector, offset, s.cfg.IDAttr, s.cfg.IDAttr)
}

func (s *Source) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(s.cfg.Headers) > 0 {
			headers := make(network.Headers, len(s.cfg.Headers))
			for k, v := range s.cfg.Headers {
				headers[k] = v
			}
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// mergeCancel derives a context from the browser tab that is also canceled
// when the caller's context ends. chromedp actions must run on the tab's
// context chain, so the caller's ctx cannot be passed to Run directly.
func mergeCancel(tab, caller context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(tab)
	stop := context.AfterFunc(caller, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
