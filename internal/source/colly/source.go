// Package collysource implements an item source that walks a paginated HTML
// listing using the Colly collector. Each page yields one batch; the cursor
// is the absolute URL of the next page.
package collysource

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/harvestkit/harvester/internal/harvester"
)

// Config controls collector behavior and the extraction selectors.
type Config struct {
	// StartURL is the first listing page.
	StartURL string `mapstructure:"start_url" yaml:"start_url"`
	// ItemSelector matches one item element per candidate.
	ItemSelector string `mapstructure:"item_selector" yaml:"item_selector"`
	// IDAttr names the attribute holding the item's declared ID. Empty
	// means the source declares no IDs and fingerprints fall back to
	// content hashing.
	IDAttr string `mapstructure:"id_attr" yaml:"id_attr"`
	// NextSelector matches the link to the next page; its href becomes the
	// next cursor.
	NextSelector string `mapstructure:"next_selector" yaml:"next_selector"`
	UserAgent    string `mapstructure:"user_agent" yaml:"user_agent"`
	// Headers are sent on every request, e.g. a session cookie.
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`
	Timeout time.Duration     `mapstructure:"timeout" yaml:"timeout"`
}

const defaultTimeout = 15 * time.Second

// Source fetches listing pages with Colly. Scraping targets rarely publish
// robots rules for authenticated feeds, so the collector ignores robots.txt;
// pacing is the caller's responsibility.
type Source struct {
	cfg  Config
	base *colly.Collector

	mu        sync.Mutex
	connected bool
}

// New builds a Source.
func New(cfg Config) *Source {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	return &Source{cfg: cfg, base: c}
}

// Connect validates the configuration. No request is issued until the first
// fetch.
func (s *Source) Connect(_ context.Context) error {
	if strings.TrimSpace(s.cfg.StartURL) == "" {
		return fmt.Errorf("start URL is required")
	}
	if _, err := url.ParseRequestURI(s.cfg.StartURL); err != nil {
		return fmt.Errorf("invalid start URL: %w", err)
	}
	if strings.TrimSpace(s.cfg.ItemSelector) == "" {
		return fmt.Errorf("item selector is required")
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

// FetchBatch scrapes one listing page. An empty cursor means the start URL.
func (s *Source) FetchBatch(ctx context.Context, cursor string) (harvester.Batch, error) {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return harvester.Batch{}, fmt.Errorf("source is not connected")
	}

	pageURL := cursor
	if pageURL == "" {
		pageURL = s.cfg.StartURL
	}

	var (
		batch    harvester.Batch
		fetchErr error
	)

	collector := s.base.Clone()
	collector.OnRequest(func(r *colly.Request) {
		for k, v := range s.cfg.Headers {
			r.Headers.Set(k, v)
		}
	})
	collector.OnHTML(s.cfg.ItemSelector, func(e *colly.HTMLElement) {
		item := harvester.Item{Content: []byte(strings.TrimSpace(e.Text))}
		if s.cfg.IDAttr != "" {
			item.DeclaredID = e.Attr(s.cfg.IDAttr)
		}
		batch.Items = append(batch.Items, item)
	})
	if s.cfg.NextSelector != "" {
		collector.OnHTML(s.cfg.NextSelector, func(e *colly.HTMLElement) {
			href := e.Attr("href")
			if href == "" {
				return
			}
			batch.NextCursor = e.Request.AbsoluteURL(href)
			batch.HasMore = batch.NextCursor != ""
		})
	}
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = classifyHTTPError(r, err)
	})

	if err := s.visit(ctx, collector, pageURL, &fetchErr); err != nil {
		return harvester.Batch{}, err
	}
	return batch, nil
}

// visit runs the collector in a goroutine so the fetch honors ctx even
// though Colly's Visit is synchronous. Visit reports HTTP failures itself,
// so when OnError has already mapped the response onto the error taxonomy
// that mapping wins over the raw Visit error. fetchErr is read only after
// Wait returns; the ctx branch must not touch it.
func (s *Source) visit(ctx context.Context, collector *colly.Collector, pageURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		err := collector.Visit(pageURL)
		collector.Wait()
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return fmt.Errorf("visit %s: %w", pageURL, err)
		}
		return nil
	}
}

// Close marks the source disconnected.
func (s *Source) Close(_ context.Context) error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

// classifyHTTPError maps HTTP failures onto the domain error taxonomy: a
// rejected credential is not retryable, everything else is left to the
// caller's retry policy.
func classifyHTTPError(r *colly.Response, err error) error {
	if r == nil {
		return err
	}
	switch r.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: status %d from %s", harvester.ErrAuthExpired, r.StatusCode, r.Request.URL)
	default:
		return fmt.Errorf("fetch %s: status %d: %w", r.Request.URL, r.StatusCode, err)
	}
}
