// Package scrape fetches a page and extracts its readable text, links,
// and tables into a scrape record payload.
package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"deskagent/internal/capability"
	"deskagent/internal/storage"
)

// Limiter bounds requests per target host; nil disables limiting.
type Limiter interface {
	Allow(ctx context.Context, host string, now time.Time) (bool, time.Time, error)
}

type Capability struct {
	httpClient *http.Client
	userAgent  string
	limiter    Limiter
	maxBody    int64
	logger     zerolog.Logger
}

type Config struct {
	HTTPClient *http.Client
	UserAgent  string
	Limiter    Limiter
	MaxBody    int64
	Logger     zerolog.Logger
}

func New(cfg Config) *Capability {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "deskagent/1.0"
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 8 << 20
	}
	return &Capability{
		httpClient: cfg.HTTPClient,
		userAgent:  cfg.UserAgent,
		limiter:    cfg.Limiter,
		maxBody:    cfg.MaxBody,
		logger:     cfg.Logger,
	}
}

var _ capability.Capability = (*Capability)(nil)

func (c *Capability) Kind() storage.Kind { return storage.KindScrape }

func (c *Capability) Handle(ctx context.Context, req capability.Request) (storage.Record, error) {
	sr, ok := req.(capability.ScrapeRequest)
	if !ok {
		return nil, fmt.Errorf("scrape capability: unexpected request type %T", req)
	}

	pageURL, err := url.Parse(sr.URL)
	if err != nil || (pageURL.Scheme != "http" && pageURL.Scheme != "https") || pageURL.Host == "" {
		return nil, &capability.FetchError{URL: sr.URL, Err: fmt.Errorf("not an http(s) url")}
	}

	if c.limiter != nil {
		allowed, resetAt, err := c.limiter.Allow(ctx, pageURL.Host, time.Now())
		if err != nil {
			return nil, &capability.FetchError{URL: sr.URL, Err: fmt.Errorf("rate limiter: %w", err)}
		}
		if !allowed {
			return nil, &capability.FetchError{URL: sr.URL, Err: fmt.Errorf("rate limited until %s", resetAt.Format(time.RFC3339))}
		}
	}

	body, err := c.fetch(ctx, sr.URL)
	if err != nil {
		return nil, err
	}

	text, err := extractText(body, pageURL)
	if err != nil {
		return nil, &capability.ParseError{URL: sr.URL, Err: err}
	}
	links, tables, err := extractLinksAndTables(body, pageURL)
	if err != nil {
		return nil, &capability.ParseError{URL: sr.URL, Err: err}
	}

	c.logger.Debug().Str("url", sr.URL).Int("links", len(links)).Int("tables", len(tables)).Msg("page scraped")

	return storage.ScrapeRecord{
		URL:    sr.URL,
		Text:   text,
		Links:  links,
		Tables: tables,
	}, nil
}

func (c *Capability) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &capability.FetchError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &capability.FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &capability.FetchError{URL: rawURL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, &capability.FetchError{URL: rawURL, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}
