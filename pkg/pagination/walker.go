package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

var (
	pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_pages_fetched_total",
		Help: "Total upstream pages fetched during aggregations",
	})

	aggregatedItems = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_aggregated_items",
		Help:    "Number of items returned per completed aggregation",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	aggregationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_aggregations_total",
		Help: "Total aggregations by result",
	}, []string{"result"})
)

var (
	// ErrEmptyURL is returned when no first-page URL is given.
	ErrEmptyURL = errors.New("first page URL is empty")

	// ErrLimitExceeded is returned when a listing exceeds MaxPages or MaxItems.
	ErrLimitExceeded = errors.New("pagination limit exceeded")

	// ErrCursorLoop is returned when a next link repeats a URL already fetched.
	ErrCursorLoop = errors.New("pagination cursor loop")

	// ErrForeignCursor is returned when a next link points to another host.
	ErrForeignCursor = errors.New("next page link leaves upstream host")

	// ErrInvalidCursor is returned when a next link cannot be parsed.
	ErrInvalidCursor = errors.New("invalid next page link")
)

// Page is one upstream listing page.
type Page struct {
	Data   []json.RawMessage `json:"data"`
	Paging Paging            `json:"paging"`
	Total  int               `json:"total,omitempty"`
}

// Paging carries the upstream cursors. Only Next drives the walk.
type Paging struct {
	Next     *string `json:"next"`
	Previous *string `json:"previous,omitempty"`
	First    *string `json:"first,omitempty"`
	Last     *string `json:"last,omitempty"`
}

// NextCursor returns the next link, or "" when the listing is complete.
func (p *Page) NextCursor() string {
	if p == nil || p.Paging.Next == nil {
		return ""
	}
	return *p.Paging.Next
}

// PageFetcher fetches a single page by absolute URL.
type PageFetcher interface {
	FetchPage(ctx context.Context, pageURL string) (*Page, error)
}

// Config holds walker limits.
type Config struct {
	// MaxPages caps the number of pages fetched in one walk.
	MaxPages int

	// MaxItems caps the number of accumulated items.
	MaxItems int

	// Timeout is the overall deadline for one walk; 0 disables it.
	Timeout time.Duration
}

// DefaultConfig returns the default walker limits.
func DefaultConfig() Config {
	return Config{
		MaxPages: 500,
		MaxItems: 25000,
		Timeout:  2 * time.Minute,
	}
}

// Walker follows next-page cursors and concatenates page data.
type Walker struct {
	fetcher PageFetcher
	config  Config
}

// NewWalker creates a walker. Non-positive limits fall back to the defaults.
func NewWalker(fetcher PageFetcher, config Config) *Walker {
	defaults := DefaultConfig()
	if config.MaxPages <= 0 {
		config.MaxPages = defaults.MaxPages
	}
	if config.MaxItems <= 0 {
		config.MaxItems = defaults.MaxItems
	}
	if config.Timeout < 0 {
		config.Timeout = 0
	}

	return &Walker{
		fetcher: fetcher,
		config:  config,
	}
}

// state is the per-walk accumulation; never shared between walks.
type state struct {
	accumulated []json.RawMessage
	cursor      string
	origin      *url.URL
	seen        map[string]struct{}
	pages       int
}

// FetchAllPages fetches firstURL and every following page, returning all
// items in fetch order. Any failure discards the items gathered so far.
func (w *Walker) FetchAllPages(ctx context.Context, firstURL string) ([]json.RawMessage, error) {
	if firstURL == "" {
		return nil, ErrEmptyURL
	}

	origin, err := url.Parse(firstURL)
	if err != nil || origin.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCursor, firstURL)
	}

	if w.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	st := &state{
		accumulated: []json.RawMessage{},
		cursor:      origin.String(),
		origin:      origin,
		seen:        map[string]struct{}{},
	}

	for st.cursor != "" {
		if err := w.step(ctx, st); err != nil {
			aggregationsTotal.WithLabelValues("failed").Inc()
			log.Warn().
				Err(err).
				Int("pages", st.pages).
				Int("discarded_items", len(st.accumulated)).
				Msg("Aggregation failed")
			return nil, err
		}
	}

	aggregationsTotal.WithLabelValues("complete").Inc()
	aggregatedItems.Observe(float64(len(st.accumulated)))

	log.Info().
		Str("url", redact(origin)).
		Int("pages", st.pages).
		Int("items", len(st.accumulated)).
		Dur("duration", time.Since(start)).
		Msg("Aggregation complete")

	return st.accumulated, nil
}

// step fetches the page at st.cursor, appends its data and advances the cursor.
func (w *Walker) step(ctx context.Context, st *state) error {
	if st.pages >= w.config.MaxPages {
		return fmt.Errorf("%w: more than %d pages", ErrLimitExceeded, w.config.MaxPages)
	}
	st.seen[st.cursor] = struct{}{}

	log.Debug().
		Int("page", st.pages+1).
		Msg("Fetching page")

	page, err := w.fetcher.FetchPage(ctx, st.cursor)
	if err != nil {
		return fmt.Errorf("fetch page %d: %w", st.pages+1, err)
	}
	st.pages++
	pagesFetchedTotal.Inc()

	if page == nil {
		st.cursor = ""
		return nil
	}

	if len(st.accumulated)+len(page.Data) > w.config.MaxItems {
		return fmt.Errorf("%w: more than %d items", ErrLimitExceeded, w.config.MaxItems)
	}
	st.accumulated = append(st.accumulated, page.Data...)

	next := page.NextCursor()
	if next == "" {
		st.cursor = ""
		return nil
	}

	resolved, err := resolveNext(st.origin, st.cursor, next)
	if err != nil {
		return err
	}
	if _, dup := st.seen[resolved]; dup {
		return fmt.Errorf("%w: %s", ErrCursorLoop, next)
	}
	st.cursor = resolved
	return nil
}

// resolveNext resolves a next link against the current page URL and checks
// it stays on the origin's scheme and host.
func resolveNext(origin *url.URL, current, next string) (string, error) {
	cur, err := url.Parse(current)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	ref, err := url.Parse(next)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	resolved := cur.ResolveReference(ref)
	if !sameOrigin(origin, resolved) {
		return "", fmt.Errorf("%w: %s", ErrForeignCursor, resolved.Host)
	}
	return resolved.String(), nil
}

// sameOrigin compares scheme, hostname and port, treating an omitted port as
// the scheme's default.
func sameOrigin(a, b *url.URL) bool {
	if !strings.EqualFold(a.Scheme, b.Scheme) || !strings.EqualFold(a.Hostname(), b.Hostname()) {
		return false
	}
	return effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}

// redact drops the query so logged URLs carry no field lists or tokens.
func redact(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.User = nil
	return c.String()
}
