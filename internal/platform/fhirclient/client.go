// Package fhirclient implements the resilient query client for the upstream
// FHIR server. Its contract is deliberately soft: connectivity is probed with
// bounded retries, searches walk a progressive fallback chain of relaxed
// query variants, and total failure surfaces as an empty result rather than
// an error so downstream reconciliation can switch to the offline dataset.
package fhirclient

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/edpulse/edpulse/internal/platform/fhir"
)

// Config holds the tunables of the upstream client.
type Config struct {
	BaseURL       string
	Timeout       time.Duration // per-request deadline
	DefaultCount  int           // page size when the caller does not set _count
	ProbeAttempts int
	ProbeBackoff  time.Duration // linear: attempt * backoff
	UpstreamRPS   float64       // 0 disables pacing
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.DefaultCount <= 0 {
		c.DefaultCount = 50
	}
	if c.ProbeAttempts <= 0 {
		c.ProbeAttempts = 3
	}
	if c.ProbeBackoff <= 0 {
		c.ProbeBackoff = 500 * time.Millisecond
	}
}

// reducedPageSize caps the page size used by the last fallback variant.
const reducedPageSize = 15

// Client is the resilient upstream query client. Safe for concurrent use.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
	cfg     Config
}

// New builds a Client against the given base URL. The transport is paced by a
// token-bucket limiter and guarded by a circuit breaker so that a flapping
// upstream fails fast instead of stalling every refresh cycle.
func New(cfg Config, logger zerolog.Logger) *Client {
	cfg.applyDefaults()

	httpc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/fhir+json")

	limit := rate.Inf
	burst := 1
	if cfg.UpstreamRPS > 0 {
		limit = rate.Limit(cfg.UpstreamRPS)
		burst = int(cfg.UpstreamRPS)
		if burst < 1 {
			burst = 1
		}
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "fhir-upstream",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return &Client{
		http:    httpc,
		limiter: rate.NewLimiter(limit, burst),
		breaker: breaker,
		log:     logger.With().Str("component", "fhirclient").Logger(),
		cfg:     cfg,
	}
}

// Probe tests upstream reachability via the capability statement. It retries
// with linear backoff and returns false only after every attempt fails.
func (c *Client) Probe(ctx context.Context) bool {
	for attempt := 1; attempt <= c.cfg.ProbeAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return false
		}
		resp, err := c.http.R().SetContext(ctx).Get("/metadata")
		if err == nil && resp.IsSuccess() {
			return true
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode()
		}
		c.log.Warn().
			Int("attempt", attempt).
			Int("status", status).
			Err(err).
			Msg("probe attempt failed")

		if attempt < c.cfg.ProbeAttempts {
			select {
			case <-time.After(time.Duration(attempt) * c.cfg.ProbeBackoff):
			case <-ctx.Done():
				return false
			}
		}
	}
	return false
}

// SearchOptions shape one logical search.
type SearchOptions struct {
	Count  int               // page size; 0 uses the configured default
	Sort   string            // sort expression; "" uses reverse-chronological
	Params map[string]string // arbitrary filter parameters
}

// Search runs one logical query with the fallback chain: the query as given,
// then without the sort parameter (some servers reject compound sort+filter),
// then with a reduced page size and no sort. It returns whatever entries the
// first succeeding variant produced; if every variant fails the result is
// empty, never an error.
func (c *Client) Search(ctx context.Context, resourceType string, opts SearchOptions) []fhir.BundleEntry {
	count := opts.Count
	if count <= 0 {
		count = c.cfg.DefaultCount
	}
	sort := opts.Sort
	if sort == "" {
		sort = "-date"
	}

	reduced := count
	if reduced > reducedPageSize {
		reduced = reducedPageSize
	}

	variants := []struct {
		label string
		count int
		sort  string
	}{
		{"full", count, sort},
		{"no-sort", count, ""},
		{"reduced", reduced, ""},
	}

	for _, v := range variants {
		entries, err := c.searchOnce(ctx, resourceType, v.count, v.sort, opts.Params)
		if err == nil {
			if v.label != "full" {
				c.log.Info().
					Str("resource", resourceType).
					Str("variant", v.label).
					Int("entries", len(entries)).
					Msg("search succeeded on fallback variant")
			}
			return entries
		}
		c.log.Warn().
			Str("resource", resourceType).
			Str("variant", v.label).
			Err(err).
			Msg("search variant failed")
	}

	c.log.Error().Str("resource", resourceType).Msg("all search variants exhausted, returning empty result")
	return nil
}

func (c *Client) searchOnce(ctx context.Context, resourceType string, count int, sort string, params map[string]string) ([]fhir.BundleEntry, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := make(map[string]string, len(params)+2)
	for k, v := range params {
		query[k] = v
	}
	query["_count"] = strconv.Itoa(count)
	if sort != "" {
		query["_sort"] = sort
	}

	body, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(query).
			Get("/" + resourceType)
		if err != nil {
			return nil, err
		}
		if !resp.IsSuccess() {
			return nil, fmt.Errorf("upstream returned %d", resp.StatusCode())
		}
		return resp.Body(), nil
	})
	if err != nil {
		return nil, err
	}

	bundle, err := fhir.ParseBundle(body.([]byte))
	if err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return bundle.Entry, nil
}

// GetByID fetches one resource by its id. Unlike Search this surfaces the
// error: callers use it for targeted lookups where a miss is meaningful.
func (c *Client) GetByID(ctx context.Context, resourceType, id string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			Get(fmt.Sprintf("/%s/%s", resourceType, id))
		if err != nil {
			return nil, err
		}
		if !resp.IsSuccess() {
			return nil, fmt.Errorf("upstream returned %d", resp.StatusCode())
		}
		return resp.Body(), nil
	})
	if err != nil {
		return nil, err
	}
	return body.([]byte), nil
}
