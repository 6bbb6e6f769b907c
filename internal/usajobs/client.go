// Package usajobs implements the paginated USAJobs search client.
package usajobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/usajobs-etl/internal/backoff"
	"github.com/JakeFAU/usajobs-etl/internal/listing"
	"github.com/JakeFAU/usajobs-etl/internal/metrics"
	"github.com/JakeFAU/usajobs-etl/internal/policy/ratelimit"
)

// ErrFetchFailed wraps every error returned by FetchPage.
var ErrFetchFailed = errors.New("usajobs fetch failed")

var errRateLimited = errors.New("rate limited (HTTP 429)")

// Config carries the fixed request parameters.
type Config struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	Keyword   string
	Location  string
	PageSize  int
	Timeout   time.Duration
}

// Page is one decoded page of search results.
type Page struct {
	Number   int
	Items    []listing.RawListing
	CountAll int
	// Body is the raw response, kept for archiving.
	Body []byte
}

type searchResponse struct {
	SearchResult struct {
		SearchResultCount    int                  `json:"SearchResultCount"`
		SearchResultCountAll int                  `json:"SearchResultCountAll"`
		SearchResultItems    []listing.RawListing `json:"SearchResultItems"`
	} `json:"SearchResult"`
}

// Client fetches search pages with retry, backoff and pacing.
type Client struct {
	http   *resty.Client
	cfg    Config
	retry  backoff.Policy
	pacer  *ratelimit.Pacer
	sleep  backoff.Sleeper
	logger *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithSleeper replaces the backoff sleeper (used by tests).
func WithSleeper(s backoff.Sleeper) Option {
	return func(c *Client) {
		if s != nil {
			c.sleep = s
		}
	}
}

// WithPacer replaces the inter-request pacer.
func WithPacer(p *ratelimit.Pacer) Option {
	return func(c *Client) {
		if p != nil {
			c.pacer = p
		}
	}
}

// New creates a Client.
func New(cfg Config, retry backoff.Policy, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("usajobs")

	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("Authorization-Key", cfg.APIKey)
	client.SetHeader("Accept", "application/json")
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	client.SetLogger(logger.Sugar())

	c := &Client{
		http:   client,
		cfg:    cfg,
		retry:  retry,
		pacer:  ratelimit.New(0),
		sleep:  backoff.Sleep,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	logger.Debug("search client ready",
		zap.String("base_url", cfg.BaseURL),
		zap.Int("max_attempts", retry.MaxAttempts),
		zap.Duration("min_request_interval", c.pacer.Interval()),
	)
	return c
}

// FetchPage retrieves one page of results. Failures that survive every retry
// are returned wrapped in ErrFetchFailed.
func (c *Client) FetchPage(ctx context.Context, pageNumber int) (Page, error) {
	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Page{}, fmt.Errorf("%w: %w", ErrFetchFailed, err)
		}

		page, err := c.fetchOnce(ctx, pageNumber)
		if err == nil {
			metrics.ObserveFetchAttempt(metrics.OutcomeOK)
			return page, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Page{}, fmt.Errorf("%w: %w", ErrFetchFailed, ctxErr)
		}

		lastErr = err
		if errors.Is(err, errRateLimited) {
			metrics.ObserveFetchAttempt(metrics.OutcomeRateLimited)
		} else {
			metrics.ObserveFetchAttempt(metrics.OutcomeError)
		}
		if c.retry.IsLast(attempt) {
			break
		}

		delay := c.retry.Delay(attempt)
		c.logger.Warn("fetch attempt failed, backing off",
			zap.Int("page", pageNumber),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", c.retry.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		metrics.ObserveFetchBackoff(delay)
		if err := c.sleep(ctx, delay); err != nil {
			return Page{}, fmt.Errorf("%w: %w", ErrFetchFailed, err)
		}
	}

	c.logger.Error("fetch exhausted retries",
		zap.Int("page", pageNumber),
		zap.Int("attempts", c.retry.MaxAttempts),
		zap.Error(lastErr),
	)
	return Page{}, fmt.Errorf("%w: page %d after %d attempts: %w", ErrFetchFailed, pageNumber, c.retry.MaxAttempts, lastErr)
}

// fetchOnce waits on the pacer before sending, so every request is spaced
// from the previous one by at least the configured interval.
func (c *Client) fetchOnce(ctx context.Context, pageNumber int) (Page, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return Page{}, err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"Keyword":        c.cfg.Keyword,
			"LocationName":   c.cfg.Location,
			"ResultsPerPage": strconv.Itoa(c.cfg.PageSize),
			"Page":           strconv.Itoa(pageNumber),
		}).
		Get(c.cfg.BaseURL)
	if err != nil {
		return Page{}, fmt.Errorf("request page %d: %w", pageNumber, err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusTooManyRequests:
		return Page{}, errRateLimited
	case !resp.IsSuccess():
		return Page{}, fmt.Errorf("unexpected status %d", code)
	}

	body := resp.Body()
	var decoded searchResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Page{}, fmt.Errorf("decode page %d: %w", pageNumber, err)
	}

	c.logger.Debug("fetched page",
		zap.Int("page", pageNumber),
		zap.Int("items", len(decoded.SearchResult.SearchResultItems)),
		zap.Int("count_all", decoded.SearchResult.SearchResultCountAll),
	)
	return Page{
		Number:   pageNumber,
		Items:    decoded.SearchResult.SearchResultItems,
		CountAll: decoded.SearchResult.SearchResultCountAll,
		Body:     body,
	}, nil
}
