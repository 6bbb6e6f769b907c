package usajobs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/usajobs-etl/internal/backoff"
	"github.com/JakeFAU/usajobs-etl/internal/policy/ratelimit"
)

const testAPIKey = "abcd1234efgh5678ijkl9012"

const twoItemBody = `{
  "SearchResult": {
    "SearchResultCount": 2,
    "SearchResultCountAll": 2,
    "SearchResultItems": [
      {"MatchedObjectId": "TEST-001", "MatchedObjectDescriptor": {"PositionTitle": "Data Engineer"}},
      {"MatchedObjectId": "TEST-002", "MatchedObjectDescriptor": {"PositionTitle": "Remote Analyst"}}
    ]
  }
}`

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestClient(t *testing.T, url string, attempts int, sleeper *recordingSleeper) *Client {
	t.Helper()
	cfg := Config{
		BaseURL:   url,
		APIKey:    testAPIKey,
		UserAgent: "etl@example.com",
		Keyword:   "data engineering",
		Location:  "Chicago",
		PageSize:  100,
		Timeout:   2 * time.Second,
	}
	return New(cfg, backoff.New(attempts, time.Second, 60*time.Second), zap.NewNop(), WithSleeper(sleeper.Sleep))
}

func TestFetchPageSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testAPIKey, r.Header.Get("Authorization-Key"))
		assert.Equal(t, "etl@example.com", r.Header.Get("User-Agent"))
		q := r.URL.Query()
		assert.Equal(t, "data engineering", q.Get("Keyword"))
		assert.Equal(t, "Chicago", q.Get("LocationName"))
		assert.Equal(t, "100", q.Get("ResultsPerPage"))
		assert.Equal(t, "3", q.Get("Page"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(twoItemBody))
	}))
	defer srv.Close()

	sleeper := &recordingSleeper{}
	page, err := newTestClient(t, srv.URL, 3, sleeper).FetchPage(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Number)
	assert.Equal(t, 2, page.CountAll)
	require.Len(t, page.Items, 2)
	assert.Contains(t, string(page.Items[0]), "TEST-001")
	assert.JSONEq(t, twoItemBody, string(page.Body))
	assert.Empty(t, sleeper.delays)
}

func TestFetchPageRetriesRateLimit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(twoItemBody))
	}))
	defer srv.Close()

	sleeper := &recordingSleeper{}
	page, err := newTestClient(t, srv.URL, 3, sleeper).FetchPage(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.delays)
}

func TestFetchPageExhaustsRetries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
		},
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
		},
		{
			name: "undecodable body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("<html>maintenance</html>"))
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				tt.handler(w, r)
			}))
			defer srv.Close()

			sleeper := &recordingSleeper{}
			_, err := newTestClient(t, srv.URL, 3, sleeper).FetchPage(context.Background(), 1)
			require.ErrorIs(t, err, ErrFetchFailed)
			assert.Equal(t, int32(3), calls.Load())
			// No sleep follows the final attempt.
			assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.delays)
		})
	}
}

func TestFetchPageBackoffClampsToMax(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sleeper := &recordingSleeper{}
	c := New(Config{BaseURL: srv.URL, APIKey: testAPIKey, PageSize: 10, Timeout: time.Second},
		backoff.New(5, 3*time.Second, 10*time.Second), nil, WithSleeper(sleeper.Sleep))

	_, err := c.FetchPage(context.Background(), 1)
	require.ErrorIs(t, err, ErrFetchFailed)
	assert.Equal(t, []time.Duration{3 * time.Second, 6 * time.Second, 10 * time.Second, 10 * time.Second}, sleeper.delays)
}

func TestFetchPageTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	sleeper := &recordingSleeper{}
	_, err := newTestClient(t, url, 2, sleeper).FetchPage(context.Background(), 1)
	require.ErrorIs(t, err, ErrFetchFailed)
	assert.Len(t, sleeper.delays, 1)
}

func TestFetchPageContextCanceled(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancelingSleeper := func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	c := New(Config{BaseURL: srv.URL, APIKey: testAPIKey, PageSize: 10, Timeout: time.Second},
		backoff.New(5, time.Second, time.Minute), zap.NewNop(), WithSleeper(cancelingSleeper))

	_, err := c.FetchPage(ctx, 1)
	require.ErrorIs(t, err, ErrFetchFailed)
	require.True(t, errors.Is(err, context.Canceled), "expected context.Canceled, got %v", err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchPageEmptyResult(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"SearchResult": {"SearchResultCountAll": 0, "SearchResultItems": []}}`)
	}))
	defer srv.Close()

	page, err := newTestClient(t, srv.URL, 1, &recordingSleeper{}).FetchPage(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Zero(t, page.CountAll)
}

func TestFetchPageSpacesEveryRequest(t *testing.T) {
	t.Parallel()

	const interval = 100 * time.Millisecond

	var (
		mu     sync.Mutex
		stamps []time.Time
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(twoItemBody))
	}))
	defer srv.Close()

	cfg := Config{BaseURL: srv.URL, APIKey: testAPIKey, PageSize: 2, Timeout: 2 * time.Second}
	client := New(cfg, backoff.New(1, time.Millisecond, time.Millisecond), zap.NewNop(),
		WithPacer(ratelimit.New(interval)))

	for page := 1; page <= 3; page++ {
		_, err := client.FetchPage(context.Background(), page)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stamps, 3)
	// Token bucket refills are exact; allow a little scheduler slack.
	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		assert.GreaterOrEqual(t, gap, interval-10*time.Millisecond, "gap between request %d and %d", i, i+1)
	}
}
