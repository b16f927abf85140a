package marketdata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func retries(n int) *int { return &n }

func testClient(t *testing.T, handler http.Handler, cfg Config) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	if cfg.APIKey == "" {
		cfg.APIKey = "test-key"
	}
	return NewClient(cfg, nil), srv
}

func TestClient_RetriesRateLimitThenSucceeds(t *testing.T) {
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"data": ["AAPL260116C00150000"]}`))
	})

	client, _ := testClient(t, handler, Config{
		Spacing:     time.Millisecond,
		MaxRetries:  retries(3),
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})

	symbols, err := client.GetListedContracts(context.Background(), "AAPL", time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(symbols) != 1 || symbols[0] != "AAPL260116C00150000" {
		t.Errorf("unexpected symbols: %v", symbols)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 requests, got %d", got)
	}
}

func TestClient_RateLimitExhausted(t *testing.T) {
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	client, _ := testClient(t, handler, Config{
		Spacing:     time.Millisecond,
		MaxRetries:  retries(2),
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})

	_, err := client.GetListedContracts(context.Background(), "AAPL", time.Time{})
	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusTooManyRequests {
		t.Errorf("expected wrapped 429 APIError, got %v", err)
	}
	// initial attempt + MaxRetries
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 requests, got %d", got)
	}
}

func TestClient_ZeroMaxRetriesDisablesRetrying(t *testing.T) {
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	client, _ := testClient(t, handler, Config{
		Spacing:     time.Millisecond,
		MaxRetries:  retries(0),
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})

	_, err := client.GetListedContracts(context.Background(), "AAPL", time.Time{})
	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected a single request with retries disabled, got %d", got)
	}
}

func TestClient_NonSuccessStatus(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	})

	client, _ := testClient(t, handler, Config{Spacing: time.Millisecond})

	_, err := client.GetListedContracts(context.Background(), "AAPL", time.Time{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", apiErr.Status)
	}
	if !IsPermanentAPIError(err) {
		t.Error("403 should be classified as permanent")
	}
}

func TestClient_AuthHeader(t *testing.T) {
	var gotAuth string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"data": []}`))
	})

	client, _ := testClient(t, handler, Config{Spacing: time.Millisecond, APIKey: "secret"})
	if _, err := client.GetListedContracts(context.Background(), "AAPL", time.Time{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("expected bearer auth header, got %q", gotAuth)
	}
}

func TestClient_SpacingAcrossConcurrentCallers(t *testing.T) {
	const spacing = 25 * time.Millisecond
	const requests = 4

	var mu sync.Mutex
	var arrivals []time.Time
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		mu.Unlock()
		_, _ = w.Write([]byte(`{"data": []}`))
	})

	client, _ := testClient(t, handler, Config{Spacing: spacing, MaxConcurrent: requests})

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = client.GetListedContracts(context.Background(), "AAPL", time.Time{})
		}()
	}
	wg.Wait()

	// Dispatch slots are reserved sequentially, so N requests take at
	// least (N-1) spacing intervals regardless of caller concurrency.
	if elapsed := time.Since(start); elapsed < (requests-1)*spacing {
		t.Errorf("requests dispatched too fast: %v elapsed for %d requests at %v spacing",
			elapsed, requests, spacing)
	}
	if len(arrivals) != requests {
		t.Fatalf("expected %d requests, got %d", requests, len(arrivals))
	}
}

func TestClient_ConcurrencyCeiling(t *testing.T) {
	const limit = 2

	var inFlight, peak int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		_, _ = w.Write([]byte(`{"data": []}`))
	})

	client, _ := testClient(t, handler, Config{Spacing: time.Millisecond, MaxConcurrent: limit})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = client.GetListedContracts(context.Background(), "AAPL", time.Time{})
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&peak); got > limit {
		t.Errorf("observed %d concurrent requests, limit is %d", got, limit)
	}
}

func TestClient_ContextCanceledDuringBackoff(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	client, _ := testClient(t, handler, Config{
		Spacing:     time.Millisecond,
		MaxRetries:  retries(5),
		BaseBackoff: time.Minute,
		MaxBackoff:  time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.GetListedContracts(ctx, "AAPL", time.Time{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context deadline error, got %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 500 * time.Millisecond
	capD := 10 * time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{6, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(base, capD, tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestIsPermanentAPIError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"404", &APIError{Status: 404}, true},
		{"429", &APIError{Status: 429}, false},
		{"500", &APIError{Status: 500}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanentAPIError(tt.err); got != tt.want {
				t.Errorf("IsPermanentAPIError = %v, want %v", got, tt.want)
			}
		})
	}
}
