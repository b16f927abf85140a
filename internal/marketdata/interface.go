package marketdata

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// MarketData is the interface the chart and earnings pipelines consume.
// All implementations must be safe for concurrent use.
type MarketData interface {
	GetPriceCandles(ctx context.Context, ticker, interval string, start, end time.Time) ([]PriceCandle, error)
	GetListedContracts(ctx context.Context, ticker string, date time.Time) ([]string, error)
	GetIntradayObservations(ctx context.Context, symbol string, date time.Time) ([]IntradayObservation, error)
	GetHistoricObservations(ctx context.Context, symbol string) ([]HistoricObservation, error)
	GetExpirationDates(ctx context.Context, ticker string) ([]time.Time, error)
	GetEarningsEvents(ctx context.Context, ticker string) ([]EarningsEvent, error)
}

// Ensure Client implements MarketData at compile time.
var _ MarketData = (*Client)(nil)

// IsPermanentAPIError reports whether err is a 4xx upstream response other
// than 429, i.e. one that retrying or rerouting cannot fix.
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// BreakerSettings configures circuit breaker behavior.
type BreakerSettings struct {
	MaxRequests  uint32        // max requests when half-open
	Interval     time.Duration // reset counts interval
	Timeout      time.Duration // open circuit duration
	MinRequests  uint32        // min requests before tripping
	FailureRatio float64       // failure ratio threshold
}

// BreakerClient wraps a MarketData implementation with a circuit breaker
// so a misbehaving upstream fails fast instead of burning the rate budget.
type BreakerClient struct {
	inner   MarketData
	breaker *gobreaker.CircuitBreaker
}

// Ensure BreakerClient implements MarketData at compile time.
var _ MarketData = (*BreakerClient)(nil)

// NewBreakerClient wraps inner with sensible defaults.
func NewBreakerClient(inner MarketData) *BreakerClient {
	return NewBreakerClientWithSettings(inner, BreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewBreakerClientWithSettings wraps inner with custom settings.
func NewBreakerClientWithSettings(inner MarketData, settings BreakerSettings) *BreakerClient {
	gbSettings := gobreaker.Settings{
		Name:        "MarketDataCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}
	return &BreakerClient{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execBreaker is a generic helper for the wrapper methods.
func execBreaker[T any](breaker *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// GetPriceCandles wraps the underlying call with the circuit breaker.
func (b *BreakerClient) GetPriceCandles(ctx context.Context, ticker, interval string, start, end time.Time) ([]PriceCandle, error) {
	return execBreaker(b.breaker, func() ([]PriceCandle, error) {
		return b.inner.GetPriceCandles(ctx, ticker, interval, start, end)
	})
}

// GetListedContracts wraps the underlying call with the circuit breaker.
func (b *BreakerClient) GetListedContracts(ctx context.Context, ticker string, date time.Time) ([]string, error) {
	return execBreaker(b.breaker, func() ([]string, error) {
		return b.inner.GetListedContracts(ctx, ticker, date)
	})
}

// GetIntradayObservations wraps the underlying call with the circuit breaker.
func (b *BreakerClient) GetIntradayObservations(ctx context.Context, symbol string, date time.Time) ([]IntradayObservation, error) {
	return execBreaker(b.breaker, func() ([]IntradayObservation, error) {
		return b.inner.GetIntradayObservations(ctx, symbol, date)
	})
}

// GetHistoricObservations wraps the underlying call with the circuit breaker.
func (b *BreakerClient) GetHistoricObservations(ctx context.Context, symbol string) ([]HistoricObservation, error) {
	return execBreaker(b.breaker, func() ([]HistoricObservation, error) {
		return b.inner.GetHistoricObservations(ctx, symbol)
	})
}

// GetExpirationDates wraps the underlying call with the circuit breaker.
func (b *BreakerClient) GetExpirationDates(ctx context.Context, ticker string) ([]time.Time, error) {
	return execBreaker(b.breaker, func() ([]time.Time, error) {
		return b.inner.GetExpirationDates(ctx, ticker)
	})
}

// GetEarningsEvents wraps the underlying call with the circuit breaker.
func (b *BreakerClient) GetEarningsEvents(ctx context.Context, ticker string) ([]EarningsEvent, error) {
	return execBreaker(b.breaker, func() ([]EarningsEvent, error) {
		return b.inner.GetEarningsEvents(ctx, ticker)
	})
}
