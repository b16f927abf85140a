// Package mock provides a canned market-data client for tests and offline
// development.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/quantfold/ivd/internal/marketdata"
)

// Client implements marketdata.MarketData from in-memory fixtures. The
// zero value is usable; all fields may be set directly before use, and all
// methods are safe for concurrent use afterwards.
type Client struct {
	mu sync.Mutex

	Candles       map[string][]marketdata.PriceCandle          // keyed by ticker+"/"+interval
	Contracts     map[string][]string                          // keyed by ticker
	Intraday      map[string][]marketdata.IntradayObservation  // keyed by symbol+"/"+date
	Historic      map[string][]marketdata.HistoricObservation  // keyed by symbol
	Expirations   map[string][]time.Time                       // keyed by ticker
	Earnings      map[string][]marketdata.EarningsEvent        // keyed by ticker
	Errors        map[string]error                             // method name -> forced error
	HistoricCalls []string                                     // symbols in fetch order
}

// NewClient returns an empty mock client.
func NewClient() *Client {
	return &Client{
		Candles:     make(map[string][]marketdata.PriceCandle),
		Contracts:   make(map[string][]string),
		Intraday:    make(map[string][]marketdata.IntradayObservation),
		Historic:    make(map[string][]marketdata.HistoricObservation),
		Expirations: make(map[string][]time.Time),
		Earnings:    make(map[string][]marketdata.EarningsEvent),
		Errors:      make(map[string]error),
	}
}

func (c *Client) forced(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Errors[method]
}

func (c *Client) GetPriceCandles(ctx context.Context, ticker, interval string, start, end time.Time) ([]marketdata.PriceCandle, error) {
	if err := c.forced("GetPriceCandles"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Candles[ticker+"/"+interval], nil
}

func (c *Client) GetListedContracts(ctx context.Context, ticker string, date time.Time) ([]string, error) {
	if err := c.forced("GetListedContracts"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Contracts[ticker], nil
}

func (c *Client) GetIntradayObservations(ctx context.Context, symbol string, date time.Time) ([]marketdata.IntradayObservation, error) {
	if err := c.forced("GetIntradayObservations"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Intraday[symbol+"/"+date.Format("2006-01-02")], nil
}

func (c *Client) GetHistoricObservations(ctx context.Context, symbol string) ([]marketdata.HistoricObservation, error) {
	if err := c.forced("GetHistoricObservations"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.HistoricCalls = append(c.HistoricCalls, symbol)
	return c.Historic[symbol], nil
}

func (c *Client) GetExpirationDates(ctx context.Context, ticker string) ([]time.Time, error) {
	if err := c.forced("GetExpirationDates"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Expirations[ticker], nil
}

func (c *Client) GetEarningsEvents(ctx context.Context, ticker string) ([]marketdata.EarningsEvent, error) {
	if err := c.forced("GetEarningsEvents"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Earnings[ticker], nil
}

var _ marketdata.MarketData = (*Client)(nil)
