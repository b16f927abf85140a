// Package chart runs the end-to-end data pipeline behind one IV chart
// request: resolve the expiration, select strikes per day, fan out the IV
// fetches, and align the results against the price series.
package chart

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantfold/ivd/internal/align"
	"github.com/quantfold/ivd/internal/marketdata"
	"github.com/quantfold/ivd/internal/occ"
	"github.com/quantfold/ivd/internal/strikes"
)

// intradayMaxDays is the largest lookback served from 1m candles and the
// intraday IV endpoint; longer lookbacks switch to 4h candles and historic
// end-of-day IV.
const intradayMaxDays = 7

// Request describes one chart request. Expiration is the user's requested
// date; the pipeline resolves it to the closest listed expiration.
type Request struct {
	Ticker     string
	Expiration time.Time
	Side       occ.Side
	Days       int
}

// Mode names the alignment granularity used for a result.
type Mode string

const (
	// ModeIntraday is 1m candles aligned by exact timestamp.
	ModeIntraday Mode = "intraday"
	// ModeHistoric is 4h candles aligned by calendar date.
	ModeHistoric Mode = "historic"
)

// Result is the aligned series for one chart request. All fields are
// request-scoped; nothing here is persisted.
type Result struct {
	Ticker        string          `json:"ticker"`
	Expiration    time.Time       `json:"expiration"`
	RequestedDiff int             `json:"requested_diff_days"`
	Side          occ.Side        `json:"side"`
	Mode          Mode            `json:"mode"`
	Points        []align.Point   `json:"points"`
	EarningsDates []string        `json:"earnings_dates,omitempty"`
}

// Pipeline wires a MarketData client into the chart flow.
type Pipeline struct {
	client marketdata.MarketData
	logger *log.Logger
	now    func() time.Time
}

// NewPipeline creates a Pipeline. The clock is overridable for tests.
func NewPipeline(client marketdata.MarketData, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{client: client, logger: logger, now: time.Now}
}

// WithClock overrides the pipeline's clock.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Ticker) == "" {
		return fmt.Errorf("ticker is required")
	}
	if r.Days < 1 || r.Days > 365 {
		return fmt.Errorf("days must be between 1 and 365, got %d", r.Days)
	}
	if r.Side != occ.Call && r.Side != occ.Put {
		return fmt.Errorf("side must be call or put, got %q", r.Side)
	}
	if r.Expiration.IsZero() {
		return fmt.Errorf("expiration is required")
	}
	return nil
}

// Run executes the pipeline. Failures in sequential setup (candles,
// listing, expirations) are fatal to the request; failures inside the
// per-strike fan-out degrade to missing IV for that strike only.
// Expected empties surface as marketdata.ErrNoData so the caller can
// distinguish "no data" from "fetch failed".
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	ticker := strings.ToUpper(strings.TrimSpace(req.Ticker))

	expiration, diff, err := p.resolveExpiration(ctx, ticker, req.Expiration)
	if err != nil {
		return nil, err
	}

	mode, interval := ModeIntraday, "1m"
	if req.Days > intradayMaxDays {
		mode, interval = ModeHistoric, "4h"
	}

	now := p.now()
	cutoff := now.AddDate(0, 0, -req.Days)
	candles, err := p.client.GetPriceCandles(ctx, ticker, interval, cutoff, now)
	if err != nil {
		return nil, fmt.Errorf("fetching price candles: %w", err)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: no price candles for %s", marketdata.ErrNoData, ticker)
	}

	listed, err := p.client.GetListedContracts(ctx, ticker, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("fetching listed contracts: %w", err)
	}
	strikeMap := occ.BuildStrikeMap(listed, ticker, expiration, req.Side)
	if len(strikeMap) == 0 {
		return nil, fmt.Errorf("%w: no %s contracts for %s expiring %s",
			marketdata.ErrNoData, req.Side, ticker, expiration.Format("2006-01-02"))
	}

	available := make([]float64, 0, len(strikeMap))
	for s := range strikeMap {
		available = append(available, s)
	}
	perDay := strikes.RequiredPerDay(candles, available)
	if len(perDay) == 0 {
		return nil, fmt.Errorf("%w: no usable candles to select strikes from", marketdata.ErrNoData)
	}

	var points []align.Point
	if mode == ModeHistoric {
		ivByStrike := p.fetchHistoric(ctx, strikeMap, strikes.Union(perDay))
		points = align.ByDate(candles, ivByStrike)
	} else {
		ivByStrike := p.fetchIntraday(ctx, strikeMap, perDay)
		points = align.ByTimestamp(candles, ivByStrike)
	}

	return &Result{
		Ticker:        ticker,
		Expiration:    expiration,
		RequestedDiff: diff,
		Side:          req.Side,
		Mode:          mode,
		Points:        points,
		EarningsDates: p.earningsInRange(ctx, ticker, candles),
	}, nil
}

// resolveExpiration maps a requested date onto the closest listed
// expiration, returning the signed day difference.
func (p *Pipeline) resolveExpiration(ctx context.Context, ticker string, requested time.Time) (time.Time, int, error) {
	listed, err := p.client.GetExpirationDates(ctx, ticker)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("fetching expirations: %w", err)
	}
	if len(listed) == 0 {
		return time.Time{}, 0, fmt.Errorf("%w: no option expirations for %s", marketdata.ErrNoData, ticker)
	}

	closest := listed[0]
	for _, exp := range listed[1:] {
		if absDays(exp, requested) < absDays(closest, requested) {
			closest = exp
		}
	}
	diff := int(closest.Sub(requested).Hours() / 24)
	if diff != 0 {
		p.logger.Printf("using closest expiration %s (%+d days) for requested %s",
			closest.Format("2006-01-02"), diff, requested.Format("2006-01-02"))
	}
	return closest, diff, nil
}

// fetchHistoric fans out one historic fetch per required strike. The
// endpoint returns all dates at once, so the per-day map collapses to its
// union. Records without IV are dropped before alignment; a per-strike
// failure degrades to no contribution for that strike.
func (p *Pipeline) fetchHistoric(ctx context.Context, strikeMap map[float64]string, required []float64) map[float64][]marketdata.HistoricObservation {
	var mu sync.Mutex
	ivByStrike := make(map[float64][]marketdata.HistoricObservation, len(required))

	var g errgroup.Group
	for _, strike := range required {
		symbol := strikeMap[strike]
		g.Go(func() error {
			records, err := p.client.GetHistoricObservations(ctx, symbol)
			if err != nil {
				p.logger.Printf("historic fetch failed for %s: %v", symbol, err)
				return nil
			}
			// A zero IV means the contract did not trade that day; it is
			// no data, not zero volatility.
			kept := records[:0]
			for _, rec := range records {
				if rec.IV != nil && *rec.IV != 0 {
					kept = append(kept, rec)
				}
			}
			mu.Lock()
			ivByStrike[strike] = kept
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return ivByStrike
}

// fetchIntraday fans out one fetch per (strike, date) combination from the
// per-day requirement map and aggregates results by strike. Completion
// order is irrelevant; alignment keys everything by timestamp afterward.
func (p *Pipeline) fetchIntraday(ctx context.Context, strikeMap map[float64]string, perDay map[string][]float64) map[float64][]marketdata.IntradayObservation {
	type task struct {
		strike float64
		date   time.Time
	}
	var tasks []task
	for dateStr, strikesForDay := range perDay {
		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}
		for _, strike := range strikesForDay {
			tasks = append(tasks, task{strike: strike, date: date})
		}
	}
	p.logger.Printf("fetching %d strike/date combinations concurrently", len(tasks))

	var mu sync.Mutex
	ivByStrike := make(map[float64][]marketdata.IntradayObservation)

	var g errgroup.Group
	for _, tk := range tasks {
		symbol := strikeMap[tk.strike]
		g.Go(func() error {
			obs, err := p.client.GetIntradayObservations(ctx, symbol, tk.date)
			if err != nil {
				p.logger.Printf("intraday fetch failed for %s on %s: %v",
					symbol, tk.date.Format("2006-01-02"), err)
				return nil
			}
			mu.Lock()
			ivByStrike[tk.strike] = append(ivByStrike[tk.strike], obs...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return ivByStrike
}

// earningsInRange returns report dates falling inside the candle range.
// Earnings annotation is best-effort; a failed fetch only drops the
// annotation.
func (p *Pipeline) earningsInRange(ctx context.Context, ticker string, candles []marketdata.PriceCandle) []string {
	events, err := p.client.GetEarningsEvents(ctx, ticker)
	if err != nil {
		p.logger.Printf("could not fetch earnings for %s: %v", ticker, err)
		return nil
	}
	if len(events) == 0 || len(candles) == 0 {
		return nil
	}

	start, end := candles[0].Start, candles[0].Start
	for _, c := range candles[1:] {
		if c.Start.Before(start) {
			start = c.Start
		}
		if c.Start.After(end) {
			end = c.Start
		}
	}
	startDate := start.Format("2006-01-02")
	endDate := end.Format("2006-01-02")

	var dates []string
	for _, ev := range events {
		d := ev.ReportDate.Format("2006-01-02")
		if d >= startDate && d <= endDate {
			dates = append(dates, d)
		}
	}
	sort.Strings(dates)
	return dates
}

func absDays(a, b time.Time) int {
	d := int(a.Sub(b).Hours() / 24)
	if d < 0 {
		return -d
	}
	return d
}
