// Package earnings analyzes at-the-money IV behavior around past earnings
// events, across a grid of day offsets and days-to-expiration buckets.
package earnings

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantfold/ivd/internal/discovery"
	"github.com/quantfold/ivd/internal/marketdata"
	"github.com/quantfold/ivd/internal/occ"
	"github.com/quantfold/ivd/internal/strikes"
)

// Config bounds the analysis grid.
type Config struct {
	NumEvents        int   // most recent past earnings events to analyze
	WindowDays       int   // day offsets covered either side of each event
	DTEBuckets       []int // target days-to-expiration per event
	DiscoveryAgeDays int   // events older than this skip the live listing
}

// DefaultConfig matches the analysis grid the report was designed around.
var DefaultConfig = Config{
	NumEvents:        3,
	WindowDays:       7,
	DTEBuckets:       []int{14, 30, 60, 90, 180},
	DiscoveryAgeDays: 60,
}

// listedTolerance is how far a listed expiration may sit from the DTE
// target, and listedStrikeBand how far its strike may sit from spot, before
// falling back to discovery.
const (
	listedToleranceDays = 3
	listedStrikeBand    = 0.10
)

// WindowPoint is one analysis day inside an event window. IV is keyed by
// DTE bucket; a nil entry means no usable observation for that cell.
type WindowPoint struct {
	Date   time.Time        `json:"date"`
	Offset int              `json:"offset"`
	IV     map[int]*float64 `json:"iv"`
}

// EventAnalysis is the window series around one earnings event.
type EventAnalysis struct {
	ReportDate time.Time     `json:"report_date"`
	Points     []WindowPoint `json:"points"`
}

// Report is the full analysis for one ticker and side.
type Report struct {
	Ticker string          `json:"ticker"`
	Side   occ.Side        `json:"side"`
	Events []EventAnalysis `json:"events"`
}

// Orchestrator drives the per-event, per-bucket resolution and fetch.
type Orchestrator struct {
	client marketdata.MarketData
	engine *discovery.Engine
	logger *log.Logger
	cfg    Config
	now    func() time.Time
}

// NewOrchestrator creates an Orchestrator; zero config fields fall back to
// DefaultConfig.
func NewOrchestrator(client marketdata.MarketData, engine *discovery.Engine, logger *log.Logger, cfg Config) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.NumEvents <= 0 {
		cfg.NumEvents = DefaultConfig.NumEvents
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = DefaultConfig.WindowDays
	}
	if len(cfg.DTEBuckets) == 0 {
		cfg.DTEBuckets = DefaultConfig.DTEBuckets
	}
	if cfg.DiscoveryAgeDays <= 0 {
		cfg.DiscoveryAgeDays = DefaultConfig.DiscoveryAgeDays
	}
	return &Orchestrator{client: client, engine: engine, logger: logger, cfg: cfg, now: time.Now}
}

// WithClock overrides the orchestrator's clock.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Analyze builds the report for a ticker. A failure in the shared setup
// (earnings list, daily closes) aborts; a failure resolving or fetching a
// single grid cell degrades to a nil IV for that cell.
func (o *Orchestrator) Analyze(ctx context.Context, ticker string, side occ.Side) (*Report, error) {
	events, err := o.pastEvents(ctx, ticker)
	if err != nil {
		return nil, err
	}

	closes, err := o.dailyCloses(ctx, ticker, events)
	if err != nil {
		return nil, err
	}

	listed := o.listedContracts(ctx, ticker)
	historicCache := newHistoricCache(o.client, o.logger)

	report := &Report{Ticker: ticker, Side: side}
	for _, event := range events {
		analysis := o.analyzeEvent(ctx, ticker, side, event, closes, listed, historicCache)
		report.Events = append(report.Events, analysis)
	}
	return report, nil
}

// pastEvents returns the most recent NumEvents earnings reports that have
// already happened, newest first.
func (o *Orchestrator) pastEvents(ctx context.Context, ticker string) ([]time.Time, error) {
	all, err := o.client.GetEarningsEvents(ctx, ticker)
	if err != nil {
		return nil, fmt.Errorf("fetching earnings events: %w", err)
	}

	today := o.now().UTC().Truncate(24 * time.Hour)
	var past []time.Time
	for _, ev := range all {
		if ev.ReportDate.Before(today) {
			past = append(past, ev.ReportDate)
		}
	}
	if len(past) == 0 {
		return nil, fmt.Errorf("%w: no past earnings events for %s", marketdata.ErrNoData, ticker)
	}

	sort.Slice(past, func(i, j int) bool { return past[i].After(past[j]) })
	if len(past) > o.cfg.NumEvents {
		past = past[:o.cfg.NumEvents]
	}
	return past, nil
}

// dailyCloses fetches daily candles covering every event window and maps
// calendar date to closing price. The daily interval ignores date bounds
// upstream; the client post-filters to the cutoff.
func (o *Orchestrator) dailyCloses(ctx context.Context, ticker string, events []time.Time) (map[string]float64, error) {
	earliest := events[len(events)-1].AddDate(0, 0, -(o.cfg.WindowDays + 5))
	candles, err := o.client.GetPriceCandles(ctx, ticker, "1d", earliest, o.now())
	if err != nil {
		return nil, fmt.Errorf("fetching daily candles: %w", err)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: no daily candles for %s", marketdata.ErrNoData, ticker)
	}

	closes := make(map[string]float64, len(candles))
	for _, c := range candles {
		closes[c.Start.Format("2006-01-02")] = c.Close
	}
	return closes, nil
}

// listedContracts fetches and parses the live listing once. Best-effort;
// old events never consult it and recent events fall back to discovery.
func (o *Orchestrator) listedContracts(ctx context.Context, ticker string) []occ.Contract {
	symbols, err := o.client.GetListedContracts(ctx, ticker, time.Time{})
	if err != nil {
		o.logger.Printf("listed contracts unavailable for %s: %v", ticker, err)
		return nil
	}
	contracts := make([]occ.Contract, 0, len(symbols))
	for _, sym := range symbols {
		if c, err := occ.ParseSymbol(sym); err == nil && c.Ticker == ticker {
			contracts = append(contracts, c)
		}
	}
	return contracts
}

func (o *Orchestrator) analyzeEvent(ctx context.Context, ticker string, side occ.Side, reportDate time.Time, closes map[string]float64, listed []occ.Contract, cache *historicCache) EventAnalysis {
	analysis := EventAnalysis{ReportDate: reportDate}

	eventSpot, ok := spotNear(closes, reportDate)
	if !ok {
		o.logger.Printf("no spot price near earnings %s, skipping event", reportDate.Format("2006-01-02"))
		return analysis
	}

	old := o.now().Sub(reportDate) > time.Duration(o.cfg.DiscoveryAgeDays)*24*time.Hour

	// Fix one expiration per DTE bucket up front. Discovery runs once per
	// (event, bucket); the result is reused across the whole window with
	// only the strike re-resolved per day.
	expirations := make(map[int]time.Time, len(o.cfg.DTEBuckets))
	for _, dte := range o.cfg.DTEBuckets {
		target := reportDate.AddDate(0, 0, dte)
		if exp, ok := o.resolveExpiration(ctx, ticker, side, target, eventSpot, reportDate, old, listed); ok {
			expirations[dte] = exp
		}
	}

	// Gather every (date, bucket) cell and the symbols they need, then
	// warm the historic cache with one concurrent fetch pass.
	type cell struct {
		date   time.Time
		offset int
		dte    int
		symbol string
	}
	var cells []cell
	needed := make(map[string]struct{})
	for offset := -o.cfg.WindowDays; offset <= o.cfg.WindowDays; offset++ {
		date := reportDate.AddDate(0, 0, offset)
		if date.Weekday() == time.Saturday || date.Weekday() == time.Sunday {
			continue
		}
		spot, ok := closes[date.Format("2006-01-02")]
		if !ok {
			continue
		}
		for dte, exp := range expirations {
			ladder := strikes.Smart(spot, 1)
			if len(ladder) == 0 {
				continue
			}
			c := occ.Contract{Ticker: ticker, Expiration: exp, Side: side, Strike: ladder[0]}
			sym := occ.Encode(c)
			cells = append(cells, cell{date: date, offset: offset, dte: dte, symbol: sym})
			needed[sym] = struct{}{}
		}
	}
	cache.warm(ctx, needed)

	points := make(map[int]*WindowPoint)
	for _, c := range cells {
		pt, ok := points[c.offset]
		if !ok {
			pt = &WindowPoint{Date: c.date, Offset: c.offset, IV: make(map[int]*float64)}
			points[c.offset] = pt
		}
		pt.IV[c.dte] = cache.ivOn(c.symbol, c.date)
	}

	offsets := make([]int, 0, len(points))
	for off := range points {
		offsets = append(offsets, off)
	}
	sort.Ints(offsets)
	for _, off := range offsets {
		analysis.Points = append(analysis.Points, *points[off])
	}
	return analysis
}

// resolveExpiration fixes the expiration for one (event, bucket) cell.
// Recent events first try the live listing (expiration within tolerance of
// the target, strike within the band around spot); old events, and recent
// events with no listed match, go through discovery.
func (o *Orchestrator) resolveExpiration(ctx context.Context, ticker string, side occ.Side, target time.Time, spot float64, analysisDate time.Time, old bool, listed []occ.Contract) (time.Time, bool) {
	if !old {
		if exp, ok := matchListed(listed, side, target, spot); ok {
			return exp, true
		}
	}

	found, err := o.engine.Discover(ctx, ticker, target, spot, analysisDate, []occ.Side{side})
	if err != nil {
		o.logger.Printf("discovery failed for %s target %s: %v", ticker, target.Format("2006-01-02"), err)
		return time.Time{}, false
	}
	if found == nil {
		return time.Time{}, false
	}
	return found.Expiration, true
}

// matchListed looks for a listed contract of the right side whose
// expiration sits within the tolerance of target and whose strike is
// within the band around spot, preferring the strike closest to spot.
func matchListed(listed []occ.Contract, side occ.Side, target time.Time, spot float64) (time.Time, bool) {
	var best *occ.Contract
	for i := range listed {
		c := &listed[i]
		if c.Side != side {
			continue
		}
		if absInt(daysBetween(c.Expiration, target)) > listedToleranceDays {
			continue
		}
		if spot > 0 && math.Abs(c.Strike-spot)/spot > listedStrikeBand {
			continue
		}
		if best == nil || math.Abs(c.Strike-spot) < math.Abs(best.Strike-spot) {
			best = c
		}
	}
	if best == nil {
		return time.Time{}, false
	}
	return best.Expiration, true
}

// spotNear returns the close on date, or the nearest earlier date within a
// week (report dates can fall on holidays).
func spotNear(closes map[string]float64, date time.Time) (float64, bool) {
	for back := 0; back <= 5; back++ {
		if spot, ok := closes[date.AddDate(0, 0, -back).Format("2006-01-02")]; ok {
			return spot, true
		}
	}
	return 0, false
}

// historicCache memoizes historic series per symbol across the whole
// report so overlapping windows and buckets never refetch.
type historicCache struct {
	client marketdata.MarketData
	logger *log.Logger

	mu     sync.Mutex
	series map[string][]marketdata.HistoricObservation
}

func newHistoricCache(client marketdata.MarketData, logger *log.Logger) *historicCache {
	return &historicCache{
		client: client,
		logger: logger,
		series: make(map[string][]marketdata.HistoricObservation),
	}
}

// warm fetches every uncached symbol concurrently. A per-symbol failure
// caches an empty series; sibling fetches are unaffected.
func (h *historicCache) warm(ctx context.Context, symbols map[string]struct{}) {
	var g errgroup.Group
	for sym := range symbols {
		h.mu.Lock()
		_, cached := h.series[sym]
		h.mu.Unlock()
		if cached {
			continue
		}
		g.Go(func() error {
			records, err := h.client.GetHistoricObservations(ctx, sym)
			if err != nil {
				h.logger.Printf("historic fetch failed for %s: %v", sym, err)
				records = nil
			}
			h.mu.Lock()
			h.series[sym] = records
			h.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// ivOn returns the IV recorded for symbol on date, or nil.
func (h *historicCache) ivOn(symbol string, date time.Time) *float64 {
	h.mu.Lock()
	records := h.series[symbol]
	h.mu.Unlock()

	want := date.Format("2006-01-02")
	for _, rec := range records {
		if rec.Date.Format("2006-01-02") == want {
			return rec.IV
		}
	}
	return nil
}

func daysBetween(a, b time.Time) int {
	return int(a.Sub(b).Hours() / 24)
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
