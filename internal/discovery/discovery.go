// Package discovery reconstructs expired option contract identifiers that
// can no longer be enumerated through the live listing endpoint. It
// synthesizes candidate symbols around a target expiration and probes them
// concurrently against the historic endpoint.
package discovery

import (
	"context"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantfold/ivd/internal/marketdata"
	"github.com/quantfold/ivd/internal/occ"
	"github.com/quantfold/ivd/internal/strikes"
)

// maxCandidateStrikes bounds the strike ladder probed per expiration.
const maxCandidateStrikes = 10

// Engine drives the candidate search. All probes go through the shared
// client, so its concurrency ceiling bounds the fan-out.
type Engine struct {
	client marketdata.MarketData
	logger *log.Logger
}

// NewEngine creates a discovery engine over the given client.
func NewEngine(client marketdata.MarketData, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{client: client, logger: logger}
}

// NearestFriday returns whichever Friday, preceding or following target,
// is closer. Ties break toward the later Friday. Standard monthly and
// weekly option expirations fall on Fridays.
func NearestFriday(target time.Time) time.Time {
	target = target.UTC().Truncate(24 * time.Hour)

	daysAhead := (int(time.Friday) - int(target.Weekday()) + 7) % 7
	next := target.AddDate(0, 0, daysAhead)
	prev := next.AddDate(0, 0, -7)
	if daysAhead == 0 {
		return target
	}

	if target.Sub(prev) < next.Sub(target) {
		return prev
	}
	return next
}

// candidate is one synthesized symbol to probe, kept alongside its parsed
// fields so a hit can be returned without reparsing.
type candidate struct {
	symbol   string
	contract occ.Contract
}

// buildCandidates produces the strike x side cross product for one
// expiration, ordered nearest-strike first.
func buildCandidates(ticker string, expiration time.Time, spot float64, sides []occ.Side) []candidate {
	strikeLadder := strikes.Smart(spot, maxCandidateStrikes)
	candidates := make([]candidate, 0, len(strikeLadder)*len(sides))
	for _, strike := range strikeLadder {
		for _, side := range sides {
			c := occ.Contract{Ticker: ticker, Expiration: expiration, Side: side, Strike: strike}
			candidates = append(candidates, candidate{symbol: occ.Encode(c), contract: c})
		}
	}
	return candidates
}

// Discover searches for a contract that has a historic record dated
// analysisDate. It tries the Friday nearest targetExpiration first, then
// the Fridays one week either side, absorbing off-by-one-week errors in
// the expiration guess. All candidates for one expiration are probed
// concurrently; the first success in completion order wins. A nil result
// with nil error means the search was exhausted without a match, which is
// an expected outcome, not a failure.
func (e *Engine) Discover(ctx context.Context, ticker string, targetExpiration time.Time, spot float64, analysisDate time.Time, sides []occ.Side) (*occ.Contract, error) {
	base := NearestFriday(targetExpiration)
	expirations := []time.Time{base, base.AddDate(0, 0, -7), base.AddDate(0, 0, 7)}

	for _, expiration := range expirations {
		candidates := buildCandidates(ticker, expiration, spot, sides)
		if len(candidates) == 0 {
			continue
		}

		found, err := e.probeAll(ctx, candidates, analysisDate)
		if err != nil {
			return nil, err
		}
		if found != nil {
			return found, nil
		}
		e.logger.Printf("discovery: no match among %d candidates for %s exp %s",
			len(candidates), ticker, expiration.Format("2006-01-02"))
	}
	return nil, nil
}

// probeAll fans out one historic fetch per candidate and returns the first
// whose records include analysisDate. Per-candidate failures degrade to a
// miss for that candidate only; a context cancellation propagates.
func (e *Engine) probeAll(ctx context.Context, candidates []candidate, analysisDate time.Time) (*occ.Contract, error) {
	wantDate := analysisDate.Format("2006-01-02")

	var mu sync.Mutex
	var found *occ.Contract

	g, gctx := errgroup.WithContext(ctx)
	for _, cand := range candidates {
		g.Go(func() error {
			mu.Lock()
			done := found != nil
			mu.Unlock()
			if done {
				return nil
			}

			records, err := e.client.GetHistoricObservations(gctx, cand.symbol)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				// A probe against a contract that never existed is the
				// common case; it is a miss, not an error.
				return nil
			}
			for _, rec := range records {
				if rec.Date.Format("2006-01-02") == wantDate {
					mu.Lock()
					if found == nil {
						c := cand.contract
						found = &c
					}
					mu.Unlock()
					return nil
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return found, nil
}

// ResolveStrike picks, from a probe hit's ladder position, the listed
// strike closest to spot. Used when a discovered contract's expiration and
// side are reused across a date window but the spot has moved.
func ResolveStrike(spot float64, available []float64) (float64, bool) {
	if len(available) == 0 {
		return 0, false
	}
	sorted := append([]float64(nil), available...)
	sort.Float64s(sorted)
	best := sorted[0]
	for _, s := range sorted[1:] {
		if math.Abs(s-spot) < math.Abs(best-spot) {
			best = s
		}
	}
	return best, true
}
