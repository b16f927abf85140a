// Package strikes selects which option strikes are worth querying for a
// given price path, minimizing external calls.
package strikes

import (
	"math"
	"sort"
	"time"

	"github.com/quantfold/ivd/internal/marketdata"
)

// Closest returns up to n strikes straddling spot: the nearest strike
// at-or-below and the nearest above, then the next nearest on each side.
// When spot sits outside the listed range only the available side is
// returned. The result is sorted ascending.
func Closest(spot float64, available []float64, n int) []float64 {
	if len(available) == 0 || n <= 0 {
		return nil
	}

	sorted := append([]float64(nil), available...)
	sort.Float64s(sorted)

	// Index of first strike strictly above spot.
	split := sort.Search(len(sorted), func(i int) bool { return sorted[i] > spot })

	closest := make([]float64, 0, n)
	if split > 0 {
		closest = append(closest, sorted[split-1])
	}
	if split < len(sorted) && len(closest) < n {
		closest = append(closest, sorted[split])
	}
	if len(closest) < n && split > 1 {
		closest = append(closest, sorted[split-2])
	}
	if len(closest) < n && split+1 < len(sorted) {
		closest = append(closest, sorted[split+1])
	}

	sort.Float64s(closest)
	return closest
}

// RequiredPerDay groups candles by calendar date and computes, for each
// day independently, the union of Closest(close, available, 3) over that
// day's candles. Fetching per-day strike sets instead of the whole-range
// set avoids querying strikes the price never approached on a given day.
func RequiredPerDay(candles []marketdata.PriceCandle, available []float64) map[string][]float64 {
	byDate := make(map[string]map[float64]struct{})

	for _, candle := range candles {
		if candle.Close <= 0 {
			continue
		}
		date := candle.Start.Format("2006-01-02")
		set, ok := byDate[date]
		if !ok {
			set = make(map[float64]struct{})
			byDate[date] = set
		}
		for _, strike := range Closest(candle.Close, available, 3) {
			set[strike] = struct{}{}
		}
	}

	result := make(map[string][]float64, len(byDate))
	for date, set := range byDate {
		strikes := make([]float64, 0, len(set))
		for s := range set {
			strikes = append(strikes, s)
		}
		sort.Float64s(strikes)
		result[date] = strikes
	}
	return result
}

// Union flattens a per-day strike map into one sorted, de-duplicated
// slice. The historic endpoint returns all dates at once, so one fetch
// per distinct strike suffices.
func Union(perDay map[string][]float64) []float64 {
	set := make(map[float64]struct{})
	for _, strikes := range perDay {
		for _, s := range strikes {
			set[s] = struct{}{}
		}
	}
	union := make([]float64, 0, len(set))
	for s := range set {
		union = append(union, s)
	}
	sort.Float64s(union)
	return union
}

// Increment returns the conventional strike spacing for a price tier.
func Increment(price float64) float64 {
	switch {
	case price < 50:
		return 2.5
	case price < 200:
		return 5
	case price < 500:
		return 10
	default:
		return 25
	}
}

// Smart generates up to maxCount candidate strikes around spot without a
// listing to draw from: spot rounded to the tier increment, then expanding
// one increment at a time alternating above and below. The result is
// sorted by distance from spot, nearest first.
func Smart(spot float64, maxCount int) []float64 {
	if maxCount <= 0 || spot <= 0 {
		return nil
	}

	inc := Increment(spot)
	atm := math.Round(spot/inc) * inc

	candidates := []float64{atm}
	for step := 1; len(candidates) < maxCount; step++ {
		above := atm + float64(step)*inc
		candidates = append(candidates, above)
		if len(candidates) >= maxCount {
			break
		}
		below := atm - float64(step)*inc
		if below > 0 {
			candidates = append(candidates, below)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return math.Abs(candidates[i]-spot) < math.Abs(candidates[j]-spot)
	})
	if len(candidates) > maxCount {
		candidates = candidates[:maxCount]
	}
	return candidates
}

// Dates returns the sorted calendar dates present in a per-day strike map.
func Dates(perDay map[string][]float64) []time.Time {
	dates := make([]time.Time, 0, len(perDay))
	for d := range perDay {
		if ts, err := time.Parse("2006-01-02", d); err == nil {
			dates = append(dates, ts)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}
