// Package align merges a price-candle series with strike-keyed IV
// observation series into a single aligned sequence with an interpolated
// at-the-money IV per candle.
package align

import (
	"sort"
	"time"

	"github.com/quantfold/ivd/internal/marketdata"
)

// Point is one aligned record. IV is nil when no observation matched the
// candle's instant and nothing was interpolatable; that is a valid state,
// not an error.
type Point struct {
	Start   time.Time          `json:"start"`
	Open    float64            `json:"open"`
	High    float64            `json:"high"`
	Low     float64            `json:"low"`
	Close   float64            `json:"close"`
	Volume  int64              `json:"volume"`
	Session marketdata.Session `json:"session"`
	IV      *float64           `json:"iv"`
}

// InterpolateIV estimates the IV at spot from a sparse strike-keyed map by
// linear interpolation between the bracketing strikes. Outside the strike
// range the nearest edge IV is returned unchanged; no extrapolation. An
// exact strike match returns that strike's IV. Returns nil for an empty
// map.
func InterpolateIV(spot float64, strikeToIV map[float64]float64) *float64 {
	if len(strikeToIV) == 0 {
		return nil
	}

	sorted := make([]float64, 0, len(strikeToIV))
	for s := range strikeToIV {
		sorted = append(sorted, s)
	}
	sort.Float64s(sorted)

	// First strike strictly above spot; everything before it is <= spot.
	split := sort.Search(len(sorted), func(i int) bool { return sorted[i] > spot })

	if split == 0 {
		iv := strikeToIV[sorted[0]]
		return &iv
	}
	if split == len(sorted) {
		iv := strikeToIV[sorted[len(sorted)-1]]
		return &iv
	}

	lower, upper := sorted[split-1], sorted[split]
	if lower == spot {
		iv := strikeToIV[lower]
		return &iv
	}

	ivLower, ivUpper := strikeToIV[lower], strikeToIV[upper]
	weight := (spot - lower) / (upper - lower)
	iv := ivLower + weight*(ivUpper-ivLower)
	return &iv
}

// ByTimestamp aligns candles with intraday observations on exact timestamp
// equality. Both series come from the same fixed interval, so no tolerance
// window applies; a candle whose timestamp has no observations gets nil
// IV.
func ByTimestamp(candles []marketdata.PriceCandle, ivByStrike map[float64][]marketdata.IntradayObservation) []Point {
	lookup := make(map[int64]map[float64]float64)
	for strike, series := range ivByStrike {
		for _, obs := range series {
			if obs.IV == nil {
				continue
			}
			key := obs.Start.Unix()
			m, ok := lookup[key]
			if !ok {
				m = make(map[float64]float64)
				lookup[key] = m
			}
			m[strike] = *obs.IV
		}
	}

	points := make([]Point, 0, len(candles))
	for _, candle := range candles {
		points = append(points, newPoint(candle, InterpolateIV(candle.Close, lookup[candle.Start.Unix()])))
	}
	return points
}

// ByDate aligns candles with historic end-of-day observations on calendar
// date, for multi-hour or daily candles where exact-timestamp matching
// would be too strict.
func ByDate(candles []marketdata.PriceCandle, historicByStrike map[float64][]marketdata.HistoricObservation) []Point {
	lookup := make(map[string]map[float64]float64)
	for strike, series := range historicByStrike {
		for _, obs := range series {
			if obs.IV == nil {
				continue
			}
			key := obs.Date.Format("2006-01-02")
			m, ok := lookup[key]
			if !ok {
				m = make(map[float64]float64)
				lookup[key] = m
			}
			m[strike] = *obs.IV
		}
	}

	points := make([]Point, 0, len(candles))
	for _, candle := range candles {
		date := candle.Start.Format("2006-01-02")
		points = append(points, newPoint(candle, InterpolateIV(candle.Close, lookup[date])))
	}
	return points
}

func newPoint(candle marketdata.PriceCandle, iv *float64) Point {
	return Point{
		Start:   candle.Start,
		Open:    candle.Open,
		High:    candle.High,
		Low:     candle.Low,
		Close:   candle.Close,
		Volume:  candle.Volume,
		Session: candle.Session,
		IV:      iv,
	}
}
