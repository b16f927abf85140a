package marketdata

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Session classifies a candle's trading session.
type Session string

const (
	// SessionRegular covers regular market hours.
	SessionRegular Session = "regular"
	// SessionExtended covers pre- and post-market candles.
	SessionExtended Session = "extended"
)

// PriceCandle is one OHLC interval for an underlying. Immutable once
// fetched.
type PriceCandle struct {
	Start   time.Time
	Open    float64
	High    float64
	Low     float64
	Close   float64
	Volume  int64
	Session Session
}

// IntradayObservation is one implied-volatility sample for an option
// contract at a fixed intraday interval. IV is nil when the source had no
// usable value; nil never means zero volatility.
type IntradayObservation struct {
	Start time.Time
	IV    *float64
}

// HistoricObservation is one end-of-day record for an option contract.
// OpenInterest is carried for liquidity filtering.
type HistoricObservation struct {
	Date         time.Time
	IV           *float64
	OpenInterest int64
	Volume       int64
}

// EarningsEvent is a reported or scheduled earnings date for a ticker.
type EarningsEvent struct {
	ReportDate   time.Time
	ReportTime   string
	ExpectedMove *float64
}

// looseFloat decodes a JSON number that may arrive as a bare number, a
// quoted numeric string, an empty string, or null. The upstream service is
// inconsistent about this across endpoints. A value that is absent or
// unparseable leaves ok=false so boundary code maps it to nil, never to
// zero.
type looseFloat struct {
	val float64
	ok  bool
}

func (f *looseFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		f.val, f.ok = v, true
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	f.val, f.ok = v, true
	return nil
}

// ptr returns the decoded value, or nil when none was present.
func (f looseFloat) ptr() *float64 {
	if !f.ok {
		return nil
	}
	v := f.val
	return &v
}

// looseInt is the integer counterpart of looseFloat; absent values decode
// to zero, which is the correct default for volume and open interest.
type looseInt int64

func (i *looseInt) UnmarshalJSON(b []byte) error {
	var f looseFloat
	if err := f.UnmarshalJSON(b); err != nil {
		return err
	}
	if f.ok {
		*i = looseInt(f.val)
	}
	return nil
}

// parseEventTime accepts the timestamp formats the service emits:
// RFC 3339 with or without fractional seconds, and bare dates.
func parseEventTime(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// sessionFromMarketTime maps the service's market_time tag onto a session
// flag. Anything that is not recognizably extended-hours counts as
// regular.
func sessionFromMarketTime(s string) Session {
	switch s {
	case "pr", "po", "pre", "post", "premarket", "postmarket":
		return SessionExtended
	default:
		return SessionRegular
	}
}
