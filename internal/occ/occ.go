// Package occ encodes and decodes compact option contract symbols in the
// OCC style: UNDERLYING + YYMMDD + C/P + 8-digit strike (price x1000).
package occ

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ErrMalformedSymbol is returned when a symbol is too short or carries
// non-numeric characters where digits are expected.
var ErrMalformedSymbol = errors.New("malformed option symbol")

// minSymbolLen is date (6) + side (1) + strike (8); the ticker may be empty
// in theory but anything shorter cannot hold the fixed-width tail.
const minSymbolLen = 15

// Side is the option side encoded in a contract symbol.
type Side string

const (
	// Call represents a call option.
	Call Side = "call"
	// Put represents a put option.
	Put Side = "put"
)

// Char returns the single character used for the side in a symbol.
func (s Side) Char() byte {
	if s == Call {
		return 'C'
	}
	return 'P'
}

// Contract is the structured form of an option contract symbol.
type Contract struct {
	Ticker     string
	Expiration time.Time // date only, UTC midnight
	Side       Side
	Strike     float64
}

// Encode renders c in the compact wire format, e.g. AAPL251017C00150000.
// Strikes are rounded to the nearest 1/1000th dollar; the eps guard keeps
// values like 149.9999999 from rounding down.
func Encode(c Contract) string {
	const eps = 1e-9
	strikeInt := int(math.Round(c.Strike*1000 + eps))
	return fmt.Sprintf("%s%s%c%08d", c.Ticker, c.Expiration.Format("060102"), c.Side.Char(), strikeInt)
}

// ParseSymbol decodes a compact symbol into its structured fields.
// The tail is fixed-width, so fields are read from the end: 8 strike
// digits, one side character, six date digits, ticker before that.
// Any side character other than 'C' decodes as a put; upstream feeds have
// been seen carrying lowercase and nonstandard side characters.
func ParseSymbol(s string) (Contract, error) {
	if len(s) < minSymbolLen {
		return Contract{}, fmt.Errorf("%w: %q is shorter than %d characters", ErrMalformedSymbol, s, minSymbolLen)
	}

	strikeStr := s[len(s)-8:]
	sideChar := s[len(s)-9]
	dateStr := s[len(s)-15 : len(s)-9]
	ticker := s[:len(s)-15]

	strikeInt, err := strconv.Atoi(strikeStr)
	if err != nil || strikeInt < 0 {
		return Contract{}, fmt.Errorf("%w: strike %q is not numeric", ErrMalformedSymbol, strikeStr)
	}

	year, err1 := strconv.Atoi(dateStr[0:2])
	month, err2 := strconv.Atoi(dateStr[2:4])
	day, err3 := strconv.Atoi(dateStr[4:6])
	if err1 != nil || err2 != nil || err3 != nil {
		return Contract{}, fmt.Errorf("%w: expiration %q is not numeric", ErrMalformedSymbol, dateStr)
	}

	side := Put
	if sideChar == 'C' {
		side = Call
	}

	return Contract{
		Ticker:     ticker,
		Expiration: time.Date(2000+year, time.Month(month), day, 0, 0, 0, 0, time.UTC),
		Side:       side,
		Strike:     float64(strikeInt) / 1000.0,
	}, nil
}

// BuildStrikeMap filters symbols down to one (ticker, expiration, side)
// triple and maps each strike to its symbol. Symbols that fail to parse
// are skipped rather than failing the whole listing.
func BuildStrikeMap(symbols []string, ticker string, expiration time.Time, side Side) map[float64]string {
	want := expiration.Format("2006-01-02")
	strikeMap := make(map[float64]string)
	for _, sym := range symbols {
		c, err := ParseSymbol(sym)
		if err != nil {
			continue
		}
		if c.Ticker != ticker || c.Side != side || c.Expiration.Format("2006-01-02") != want {
			continue
		}
		strikeMap[c.Strike] = sym
	}
	return strikeMap
}
