package occ

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestParseSymbol(t *testing.T) {
	tests := []struct {
		name       string
		symbol     string
		wantTicker string
		wantExp    string
		wantSide   Side
		wantStrike float64
	}{
		{
			name:       "basic call",
			symbol:     "AAPL251017C00150000",
			wantTicker: "AAPL",
			wantExp:    "2025-10-17",
			wantSide:   Call,
			wantStrike: 150.0,
		},
		{
			name:       "put with fractional strike",
			symbol:     "SPY241220P00450500",
			wantTicker: "SPY",
			wantExp:    "2024-12-20",
			wantSide:   Put,
			wantStrike: 450.5,
		},
		{
			name:       "single letter ticker",
			symbol:     "F260116C00012000",
			wantTicker: "F",
			wantExp:    "2026-01-16",
			wantSide:   Call,
			wantStrike: 12.0,
		},
		{
			name:       "non-C side character decodes as put",
			symbol:     "GOLD250321X00370000",
			wantTicker: "GOLD",
			wantExp:    "2025-03-21",
			wantSide:   Put,
			wantStrike: 370.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseSymbol(tt.symbol)
			if err != nil {
				t.Fatalf("ParseSymbol(%q) error: %v", tt.symbol, err)
			}
			if c.Ticker != tt.wantTicker {
				t.Errorf("ticker = %q, want %q", c.Ticker, tt.wantTicker)
			}
			if got := c.Expiration.Format("2006-01-02"); got != tt.wantExp {
				t.Errorf("expiration = %s, want %s", got, tt.wantExp)
			}
			if c.Side != tt.wantSide {
				t.Errorf("side = %s, want %s", c.Side, tt.wantSide)
			}
			if math.Abs(c.Strike-tt.wantStrike) > 1e-9 {
				t.Errorf("strike = %v, want %v", c.Strike, tt.wantStrike)
			}
		})
	}
}

func TestParseSymbolMalformed(t *testing.T) {
	tests := []struct {
		name   string
		symbol string
	}{
		{name: "empty", symbol: ""},
		{name: "too short", symbol: "AAPL251017C001"},
		{name: "non-numeric strike", symbol: "AAPL251017C0015000X"},
		{name: "non-numeric date", symbol: "AAPL25XX17C00150000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSymbol(tt.symbol); !errors.Is(err, ErrMalformedSymbol) {
				t.Fatalf("ParseSymbol(%q) error = %v, want ErrMalformedSymbol", tt.symbol, err)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	contracts := []Contract{
		{Ticker: "AAPL", Expiration: date(2025, 10, 17), Side: Call, Strike: 150.0},
		{Ticker: "SPY", Expiration: date(2024, 12, 20), Side: Put, Strike: 450.5},
		{Ticker: "TSLA", Expiration: date(2026, 1, 16), Side: Put, Strike: 1012.5},
		{Ticker: "X", Expiration: date(2025, 3, 21), Side: Call, Strike: 37.125},
	}
	for _, want := range contracts {
		got, err := ParseSymbol(Encode(want))
		if err != nil {
			t.Fatalf("round trip %+v: %v", want, err)
		}
		if got != want {
			t.Errorf("decode(encode(c)) = %+v, want %+v", got, want)
		}
	}

	symbols := []string{
		"AAPL251017C00150000",
		"SPY241220P00450500",
		"F260116C00012000",
	}
	for _, want := range symbols {
		c, err := ParseSymbol(want)
		if err != nil {
			t.Fatalf("ParseSymbol(%q): %v", want, err)
		}
		if got := Encode(c); got != want {
			t.Errorf("encode(decode(s)) = %q, want %q", got, want)
		}
	}
}

func TestBuildStrikeMap(t *testing.T) {
	symbols := []string{
		"AAPL251017C00145000",
		"AAPL251017C00150000",
		"AAPL251017P00150000", // wrong side
		"AAPL251114C00150000", // wrong expiration
		"MSFT251017C00150000", // wrong ticker
		"garbage",             // unparseable, skipped
	}
	m := BuildStrikeMap(symbols, "AAPL", date(2025, 10, 17), Call)
	if len(m) != 2 {
		t.Fatalf("len = %d, want 2 (%v)", len(m), m)
	}
	if m[145.0] != "AAPL251017C00145000" || m[150.0] != "AAPL251017C00150000" {
		t.Errorf("unexpected map contents: %v", m)
	}
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
