package marketdata

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// ============ Response envelopes ============
//
// Most endpoints wrap their payload array in a "data" key; the historic
// endpoint alone uses "chains". Do not assume a uniform envelope shape.

type candleEnvelope struct {
	Data []candlePayload `json:"data"`
}

type candlePayload struct {
	StartTime  string     `json:"start_time"`
	Timestamp  string     `json:"timestamp"`
	Open       looseFloat `json:"open"`
	High       looseFloat `json:"high"`
	Low        looseFloat `json:"low"`
	Close      looseFloat `json:"close"`
	Volume     looseInt   `json:"volume"`
	MarketTime string     `json:"market_time"`
}

type contractsEnvelope struct {
	Data []string `json:"data"`
}

type intradayEnvelope struct {
	Data []intradayPayload `json:"data"`
}

type intradayPayload struct {
	StartTime string     `json:"start_time"`
	Timestamp string     `json:"timestamp"`
	IV        looseFloat `json:"iv"`
	IVHigh    looseFloat `json:"iv_high"`
	IVLow     looseFloat `json:"iv_low"`
}

type historicEnvelope struct {
	Chains []historicPayload `json:"chains"`
}

type historicPayload struct {
	Date         string     `json:"date"`
	IV           looseFloat `json:"implied_volatility"`
	OpenInterest looseInt   `json:"open_interest"`
	Volume       looseInt   `json:"volume"`
}

type expirationsEnvelope struct {
	Data []string `json:"data"`
}

type earningsEnvelope struct {
	Data []earningsPayload `json:"data"`
}

type earningsPayload struct {
	ReportDate   string     `json:"report_date"`
	ReportTime   string     `json:"report_time"`
	ExpectedMove looseFloat `json:"expected_move"`
}

// ============ Endpoint wrappers ============

// GetPriceCandles fetches OHLC candles for a ticker at the given interval
// (e.g. "1m", "4h", "1d"). Large intervals ignore the requested date range
// upstream and return full history, so candles before start are filtered
// out here. Candles missing any OHLC field are dropped at the boundary.
func (c *Client) GetPriceCandles(ctx context.Context, ticker, interval string, start, end time.Time) ([]PriceCandle, error) {
	params := url.Values{}
	if !start.IsZero() {
		params.Set("start_date", start.Format("2006-01-02"))
	}
	if !end.IsZero() {
		params.Set("end_date", end.Format("2006-01-02"))
	}

	var envelope candleEnvelope
	path := fmt.Sprintf("/api/stock/%s/ohlc/%s", ticker, interval)
	if err := c.get(ctx, path, params, &envelope); err != nil {
		return nil, err
	}

	candles := make([]PriceCandle, 0, len(envelope.Data))
	for _, p := range envelope.Data {
		tsField := p.StartTime
		if tsField == "" {
			tsField = p.Timestamp
		}
		ts, ok := parseEventTime(tsField)
		if !ok {
			continue
		}
		if !start.IsZero() && ts.Before(start) {
			continue
		}
		if !p.Open.ok || !p.High.ok || !p.Low.ok || !p.Close.ok {
			continue
		}
		candles = append(candles, PriceCandle{
			Start:   ts,
			Open:    p.Open.val,
			High:    p.High.val,
			Low:     p.Low.val,
			Close:   p.Close.val,
			Volume:  int64(p.Volume),
			Session: sessionFromMarketTime(p.MarketTime),
		})
	}
	return candles, nil
}

// GetListedContracts fetches the currently listed option contract symbols
// for a ticker. A non-zero date requests the listing as of that date.
func (c *Client) GetListedContracts(ctx context.Context, ticker string, date time.Time) ([]string, error) {
	params := url.Values{}
	if !date.IsZero() {
		params.Set("date", date.Format("2006-01-02"))
	}

	var envelope contractsEnvelope
	path := fmt.Sprintf("/api/stock/%s/option-chains", ticker)
	if err := c.get(ctx, path, params, &envelope); err != nil {
		return nil, err
	}
	return envelope.Data, nil
}

// GetIntradayObservations fetches the fixed-interval IV series for an
// option contract on one date.
func (c *Client) GetIntradayObservations(ctx context.Context, symbol string, date time.Time) ([]IntradayObservation, error) {
	params := url.Values{}
	params.Set("date", date.Format("2006-01-02"))

	var envelope intradayEnvelope
	path := fmt.Sprintf("/api/option-contract/%s/intraday", symbol)
	if err := c.get(ctx, path, params, &envelope); err != nil {
		return nil, err
	}

	obs := make([]IntradayObservation, 0, len(envelope.Data))
	for _, p := range envelope.Data {
		tsField := p.StartTime
		if tsField == "" {
			tsField = p.Timestamp
		}
		ts, ok := parseEventTime(tsField)
		if !ok {
			continue
		}
		// Endpoint versions differ on which IV field is populated.
		obs = append(obs, IntradayObservation{Start: ts, IV: firstUsableIV(p.IV, p.IVHigh, p.IVLow)})
	}
	return obs, nil
}

// firstUsableIV returns the first field carrying a non-zero value. An
// explicit zero means the contract did not trade at that instant and
// counts as no data, same as an absent field.
func firstUsableIV(fields ...looseFloat) *float64 {
	for _, f := range fields {
		if f.ok && f.val != 0 {
			v := f.val
			return &v
		}
	}
	return nil
}

// GetHistoricObservations fetches the full end-of-day record series for an
// option contract. The envelope keys its payload as "chains" rather than
// "data".
func (c *Client) GetHistoricObservations(ctx context.Context, symbol string) ([]HistoricObservation, error) {
	var envelope historicEnvelope
	path := fmt.Sprintf("/api/option-contract/%s/historic", symbol)
	if err := c.get(ctx, path, nil, &envelope); err != nil {
		return nil, err
	}

	obs := make([]HistoricObservation, 0, len(envelope.Chains))
	for _, p := range envelope.Chains {
		ts, ok := parseEventTime(p.Date)
		if !ok {
			continue
		}
		obs = append(obs, HistoricObservation{
			Date:         ts,
			IV:           p.IV.ptr(),
			OpenInterest: int64(p.OpenInterest),
			Volume:       int64(p.Volume),
		})
	}
	return obs, nil
}

// GetExpirationDates fetches the listed option expiration dates for a
// ticker, sorted ascending by the upstream service.
func (c *Client) GetExpirationDates(ctx context.Context, ticker string) ([]time.Time, error) {
	var envelope expirationsEnvelope
	path := fmt.Sprintf("/api/stock/%s/expiry-breakdown", ticker)
	if err := c.get(ctx, path, nil, &envelope); err != nil {
		return nil, err
	}

	dates := make([]time.Time, 0, len(envelope.Data))
	for _, s := range envelope.Data {
		if ts, ok := parseEventTime(s); ok {
			dates = append(dates, ts)
		}
	}
	return dates, nil
}

// GetEarningsEvents fetches past and scheduled earnings events for a
// ticker.
func (c *Client) GetEarningsEvents(ctx context.Context, ticker string) ([]EarningsEvent, error) {
	var envelope earningsEnvelope
	path := fmt.Sprintf("/api/earnings/%s", ticker)
	if err := c.get(ctx, path, nil, &envelope); err != nil {
		return nil, err
	}

	events := make([]EarningsEvent, 0, len(envelope.Data))
	for _, p := range envelope.Data {
		ts, ok := parseEventTime(p.ReportDate)
		if !ok {
			continue
		}
		events = append(events, EarningsEvent{
			ReportDate:   ts,
			ReportTime:   p.ReportTime,
			ExpectedMove: p.ExpectedMove.ptr(),
		})
	}
	return events, nil
}
