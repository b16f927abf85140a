package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/ivd/internal/chart"
	"github.com/quantfold/ivd/internal/discovery"
	"github.com/quantfold/ivd/internal/earnings"
	"github.com/quantfold/ivd/internal/marketdata"
	"github.com/quantfold/ivd/internal/mock"
	"github.com/quantfold/ivd/internal/occ"
	"github.com/quantfold/ivd/internal/storage"
)

var (
	testExpiration = time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	testNow        = time.Date(2026, 1, 20, 16, 0, 0, 0, time.UTC)
)

func f(v float64) *float64 { return &v }

// chartFixture holds enough data for a successful historic-mode chart.
func chartFixture() *mock.Client {
	client := mock.NewClient()
	client.Expirations["AAPL"] = []time.Time{testExpiration}
	client.Candles["AAPL/4h"] = []marketdata.PriceCandle{
		{Start: time.Date(2026, 1, 14, 14, 0, 0, 0, time.UTC), Open: 151, High: 153, Low: 150, Close: 152.30, Volume: 1000},
	}
	for _, strike := range []float64{145, 150, 155, 160} {
		sym := occ.Encode(occ.Contract{Ticker: "AAPL", Expiration: testExpiration, Side: occ.Call, Strike: strike})
		client.Contracts["AAPL"] = append(client.Contracts["AAPL"], sym)
	}
	day := time.Date(2026, 1, 14, 0, 0, 0, 0, time.UTC)
	sym150 := occ.Encode(occ.Contract{Ticker: "AAPL", Expiration: testExpiration, Side: occ.Call, Strike: 150})
	sym155 := occ.Encode(occ.Contract{Ticker: "AAPL", Expiration: testExpiration, Side: occ.Call, Strike: 155})
	client.Historic[sym150] = []marketdata.HistoricObservation{{Date: day, IV: f(0.21)}}
	client.Historic[sym155] = []marketdata.HistoricObservation{{Date: day, IV: f(0.24)}}
	return client
}

func newTestServer(t *testing.T, client *mock.Client) (*Server, storage.Interface) {
	t.Helper()

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	pipeline := chart.NewPipeline(client, nil).WithClock(func() time.Time { return testNow })
	engine := discovery.NewEngine(client, nil)
	analyzer := earnings.NewOrchestrator(client, engine, nil, earnings.Config{}).
		WithClock(func() time.Time { return testNow })

	return NewServer(Config{Addr: ":0"}, pipeline, analyzer, store, logger), store
}

func doRequest(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHandleChart_OK(t *testing.T) {
	srv, store := newTestServer(t, chartFixture())

	rec := doRequest(t, srv, "/api/chart?ticker=aapl&expiration=2026-02-20&side=call&days=30")
	require.Equal(t, http.StatusOK, rec.Code)

	var result chart.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, "AAPL", result.Ticker)
	assert.Equal(t, chart.ModeHistoric, result.Mode)
	require.Len(t, result.Points, 1)
	require.NotNil(t, result.Points[0].IV)
	assert.InDelta(t, 0.2238, *result.Points[0].IV, 1e-9)

	// The request must have been recorded.
	records, err := store.Recent(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "AAPL", records[0].Ticker)
	assert.Equal(t, 30, records[0].Days)
}

func TestHandleChart_BadInput(t *testing.T) {
	srv, _ := newTestServer(t, chartFixture())

	tests := []struct {
		name string
		path string
	}{
		{"missing ticker", "/api/chart?expiration=2026-02-20&side=call&days=30"},
		{"bad expiration", "/api/chart?ticker=AAPL&expiration=02/20/2026&side=call&days=30"},
		{"bad side", "/api/chart?ticker=AAPL&expiration=2026-02-20&side=straddle&days=30"},
		{"bad days", "/api/chart?ticker=AAPL&expiration=2026-02-20&side=call&days=soon"},
		{"days too large", "/api/chart?ticker=AAPL&expiration=2026-02-20&side=call&days=500"},
		{"days too small", "/api/chart?ticker=AAPL&expiration=2026-02-20&side=call&days=0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, srv, tt.path)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandleChart_NoDataIs404(t *testing.T) {
	client := chartFixture()
	client.Contracts = map[string][]string{} // nothing listed

	srv, _ := newTestServer(t, client)
	rec := doRequest(t, srv, "/api/chart?ticker=AAPL&expiration=2026-02-20&side=call&days=30")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleChart_UpstreamFailureIs502(t *testing.T) {
	client := chartFixture()
	client.Errors["GetPriceCandles"] = &marketdata.APIError{Status: 500, Body: "boom"}

	srv, _ := newTestServer(t, client)
	rec := doRequest(t, srv, "/api/chart?ticker=AAPL&expiration=2026-02-20&side=call&days=30")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleEarningsIV_NoPastEventsIs404(t *testing.T) {
	srv, _ := newTestServer(t, mock.NewClient())

	rec := doRequest(t, srv, "/api/earnings-iv?ticker=AAPL&side=call")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleEarningsIV_MissingTicker(t *testing.T) {
	srv, _ := newTestServer(t, mock.NewClient())

	rec := doRequest(t, srv, "/api/earnings-iv?side=call")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRequests(t *testing.T) {
	srv, store := newTestServer(t, chartFixture())

	req := &storage.ChartRequest{ID: "req-1", Ticker: "AAPL", Expiration: testExpiration, Side: "call", Days: 30}
	require.NoError(t, store.Store(t.Context(), req))

	rec := doRequest(t, srv, "/api/requests")
	require.Equal(t, http.StatusOK, rec.Code)
	var records []storage.ChartRequest
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&records))
	require.Len(t, records, 1)

	rec = doRequest(t, srv, "/api/requests/req-1")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, "/api/requests/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, srv, "/api/requests?limit=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRequests_NilStore(t *testing.T) {
	client := chartFixture()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	pipeline := chart.NewPipeline(client, nil).WithClock(func() time.Time { return testNow })
	engine := discovery.NewEngine(client, nil)
	analyzer := earnings.NewOrchestrator(client, engine, nil, earnings.Config{})

	srv := NewServer(Config{Addr: ":0"}, pipeline, analyzer, nil, logger)

	rec := doRequest(t, srv, "/api/requests")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doRequest(t, srv, "/api/requests/some-id")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// Chart requests still work; recording is simply skipped.
	rec = doRequest(t, srv, "/api/chart?ticker=AAPL&expiration=2026-02-20&side=call&days=30")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, mock.NewClient())

	rec := doRequest(t, srv, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestAuthMiddleware(t *testing.T) {
	client := chartFixture()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	pipeline := chart.NewPipeline(client, nil).WithClock(func() time.Time { return testNow })
	engine := discovery.NewEngine(client, nil)
	analyzer := earnings.NewOrchestrator(client, engine, nil, earnings.Config{})

	srv := NewServer(Config{Addr: ":0", AuthToken: "sesame"}, pipeline, analyzer, store, logger)

	rec := doRequest(t, srv, "/api/requests")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health stays open.
	rec = doRequest(t, srv, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/requests", nil)
	req.Header.Set("X-Auth-Token", "sesame")
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
