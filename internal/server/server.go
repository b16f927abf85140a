// Package server exposes the chart and earnings pipelines over a JSON API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/quantfold/ivd/internal/chart"
	"github.com/quantfold/ivd/internal/earnings"
	"github.com/quantfold/ivd/internal/marketdata"
	"github.com/quantfold/ivd/internal/occ"
	"github.com/quantfold/ivd/internal/storage"
)

// Config holds HTTP server settings.
type Config struct {
	Addr      string
	AuthToken string
}

// Server serves chart and earnings analysis requests.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	pipeline  *chart.Pipeline
	analyzer  *earnings.Orchestrator
	store     storage.Interface
	logger    *logrus.Logger
	addr      string
	authToken string
}

// NewServer wires the pipelines and store into a router.
func NewServer(cfg Config, pipeline *chart.Pipeline, analyzer *earnings.Orchestrator, store storage.Interface, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		pipeline:  pipeline,
		analyzer:  analyzer,
		store:     store,
		logger:    logger,
		addr:      cfg.Addr,
		authToken: cfg.AuthToken,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(5 * time.Minute))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/api/chart", s.handleChart)
	s.router.Get("/api/earnings-iv", s.handleEarningsIV)
	s.router.Get("/api/requests", s.handleRecentRequests)
	s.router.Get("/api/requests/{id}", s.handleGetRequest)
	s.router.Get("/health", s.handleHealth)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start blocks serving requests until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting API server on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	req, err := parseChartParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.pipeline.Run(r.Context(), req)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	if s.store != nil {
		record := &storage.ChartRequest{
			ID:         uuid.NewString(),
			Ticker:     req.Ticker,
			Expiration: req.Expiration,
			Side:       string(req.Side),
			Days:       req.Days,
		}
		if err := s.store.Store(r.Context(), record); err != nil {
			s.logger.WithError(err).Warn("Failed to record chart request")
		}
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEarningsIV(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("ticker")))
	if ticker == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("ticker is required"))
		return
	}
	side, err := parseSide(r.URL.Query().Get("side"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	report, err := s.analyzer.Analyze(r.Context(), ticker, side)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRecentRequests(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("request store disabled"))
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	records, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list chart requests")
		s.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("request store disabled"))
		return
	}

	id := chi.URLParam(r, "id")

	record, err := s.store.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to load chart request")
		s.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// writePipelineError maps pipeline failures onto status codes: an expected
// empty result is 404, anything else is an upstream failure.
func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	if errors.Is(err, marketdata.ErrNoData) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.logger.WithError(err).Error("Pipeline request failed")
	s.writeError(w, http.StatusBadGateway, err)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func parseChartParams(r *http.Request) (chart.Request, error) {
	q := r.URL.Query()

	ticker := strings.ToUpper(strings.TrimSpace(q.Get("ticker")))
	if ticker == "" {
		return chart.Request{}, errors.New("ticker is required")
	}

	expiration, err := time.Parse("2006-01-02", q.Get("expiration"))
	if err != nil {
		return chart.Request{}, fmt.Errorf("expiration must be YYYY-MM-DD: %w", err)
	}

	side, err := parseSide(q.Get("side"))
	if err != nil {
		return chart.Request{}, err
	}

	days := 1
	if v := q.Get("days"); v != "" {
		days, err = strconv.Atoi(v)
		if err != nil {
			return chart.Request{}, fmt.Errorf("days must be an integer: %w", err)
		}
	}
	if days < 1 || days > 365 {
		return chart.Request{}, fmt.Errorf("days must be between 1 and 365, got %d", days)
	}

	return chart.Request{Ticker: ticker, Expiration: expiration, Side: side, Days: days}, nil
}

func parseSide(v string) (occ.Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "call", "c", "":
		return occ.Call, nil
	case "put", "p":
		return occ.Put, nil
	default:
		return "", fmt.Errorf("side must be call or put, got %q", v)
	}
}
