package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/quantfold/ivd/internal/chart"
	"github.com/quantfold/ivd/internal/config"
	"github.com/quantfold/ivd/internal/discovery"
	"github.com/quantfold/ivd/internal/earnings"
	"github.com/quantfold/ivd/internal/marketdata"
	"github.com/quantfold/ivd/internal/occ"
	"github.com/quantfold/ivd/internal/server"
	"github.com/quantfold/ivd/internal/storage"
)

func main() {
	var (
		configPath string
		ticker     string
		expiration string
		side       string
		days       int
		earningsIV bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&ticker, "ticker", "", "Run one chart request for this ticker and exit")
	flag.StringVar(&expiration, "expiration", "", "Contract expiration (YYYY-MM-DD) for -ticker")
	flag.StringVar(&side, "side", "call", "Option side (call or put) for -ticker")
	flag.IntVar(&days, "days", 7, "Days of history for -ticker")
	flag.BoolVar(&earningsIV, "earnings", false, "Run earnings IV analysis for -ticker instead of a chart")
	flag.Parse()

	// .env is optional; the config file expands whatever is set.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: could not load .env: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[IVD] ", log.LstdFlags|log.Lshortfile)

	client := marketdata.NewClient(marketdata.Config{
		BaseURL:       cfg.API.BaseURL,
		APIKey:        cfg.API.APIKey,
		Spacing:       cfg.API.Spacing.Std(),
		MaxConcurrent: int64(cfg.API.MaxConcurrent),
		MaxRetries:    cfg.API.MaxRetries,
		BaseBackoff:   cfg.API.BaseBackoff.Std(),
		MaxBackoff:    cfg.API.MaxBackoff.Std(),
		Timeout:       cfg.API.Timeout.Std(),
	}, logger)

	var md marketdata.MarketData = client
	if cfg.API.UseBreaker {
		md = marketdata.NewBreakerClient(client)
	}

	pipeline := chart.NewPipeline(md, logger)
	engine := discovery.NewEngine(md, logger)
	analyzer := earnings.NewOrchestrator(md, engine, logger, earnings.Config{
		NumEvents:        cfg.Analysis.NumEvents,
		WindowDays:       cfg.Analysis.WindowDays,
		DTEBuckets:       cfg.Analysis.DTEBuckets,
		DiscoveryAgeDays: cfg.Analysis.DiscoveryAgeDays,
	})

	if ticker != "" {
		runOnce(pipeline, analyzer, ticker, expiration, side, days, earningsIV)
		return
	}

	if !cfg.Server.Enabled {
		log.Fatal("Nothing to do: pass -ticker for a one-shot run or enable the server in config")
	}

	store, err := storage.NewSQLiteStore(cfg.Storage.Path, logger)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("Error closing storage: %v", err)
		}
	}()

	srvLogger := logrus.New()
	if cfg.IsDebug() {
		srvLogger.SetLevel(logrus.DebugLevel)
	}

	srv := server.NewServer(server.Config{Addr: cfg.Server.Addr}, pipeline, analyzer, store, srvLogger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case sig := <-sigChan:
		logger.Printf("Received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Printf("Shutdown error: %v", err)
		}
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}

	logger.Println("Stopped")
}

// runOnce executes a single analysis from the command line and prints JSON.
func runOnce(pipeline *chart.Pipeline, analyzer *earnings.Orchestrator, ticker, expiration, side string, days int, earningsIV bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	optSide := occ.Call
	if strings.EqualFold(side, "put") || strings.EqualFold(side, "p") {
		optSide = occ.Put
	}

	var (
		out any
		err error
	)
	if earningsIV {
		out, err = analyzer.Analyze(ctx, ticker, optSide)
	} else {
		exp, perr := time.Parse("2006-01-02", expiration)
		if perr != nil {
			log.Fatalf("-expiration must be YYYY-MM-DD: %v", perr)
		}
		out, err = pipeline.Run(ctx, chart.Request{
			Ticker:     ticker,
			Expiration: exp,
			Side:       optSide,
			Days:       days,
		})
	}
	if err != nil {
		log.Fatalf("Analysis failed: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("Failed to encode output: %v", err)
	}
}
