package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"marketsync/internal/config"
	"marketsync/internal/entity"
	"marketsync/internal/orchestrator"
	"marketsync/internal/pipeline"
	"marketsync/internal/ratelimit"
	"marketsync/internal/retry"
	"marketsync/internal/service"
	"marketsync/internal/store"
	_ "marketsync/internal/store/memory"
	_ "marketsync/internal/store/surreal"
	"marketsync/internal/vendors"
	_ "marketsync/internal/vendors/tushare"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("received interrupt signal, shutting down")
		cancel()
	}()

	adapter, err := vendor.New(cfg.Vendor, cfg.VendorSettings())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build vendor adapter")
	}

	st, err := store.New(cfg.Store, cfg.StoreSettings())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	orch := orchestrator.New(
		adapter,
		ratelimit.NewWindow(cfg.RateLimit, cfg.RateWindow),
		ratelimit.NewSemaphore(cfg.Concurrency),
		retry.Policy{
			MaxAttempts:   cfg.Retry.MaxAttempts,
			BaseDelay:     cfg.Retry.BaseDelay,
			BackoffFactor: cfg.Retry.BackoffFactor,
			Jitter:        cfg.Retry.Jitter,
		},
		log,
	)
	pipe := pipeline.New(st, cfg.BatchSize, cfg.Workers, log)
	svc := service.New(st, orch, pipe, cfg.PartitionDays, log)

	syncCtx, syncCancel := context.WithTimeout(ctx, 10*time.Minute)
	defer syncCancel()

	log.Info().Str("vendor", adapter.Name()).Str("store", cfg.Store).Strs("exchanges", cfg.Exchanges).Msg("starting sync")

	exitCode := 0
	for _, req := range syncRequests(cfg.Exchanges, entity.StockExchanges) {
		result, err := svc.Sync(syncCtx, req)
		if err != nil {
			log.Error().Str("entity", string(req.Entity)).Err(err).Msg("sync failed")
			exitCode = 1
			continue
		}
		event := log.Info()
		if !result.Success {
			event = log.Warn()
			exitCode = 1
		}
		event.
			Str("entity", string(req.Entity)).
			Int("inserted", result.Inserted).
			Int("modified", result.Modified).
			Int("dropped", result.Dropped).
			Int("errors", len(result.Errors)).
			Dur("duration", result.Duration()).
			Msg("sync finished")
	}

	log.Info().Msg("all syncs completed")
	os.Exit(exitCode)
}

// syncRequests lists the entities refreshed on every run, calendars first
// so downstream entities can rely on trading days being present. Stock
// listings sync against the stock exchanges, everything else against the
// configured futures exchanges.
func syncRequests(futures, stocks []string) []service.Request {
	return []service.Request{
		{Entity: entity.Calendar, Exchanges: futures},
		{Entity: entity.Contract, Exchanges: futures},
		{Entity: entity.DailyBar, Exchanges: futures},
		{Entity: entity.Holding, Exchanges: futures},
		{Entity: entity.StockListing, Exchanges: stocks},
	}
}
