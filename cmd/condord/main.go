package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/condor-exchange/condor/params"
	"github.com/condor-exchange/condor/pkg/api"
	"github.com/condor-exchange/condor/pkg/engine"
	"github.com/condor-exchange/condor/pkg/storage"
	"github.com/condor-exchange/condor/pkg/util"
	"github.com/condor-exchange/condor/pkg/venue"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	// ---- Storage ----
	store, err := storage.NewStore(cfg.Node.DBPath)
	if err != nil {
		sugar.Fatalw("store_open_failed", "path", cfg.Node.DBPath, "err", err)
	}
	defer store.Close()
	sugar.Infow("store_opened", "path", cfg.Node.DBPath)

	// ---- Venue client ----
	// One client serves every collaborator role: oracle, asset registry,
	// margin ledger, tier service, dispatcher and bank.
	client := venue.NewClient(cfg.Venue.BaseURL, cfg.Venue.Timeout, sugar)
	sugar.Infow("venue_client_ready", "base_url", cfg.Venue.BaseURL, "timeout_ms", cfg.Venue.Timeout.Milliseconds())

	// ---- Engine ----
	eng, err := engine.New(engine.Config{
		Store:      store,
		Oracle:     client,
		Registry:   client,
		Ledger:     client,
		Tiers:      client,
		Dispatcher: client,
		Bank:       client,
		Logger:     sugar,
	})
	if err != nil {
		sugar.Fatalw("engine_init_failed", "err", err)
	}

	// ---- API Server ----
	// The server doubles as the engine's event sink, so create it first
	// and hand it back to the engine before orders start flowing.
	apiServer := api.NewServer(eng, cfg.API.AllowedOrigins, sugar)
	eng.SetEvents(apiServer)

	go func() {
		if err := apiServer.Start(cfg.API.Addr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sugar.Infow("condord_starting",
		"api_addr", cfg.API.Addr,
		"tick_interval_ms", cfg.Tick.Interval.Milliseconds())

	// ---- Tick loop ----
	// Blocks until shutdown; every interval it evaluates the pending
	// indexes and dispatches fired orders to the venue.
	if err := eng.Run(ctx, util.RealClock{}, cfg.Tick.Interval); err != nil && !errors.Is(err, context.Canceled) {
		sugar.Fatalw("tick_loop_failed", "err", err)
	}

	sugar.Info("condord_stopped")
}
