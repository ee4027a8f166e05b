// Command derivws-tail subscribes to tick quotes for a symbol and prints
// them until interrupted.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/derivkit/derivws"
	"github.com/derivkit/derivws/cache"
	"github.com/derivkit/derivws/config"
	"github.com/derivkit/derivws/core/schema"
	"github.com/derivkit/derivws/lib/telemetry"
	"github.com/derivkit/derivws/storage/postgres"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var (
		cfgPath = flag.String("config", "", "path to the yaml configuration file (falls back to DERIVWS_CONFIG, then defaults)")
		appID   = flag.String("app-id", "", "application id, overrides the configured one")
		symbol  = flag.String("symbol", "R_100", "symbol to stream ticks for")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "derivws-tail ", log.LstdFlags)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *appID != "" {
		cfg.AppID = *appID
	}

	_, shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()

	var storage cache.Backend
	if dsn := cfg.Cache.PostgresDSN; dsn != "" {
		store, err := postgres.Open(ctx, dsn)
		if err != nil {
			logger.Fatalf("open postgres cache: %v", err)
		}
		defer store.Close()
		storage = store
		logger.Printf("persistent response cache enabled")
	}

	client, err := derivws.New(derivws.Options{
		Endpoint:              cfg.Endpoint,
		AppID:                 cfg.AppID,
		Lang:                  cfg.Lang,
		Brand:                 cfg.Brand,
		AutoReconnect:         cfg.Reconnect.Enabled,
		MaxRetryCount:         cfg.Reconnect.MaxRetryCount,
		ReconnectInitialDelay: cfg.Reconnect.InitialDelay,
		ReconnectMaxDelay:     cfg.Reconnect.MaxDelay,
		Storage:               storage,
	})
	if err != nil {
		logger.Fatalf("construct client: %v", err)
	}
	defer func() {
		clearCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := client.Clear(clearCtx); err != nil {
			logger.Printf("clear client: %v", err)
		}
	}()

	if err := client.Connect(ctx); err != nil {
		logger.Fatalf("connect: %v", err)
	}
	logger.Printf("connected to %s", cfg.Endpoint)

	go drainErrors(ctx, client, logger)

	shared, err := client.SubscribeTicks(*symbol)
	if err != nil {
		logger.Fatalf("subscribe %s: %v", *symbol, err)
	}
	quotes, stop := shared.Subscribe()
	defer stop()

	for {
		select {
		case <-ctx.Done():
			logger.Printf("shutting down")
			return
		case msg, ok := <-quotes:
			if !ok {
				if err := shared.Err(); err != nil {
					logger.Fatalf("tick stream ended: %v", err)
				}
				logger.Printf("tick stream completed")
				return
			}
			printTick(logger, msg)
		}
	}
}

func drainErrors(ctx context.Context, client *derivws.Client, logger *log.Logger) {
	errCh, cancel := client.Errors()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-errCh:
			if !ok {
				return
			}
			logger.Printf("connection %d: %s: %v", ev.ConnectionID, ev.Name, ev.Err)
		}
	}
}

func printTick(logger *log.Logger, msg schema.Message) {
	tick, ok := msg["tick"].(map[string]any)
	if !ok {
		return
	}
	logger.Printf("%v %v", tick["symbol"], tick["quote"])
}
