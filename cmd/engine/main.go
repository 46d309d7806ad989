// Command engine is the entry point for the bunny-order routing engine.
//
// The engine:
//  1. Loads configuration (environment-keyed YAML + .env credentials)
//  2. Connects the Postgres store and syncs reference data
//  3. Starts the file observer, order manager, and exit handler workers
//  4. Risk-validates upstream signals and decomposes them into broker
//     orders written to the SF31 order log
//  5. Correlates broker order/trade callbacks back to placed orders
//  6. Runs the twice-daily reset cycle and the sync/snapshot schedule
//
// Modes:
//   - "run":    Long-running engine loop (default)
//   - "status": Print cache freshness and queue depths, then exit
//   - "reset":  Force one reset cycle, then exit
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/elsonly/bunny-order/internal/config"
	"github.com/elsonly/bunny-order/internal/dashboard"
	"github.com/elsonly/bunny-order/internal/engine"
	"github.com/elsonly/bunny-order/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	mode := flag.String("mode", "run", "run mode: run | status | reset")
	confirmLive := flag.Bool("live-confirmed", false, "required safety flag to run against a non-local environment")
	flag.Parse()

	logger := log.New(os.Stdout, "[engine] ", log.LstdFlags|log.Lshortfile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	if sink, err := openLogSink(cfg); err != nil {
		logger.Printf("WARNING: log sink unavailable, logging to stdout only: %v", err)
	} else if sink != nil {
		logger.SetOutput(io.MultiWriter(os.Stdout, sink))
		defer sink.Close()
	}
	logger.Printf("config loaded: db=%s:%d/%s base_path=%s debug=%v",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.Database,
		cfg.Observer.BasePath, cfg.Debug)

	// ── Live environment safety gate ──
	// A non-local ENV places real orders through the broker-side process.
	// Both the -live-confirmed flag AND BUNNY_LIVE_CONFIRMED=true are
	// required so a copy-pasted command can't start live routing alone.
	if !cfg.Debug && *mode == "run" {
		envConfirmed := os.Getenv("BUNNY_LIVE_CONFIRMED") == "true"
		if !*confirmLive || !envConfirmed {
			fmt.Fprintln(os.Stderr, "")
			fmt.Fprintln(os.Stderr, "LIVE MODE BLOCKED: a non-local ENV requires two confirmations:")
			fmt.Fprintln(os.Stderr, "  1. CLI flag: -live-confirmed")
			fmt.Fprintln(os.Stderr, "  2. Env var:  BUNNY_LIVE_CONFIRMED=true")
			if !*confirmLive {
				fmt.Fprintln(os.Stderr, "  MISSING: -live-confirmed flag")
			}
			if !envConfirmed {
				fmt.Fprintln(os.Stderr, "  MISSING: BUNNY_LIVE_CONFIRMED=true environment variable")
			}
			fmt.Fprintln(os.Stderr, "")
			os.Exit(1)
		}
		logger.Println("LIVE MODE ACTIVE — orders will reach the broker order log")
	} else if cfg.Debug {
		logger.Println("DEBUG MODE — time windows and freshness checks are bypassed")
	}

	store, err := storage.NewPostgresStore(cfg.Database.DSN())
	if err != nil {
		logger.Fatalf("failed to connect store: %v", err)
	}
	defer store.Close()
	logger.Println("store connected")

	switch *mode {
	case "status":
		runStatus(cfg, store, logger)

	case "reset":
		eng, err := engine.New(cfg, store, nil, logger)
		if err != nil {
			logger.Fatalf("failed to build engine: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := eng.ForceReset(ctx); err != nil {
			logger.Fatalf("reset failed: %v", err)
		}
		logger.Println("reset complete")

	case "run":
		runEngine(*configPath, cfg, store, logger)

	default:
		logger.Fatalf("unknown mode %q (want run | status | reset)", *mode)
	}
}

// openLogSink opens the configured append-only log file, if any.
func openLogSink(cfg *config.Config) (*os.File, error) {
	if cfg.Log.SinkDir == "" || cfg.Log.SinkFile == "" {
		return nil, nil
	}
	if err := os.MkdirAll(cfg.Log.SinkDir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(cfg.Log.SinkDir, cfg.Log.SinkFile),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

func runStatus(cfg *config.Config, store storage.Store, logger *log.Logger) {
	eng, err := engine.New(cfg, store, nil, logger)
	if err != nil {
		logger.Fatalf("failed to build engine: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := eng.Bootstrap(ctx); err != nil {
		logger.Printf("WARNING: reference sync incomplete: %v", err)
	}

	out, err := json.MarshalIndent(eng.Status(), "", "  ")
	if err != nil {
		logger.Fatalf("failed to render status: %v", err)
	}
	fmt.Println(string(out))
}

func runEngine(configPath string, cfg *config.Config, store storage.Store, logger *log.Logger) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Optional status surface.
	var broadcaster *dashboard.Broadcaster
	if cfg.Dashboard.Enabled {
		broadcaster = dashboard.NewBroadcaster(logger)
		go broadcaster.Run()
		defer broadcaster.Shutdown()

		server := dashboard.NewServer(cfg.Dashboard.Addr, broadcaster, logger)
		server.Start()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			server.Stop(shutdownCtx)
		}()

		listener := dashboard.NewEventListener(cfg.Database.DSN(), broadcaster, logger)
		listener.Start(ctx)
		defer listener.Stop()
	}

	eng, err := engine.New(cfg, store, broadcaster, logger)
	if err != nil {
		logger.Fatalf("failed to build engine: %v", err)
	}

	// Config hot-reload: schedule windows, order-manager limits, and cache
	// tolerance only.
	watcher := config.NewConfigWatcher(configPath, cfg, logger)
	watcher.OnChange(func(old, new *config.Config) {
		*cfg = *new
		logger.Printf("[hot-reload] engine schedule and limits updated")
	})
	if watchErr := watcher.Start(); watchErr != nil {
		logger.Printf("WARNING: config watcher failed to start: %v", watchErr)
	}
	defer watcher.Stop()

	if err := eng.Run(ctx); err != nil {
		logger.Fatalf("engine stopped with error: %v", err)
	}
	logger.Println("clean shutdown")
}
