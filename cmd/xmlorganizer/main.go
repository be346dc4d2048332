// Command xmlorganizer ingests fiscal XML documents from an inbox into a
// catalogued archive tree.
//
// Usage:
//
//	xmlorganizer -config organizer.yaml        # daemon mode
//	xmlorganizer -config organizer.yaml -once  # single scan pass, then exit
//	xmlorganizer -config organizer.yaml -reconcile  # one reconciliation sweep
//	xmlorganizer -config organizer.yaml -stats # catalog counters as JSON
//
// Without -config, configuration comes entirely from the environment
// (SOURCE_DIRECTORY, DESTINATION_NETWORK_DIRECTORY, DATA_ROOT, ...).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/EnzzoHosaki/xml-organizer/organizer"
	"github.com/EnzzoHosaki/xml-organizer/watcher"
)

func main() {
	configPath := flag.String("config", "", "path to organizer.yaml config file")
	once := flag.Bool("once", false, "run a single scan pass and exit")
	reconcile := flag.Bool("reconcile", false, "run one reconciliation sweep and exit")
	showStats := flag.Bool("stats", false, "show catalog stats and exit")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *once, *reconcile, *showStats); err != nil {
		logger.Error("xmlorganizer: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath string, once, reconcile, showStats bool) error {
	cfg, err := resolveConfig(configPath)
	if err != nil {
		return err
	}

	store, err := organizer.OpenStore(cfg.CatalogPath())
	if err != nil {
		return fmt.Errorf("init catalog: %w", err)
	}
	defer store.Close()

	// One-shot: stats.
	if showStats {
		stats, err := store.Stats(ctx)
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	mover := organizer.NewMover(cfg)
	if err := mover.EnsureDirs(); err != nil {
		return fmt.Errorf("init staging dirs: %w", err)
	}

	var sink organizer.Sink
	fileSink, err := organizer.NewFileSink(cfg.AuditLog())
	if err != nil {
		logger.Error("audit log unavailable, events discarded", "error", err)
		sink = organizer.NopSink{}
	} else {
		defer fileSink.Close()
		sink = fileSink
	}

	cache := organizer.NewCache()
	if err := cache.Warm(ctx, store); err != nil {
		return err
	}
	hashes, keys := cache.Len()
	logger.Info("idempotency cache warmed", "hashes", hashes, "keys", keys)

	proc := organizer.NewProcessor(cfg, store, cache, mover, sink, logger)
	recon := organizer.NewReconciler(cfg, store, proc, sink, logger)

	// One-shot: reconcile.
	if reconcile {
		stats, err := recon.Run(ctx)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		logger.Info("reconciliation done",
			"files_checked", stats.FilesChecked,
			"issues_found", stats.IssuesFound,
			"issues_fixed", stats.IssuesFixed)
		return nil
	}

	orch := organizer.NewOrchestrator(cfg, proc, recon, sink, logger)

	// One-shot: scan pass.
	if once {
		stats, err := orch.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		logger.Info("scan pass done",
			"success", stats.Success,
			"duplicate", stats.Duplicate,
			"error", stats.Failed+stats.Errors)
		return nil
	}

	// Daemon mode.
	if cfg.WatchInbox {
		w, err := watcher.New(watcher.Options{Dir: cfg.SourceDirectory, Logger: logger})
		if err != nil {
			logger.Warn("inbox watcher unavailable, relying on periodic scans", "error", err)
		} else {
			defer w.Close()
			go w.Run(ctx)
			orch.Kick = w.C
		}
	}

	return orch.Run(ctx)
}

func resolveConfig(configPath string) (*organizer.Config, error) {
	if configPath != "" {
		return organizer.LoadConfig(configPath)
	}

	cfg := organizer.DefaultConfig()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "usage: xmlorganizer -config <file> [-once|-reconcile|-stats]")
		return nil, err
	}
	return cfg, nil
}
