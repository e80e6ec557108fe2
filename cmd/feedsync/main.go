package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"feedsync/internal/api"
	"feedsync/internal/config"
	"feedsync/internal/queue"
	"feedsync/internal/storage"
	"feedsync/internal/syncer"
	"feedsync/internal/window"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, config.ErrHelp) {
			return
		}
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	client := api.New(cfg.ServerURL, http.DefaultClient, cfg.UserAgent)

	q := queue.New(store, client, log, queue.Options{
		CoalesceDelay: cfg.CoalesceDelay,
		RetryDelay:    cfg.RetryDelay,
		MaxBatchSize:  cfg.MaxBatchSize,
		MaxRetries:    cfg.MaxRetries,
	})

	w := window.New(client, log, window.Options{
		PageLimit:   cfg.PageLimit,
		MaxRetained: cfg.MaxRetained,
		Sort:        cfg.Sort,
	})

	s := syncer.New(w, q, client, store, log)
	s.SetTickInterval(cfg.PollInterval)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting feed sync engine", "server", cfg.ServerURL)

	// Resume any actions a previous session failed to deliver before
	// loading fresh data.
	q.Restore(ctx)

	if err := w.LoadPage(ctx, true); err != nil {
		log.Warn("initial page load failed, will keep syncing", "error", err)
	} else {
		log.Info("loaded first page", "visible", len(w.Visible()), "has_more", w.HasMore())
	}

	s.Run(ctx)

	// Terminal flush: hand any unsent actions to the beacon before exit.
	s.Close()

	log.Info("feed sync engine stopped", "unsent_actions", q.Len())
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
