package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whisper.box/config"
	"whisper.box/internal/api"
	"whisper.box/internal/logger"
	"whisper.box/internal/store"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config error", slog.Any("error", err))
		os.Exit(1)
	}

	log := logger.New(logger.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	backend, err := initBackend(cfg)
	if err != nil {
		log.Error("store initialization failed",
			slog.String("type", cfg.Store.Type),
			slog.Any("error", err),
		)
		os.Exit(1)
	}
	defer backend.Close()

	st := store.NewLocalStore(backend, store.Options{
		ConfessionTTL:    cfg.Confessions.TTL,
		MaxMessageExpiry: cfg.Messages.MaxExpiry,
		Logger:           log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go st.RunSweeper(ctx, cfg.Messages.SweepInterval)

	router := api.SetupRouter(st, cfg, log)

	log.Info("server starting",
		slog.String("addr", cfg.Addr()),
		slog.String("base_url", cfg.Server.BaseURL),
		slog.String("store", cfg.Store.Type),
	)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", slog.Any("error", err))
			os.Exit(1)
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown failed", slog.Any("error", err))
		}
	}
}

func initBackend(cfg *config.Config) (store.Backend, error) {
	switch cfg.Store.Type {
	case "redis":
		return store.NewRedisBackend(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		}, cfg.Store.Redis.Prefix)
	case "sqlite":
		path := cfg.Store.SQLite.Path
		if path == "" {
			var err error
			if path, err = store.DefaultSQLitePath(); err != nil {
				return nil, err
			}
		}
		return store.OpenSQLite(path)
	default:
		return store.NewMemoryBackend(), nil
	}
}
