package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"arbor/internal/app"
	"arbor/internal/config"
	"arbor/internal/hub"
	"arbor/internal/metasync"
	"arbor/internal/persist"
	"arbor/internal/registry"
	"arbor/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)

	// The update log holds the replicated document history. Redis serves
	// it when configured; postgres is the default backend.
	var updateLog persist.UpdateLog
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Info().Msg("using redis for the update log")
		redisLog, err := persist.NewRedisLog(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisLog.Close()
		updateLog = redisLog
	} else {
		log.Info().Msg("using postgres for the update log")
		updateLog = persist.NewPostgresLog(db)
	}

	reg := registry.New(updateLog)
	meta := metasync.New(dataStore)
	wsHub := hub.New(reg, meta)
	service := app.NewService(dataStore, reg, []byte(cfg.JWTSecret))
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)

	mux := http.NewServeMux()
	mux.Handle("/ws/", wsHub)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("arbor api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	// Flush buffered document updates before the process exits.
	if err := reg.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("registry flush error")
	}
}
