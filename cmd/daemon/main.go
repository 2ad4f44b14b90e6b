// SPDX-License-Identifier: MIT

// Command daemon runs the vibecaster media generation service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/davidgeorgehope/vibecaster/internal/api"
	"github.com/davidgeorgehope/vibecaster/internal/config"
	"github.com/davidgeorgehope/vibecaster/internal/engine"
	"github.com/davidgeorgehope/vibecaster/internal/event"
	"github.com/davidgeorgehope/vibecaster/internal/generate"
	"github.com/davidgeorgehope/vibecaster/internal/log"
	"github.com/davidgeorgehope/vibecaster/internal/store"
	"github.com/davidgeorgehope/vibecaster/internal/upload"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg := config.FromEnv()
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "vibecaster"})
	logger := log.WithComponent("main")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Str("event", "config.invalid").Msg("invalid configuration")
	}
	if cfg.GenAPIKey == "" {
		logger.Warn().
			Str("event", "config.no_api_key").
			Msg("VIBECASTER_GEN_API_KEY not set, generation calls will fail")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		logger.Fatal().Err(err).Msg("create data dir")
	}
	st, err := store.Open(filepath.Join(cfg.DataDir, "db"))
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error().Err(err).Msg("close store")
		}
	}()

	bus := event.NewBus()
	uploads := upload.NewManager(st, cfg)

	gemini := generate.NewGeminiClient(cfg.GenBaseURL, cfg.GenAPIKey, cfg.PlannerModel, cfg.ImageModel)
	backends := engine.Backends{
		Planner:  gemini,
		Images:   gemini,
		Videos:   generate.NewVeoClient(cfg.GenBaseURL, cfg.GenAPIKey, cfg.VideoModel, cfg.VideoPollEvery, cfg.VideoPollMax),
		Stitcher: &generate.FFmpegStitcher{Binary: cfg.FFmpegPath},
	}
	eng := engine.New(st, bus, uploads, backends, cfg)
	if err := eng.Recover(ctx); err != nil {
		logger.Fatal().Err(err).Msg("recover jobs")
	}

	go upload.NewSweeper(uploads, cfg.SweepInterval).Run(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.New(cfg, st, uploads, eng, bus).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().
			Str("event", "daemon.listening").
			Str("addr", cfg.ListenAddr).
			Msg("daemon started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	logger.Info().Str("event", "daemon.shutdown").Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	eng.Close()
}
