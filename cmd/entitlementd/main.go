package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/CedrosPay/entitlements/internal/config"
	"github.com/CedrosPay/entitlements/internal/httpserver"
	"github.com/CedrosPay/entitlements/pkg/entitlements"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before config")
	flag.Parse()

	// A missing .env is normal outside local development.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", *envFile).Msg("entitlementd.env_file_unreadable")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("entitlementd.config_invalid")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := entitlements.NewApp(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("entitlementd.init_failed")
	}
	logger := app.Logger
	app.Start(ctx)

	srv := httpserver.NewWithHandler(cfg, app.Handler())
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("address", cfg.Server.Address).Msg("entitlementd.listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("entitlementd.shutting_down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("entitlementd.server_failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("entitlementd.shutdown_failed")
	}
	if err := app.Close(); err != nil {
		logger.Error().Err(err).Msg("entitlementd.close_failed")
		os.Exit(1)
	}
}
