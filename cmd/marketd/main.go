package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/champfutures/marketd/pkg/config"
	"github.com/champfutures/marketd/pkg/marketstore"
	"github.com/champfutures/marketd/pkg/tradeapi"
)

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05",
	}).With().Timestamp().Logger()

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config-load-failed")
	}
	setupLogger(cfg.LogLevel)

	marketstore.EnsureMigrations(&marketstore.Config{
		DBMigrationsPath: cfg.DB.MigrationsPath,
		DBPath:           cfg.DB.Path,
	})

	store, err := marketstore.NewStore(cfg.DB.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("store-open-failed")
	}
	defer store.Close()

	srv := tradeapi.NewServer(tradeapi.Config{
		Port:           cfg.Server.Port,
		CORSOrigins:    cfg.Server.CORSOrigins,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	}, store, log.Logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("server-failed")
		}
	case <-ctx.Done():
		log.Info().Msg("shutting-down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown-error")
		}
	}
}
