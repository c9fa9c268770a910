package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinichub/scheduling/internal/api"
	"github.com/clinichub/scheduling/internal/clock"
	"github.com/clinichub/scheduling/internal/config"
	"github.com/clinichub/scheduling/internal/db"
	"github.com/clinichub/scheduling/internal/observability/metrics"
	redisclient "github.com/clinichub/scheduling/internal/redis"
	"github.com/clinichub/scheduling/internal/scheduling"
)

const version = "1.0.0"

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "api-server").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if cfg.Env == "dev" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect redis")
	}
	defer rdb.Close()

	clk := clock.New(cfg.Timezone(), cfg.PastMargin)
	repo := scheduling.NewPgRepository(pool)
	locker := redisclient.NewRedisDoctorLocker(rdb, cfg.LockTTL)
	emitter := scheduling.NewPgEmitter(pool, logger)
	svc := scheduling.NewService(repo, locker, clk, emitter, logger)

	m := metrics.NewSchedulingMetrics(nil)

	router := api.NewRouter(api.RouterConfig{
		Service: svc,
		Clock:   clk,
		PgPool:  pool,
		Redis:   rdb,
		Logger:  logger,
		Metrics: m,
		Env:     cfg.Env,
		Version: version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Str("tz", cfg.ClinicTimezone).Msg("api server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("server stopped")
}
