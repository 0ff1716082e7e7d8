// Package app wires every component together and runs the HTTP server
// (spec.md §6 Configuration, SPEC_FULL.md §3/§4).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wisbric/seoscan/internal/config"
	"github.com/wisbric/seoscan/internal/httpserver"
	"github.com/wisbric/seoscan/internal/observability"
	"github.com/wisbric/seoscan/internal/platform"
	"github.com/wisbric/seoscan/internal/scanapi"
	"github.com/wisbric/seoscan/internal/telemetry"
	"github.com/wisbric/seoscan/pkg/collaborator"
	"github.com/wisbric/seoscan/pkg/orchestrator"
	"github.com/wisbric/seoscan/pkg/planenforce"
	"github.com/wisbric/seoscan/pkg/retry"
	"github.com/wisbric/seoscan/pkg/scan"
	"github.com/wisbric/seoscan/pkg/scancache"
	"github.com/wisbric/seoscan/pkg/urlnorm"
)

const environment = "production"

// Run reads configuration, connects to infrastructure, wires every
// component, and serves HTTP until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting seoscan", "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	repo := scan.NewPostgresRepository(db)

	sink := observability.New(repo, logger, environment)
	sink.Start(ctx)
	defer sink.Close()

	cache := scancache.New(repo, rdb, logger)
	go cache.RunSweepLoop(ctx, cfg.CacheSweepInterval)

	registry := collaborator.NewDefaultRegistry()
	quotaLoc := cfg.Location()
	enforcer := planenforce.New(repo, func() time.Time { return time.Now().In(quotaLoc) })
	orch := orchestrator.New(repo, registry, cache, sink, orchestrator.Config{
		ScanTimeout: cfg.ScanGlobalTimeout, ScanTimeoutGrace: cfg.ScanTimeoutGrace,
	})
	retrySub := retry.New(repo, enforcer, orch)
	users := scanapi.NewPostgresUserLookup(db)
	normOpts := urlnorm.Options{ForceHTTPS: cfg.NormalizeForceHTTPS, StripParams: cfg.NormalizeStripParams}

	srv := httpserver.NewServer(httpserver.ServerConfig{CORSAllowedOrigins: cfg.CORSAllowedOrigins}, logger, db, rdb, metricsReg)

	scanHandler := scanapi.NewHandler(repo, enforcer, cache, orch, retrySub, users, logger, normOpts)
	srv.APIRouter.Mount("/scan", scanHandler.Routes())
	srv.APIRouter.Get("/monitoring/metrics", scanHandler.HandleMetricsSummary)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.ScanGlobalTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
