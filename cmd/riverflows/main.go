package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/riverflows/internal/adapter/ahps"
	"github.com/couchcryptid/riverflows/internal/adapter/codwr"
	httpadapter "github.com/couchcryptid/riverflows/internal/adapter/http"
	"github.com/couchcryptid/riverflows/internal/adapter/httpcache"
	kafkaadapter "github.com/couchcryptid/riverflows/internal/adapter/kafka"
	"github.com/couchcryptid/riverflows/internal/adapter/sqlite"
	"github.com/couchcryptid/riverflows/internal/adapter/usgs"
	"github.com/couchcryptid/riverflows/internal/config"
	"github.com/couchcryptid/riverflows/internal/datasource"
	"github.com/couchcryptid/riverflows/internal/domain"
	"github.com/couchcryptid/riverflows/internal/favorites"
	"github.com/couchcryptid/riverflows/internal/observability"
	"github.com/couchcryptid/riverflows/internal/pipeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := httpcache.NewClient(cfg.HTTPTimeout, logger)
	transport := func(agency string) domain.Transport {
		dir := filepath.Join(cfg.CacheDir, strings.ToLower(agency))
		cache, err := httpcache.NewCache(client, dir, cfg.CacheTTL, cfg.CacheMaxEntries, clock, logger.With("agency", agency), metrics)
		if err != nil {
			logger.Warn("http cache disabled", "agency", agency, "dir", dir, "error", err)
			return client
		}
		return cache
	}

	registry := datasource.NewRegistry(logger, metrics,
		ahps.New(cfg.AHPSBaseURL, transport(ahps.Agency), logger, metrics),
		usgs.New(cfg.USGSBaseURL, transport(usgs.Agency), logger, metrics),
		codwr.New(cfg.CODWRBaseURL, transport(codwr.Agency), logger, metrics),
	)

	store, err := sqlite.Open(ctx, cfg.SQLitePath, registry, logger)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.SQLitePath, "error", err)
		os.Exit(1)
	}

	migrator := favorites.NewMigrator(store, registry, logger, metrics)
	service := favorites.NewService(store, migrator, registry, logger)
	loader := pipeline.LoaderFunc(func(ctx context.Context, hardRefresh bool) ([]domain.FavoriteData, error) {
		return service.Load(ctx, hardRefresh, func(e favorites.MigrationEvent) {
			logger.Info("favorites migration", "phase", e.String())
		})
	})

	var (
		publisher pipeline.SnapshotPublisher
		writer    *kafkaadapter.Writer
	)
	if cfg.KafkaEnabled {
		writer = kafkaadapter.NewWriter(cfg, logger)
		publisher = writer
		logger.Info("kafka publishing enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	} else {
		logger.Info("kafka publishing disabled")
	}

	poller := pipeline.NewPoller(loader, store, publisher, clock, logger, metrics, cfg.PollInterval, cfg.FavoritesCheckInterval)

	srv := httpadapter.NewServer(cfg.HTTPAddr, readiness{store, poller}, poller, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start poller.
	go func() {
		if err := poller.Run(ctx); err != nil {
			logger.Error("poller error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}
	if err := store.Close(); err != nil {
		logger.Error("store close error", "error", err)
	}

	logger.Info("shutdown complete")
}

// readiness is ready when every check passes.
type readiness []sharedobs.ReadinessChecker

func (r readiness) CheckReadiness(ctx context.Context) error {
	for _, c := range r {
		if err := c.CheckReadiness(ctx); err != nil {
			return fmt.Errorf("not ready: %w", err)
		}
	}
	return nil
}
