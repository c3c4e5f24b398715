// Command mediaproxy runs the media-edge caching reverse proxy: it loads
// configuration, wires the admission/cache/origin-fetch/usage components
// together, and serves traffic until a shutdown signal arrives. The startup
// and shutdown sequencing mirrors cmd/edge-gateway/main.go: build every
// service up front, start listeners, then drain everything in reverse order
// on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/engine/internal/admission"
	"github.com/edgecomet/engine/internal/config"
	"github.com/edgecomet/engine/internal/fingerprint"
	"github.com/edgecomet/engine/internal/httpserver"
	"github.com/edgecomet/engine/internal/logging"
	"github.com/edgecomet/engine/internal/metrics"
	"github.com/edgecomet/engine/internal/metricsserver"
	"github.com/edgecomet/engine/internal/objectstore"
	"github.com/edgecomet/engine/internal/originfetch"
	"github.com/edgecomet/engine/internal/pipeline"
	"github.com/edgecomet/engine/internal/registry"
	"github.com/edgecomet/engine/internal/tenancy"
	"github.com/edgecomet/engine/internal/usage"
	"github.com/edgecomet/engine/internal/usage/billing"
	"github.com/edgecomet/engine/pkg/types"
)

func main() {
	configPath := flag.String("c", "configs/mediaproxy.yaml", "path to configuration file")
	flag.Parse()

	bootLogger := logging.NewDefault()

	cfg, err := config.Load(*configPath, bootLogger)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:              cfg.Log.Level,
		ConsoleFormat:      cfg.Log.ConsoleFormat,
		FileEnabled:        cfg.Log.FileEnabled,
		FilePath:           cfg.Log.FilePath,
		FileFormat:         cfg.Log.FileFormat,
		RotationMaxSizeMB:  cfg.Log.RotationMaxSizeMB,
		RotationMaxAgeDays: cfg.Log.RotationMaxAgeDays,
		RotationMaxBackups: cfg.Log.RotationMaxBackups,
		RotationCompress:   cfg.Log.RotationCompress,
	})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting mediaproxy", zap.String("config_path", *configPath))

	var reg *registry.Client
	if cfg.Redis.Addr != "" {
		reg, err = registry.New(registry.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
		if err != nil {
			logger.Fatal("failed to connect to redis registry", zap.Error(err))
		}
		defer reg.Close() //nolint:errcheck
	}

	admissionCfg := admission.Config{
		Mode:      cfg.Admission.Mode,
		Allowlist: cfg.Admission.Allowlist,
		Blocklist: cfg.Admission.Blocklist,
	}
	if reg != nil {
		admissionCfg.Registry = reg
	}
	admitter := admission.New(admissionCfg)

	var store objectstore.Store
	switch cfg.ObjectStore.Backend {
	case "s3":
		s3Store, err := objectstore.NewS3Store(context.Background(), cfg.ObjectStore.S3Bucket, cfg.ObjectStore.S3Prefix, cfg.ObjectStore.S3ForcePath, logger)
		if err != nil {
			logger.Fatal("failed to initialize s3 object store", zap.Error(err))
		}
		store = s3Store
	default:
		store = objectstore.NewMemStore(logger)
	}

	fetcher := originfetch.New(admitter, logger)

	var flusher usage.Flusher
	if cfg.ClickHouse.Addr != "" {
		writer, err := billing.NewWriter(context.Background(), billing.Config{
			Addr:     cfg.ClickHouse.Addr,
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		}, logger)
		if err != nil {
			logger.Fatal("failed to connect to clickhouse", zap.Error(err))
		}
		defer writer.Close() //nolint:errcheck
		flusher = writer
	} else {
		flusher = noopFlusher{}
	}

	aggregator := usage.New(flusher, cfg.Usage.FlushInterval.ToDuration(), logger)
	aggregator.Start()

	var tenantResolver *tenancy.Resolver
	if reg != nil {
		tenantResolver = tenancy.New(reg, logger)
	}

	metricsCollector := metrics.New("mediaproxy")

	pl := pipeline.New(
		fingerprint.NewValidator(),
		admitter,
		store,
		fetcher,
		aggregator,
		pipelineTenantResolver(tenantResolver),
		metricsCollector,
		logger,
		pipeline.Config{
			MaxObjectSizeBytes: cfg.Cache.MaxObjectSizeMB * 1024 * 1024,
			PrefetchSubranges:  cfg.Cache.PrefetchSubranges,
			Debug:              cfg.Debug,
		},
	)
	if tenantResolver != nil {
		pl.SetSuspensionChecker(tenantResolver)
	}

	srv := httpserver.New(pl, logger, httpserver.Config{
		Listen:       cfg.Server.Listen,
		ReadTimeout:  cfg.Server.ReadTimeout.ToDuration(),
		WriteTimeout: cfg.Server.WriteTimeout.ToDuration(),
		Debug:        cfg.Debug,
	})
	srv.RegisterDrainable(aggregator)

	metricsSrv, err := metricsserver.StartMetricsServer(cfg.Metrics.Enabled, cfg.Metrics.Listen, cfg.Metrics.Path, metricsCollector, logger)
	if err != nil {
		logger.Fatal("failed to start metrics server", zap.Error(err))
	}

	serverErrors := make(chan error, 1)
	srv.Start(serverErrors)

	logger.Info("mediaproxy started", zap.String("listen", cfg.Server.Listen))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-serverErrors:
		logger.Error("server failed, shutting down", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	if metricsSrv != nil {
		if err := metricsSrv.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	logger.Info("mediaproxy stopped")
}

// pipelineTenantResolver adapts a possibly-nil *tenancy.Resolver to
// pipeline.TenantResolver: a nil interface value (rather than a nil pointer
// behind a non-nil interface) is required for the pipeline's own nil check
// to work.
func pipelineTenantResolver(r *tenancy.Resolver) pipeline.TenantResolver {
	if r == nil {
		return nil
	}
	return r
}

type noopFlusher struct{}

func (noopFlusher) Flush(_ context.Context, _ []types.UsageSnapshot) error { return nil }
