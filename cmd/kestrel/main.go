// Kestrel scores real-time payment transactions for fraud.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/classifier"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/encoder"
	"github.com/opensource-finance/kestrel/internal/enrich"
	"github.com/opensource-finance/kestrel/internal/fusion"
	"github.com/opensource-finance/kestrel/internal/globalmodel"
	"github.com/opensource-finance/kestrel/internal/heuristics"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/identity"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/profiler"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/tracing"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default configs/config.yaml if present)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("kestrel exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, logCloser := logging.New(cfg.Logging, cfg.Tracing.ServiceName)
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, Version, logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	defer repo.Close()
	logger.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer cacheImpl.Close()
	logger.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus, logger)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	defer busImpl.Close()
	logger.Info("event bus initialized", "type", cfg.EventBus.Type)

	store, err := encoder.LoadStore(cfg.Model.GlobalEncoderPath, cfg.Model.LocalEncoderPath)
	if err != nil {
		return fmt.Errorf("encoders: %w", err)
	}
	logger.Info("encoders loaded",
		"global_features", len(store.Global.Snapshot()),
		"local_features", len(store.Local.Snapshot()),
	)

	model, err := loadClassifier(cfg.Model, logger)
	if err != nil {
		return err
	}

	locator, err := enrich.OpenLocator(cfg.GeoIP.CityDBPath, cacheImpl, cfg.GeoIP.CacheTTL, logger)
	if err != nil {
		return fmt.Errorf("geoip: %w", err)
	}
	defer locator.Close()

	deriver, err := enrich.NewDeriver(locator, cfg.Scoring.Timezone)
	if err != nil {
		return fmt.Errorf("time features: %w", err)
	}

	verifier := identity.New(cfg.Identity,
		identity.WithCache(cacheImpl, cfg.Identity.CacheTTL),
		identity.WithLogger(logger),
	)

	extra, err := rules.LoadFile(cfg.Scoring.ExtraRulesPath)
	if err != nil {
		return err
	}
	engine, err := rules.NewDefaultEngine(cfg.Scoring.MinHistory, extra, logger)
	if err != nil {
		return fmt.Errorf("rule engine: %w", err)
	}
	defer engine.Close()
	logger.Info("rule engine initialized", "rules_count", engine.RulesCount())

	processor := fusion.FromConfig(cfg.Scoring)

	pipe := pipeline.New(pipeline.Deps{
		History:      history.NewService(repo, cfg.Scoring.GlobalAmountStats),
		Store:        store,
		Profiler:     profiler.New(store, cfg.Scoring.CardInstrument),
		Global:       globalmodel.NewScorer(model, store.Global, logger),
		Heuristics:   heuristics.NewChecker(verifier, cfg.Scoring.LimitRatio, logger),
		Rules:        engine,
		Fusion:       processor,
		QRInstrument: cfg.Scoring.QRInstrument,
		Logger:       logger,
	})

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, repo, cacheImpl, pipe, logger)
		if err := asyncWorker.Start(worker.Config{Concurrency: cfg.Worker.Concurrency}); err != nil {
			return fmt.Errorf("worker: %w", err)
		}
		logger.Info("async worker started", "concurrency", cfg.Worker.Concurrency)
	}

	srv := api.NewServer(cfg.Server, cfg.Metrics, api.Deps{
		Repo:     repo,
		Cache:    cacheImpl,
		Bus:      busImpl,
		Pipeline: pipe,
		Deriver:  deriver,
		Encoders: store,
		Rules:    engine,
		Version:  Version,
		Logger:   logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"fraud_threshold", processor.Threshold,
	)

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// Stop the worker after the server so in-flight ingests are still consumed.
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			logger.Error("failed to stop async worker", "error", err)
		}
	}

	logger.Info("kestrel shutdown complete")
	return nil
}

// loadClassifier returns nil, with a warning, when the model is optional and
// cannot be loaded. Layer A then scores every transaction as neutral.
func loadClassifier(cfg domain.ModelConfig, logger *slog.Logger) (domain.Classifier, error) {
	model, err := classifier.Load(cfg.ClassifierPath, globalmodel.FeatureOrder)
	if err == nil {
		logger.Info("classifier loaded", "path", cfg.ClassifierPath, "version", model.Version())
		return model, nil
	}
	if cfg.Required {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	logger.Warn("classifier unavailable, global layer degraded", "path", cfg.ClassifierPath, "error", err)
	return nil, nil
}
