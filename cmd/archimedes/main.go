// Command archimedes runs the transaction risk scoring service: the Kafka
// ingest consumer, the network propagation loop and the investigator API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/madconcarl-des/archimedes/api"
	"github.com/madconcarl-des/archimedes/internal/aml/aggregator"
	"github.com/madconcarl-des/archimedes/internal/aml/alerts"
	"github.com/madconcarl-des/archimedes/internal/aml/features"
	"github.com/madconcarl-des/archimedes/internal/aml/history"
	"github.com/madconcarl-des/archimedes/internal/aml/network"
	"github.com/madconcarl-des/archimedes/internal/aml/pipeline"
	"github.com/madconcarl-des/archimedes/internal/aml/rules"
	"github.com/madconcarl-des/archimedes/internal/aml/scoring"
	"github.com/madconcarl-des/archimedes/internal/aml/synthetic"
	"github.com/madconcarl-des/archimedes/internal/config"
	"github.com/madconcarl-des/archimedes/internal/database"
	"github.com/madconcarl-des/archimedes/internal/messaging"
	"github.com/madconcarl-des/archimedes/internal/observability"
	"github.com/madconcarl-des/archimedes/internal/storage"
	"github.com/madconcarl-des/archimedes/pkg/logger"
	"github.com/madconcarl-des/archimedes/pkg/metrics"
	"github.com/madconcarl-des/archimedes/pkg/validation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", os.Getenv("ARCHIMEDES_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	if err := run(*configPath); err != nil {
		log.Fatalf("archimedes: %v", err)
	}
}

func run(configPath string) error {
	boot, err := config.Load(configPath)
	if err != nil {
		return err
	}
	zapLogger, level, err := logger.NewLogger(boot.Service.LogLevel, boot.Service.LogFormat)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer zapLogger.Sync()
	zapLogger = zapLogger.With(zap.String("service", boot.Service.Name), zap.String("env", boot.Service.Environment))

	cfgManager, err := config.NewManager(configPath, zapLogger)
	if err != nil {
		return err
	}
	cfg := cfgManager.Current()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.Setup(ctx, cfg.Observability, os.Stdout)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(sctx); err != nil {
			zapLogger.Warn("Failed to flush telemetry", zap.Error(err))
		}
	}()

	hist, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer hist.Close()

	db, err := database.Open(cfg.Database)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := storage.Migrate(db); err != nil {
		return err
	}
	scores := storage.NewScoreRepository(db)

	validator := validation.NewValidator(zapLogger)
	featureEng := features.NewEngineer(cfg.Features)

	models, err := loadModels(ctx, cfg, featureEng, zapLogger)
	if err != nil {
		return err
	}
	ensemble, err := scoring.NewEnsemble(cfg.Scoring, models.Scorers(), zapLogger)
	if err != nil {
		return err
	}

	netOpts := []network.Option{network.WithEdgeStore(storage.NewEdgeRepository(db))}
	if cfg.Redis.Enabled {
		rdb, err := database.NewRedisClient(ctx, cfg.Redis.RedisConfig)
		if err != nil {
			return err
		}
		defer rdb.Close()
		netOpts = append(netOpts, network.WithPublisher(network.NewRedisPublisher(rdb, cfg.Redis.Prefix, cfg.Redis.SnapshotTTL)))
	}
	if cfg.Etcd.Enabled {
		etcd, err := database.NewEtcdClient(cfg.Etcd.EtcdConfig, zapLogger)
		if err != nil {
			return err
		}
		defer etcd.Close()
		netOpts = append(netOpts, network.WithLocker(network.NewEtcdLocker(etcd, cfg.Etcd.LockPrefix, cfg.Etcd.LockTTL, zapLogger)))
	}
	analyzer := network.NewAnalyzer(cfg.Network, zapLogger.Named("network"), netOpts...)
	if err := analyzer.Restore(ctx); err != nil {
		zapLogger.Warn("Failed to restore network edges, starting empty", zap.Error(err))
	}

	alertManager := alerts.NewManager(cfg.Alerts, storage.NewAlertRepository(db), validator, zapLogger.Named("alerts"))

	var (
		sinks    []pipeline.Sink
		producer *messaging.KafkaProducer
		eventBus *messaging.EventSink
	)
	if cfg.Kafka.Enabled {
		producer, err = messaging.NewKafkaProducer(&cfg.Kafka, zapLogger)
		if err != nil {
			return err
		}
		defer producer.Close()
		eventBus = messaging.NewEventSink(producer, &cfg.Kafka)
		sinks = append(sinks, eventBus)
	}

	engine, err := pipeline.NewEngine(cfg.Pipeline, pipeline.Deps{
		History:    hist,
		Features:   featureEng,
		Rules:      rules.NewDetector(cfg.Rules),
		Ensemble:   ensemble,
		Network:    analyzer,
		Aggregator: aggregator.New(cfg.Aggregator),
		Alerts:     alertManager,
		Scores:     scores,
		Validator:  validator,
		Sinks:      sinks,
	}, zapLogger.Named("pipeline"))
	if err != nil {
		return err
	}
	dispatcher := pipeline.NewDispatcher(cfg.Pipeline, engine.Score, zapLogger.Named("dispatcher"))

	cfgManager.OnReload(func(old, next *config.Config) error {
		if err := ensemble.SetWeights(next.Scoring.Weights); err != nil {
			return fmt.Errorf("scoring weights: %w", err)
		}
		level.SetLevel(logger.ParseLevel(next.Service.LogLevel))
		return nil
	})

	services := api.Services{
		Scorer:       dispatcher,
		Engine:       engine,
		Investigator: alertManager,
		Ready: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if eventBus != nil {
		services.Publisher = eventBus
	}
	auth := api.AuthConfig{Secret: []byte(cfg.HTTP.JWTSecret), Issuer: cfg.HTTP.JWTIssuer, Disabled: cfg.HTTP.JWTSecret == ""}
	if auth.Disabled {
		zapLogger.Warn("No JWT secret configured, API authentication is disabled")
	}
	server := api.NewServer(api.Config{
		Addr:            cfg.HTTP.Addr,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		CORSOrigins:     cfg.HTTP.CORSOrigins,
		ServiceName:     cfg.Service.Name,
		Auth:            auth,
	}, services, zapLogger.Named("api"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start() })
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})
	g.Go(func() error { return ignoreCanceled(cfgManager.Watch(gctx)) })
	g.Go(func() error { return ignoreCanceled(analyzer.Run(gctx)) })
	g.Go(func() error {
		database.ReportPoolStats(gctx, db, "archimedes", 15*time.Second, zapLogger)
		return nil
	})
	g.Go(func() error {
		pruneLoop(gctx, cfg, scores, hist, zapLogger)
		return nil
	})

	var consumer *messaging.TransactionConsumer
	if cfg.Kafka.Enabled {
		reader := messaging.NewTransactionReader(&cfg.Kafka, zapLogger)
		consumer = messaging.NewTransactionConsumer(reader, dispatcher, producer, &cfg.Kafka, zapLogger.Named("consumer"))
		g.Go(func() error { return consumer.Run(gctx) })
	}

	zapLogger.Info("Archimedes started",
		zap.String("history_backend", cfg.History.Backend),
		zap.String("database", cfg.Database.Driver),
		zap.Strings("scorers", ensemble.Names()),
		zap.Bool("kafka", cfg.Kafka.Enabled),
	)

	err = g.Wait()
	zapLogger.Info("Shutting down")
	// Consumer and API have stopped submitting; drain queued records.
	dispatcher.Close()
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			zapLogger.Warn("Failed to close transaction reader", zap.Error(err))
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	zapLogger.Info("Server exited properly")
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openHistory(ctx context.Context, cfg *config.Config) (history.Store, error) {
	switch cfg.History.Backend {
	case "memory":
		return history.NewMemoryStore(), nil
	case "postgres":
		return history.NewPostgresStore(ctx, cfg.History.PostgresDSN)
	default:
		return history.NewBadgerStore(cfg.History.BadgerPath, cfg.History.Retention)
	}
}

// loadModels reads the configured model bundle, or falls back to the
// built-in supervised models. A missing isolation forest is grown from
// synthetic reference traffic.
func loadModels(ctx context.Context, cfg *config.Config, eng *features.Engineer, log *zap.Logger) (*scoring.ModelSet, error) {
	set := scoring.DefaultModelSet()
	if cfg.Scoring.ModelPath != "" {
		loaded, err := scoring.LoadModelSet(cfg.Scoring.ModelPath)
		if err != nil {
			return nil, err
		}
		set = loaded
		log.Info("Loaded model set", zap.String("path", cfg.Scoring.ModelPath), zap.String("version", set.Version))
	}
	if set.IsolationForest != nil {
		return set, nil
	}

	start := time.Now()
	ds, err := synthetic.Generate(synthetic.Config{
		Accounts:        cfg.Bootstrap.Accounts,
		Transactions:    cfg.Bootstrap.Transactions,
		SuspiciousRatio: 0,
		Seed:            cfg.Bootstrap.Seed,
		Span:            90 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("reference traffic: %w", err)
	}
	vectors, err := ds.FeatureVectors(ctx, eng)
	if err != nil {
		return nil, fmt.Errorf("reference features: %w", err)
	}
	forest, err := scoring.BuildIsolationForest(scoring.NameIsolationForest, scoring.AnomalyFeatures, vectors, cfg.Scoring.Forest)
	if err != nil {
		return nil, err
	}
	set.IsolationForest = forest
	log.Info("Built isolation forest from reference traffic",
		zap.Int("samples", len(vectors)),
		zap.Duration("elapsed", time.Since(start)))
	return set, nil
}

type pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// pruneLoop drops score runs, and in-memory history, past retention.
// Badger history expires through entry TTLs instead.
func pruneLoop(ctx context.Context, cfg *config.Config, scores pruner, hist history.Store, log *zap.Logger) {
	if cfg.Retention.PruneInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.Retention.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if cfg.Retention.Scores > 0 {
				n, err := scores.PruneBefore(ctx, now.Add(-cfg.Retention.Scores))
				if err != nil {
					log.Error("Score retention sweep failed", zap.Error(err))
				} else if n > 0 {
					metrics.RecordsPruned.WithLabelValues("scores").Add(float64(n))
					log.Info("Pruned score runs", zap.Int64("rows", n))
				}
			}
			if mem, ok := hist.(*history.MemoryStore); ok && cfg.History.Retention > 0 {
				n := mem.Prune(now.Add(-cfg.History.Retention))
				metrics.RecordsPruned.WithLabelValues("history").Add(float64(n))
			}
		}
	}
}

var _ pruner = (*storage.ScoreRepository)(nil)
