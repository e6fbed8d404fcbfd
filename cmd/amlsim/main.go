// Command amlsim generates labelled synthetic transaction traffic. It can
// print JSON lines, publish to the ingest topic, or grow an isolation
// forest from the generated traffic and write a model bundle.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/madconcarl-des/archimedes/internal/aml/features"
	"github.com/madconcarl-des/archimedes/internal/aml/scoring"
	"github.com/madconcarl-des/archimedes/internal/aml/synthetic"
	"github.com/madconcarl-des/archimedes/internal/config"
	"github.com/madconcarl-des/archimedes/internal/messaging"
	"github.com/madconcarl-des/archimedes/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	defaults := synthetic.DefaultConfig()
	var (
		configPath = flag.String("config", os.Getenv("ARCHIMEDES_CONFIG"), "path to a YAML config file")
		accounts   = flag.Int("accounts", defaults.Accounts, "number of accounts")
		txs        = flag.Int("transactions", defaults.Transactions, "number of transactions")
		ratio      = flag.Float64("suspicious", defaults.SuspiciousRatio, "share of suspicious transactions")
		seed       = flag.Int64("seed", defaults.Seed, "random seed")
		span       = flag.Duration("span", defaults.Span, "time span covered by legitimate traffic")
		publish    = flag.Bool("publish", false, "publish to the Kafka transaction topic instead of stdout")
		labels     = flag.String("labels", "", "write transaction labels as JSON to this file")
		models     = flag.String("models", "", "build an isolation forest and write the model bundle to this file")
	)
	flag.Parse()
	_ = godotenv.Load()

	zapLogger, _, err := logger.NewLogger("info", "console")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ds, err := synthetic.Generate(synthetic.Config{
		Accounts:        *accounts,
		Transactions:    *txs,
		SuspiciousRatio: *ratio,
		Seed:            *seed,
		Span:            *span,
	})
	if err != nil {
		zapLogger.Fatal("Failed to generate traffic", zap.Error(err))
	}
	zapLogger.Info("Generated traffic",
		zap.Int("accounts", len(ds.Accounts)),
		zap.Int("transactions", len(ds.Transactions)),
		zap.Int("suspicious", len(ds.Labels)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *labels != "" {
		if err := writeJSON(*labels, ds.Labels); err != nil {
			zapLogger.Fatal("Failed to write labels", zap.Error(err))
		}
	}

	switch {
	case *models != "":
		err = buildModels(ctx, ds, cfg, *models, zapLogger)
	case *publish:
		err = publishTraffic(ctx, ds, cfg, zapLogger)
	default:
		err = printTraffic(ds)
	}
	if err != nil {
		zapLogger.Fatal("amlsim failed", zap.Error(err))
	}
}

func writeJSON(path string, v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func printTraffic(ds *synthetic.Dataset) error {
	w := bufio.NewWriter(os.Stdout)
	enc := json.NewEncoder(w)
	for _, rec := range ds.Transactions {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return w.Flush()
}

const publishBatch = 500

func publishTraffic(ctx context.Context, ds *synthetic.Dataset, cfg *config.Config, log *zap.Logger) error {
	producer, err := messaging.NewKafkaProducer(&cfg.Kafka, log)
	if err != nil {
		return err
	}
	defer producer.Close()

	start := time.Now()
	batch := make([]messaging.BatchMessage, 0, publishBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := producer.PublishBatch(ctx, cfg.Kafka.Topics.Transactions, batch); err != nil {
			return fmt.Errorf("publish batch: %w", err)
		}
		batch = batch[:0]
		return nil
	}
	for _, rec := range ds.Transactions {
		batch = append(batch, messaging.BatchMessage{Key: rec.FromAccountID, Message: rec})
		if len(batch) == publishBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	log.Info("Published traffic",
		zap.String("topic", string(cfg.Kafka.Topics.Transactions)),
		zap.Int("messages", len(ds.Transactions)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func buildModels(ctx context.Context, ds *synthetic.Dataset, cfg *config.Config, path string, log *zap.Logger) error {
	vectors, err := ds.FeatureVectors(ctx, features.NewEngineer(cfg.Features))
	if err != nil {
		return err
	}
	// Grow the forest on legitimate traffic only.
	reference := make([]*aml.FeatureVector, 0, len(vectors))
	for i, fv := range vectors {
		if _, bad := ds.Suspicious(ds.Transactions[i].TransactionID); !bad {
			reference = append(reference, fv)
		}
	}
	forest, err := scoring.BuildIsolationForest(scoring.NameIsolationForest, scoring.AnomalyFeatures, reference, cfg.Scoring.Forest)
	if err != nil {
		return err
	}
	set := scoring.DefaultModelSet()
	set.Version = fmt.Sprintf("builtin-1+forest-%d", time.Now().UTC().Unix())
	set.IsolationForest = forest
	if err := set.Validate(); err != nil {
		return err
	}
	if err := set.Save(path); err != nil {
		return err
	}
	log.Info("Wrote model bundle", zap.String("path", path), zap.Int("reference_samples", len(reference)))
	return nil
}
