// Package pipeline runs the real-time scoring path: validation, feature
// engineering under per-account serialization, the rule baseline, the
// ensemble, the network lookup, aggregation and alerting.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/madconcarl-des/archimedes/internal/aml/aggregator"
	"github.com/madconcarl-des/archimedes/internal/aml/alerts"
	"github.com/madconcarl-des/archimedes/internal/aml/features"
	"github.com/madconcarl-des/archimedes/internal/aml/history"
	"github.com/madconcarl-des/archimedes/internal/aml/network"
	"github.com/madconcarl-des/archimedes/internal/aml/rules"
	"github.com/madconcarl-des/archimedes/internal/aml/scoring"
	"github.com/madconcarl-des/archimedes/internal/syncutil"
	"github.com/madconcarl-des/archimedes/pkg/metrics"
	"github.com/madconcarl-des/archimedes/pkg/validation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentation = "github.com/madconcarl-des/archimedes/internal/aml/pipeline"

var tracer = otel.Tracer(instrumentation)

type Config struct {
	// ScoreTimeout bounds one scoring run. Runs are detached from the
	// caller's cancellation so an accepted record is always scored.
	ScoreTimeout   time.Duration `mapstructure:"score_timeout" yaml:"score_timeout"`
	HistoryTimeout time.Duration `mapstructure:"history_timeout" yaml:"history_timeout"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout" yaml:"sink_timeout"`
	Workers        int           `mapstructure:"workers" yaml:"workers"`
	QueueSize      int           `mapstructure:"queue_size" yaml:"queue_size"`
}

func DefaultConfig() Config {
	return Config{
		ScoreTimeout:   5 * time.Second,
		HistoryTimeout: 250 * time.Millisecond,
		SinkTimeout:    2 * time.Second,
		Workers:        8,
		QueueSize:      256,
	}
}

func (c Config) Validate() error {
	if c.ScoreTimeout <= 0 || c.HistoryTimeout <= 0 {
		return errors.New("score_timeout and history_timeout must be positive")
	}
	if c.HistoryTimeout > c.ScoreTimeout {
		return errors.New("history_timeout must not exceed score_timeout")
	}
	if c.Workers < 1 || c.QueueSize < 1 {
		return errors.New("workers and queue_size must be at least 1")
	}
	return nil
}

// NetworkCache is the read/write handle the pipeline holds on the network
// analyzer.
type NetworkCache interface {
	Lookup(accountID string) (float64, time.Duration, error)
	Observe(tx *aml.Transaction, standalone float64)
	Analyze(accountID string, depth int) (*network.View, error)
}

// Deps are the collaborators of an Engine.
type Deps struct {
	History    history.Store
	Features   *features.Engineer
	Rules      *rules.Detector
	Ensemble   *scoring.Ensemble
	Network    NetworkCache
	Aggregator *aggregator.Aggregator
	Alerts     *alerts.Manager
	Scores     ScoreStore
	Validator  *validation.Validator
	Sinks      []Sink
}

type Engine struct {
	cfg       Config
	deps      Deps
	locks     *syncutil.KeyedMutex
	logger    *zap.Logger
	now       func() time.Time
	composite metric.Float64Histogram
}

func NewEngine(cfg Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	switch {
	case deps.History == nil:
		return nil, errors.New("pipeline: history store is required")
	case deps.Features == nil, deps.Rules == nil, deps.Ensemble == nil, deps.Aggregator == nil:
		return nil, errors.New("pipeline: scoring stages are required")
	case deps.Network == nil:
		return nil, errors.New("pipeline: network cache is required")
	case deps.Alerts == nil, deps.Scores == nil:
		return nil, errors.New("pipeline: alert manager and score store are required")
	}
	if deps.Validator == nil {
		deps.Validator = validation.NewValidator(logger)
	}
	composite, err := otel.Meter(instrumentation).Float64Histogram("archimedes.risk.composite",
		metric.WithDescription("Composite risk score per scoring run"),
		metric.WithExplicitBucketBoundaries(10, 20, 30, 40, 50, 60, 70, 80, 90))
	if err != nil {
		return nil, fmt.Errorf("pipeline: composite histogram: %w", err)
	}
	return &Engine{
		cfg:       cfg,
		deps:      deps,
		locks:     syncutil.NewKeyedMutex(),
		logger:    logger,
		now:       time.Now,
		composite: composite,
	}, nil
}

// Alerts exposes the alert manager for investigator operations.
func (e *Engine) Alerts() *alerts.Manager { return e.deps.Alerts }

// Score validates rec and produces a RiskScore. Only validation failures
// are returned as errors; every other failure degrades the score. Once
// validated, the record is scored even if ctx is canceled.
func (e *Engine) Score(ctx context.Context, rec *aml.InputRecord) (*aml.RiskScore, error) {
	if err := e.validate(rec); err != nil {
		metrics.ValidationRejected.Inc()
		e.logger.Info("transaction rejected", zap.String("transaction_id", rec.TransactionID), zap.Error(err))
		return nil, err
	}
	return e.score(ctx, rec.Transaction(), false)
}

// Rescore scores a stored transaction again against the current history
// and network snapshot, appending a new run.
func (e *Engine) Rescore(ctx context.Context, transactionID string) (*aml.RiskScore, error) {
	tx, err := e.deps.History.Transaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return e.score(ctx, tx, true)
}

// ScoreHistory returns all runs for a transaction, oldest first. The last
// one is the current score.
func (e *Engine) ScoreHistory(ctx context.Context, transactionID string) ([]*aml.RiskScore, error) {
	runs, err := e.deps.Scores.History(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("scores for %s: %w", transactionID, aml.ErrNotFound)
	}
	return runs, nil
}

// UpsertAccount records account risk context for feature engineering.
func (e *Engine) UpsertAccount(ctx context.Context, acct *aml.Account) error {
	if err := e.validate(acct); err != nil {
		return err
	}
	return e.deps.History.PutAccount(ctx, acct)
}

func (e *Engine) ListAlerts(ctx context.Context, status aml.AlertStatus, limit int) ([]*aml.Alert, error) {
	return e.deps.Alerts.List(ctx, status, limit)
}

// AnalyzeNetwork reads the latest network snapshot; it never propagates.
func (e *Engine) AnalyzeNetwork(_ context.Context, accountID string, depth int) (*network.View, error) {
	return e.deps.Network.Analyze(accountID, depth)
}

func (e *Engine) validate(v interface{}) error {
	err := e.deps.Validator.ValidateStruct(v)
	if err == nil {
		return nil
	}
	var verrs validation.ValidationErrors
	if !errors.As(err, &verrs) {
		return &aml.ValidationError{Fields: []aml.FieldError{{Message: err.Error()}}}
	}
	out := &aml.ValidationError{Fields: make([]aml.FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, aml.FieldError{Field: fe.Field, Tag: fe.Tag, Message: fe.Message})
	}
	return out
}

// stage is the serialized part of scoring: the feature window is read and
// the transaction appended while both accounts are held.
func (e *Engine) stage(ctx context.Context, tx *aml.Transaction, replay bool) (*aml.FeatureVector, bool, error) {
	unlock, err := e.locks.LockKeys(ctx, tx.FromAccount, tx.ToAccount)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	hctx, cancel := context.WithTimeout(ctx, e.cfg.HistoryTimeout)
	defer cancel()

	known := replay
	if !known {
		if _, err := e.deps.History.Transaction(hctx, tx.ID); err == nil {
			known = true
		}
	}

	w := e.deps.Features.Load(hctx, e.deps.History, tx)
	fv := e.deps.Features.Compute(tx, w)

	if !known {
		if err := e.deps.History.Append(hctx, tx); err != nil {
			e.logger.Error("failed to append transaction to history",
				zap.String("transaction_id", tx.ID), zap.Error(err))
		}
	}
	return fv, known, nil
}

func (e *Engine) score(ctx context.Context, tx *aml.Transaction, replay bool) (*aml.RiskScore, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ScoreTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "pipeline.score")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", tx.ID), attribute.Bool("rescore", replay))

	fv, known, err := e.stage(ctx, tx, replay)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	tags := e.deps.Rules.Evaluate(tx, fv)
	for _, t := range tags {
		metrics.RuleHits.WithLabelValues(string(t)).Inc()
	}

	res := e.deps.Ensemble.Score(ctx, fv)

	netScore, netAge, netErr := e.deps.Network.Lookup(tx.FromAccount)
	if netErr != nil {
		e.logger.Warn("network score is stale",
			zap.String("transaction_id", tx.ID),
			zap.Duration("age", netAge),
			zap.Error(netErr))
	}

	decision := e.deps.Aggregator.Decide(aggregator.Input{
		Tags:              tags,
		Ensemble:          res.Composite,
		EnsembleAvailable: res.Available,
		Network:           netScore,
		Degraded:          fv.Degraded,
		DegradedReasons:   fv.DegradedReasons,
	})

	modelScores := make(map[string]float64, len(res.Scores))
	for k, v := range res.Scores {
		modelScores[k] = v
	}
	score := &aml.RiskScore{
		RunID:              uuid.NewString(),
		TransactionID:      tx.ID,
		AccountID:          tx.FromAccount,
		ModelScores:        modelScores,
		EnsembleScore:      res.Composite,
		EnsembleAvailable:  res.Available,
		CompositeScore:     decision.Composite,
		RiskTier:           decision.Tier,
		RuleTags:           decision.Tags,
		NetworkScore:       netScore,
		NetworkScoreAge:    netAge.Seconds(),
		NetworkStale:       netErr != nil,
		Degraded:           decision.Degraded,
		DegradedReasons:    decision.Reasons,
		UnavailableScorers: res.UnavailableNames(),
		ModelPositives:     res.Positives,
		ReviewRequired:     decision.ReviewRequired,
		ScoredAt:           e.now().UTC(),
	}
	if len(score.UnavailableScorers) == 0 {
		score.UnavailableScorers = nil
	}
	if len(score.DegradedReasons) > 0 {
		sort.Strings(score.DegradedReasons)
	}

	if err := e.deps.Scores.Append(ctx, score); err != nil {
		e.logger.Error("failed to persist risk score", zap.String("transaction_id", tx.ID), zap.Error(err))
	}

	if decision.Alertable() {
		e.alert(ctx, tx, decision)
	}

	if !known {
		standalone := e.deps.Aggregator.Heuristic(decision.Tags)
		if res.Available && res.Composite > standalone {
			standalone = res.Composite
		}
		e.deps.Network.Observe(tx, standalone)
	}

	e.publishScore(ctx, score)

	metrics.TransactionsScored.WithLabelValues(string(score.RiskTier), strconv.FormatBool(score.Degraded)).Inc()
	metrics.ScoringLatency.Observe(time.Since(start).Seconds())
	e.composite.Record(ctx, score.CompositeScore, metric.WithAttributes(
		attribute.String("tier", string(score.RiskTier)),
		attribute.Bool("degraded", score.Degraded),
	))
	span.SetAttributes(
		attribute.Float64("risk.composite", score.CompositeScore),
		attribute.String("risk.tier", string(score.RiskTier)),
		attribute.Bool("risk.degraded", score.Degraded),
	)
	e.logger.Debug("transaction scored",
		zap.String("transaction_id", tx.ID),
		zap.String("account", tx.FromAccount),
		zap.Float64("composite", score.CompositeScore),
		zap.String("tier", string(score.RiskTier)),
		zap.Strings("tags", score.RuleTags.Strings()),
		zap.Bool("degraded", score.Degraded),
		zap.Duration("took", time.Since(start)))
	return score, nil
}

func (e *Engine) alert(ctx context.Context, tx *aml.Transaction, d *aggregator.Decision) {
	a, outcome, err := e.deps.Alerts.Consider(ctx, alerts.Trigger{
		TransactionID:  tx.ID,
		PrimaryAccount: tx.FromAccount,
		Counterparty:   tx.ToAccount,
		Pattern:        d.Pattern,
		Severity:       d.Tier,
		Score:          d.Composite,
		OccurredAt:     tx.Timestamp,
	})
	if err != nil {
		e.logger.Error("alert manager failed",
			zap.String("transaction_id", tx.ID),
			zap.String("pattern", d.Pattern),
			zap.Error(err))
		return
	}
	if len(e.deps.Sinks) == 0 {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SinkTimeout)
	defer cancel()
	for _, s := range e.deps.Sinks {
		if err := s.PublishAlert(sctx, a); err != nil {
			e.logger.Warn("failed to publish alert", zap.String("alert_id", a.ID), zap.String("outcome", string(outcome)), zap.Error(err))
		}
	}
}

func (e *Engine) publishScore(ctx context.Context, score *aml.RiskScore) {
	if len(e.deps.Sinks) == 0 {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SinkTimeout)
	defer cancel()
	for _, s := range e.deps.Sinks {
		if err := s.PublishScore(sctx, score); err != nil {
			e.logger.Warn("failed to publish risk score", zap.String("transaction_id", score.TransactionID), zap.Error(err))
		}
	}
}
