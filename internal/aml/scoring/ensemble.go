package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/madconcarl-des/archimedes/internal/circuitbreaker"
	"github.com/madconcarl-des/archimedes/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/madconcarl-des/archimedes/internal/aml/scoring")

// Config controls the ensemble blend and its failure handling.
type Config struct {
	Weights             map[string]float64       `mapstructure:"weights" yaml:"weights"`
	OperatingThresholds map[string]float64       `mapstructure:"operating_thresholds" yaml:"operating_thresholds"`
	Timeout             time.Duration            `mapstructure:"scorer_timeout" yaml:"scorer_timeout"`
	Timeouts            map[string]time.Duration `mapstructure:"scorer_timeouts" yaml:"scorer_timeouts"`
	Disabled            []string                 `mapstructure:"disabled" yaml:"disabled"`
	ModelPath           string                   `mapstructure:"model_path" yaml:"model_path"`
	BreakerThreshold    int                      `mapstructure:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerOpenDuration time.Duration            `mapstructure:"breaker_open_duration" yaml:"breaker_open_duration"`
	Forest              ForestConfig             `mapstructure:"forest" yaml:"forest"`
}

func DefaultConfig() Config {
	return Config{
		Weights: map[string]float64{
			NameLogistic:        0.3,
			NameGBDT:            0.4,
			NameIsolationForest: 0.3,
		},
		OperatingThresholds: map[string]float64{
			NameLogistic: 62,
			NameGBDT:     70,
		},
		Timeout:             150 * time.Millisecond,
		BreakerThreshold:    5,
		BreakerOpenDuration: 30 * time.Second,
		Forest:              DefaultForestConfig(),
	}
}

// ValidateWeights checks that weights are non-negative and sum to one.
func ValidateWeights(weights map[string]float64) error {
	if len(weights) == 0 {
		return errors.New("ensemble weights must not be empty")
	}
	var sum float64
	for name, w := range weights {
		if w < 0 || math.IsNaN(w) {
			return fmt.Errorf("weight of %s must be non-negative", name)
		}
		sum += w
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("ensemble weights must sum to 1, got %.6f", sum)
	}
	return nil
}

func (c Config) Validate() error {
	if err := ValidateWeights(c.Weights); err != nil {
		return err
	}
	if c.Timeout <= 0 {
		return errors.New("scorer_timeout must be positive")
	}
	return nil
}

// Result is the ensemble output for one feature vector.
type Result struct {
	Scores      map[string]float64
	Composite   float64
	Available   bool
	Unavailable []*aml.ScorerUnavailableError
	Positives   []string
}

// UnavailableNames lists the dropped scorers, sorted.
func (r *Result) UnavailableNames() []string {
	names := make([]string, len(r.Unavailable))
	for i, u := range r.Unavailable {
		names[i] = u.Scorer
	}
	sort.Strings(names)
	return names
}

// Ensemble runs every scorer concurrently under its own timeout and blends
// the survivors with renormalized weights.
type Ensemble struct {
	scorers    []Scorer
	weights    atomic.Pointer[map[string]float64]
	thresholds map[string]float64
	timeout    time.Duration
	timeouts   map[string]time.Duration
	breaker    *circuitbreaker.Breaker
	logger     *zap.Logger
}

// NewEnsemble wires scorers; scorers named in cfg.Disabled are skipped.
func NewEnsemble(cfg Config, scorers []Scorer, logger *zap.Logger) (*Ensemble, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	disabled := make(map[string]bool, len(cfg.Disabled))
	for _, d := range cfg.Disabled {
		disabled[d] = true
	}
	e := &Ensemble{
		thresholds: cfg.OperatingThresholds,
		timeout:    cfg.Timeout,
		timeouts:   cfg.Timeouts,
		breaker:    circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpenDuration),
		logger:     logger,
	}
	for _, s := range scorers {
		if disabled[s.Name()] {
			logger.Info("scorer disabled by configuration", zap.String("scorer", s.Name()))
			continue
		}
		if _, ok := cfg.Weights[s.Name()]; !ok {
			return nil, fmt.Errorf("scorer %s has no configured weight", s.Name())
		}
		e.scorers = append(e.scorers, s)
	}
	weights := copyWeights(cfg.Weights)
	e.weights.Store(&weights)
	return e, nil
}

func copyWeights(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// SetWeights swaps the blend weights atomically.
func (e *Ensemble) SetWeights(weights map[string]float64) error {
	if err := ValidateWeights(weights); err != nil {
		return err
	}
	for _, s := range e.scorers {
		if _, ok := weights[s.Name()]; !ok {
			return fmt.Errorf("scorer %s has no weight", s.Name())
		}
	}
	w := copyWeights(weights)
	e.weights.Store(&w)
	return nil
}

// Names lists the active scorers.
func (e *Ensemble) Names() []string {
	names := make([]string, len(e.scorers))
	for i, s := range e.scorers {
		names[i] = s.Name()
	}
	return names
}

type outcome struct {
	score    float64
	err      error
	reason   string
	duration time.Duration
}

// Score never fails: unavailable scorers are reported in the result.
func (e *Ensemble) Score(ctx context.Context, fv *aml.FeatureVector) *Result {
	ctx, span := tracer.Start(ctx, "ensemble.score")
	defer span.End()

	outcomes := make([]outcome, len(e.scorers))
	var wg sync.WaitGroup
	for i, s := range e.scorers {
		if !e.breaker.Allow(s.Name()) {
			outcomes[i] = outcome{err: errors.New("circuit open"), reason: "circuit_open"}
			continue
		}
		wg.Add(1)
		go func(i int, s Scorer) {
			defer wg.Done()
			outcomes[i] = e.invoke(ctx, s, fv)
		}(i, s)
	}
	wg.Wait()

	weights := *e.weights.Load()
	res := &Result{Scores: make(map[string]float64, len(e.scorers))}
	var weighted, total float64
	for i, s := range e.scorers {
		name := s.Name()
		o := outcomes[i]
		if o.err != nil {
			if o.reason != "circuit_open" {
				e.breaker.RecordFailure(name)
			}
			metrics.ScorerUnavailable.WithLabelValues(name, o.reason).Inc()
			e.logger.Warn("scorer unavailable",
				zap.String("scorer", name),
				zap.String("reason", o.reason),
				zap.String("transaction_id", fv.TransactionID),
				zap.Error(o.err))
			res.Unavailable = append(res.Unavailable, &aml.ScorerUnavailableError{Scorer: name, Reason: o.reason, Err: o.err})
			continue
		}
		e.breaker.RecordSuccess(name)
		metrics.ScorerLatency.WithLabelValues(name).Observe(o.duration.Seconds())

		res.Scores[name] = o.score
		w := weights[name]
		weighted += w * o.score
		total += w
		if th, ok := e.thresholds[name]; ok && o.score >= th {
			res.Positives = append(res.Positives, name)
		}
	}
	sort.Strings(res.Positives)

	if total > 0 {
		res.Available = true
		res.Composite = clamp(weighted/total, 0, 100)
	}
	span.SetAttributes(
		attribute.Bool("ensemble.available", res.Available),
		attribute.Float64("ensemble.composite", res.Composite),
		attribute.Int("ensemble.unavailable", len(res.Unavailable)),
	)
	return res
}

func (e *Ensemble) invoke(parent context.Context, s Scorer, fv *aml.FeatureVector) outcome {
	timeout := e.timeout
	if t, ok := e.timeouts[s.Name()]; ok && t > 0 {
		timeout = t
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r), reason: "crash"}
			}
		}()
		v, err := s.Score(ctx, fv)
		switch {
		case err != nil:
			done <- outcome{err: err, reason: "error"}
		case math.IsNaN(v) || v < 0 || v > 100:
			done <- outcome{err: fmt.Errorf("score %v outside [0,100]", v), reason: "invalid_output"}
		default:
			done <- outcome{score: v}
		}
	}()

	select {
	case o := <-done:
		o.duration = time.Since(start)
		if o.err != nil && ctx.Err() != nil {
			o.reason = "timeout"
		}
		return o
	case <-ctx.Done():
		return outcome{err: ctx.Err(), reason: "timeout", duration: time.Since(start)}
	}
}
