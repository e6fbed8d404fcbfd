// Package aggregator turns rule tags, the ensemble composite and the
// network score into the final risk decision handed to the alert manager.
package aggregator

import (
	"errors"
	"fmt"
	"math"

	"github.com/madconcarl-des/archimedes/internal/aml"
)

// Config holds the blend weights and tier boundaries.
type Config struct {
	EnsembleWeight    float64            `mapstructure:"ensemble_weight" yaml:"ensemble_weight"`
	NetworkWeight     float64            `mapstructure:"network_weight" yaml:"network_weight"`
	MediumThreshold   float64            `mapstructure:"medium_threshold" yaml:"medium_threshold"`
	HighThreshold     float64            `mapstructure:"high_threshold" yaml:"high_threshold"`
	CriticalThreshold float64            `mapstructure:"critical_threshold" yaml:"critical_threshold"`
	NetworkPattern    float64            `mapstructure:"network_pattern_threshold" yaml:"network_pattern_threshold"`
	HeuristicScores   map[string]float64 `mapstructure:"heuristic_scores" yaml:"heuristic_scores"`
}

func DefaultConfig() Config {
	return Config{
		EnsembleWeight:    0.85,
		NetworkWeight:     0.15,
		MediumThreshold:   50,
		HighThreshold:     80,
		CriticalThreshold: 90,
		NetworkPattern:    50,
		HeuristicScores: map[string]float64{
			string(aml.TagStructuring):    90,
			string(aml.TagRapidMovement):  70,
			string(aml.TagGeographicRisk): 60,
			string(aml.TagRoundAmount):    50,
		},
	}
}

func (c Config) Validate() error {
	if c.EnsembleWeight < 0 || c.NetworkWeight < 0 {
		return errors.New("blend weights must be non-negative")
	}
	if math.Abs(c.EnsembleWeight+c.NetworkWeight-1) > 1e-6 {
		return fmt.Errorf("blend weights must sum to 1, got %.4f", c.EnsembleWeight+c.NetworkWeight)
	}
	if !(0 < c.MediumThreshold && c.MediumThreshold < c.HighThreshold && c.HighThreshold < c.CriticalThreshold && c.CriticalThreshold <= 100) {
		return errors.New("tier thresholds must satisfy 0 < medium < high < critical <= 100")
	}
	for tag, v := range c.HeuristicScores {
		if v < 0 || v > 100 {
			return fmt.Errorf("heuristic score for %s must be in [0, 100]", tag)
		}
	}
	return nil
}

// Input gathers everything the real-time path knows about a transaction.
type Input struct {
	Tags              aml.TagSet
	Ensemble          float64
	EnsembleAvailable bool
	Network           float64
	Degraded          bool
	DegradedReasons   []string
}

// Decision is the single source of truth for alerting.
type Decision struct {
	Composite      float64
	Tier           aml.RiskTier
	Tags           aml.TagSet
	Pattern        string
	Degraded       bool
	ReviewRequired bool
	Reasons        []string
}

// Alertable reports whether the decision should reach the alert manager.
func (d *Decision) Alertable() bool {
	return d.Tier.Rank() >= aml.TierMedium.Rank() || d.ReviewRequired
}

// patternPriority orders rule tags when choosing the alert pattern.
var patternPriority = []aml.RuleTag{
	aml.TagStructuring,
	aml.TagRapidMovement,
	aml.TagGeographicRisk,
	aml.TagRoundAmount,
}

type Aggregator struct {
	cfg Config
}

func New(cfg Config) *Aggregator {
	return &Aggregator{cfg: cfg}
}

// Decide blends the inputs. Without an ensemble the composite comes from
// the rule tags alone and the decision is degraded.
func (a *Aggregator) Decide(in Input) *Decision {
	d := &Decision{
		Tags:     aml.NewTagSet(in.Tags...),
		Degraded: in.Degraded || !in.EnsembleAvailable,
		Reasons:  append([]string(nil), in.DegradedReasons...),
	}
	if in.EnsembleAvailable {
		d.Composite = clamp(a.cfg.EnsembleWeight*clamp(in.Ensemble) + a.cfg.NetworkWeight*clamp(in.Network))
	} else {
		d.Composite = a.Heuristic(d.Tags)
		d.Reasons = append(d.Reasons, "all scorers unavailable")
	}
	d.Tier = a.Tier(d.Composite, d.Tags)
	d.ReviewRequired = d.Degraded
	d.Pattern = a.pattern(d, in.Network)
	return d
}

// Heuristic is the strongest configured score among the present tags.
func (a *Aggregator) Heuristic(tags aml.TagSet) float64 {
	var best float64
	for _, t := range tags {
		if v, ok := a.cfg.HeuristicScores[string(t)]; ok && v > best {
			best = v
		}
	}
	return clamp(best)
}

// Tier bands a composite. The structuring tag always forces critical.
func (a *Aggregator) Tier(composite float64, tags aml.TagSet) aml.RiskTier {
	switch {
	case tags.Has(aml.TagStructuring), composite >= a.cfg.CriticalThreshold:
		return aml.TierCritical
	case composite >= a.cfg.HighThreshold:
		return aml.TierHigh
	case composite >= a.cfg.MediumThreshold:
		return aml.TierMedium
	default:
		return aml.TierLow
	}
}

func (a *Aggregator) pattern(d *Decision, network float64) string {
	for _, t := range patternPriority {
		if d.Tags.Has(t) {
			return string(t)
		}
	}
	if d.Degraded && d.Tier == aml.TierLow {
		return aml.PatternDegradedReview
	}
	if network >= a.cfg.NetworkPattern {
		return aml.PatternNetwork
	}
	return aml.PatternEnsemble
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
