// Package rules implements the deterministic rule baseline. Rules only
// annotate a transaction; they never create alerts.
package rules

import (
	"fmt"

	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/madconcarl-des/archimedes/internal/aml/features"
)

// Config holds the rule thresholds.
type Config struct {
	StructuringCount int      `mapstructure:"structuring_count" yaml:"structuring_count"`
	RoundAmountFloor float64  `mapstructure:"round_amount_floor" yaml:"round_amount_floor"`
	DisabledRules    []string `mapstructure:"disabled" yaml:"disabled"`
}

func DefaultConfig() Config {
	return Config{
		StructuringCount: 3,
		RoundAmountFloor: 5000,
	}
}

func (c Config) Validate() error {
	if c.StructuringCount < 2 {
		return fmt.Errorf("structuring_count must be at least 2")
	}
	if c.RoundAmountFloor < 0 {
		return fmt.Errorf("round_amount_floor must not be negative")
	}
	return nil
}

// Rule is one explainable predicate.
type Rule interface {
	Tag() aml.RuleTag
	// Match returns whether the rule fires and a human readable reason.
	Match(tx *aml.Transaction, fv *aml.FeatureVector) (bool, string)
}

// Hit is a fired rule with its explanation.
type Hit struct {
	Tag    aml.RuleTag `json:"tag"`
	Reason string      `json:"reason"`
}

// Detector evaluates every enabled rule independently.
type Detector struct {
	rules []Rule
}

// NewDetector builds the baseline rule set from cfg.
func NewDetector(cfg Config) *Detector {
	disabled := make(map[string]bool, len(cfg.DisabledRules))
	for _, r := range cfg.DisabledRules {
		disabled[r] = true
	}
	all := []Rule{
		structuring{minCount: cfg.StructuringCount},
		rapidMovement{},
		geographicRisk{},
		roundAmount{floor: cfg.RoundAmountFloor},
	}
	d := &Detector{}
	for _, r := range all {
		if !disabled[string(r.Tag())] {
			d.rules = append(d.rules, r)
		}
	}
	return d
}

// Evaluate returns the set of tags whose rules fire.
func (d *Detector) Evaluate(tx *aml.Transaction, fv *aml.FeatureVector) aml.TagSet {
	hits := d.Explain(tx, fv)
	tags := make([]aml.RuleTag, len(hits))
	for i, h := range hits {
		tags[i] = h.Tag
	}
	return aml.NewTagSet(tags...)
}

// Explain returns every fired rule with its reason.
func (d *Detector) Explain(tx *aml.Transaction, fv *aml.FeatureVector) []Hit {
	var hits []Hit
	for _, r := range d.rules {
		if ok, reason := r.Match(tx, fv); ok {
			hits = append(hits, Hit{Tag: r.Tag(), Reason: reason})
		}
	}
	return hits
}

type structuring struct{ minCount int }

func (structuring) Tag() aml.RuleTag { return aml.TagStructuring }

func (r structuring) Match(_ *aml.Transaction, fv *aml.FeatureVector) (bool, string) {
	n := fv.Get(features.NearThresholdCount24h)
	if !fv.Flag(features.IsNearThreshold) || n < float64(r.minCount) {
		return false, ""
	}
	return true, fmt.Sprintf("%.0f near-threshold transactions within 24h", n)
}

type rapidMovement struct{}

func (rapidMovement) Tag() aml.RuleTag { return aml.TagRapidMovement }

func (rapidMovement) Match(_ *aml.Transaction, fv *aml.FeatureVector) (bool, string) {
	if !fv.Flag(features.RapidMovementMatch) {
		return false, ""
	}
	return true, "outbound transfer matches a recent inbound amount"
}

type geographicRisk struct{}

func (geographicRisk) Tag() aml.RuleTag { return aml.TagGeographicRisk }

func (geographicRisk) Match(tx *aml.Transaction, fv *aml.FeatureVector) (bool, string) {
	switch {
	case fv.Flag(features.FromHighRisk) && fv.Flag(features.ToHighRisk):
		return true, fmt.Sprintf("source %s and destination %s are high-risk", tx.FromCountry, tx.ToCountry)
	case fv.Flag(features.FromHighRisk):
		return true, fmt.Sprintf("source %s is high-risk", tx.FromCountry)
	case fv.Flag(features.ToHighRisk):
		return true, fmt.Sprintf("destination %s is high-risk", tx.ToCountry)
	}
	return false, ""
}

type roundAmount struct{ floor float64 }

func (roundAmount) Tag() aml.RuleTag { return aml.TagRoundAmount }

func (r roundAmount) Match(tx *aml.Transaction, fv *aml.FeatureVector) (bool, string) {
	if !fv.Flag(features.IsRoundAmount) || fv.Get(features.Amount) < r.floor {
		return false, ""
	}
	return true, fmt.Sprintf("round amount %s", tx.Amount.String())
}
