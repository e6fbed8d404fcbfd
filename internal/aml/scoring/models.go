package scoring

import (
	"fmt"
	"os"

	"github.com/madconcarl-des/archimedes/internal/aml/features"
	"gopkg.in/yaml.v3"
)

// Scorer names used for weights, thresholds and metrics.
const (
	NameLogistic        = "logistic"
	NameGBDT            = "gbdt"
	NameIsolationForest = "isolation_forest"
)

// ModelSet is the on-disk artifact bundle produced by offline training.
type ModelSet struct {
	Version         string             `yaml:"version"`
	Logistic        *LogisticModel     `yaml:"logistic,omitempty"`
	GBDT            *TreeEnsembleModel `yaml:"gbdt,omitempty"`
	IsolationForest *IsolationForest   `yaml:"isolation_forest,omitempty"`
}

// LoadModelSet reads and validates a YAML model bundle.
func LoadModelSet(path string) (*ModelSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model set: %w", err)
	}
	var set ModelSet
	if err := yaml.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("parse model set %s: %w", path, err)
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return &set, nil
}

// Save writes the bundle as YAML.
func (s *ModelSet) Save(path string) error {
	raw, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func (s *ModelSet) Validate() error {
	if s.Logistic != nil {
		if s.Logistic.ModelName == "" {
			s.Logistic.ModelName = NameLogistic
		}
		if err := s.Logistic.Validate(); err != nil {
			return err
		}
	}
	if s.GBDT != nil {
		if s.GBDT.ModelName == "" {
			s.GBDT.ModelName = NameGBDT
		}
		if err := s.GBDT.Validate(); err != nil {
			return err
		}
	}
	if s.IsolationForest != nil {
		if s.IsolationForest.ModelName == "" {
			s.IsolationForest.ModelName = NameIsolationForest
		}
		if err := s.IsolationForest.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Scorers returns the models present in the set.
func (s *ModelSet) Scorers() []Scorer {
	var out []Scorer
	if s.Logistic != nil {
		out = append(out, s.Logistic)
	}
	if s.GBDT != nil {
		out = append(out, s.GBDT)
	}
	if s.IsolationForest != nil {
		out = append(out, s.IsolationForest)
	}
	return out
}

// AnomalyFeatures are the inputs of the default isolation forest.
var AnomalyFeatures = []string{
	features.LogAmount, features.AmountZScore, features.TxCount24h, features.TxCount7d,
	features.AmountSum24h, features.HourOfDay, features.AccountAgeDays, features.NearThresholdCount24h,
}

// DefaultModelSet returns the built-in supervised models. The isolation
// forest is grown at startup from reference traffic, see BuildIsolationForest.
func DefaultModelSet() *ModelSet {
	return &ModelSet{
		Version:  "builtin-1",
		Logistic: defaultLogistic(),
		GBDT:     defaultGBDT(),
	}
}

func defaultLogistic() *LogisticModel {
	type term struct {
		feature     string
		mean, scale float64
		weight      float64
	}
	terms := []term{
		{features.LogAmount, 6, 2, 0.4},
		{features.AmountZScore, 0, 2, 0.9},
		{features.IsNearThreshold, 0, 1, 1.2},
		{features.NearThresholdCount24h, 0.2, 1, 0.8},
		{features.RapidMovementMatch, 0, 1, 1.5},
		{features.TxCount24h, 2, 3, 0.5},
		{features.FromHighRisk, 0, 1, 1.0},
		{features.ToHighRisk, 0, 1, 1.2},
		{features.ToTaxHaven, 0, 1, 0.6},
		{features.IsRoundAmount, 0, 1, 0.5},
		{features.IsOffHours, 0, 1, 0.4},
		{features.AccountRisk, 1, 1, 0.6},
		{features.IsPEP, 0, 1, 0.7},
		{features.AccountAgeDays, 365, 365, -0.3},
		{features.IsCash, 0, 1, 0.4},
		{features.IsCrypto, 0, 1, 0.5},
	}
	m := &LogisticModel{ModelName: NameLogistic, Intercept: -3.2}
	for _, t := range terms {
		m.Features = append(m.Features, t.feature)
		m.Means = append(m.Means, t.mean)
		m.Scales = append(m.Scales, t.scale)
		m.Weights = append(m.Weights, t.weight)
	}
	return m
}

// split builds a depth-one tree.
func split(feature string, threshold, below, above float64) Tree {
	return Tree{Nodes: []TreeNode{
		{Feature: feature, Threshold: threshold, Left: 1, Right: 2},
		{Leaf: true, Value: below},
		{Leaf: true, Value: above},
	}}
}

// nested builds a depth-two tree whose right branch splits again.
func nested(feature string, threshold, below float64, inner string, innerThreshold, innerBelow, innerAbove float64) Tree {
	return Tree{Nodes: []TreeNode{
		{Feature: feature, Threshold: threshold, Left: 1, Right: 2},
		{Leaf: true, Value: below},
		{Feature: inner, Threshold: innerThreshold, Left: 3, Right: 4},
		{Leaf: true, Value: innerBelow},
		{Leaf: true, Value: innerAbove},
	}}
}

func defaultGBDT() *TreeEnsembleModel {
	return &TreeEnsembleModel{
		ModelName:  NameGBDT,
		BaseMargin: -2.6,
		Trees: []Tree{
			nested(features.IsNearThreshold, 0.5, -0.1, features.NearThresholdCount24h, 2.5, 0.6, 2.2),
			split(features.RapidMovementMatch, 0.5, -0.1, 1.8),
			nested(features.ToHighRisk, 0.5, -0.1, features.Amount, 5000, 0.8, 1.5),
			split(features.FromHighRisk, 0.5, 0, 0.9),
			nested(features.AmountZScore, 3, 0, features.TxCount24h, 10, 0.9, 1.4),
			nested(features.IsRoundAmount, 0.5, 0, features.Amount, 10000, 0.3, 0.8),
			nested(features.AccountRisk, 1.5, 0, features.IsPEP, 0.5, 0.5, 1.1),
			split(features.ToTaxHaven, 0.5, 0, 0.5),
		},
	}
}
