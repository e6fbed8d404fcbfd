// Package scoring holds the model scorers and the ensemble that blends them.
package scoring

import (
	"context"
	"math"

	"github.com/madconcarl-des/archimedes/internal/aml"
)

// Scorer maps a feature vector to a risk score in [0,100]. Implementations
// must be safe for concurrent use and should return promptly once ctx ends.
type Scorer interface {
	Name() string
	Score(ctx context.Context, fv *aml.FeatureVector) (float64, error)
}

// PriorCorrection shifts a classifier trained on a resampled set back to the
// population base rate.
type PriorCorrection struct {
	TrainingPositiveRate   float64 `yaml:"training_positive_rate"`
	PopulationPositiveRate float64 `yaml:"population_positive_rate"`
}

// Adjust applies the correction to a log-odds margin. Unset rates leave the
// margin unchanged.
func (p PriorCorrection) Adjust(margin float64) float64 {
	if !validRate(p.TrainingPositiveRate) || !validRate(p.PopulationPositiveRate) {
		return margin
	}
	return margin - logit(p.TrainingPositiveRate) + logit(p.PopulationPositiveRate)
}

func validRate(r float64) bool { return r > 0 && r < 1 }

func logit(p float64) float64 { return math.Log(p / (1 - p)) }

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func values(fv *aml.FeatureVector, names []string) []float64 {
	out := make([]float64, len(names))
	for i, n := range names {
		out[i] = fv.Get(n)
	}
	return out
}
