package scoring

import (
	"context"
	"fmt"

	"github.com/madconcarl-des/archimedes/internal/aml"
)

// LogisticModel is a standardized linear classifier.
type LogisticModel struct {
	ModelName string          `yaml:"name"`
	Features  []string        `yaml:"features"`
	Means     []float64       `yaml:"means"`
	Scales    []float64       `yaml:"scales"`
	Weights   []float64       `yaml:"weights"`
	Intercept float64         `yaml:"intercept"`
	Prior     PriorCorrection `yaml:"prior"`
}

func (m *LogisticModel) Name() string { return m.ModelName }

func (m *LogisticModel) Validate() error {
	n := len(m.Features)
	if n == 0 {
		return fmt.Errorf("logistic model %s has no features", m.ModelName)
	}
	if len(m.Weights) != n || len(m.Means) != n || len(m.Scales) != n {
		return fmt.Errorf("logistic model %s: features, means, scales and weights must have equal length", m.ModelName)
	}
	for i, s := range m.Scales {
		if s <= 0 {
			return fmt.Errorf("logistic model %s: scale of %s must be positive", m.ModelName, m.Features[i])
		}
	}
	return nil
}

// Score returns the calibrated probability of the suspicious class, scaled to [0,100].
func (m *LogisticModel) Score(ctx context.Context, fv *aml.FeatureVector) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	margin := m.Intercept
	for i, x := range values(fv, m.Features) {
		margin += m.Weights[i] * (x - m.Means[i]) / m.Scales[i]
	}
	return clamp(100*sigmoid(m.Prior.Adjust(margin)), 0, 100), nil
}
