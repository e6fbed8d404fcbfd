package scoring

import (
	"context"
	"fmt"

	"github.com/madconcarl-des/archimedes/internal/aml"
)

// TreeNode is one node of a regression tree. Samples with
// feature < threshold go left.
type TreeNode struct {
	Feature   string  `yaml:"feature,omitempty"`
	Threshold float64 `yaml:"threshold,omitempty"`
	Left      int     `yaml:"left,omitempty"`
	Right     int     `yaml:"right,omitempty"`
	Leaf      bool    `yaml:"leaf,omitempty"`
	Value     float64 `yaml:"value,omitempty"`
}

// Tree is a flat node array rooted at index 0.
type Tree struct {
	Nodes []TreeNode `yaml:"nodes"`
}

func (t *Tree) eval(fv *aml.FeatureVector) float64 {
	i := 0
	for steps := 0; steps <= len(t.Nodes); steps++ {
		n := &t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		if fv.Get(n.Feature) < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return 0
}

// TreeEnsembleModel is a gradient-boosted tree classifier: the leaf values
// of every tree add to a log-odds margin.
type TreeEnsembleModel struct {
	ModelName  string          `yaml:"name"`
	BaseMargin float64         `yaml:"base_margin"`
	Trees      []Tree          `yaml:"trees"`
	Prior      PriorCorrection `yaml:"prior"`
}

func (m *TreeEnsembleModel) Name() string { return m.ModelName }

func (m *TreeEnsembleModel) Validate() error {
	if len(m.Trees) == 0 {
		return fmt.Errorf("tree model %s has no trees", m.ModelName)
	}
	for ti, t := range m.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("tree model %s: tree %d is empty", m.ModelName, ti)
		}
		for ni, n := range t.Nodes {
			if n.Leaf {
				continue
			}
			if n.Feature == "" {
				return fmt.Errorf("tree model %s: tree %d node %d has no feature", m.ModelName, ti, ni)
			}
			if n.Left <= ni || n.Right <= ni || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
				return fmt.Errorf("tree model %s: tree %d node %d has invalid children", m.ModelName, ti, ni)
			}
		}
	}
	return nil
}

func (m *TreeEnsembleModel) Score(ctx context.Context, fv *aml.FeatureVector) (float64, error) {
	margin := m.BaseMargin
	for i := range m.Trees {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		margin += m.Trees[i].eval(fv)
	}
	return clamp(100*sigmoid(m.Prior.Adjust(margin)), 0, 100), nil
}
