package scoring

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/madconcarl-des/archimedes/internal/aml"
)

const eulerGamma = 0.5772156649015329

// IsolationNode is one node of an isolation tree. Leaves keep the number of
// training samples that reached them.
type IsolationNode struct {
	Feature   int     `yaml:"feature"`
	Threshold float64 `yaml:"threshold"`
	Left      int     `yaml:"left"`
	Right     int     `yaml:"right"`
	Leaf      bool    `yaml:"leaf,omitempty"`
	Size      int     `yaml:"size,omitempty"`
}

type IsolationTree struct {
	Nodes []IsolationNode `yaml:"nodes"`
}

// IsolationForest scores how easily a vector is isolated by random splits.
// It needs no labels, so it also reacts to patterns absent from training data.
type IsolationForest struct {
	ModelName  string          `yaml:"name"`
	Features   []string        `yaml:"features"`
	SampleSize int             `yaml:"sample_size"`
	Offset     float64         `yaml:"offset"`
	Span       float64         `yaml:"span"`
	Trees      []IsolationTree `yaml:"trees"`
}

func (f *IsolationForest) Name() string { return f.ModelName }

func (f *IsolationForest) Validate() error {
	if len(f.Features) == 0 || len(f.Trees) == 0 || f.SampleSize < 2 {
		return fmt.Errorf("isolation forest %s needs features, trees and sample_size >= 2", f.ModelName)
	}
	if f.Offset < 0 || f.Offset >= 1 || f.Span <= 0 || f.Span > 1 {
		return fmt.Errorf("isolation forest %s: offset must be in [0, 1) and span in (0, 1]", f.ModelName)
	}
	for ti, t := range f.Trees {
		for ni, n := range t.Nodes {
			if n.Leaf {
				continue
			}
			if n.Feature < 0 || n.Feature >= len(f.Features) || n.Left <= ni || n.Right <= ni ||
				n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
				return fmt.Errorf("isolation forest %s: tree %d node %d is malformed", f.ModelName, ti, ni)
			}
		}
	}
	return nil
}

// Score maps the anomaly score s = 2^(-E[h(x)]/c(ψ)) linearly from
// [Offset, Offset+Span] onto [0,100].
func (f *IsolationForest) Score(ctx context.Context, fv *aml.FeatureVector) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	x := values(fv, f.Features)
	var total float64
	for i := range f.Trees {
		total += f.Trees[i].pathLength(x)
	}
	avg := total / float64(len(f.Trees))
	s := math.Pow(2, -avg/averagePathLength(f.SampleSize))
	return clamp((s-f.Offset)/f.Span, 0, 1) * 100, nil
}

func (t *IsolationTree) pathLength(x []float64) float64 {
	i, depth := 0, 0
	for depth <= len(t.Nodes) {
		n := &t.Nodes[i]
		if n.Leaf {
			return float64(depth) + averagePathLength(n.Size)
		}
		if x[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
	return float64(depth)
}

// averagePathLength is c(n), the mean unsuccessful search length of a BST.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// ForestConfig controls BuildIsolationForest.
type ForestConfig struct {
	Trees      int     `mapstructure:"trees" yaml:"trees"`
	SampleSize int     `mapstructure:"sample_size" yaml:"sample_size"`
	Offset     float64 `mapstructure:"offset" yaml:"offset"`
	Span       float64 `mapstructure:"span" yaml:"span"`
	Seed       int64   `mapstructure:"seed" yaml:"seed"`
}

func DefaultForestConfig() ForestConfig {
	return ForestConfig{Trees: 100, SampleSize: 256, Offset: 0.45, Span: 0.3, Seed: 42}
}

// BuildIsolationForest grows a forest from reference feature vectors. The
// same samples and seed always produce the same forest.
func BuildIsolationForest(name string, features []string, samples []*aml.FeatureVector, cfg ForestConfig) (*IsolationForest, error) {
	if len(samples) < 2 {
		return nil, fmt.Errorf("isolation forest %s needs at least 2 samples, got %d", name, len(samples))
	}
	if cfg.Trees <= 0 {
		cfg.Trees = 100
	}
	if cfg.Span <= 0 {
		cfg.Span = 0.3
	}
	psi := cfg.SampleSize
	if psi <= 1 || psi > len(samples) {
		psi = len(samples)
	}

	rows := make([][]float64, len(samples))
	for i, s := range samples {
		rows[i] = values(s, features)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	limit := int(math.Ceil(math.Log2(float64(psi))))
	forest := &IsolationForest{
		ModelName:  name,
		Features:   append([]string(nil), features...),
		SampleSize: psi,
		Offset:     cfg.Offset,
		Span:       cfg.Span,
		Trees:      make([]IsolationTree, cfg.Trees),
	}
	for t := 0; t < cfg.Trees; t++ {
		perm := rng.Perm(len(rows))[:psi]
		subset := make([][]float64, psi)
		for i, p := range perm {
			subset[i] = rows[p]
		}
		b := &treeBuilder{rng: rng, limit: limit}
		b.grow(subset, 0)
		forest.Trees[t] = IsolationTree{Nodes: b.nodes}
	}
	return forest, nil
}

type treeBuilder struct {
	rng   *rand.Rand
	limit int
	nodes []IsolationNode
}

func (b *treeBuilder) grow(rows [][]float64, depth int) int {
	idx := len(b.nodes)
	b.nodes = append(b.nodes, IsolationNode{Leaf: true, Size: len(rows)})
	if depth >= b.limit || len(rows) <= 1 {
		return idx
	}

	var candidates []int
	for q := range rows[0] {
		lo, hi := bounds(rows, q)
		if hi > lo {
			candidates = append(candidates, q)
		}
	}
	if len(candidates) == 0 {
		return idx
	}
	q := candidates[b.rng.Intn(len(candidates))]
	lo, hi := bounds(rows, q)
	p := lo + b.rng.Float64()*(hi-lo)
	if p <= lo {
		p = (lo + hi) / 2
	}

	var left, right [][]float64
	for _, r := range rows {
		if r[q] < p {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[idx] = IsolationNode{Feature: q, Threshold: p, Left: l, Right: r}
	return idx
}

func bounds(rows [][]float64, q int) (float64, float64) {
	lo, hi := rows[0][q], rows[0][q]
	for _, r := range rows[1:] {
		lo = math.Min(lo, r[q])
		hi = math.Max(hi, r[q])
	}
	return lo, hi
}
