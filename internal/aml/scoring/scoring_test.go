package scoring

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/madconcarl-des/archimedes/internal/aml/features"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubScorer struct {
	name  string
	value float64
	err   error
	delay time.Duration
	panic bool
}

func (s *stubScorer) Name() string { return s.name }

func (s *stubScorer) Score(ctx context.Context, _ *aml.FeatureVector) (float64, error) {
	if s.panic {
		panic("model crashed")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return s.value, s.err
}

func vec(values map[string]float64) *aml.FeatureVector {
	fv := &aml.FeatureVector{TransactionID: "t"}
	for _, name := range features.Schema() {
		fv.Features = append(fv.Features, aml.Feature{Name: name, Value: values[name]})
	}
	return fv
}

func newEnsemble(t *testing.T, cfg Config, scorers ...Scorer) *Ensemble {
	t.Helper()
	e, err := NewEnsemble(cfg, scorers, zap.NewNop())
	require.NoError(t, err)
	return e
}

func TestEnsembleBlendAndRenormalization(t *testing.T) {
	cfg := DefaultConfig()
	full := newEnsemble(t, cfg,
		&stubScorer{name: NameLogistic, value: 20},
		&stubScorer{name: NameGBDT, value: 60},
		&stubScorer{name: NameIsolationForest, value: 80},
	)
	res := full.Score(context.Background(), vec(nil))
	require.True(t, res.Available)
	assert.InDelta(t, 54.0, res.Composite, 1e-9)
	assert.Empty(t, res.Unavailable)

	partial := newEnsemble(t, cfg,
		&stubScorer{name: NameLogistic, value: 20},
		&stubScorer{name: NameGBDT, err: errors.New("model server down")},
		&stubScorer{name: NameIsolationForest, value: 80},
	)
	res = partial.Score(context.Background(), vec(nil))
	require.True(t, res.Available)
	assert.InDelta(t, 50.0, res.Composite, 1e-9)
	require.Len(t, res.Unavailable, 1)
	assert.Equal(t, NameGBDT, res.Unavailable[0].Scorer)
	assert.ErrorIs(t, res.Unavailable[0], aml.ErrScorerUnavailable)
}

func TestEnsembleTimeoutDropsScorer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	e := newEnsemble(t, cfg,
		&stubScorer{name: NameLogistic, value: 40},
		&stubScorer{name: NameGBDT, value: 99, delay: time.Second},
	)
	start := time.Now()
	res := e.Score(context.Background(), vec(nil))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.True(t, res.Available)
	assert.InDelta(t, 40.0, res.Composite, 1e-9)
	require.Len(t, res.Unavailable, 1)
	assert.Equal(t, "timeout", res.Unavailable[0].Reason)
}

func TestEnsembleAllUnavailable(t *testing.T) {
	cfg := DefaultConfig()
	e := newEnsemble(t, cfg,
		&stubScorer{name: NameLogistic, panic: true},
		&stubScorer{name: NameGBDT, value: 140},
		&stubScorer{name: NameIsolationForest, value: math.NaN()},
	)
	res := e.Score(context.Background(), vec(nil))
	assert.False(t, res.Available)
	assert.Equal(t, 0.0, res.Composite)
	assert.Equal(t, []string{NameGBDT, NameIsolationForest, NameLogistic}, res.UnavailableNames())

	reasons := map[string]string{}
	for _, u := range res.Unavailable {
		reasons[u.Scorer] = u.Reason
	}
	assert.Equal(t, "crash", reasons[NameLogistic])
	assert.Equal(t, "invalid_output", reasons[NameGBDT])
}

func TestEnsembleDisabledScorers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Disabled = []string{NameLogistic, NameGBDT, NameIsolationForest}
	e := newEnsemble(t, cfg,
		&stubScorer{name: NameLogistic, value: 10},
		&stubScorer{name: NameGBDT, value: 10},
		&stubScorer{name: NameIsolationForest, value: 10},
	)
	assert.Empty(t, e.Names())
	res := e.Score(context.Background(), vec(nil))
	assert.False(t, res.Available)
}

func TestEnsembleMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		base := []float64{rng.Float64() * 100, rng.Float64() * 100, rng.Float64() * 100}
		idx := rng.Intn(3)
		bumped := append([]float64(nil), base...)
		bumped[idx] = math.Min(100, bumped[idx]+rng.Float64()*50)

		score := func(v []float64) float64 {
			e := newEnsemble(t, DefaultConfig(),
				&stubScorer{name: NameLogistic, value: v[0]},
				&stubScorer{name: NameGBDT, value: v[1]},
				&stubScorer{name: NameIsolationForest, value: v[2]},
			)
			return e.Score(context.Background(), vec(nil)).Composite
		}
		lo, hi := score(base), score(bumped)
		assert.GreaterOrEqual(t, hi, lo)
		assert.GreaterOrEqual(t, lo, 0.0)
		assert.LessOrEqual(t, hi, 100.0)
	}
}

func TestEnsembleCircuitOpens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BreakerThreshold = 2
	cfg.BreakerOpenDuration = time.Hour
	e := newEnsemble(t, cfg,
		&stubScorer{name: NameLogistic, value: 30},
		&stubScorer{name: NameGBDT, err: errors.New("boom")},
	)
	for i := 0; i < 2; i++ {
		res := e.Score(context.Background(), vec(nil))
		require.Len(t, res.Unavailable, 1)
		assert.Equal(t, "error", res.Unavailable[0].Reason)
	}
	res := e.Score(context.Background(), vec(nil))
	require.Len(t, res.Unavailable, 1)
	assert.Equal(t, "circuit_open", res.Unavailable[0].Reason)
}

func TestEnsemblePositivesAndWeights(t *testing.T) {
	e := newEnsemble(t, DefaultConfig(),
		&stubScorer{name: NameLogistic, value: 65},
		&stubScorer{name: NameGBDT, value: 50},
	)
	res := e.Score(context.Background(), vec(nil))
	assert.Equal(t, []string{NameLogistic}, res.Positives)

	assert.Error(t, e.SetWeights(map[string]float64{NameLogistic: 0.5, NameGBDT: 0.6}))
	assert.Error(t, e.SetWeights(map[string]float64{NameLogistic: 1}))
	require.NoError(t, e.SetWeights(map[string]float64{NameLogistic: 1, NameGBDT: 0}))
	res = e.Score(context.Background(), vec(nil))
	assert.InDelta(t, 65.0, res.Composite, 1e-9)
}

func TestNewEnsembleRejectsUnweightedScorer(t *testing.T) {
	_, err := NewEnsemble(DefaultConfig(), []Scorer{&stubScorer{name: "vendor_x"}}, zap.NewNop())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Weights = map[string]float64{NameLogistic: -0.2, NameGBDT: 1.2}
	_, err = NewEnsemble(cfg, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestPriorCorrection(t *testing.T) {
	p := PriorCorrection{TrainingPositiveRate: 0.5, PopulationPositiveRate: 0.01}
	assert.InDelta(t, math.Log(0.01/0.99), p.Adjust(0), 1e-12)
	assert.Equal(t, 1.5, PriorCorrection{}.Adjust(1.5))
}

func TestDefaultSupervisedModels(t *testing.T) {
	set := DefaultModelSet()
	require.NoError(t, set.Validate())

	benign := vec(map[string]float64{
		features.Amount: 120, features.LogAmount: math.Log1p(120), features.TxCount24h: 1,
		features.AccountRisk: 0, features.AccountAgeDays: 900,
	})
	risky := vec(map[string]float64{
		features.Amount: 9950, features.LogAmount: math.Log1p(9950), features.IsNearThreshold: 1,
		features.NearThresholdCount24h: 3, features.RapidMovementMatch: 1, features.ToHighRisk: 1,
		features.AmountZScore: 4, features.TxCount24h: 12, features.AccountRisk: 3, features.IsPEP: 1,
	})
	for _, s := range set.Scorers() {
		lo, err := s.Score(context.Background(), benign)
		require.NoError(t, err)
		hi, err := s.Score(context.Background(), risky)
		require.NoError(t, err)
		assert.Less(t, lo, 20.0, s.Name())
		assert.Greater(t, hi, 80.0, s.Name())
	}
}

func referenceVectors(n int, seed int64) []*aml.FeatureVector {
	rng := rand.New(rand.NewSource(seed))
	out := make([]*aml.FeatureVector, n)
	for i := range out {
		amount := 50 + rng.Float64()*450
		out[i] = vec(map[string]float64{
			features.LogAmount:      math.Log1p(amount),
			features.AmountZScore:   rng.NormFloat64() * 0.5,
			features.TxCount24h:     float64(rng.Intn(4)),
			features.TxCount7d:      float64(5 + rng.Intn(10)),
			features.AmountSum24h:   amount * float64(rng.Intn(3)),
			features.HourOfDay:      float64(9 + rng.Intn(9)),
			features.AccountAgeDays: float64(200 + rng.Intn(1000)),
		})
	}
	return out
}

func TestIsolationForest(t *testing.T) {
	ref := referenceVectors(300, 1)
	cfg := ForestConfig{Trees: 50, SampleSize: 128, Offset: 0.45, Span: 0.3, Seed: 99}
	forest, err := BuildIsolationForest(NameIsolationForest, AnomalyFeatures, ref, cfg)
	require.NoError(t, err)
	require.NoError(t, forest.Validate())

	again, err := BuildIsolationForest(NameIsolationForest, AnomalyFeatures, ref, cfg)
	require.NoError(t, err)
	assert.Equal(t, forest, again)

	inlier := ref[0]
	outlier := vec(map[string]float64{
		features.LogAmount:             math.Log1p(250000),
		features.AmountZScore:          25,
		features.TxCount24h:            40,
		features.TxCount7d:             90,
		features.AmountSum24h:          900000,
		features.HourOfDay:             3,
		features.AccountAgeDays:        2,
		features.NearThresholdCount24h: 5,
	})
	lo, err := forest.Score(context.Background(), inlier)
	require.NoError(t, err)
	hi, err := forest.Score(context.Background(), outlier)
	require.NoError(t, err)
	assert.Greater(t, hi, lo)
	assert.Greater(t, hi, 50.0)
	assert.GreaterOrEqual(t, lo, 0.0)

	_, err = BuildIsolationForest("x", AnomalyFeatures, ref[:1], cfg)
	assert.Error(t, err)
}

func TestModelSetRoundTripThroughDisk(t *testing.T) {
	set := DefaultModelSet()
	forest, err := BuildIsolationForest(NameIsolationForest, AnomalyFeatures, referenceVectors(64, 3),
		ForestConfig{Trees: 5, SampleSize: 32, Offset: 0.45, Seed: 1})
	require.NoError(t, err)
	set.IsolationForest = forest

	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, set.Save(path))
	loaded, err := LoadModelSet(path)
	require.NoError(t, err)
	require.Len(t, loaded.Scorers(), 3)

	fv := referenceVectors(1, 8)[0]
	for i, s := range set.Scorers() {
		want, _ := s.Score(context.Background(), fv)
		got, _ := loaded.Scorers()[i].Score(context.Background(), fv)
		assert.InDelta(t, want, got, 1e-9, s.Name())
	}
}
