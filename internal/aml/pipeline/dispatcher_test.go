package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/madconcarl-des/archimedes/internal/aml/features"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDispatcherPreservesPerAccountOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, acct := range []string{"A", "B", "C"} {
		f.account(t, acct)
	}

	cfg := DefaultConfig()
	cfg.Workers = 4
	d := NewDispatcher(cfg, f.engine.Score, zap.NewNop())

	var mu sync.Mutex
	scored := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		for _, acct := range []string{"A", "B", "C"} {
			rec := record(fmt.Sprintf("%s-%02d", acct, i), acct, "SINK", "100", t0.Add(time.Duration(i)*time.Minute))
			wg.Add(1)
			require.NoError(t, d.Submit(ctx, rec, func(score *aml.RiskScore, err error) {
				defer wg.Done()
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				scored[score.AccountID]++
				mu.Unlock()
			}))
		}
	}
	wg.Wait()
	d.Close()

	for _, acct := range []string{"A", "B", "C"} {
		assert.Equal(t, 20, scored[acct])
		window, err := f.history.Window(ctx, acct, t0.Add(-time.Hour), t0.Add(time.Hour))
		require.NoError(t, err)
		assert.Len(t, window, 20)
	}

	err := d.Submit(ctx, record("late", "A", "B", "1", t0), nil)
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}

func TestDispatcherVelocityIsSequential(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.account(t, "A")

	var mu sync.Mutex
	var seen []float64
	d := NewDispatcher(DefaultConfig(), func(ctx context.Context, rec *aml.InputRecord) (*aml.RiskScore, error) {
		tx := rec.Transaction()
		w := f.engine.deps.Features.Load(ctx, f.history, tx)
		fv := f.engine.deps.Features.Compute(tx, w)
		mu.Lock()
		seen = append(seen, fv.Get(features.TxCount1h))
		mu.Unlock()
		return f.engine.Score(ctx, rec)
	}, zap.NewNop())

	for i := 0; i < 10; i++ {
		require.NoError(t, d.Submit(ctx, record(fmt.Sprintf("v-%d", i), "A", "B", "250", t0.Add(time.Duration(i)*time.Second)), nil))
	}
	d.Close()

	require.Len(t, seen, 10)
	for i, c := range seen {
		assert.Equal(t, float64(i), c, "transaction %d sees every earlier one", i)
	}
}

func TestDispatcherRecoversPanics(t *testing.T) {
	d := NewDispatcher(DefaultConfig(), func(context.Context, *aml.InputRecord) (*aml.RiskScore, error) {
		panic("boom")
	}, zap.NewNop())
	done := make(chan error, 1)
	require.NoError(t, d.Submit(context.Background(), record("p", "A", "B", "1", t0), func(_ *aml.RiskScore, err error) {
		done <- err
	}))
	assert.Error(t, <-done)
	d.Close()
}

func TestDispatcherScoreWaitsForResult(t *testing.T) {
	f := newFixture(t)
	f.account(t, "A")
	d := NewDispatcher(DefaultConfig(), f.engine.Score, zap.NewNop())
	defer d.Close()

	score, err := d.Score(context.Background(), record("sync-1", "A", "B", "120", t0))
	require.NoError(t, err)
	assert.Equal(t, "sync-1", score.TransactionID)

	_, err = d.Score(context.Background(), record("sync-bad", "A", "A", "120", t0))
	assert.ErrorIs(t, err, aml.ErrValidation)
}

func TestDispatcherDrainsQueueAfterSubmitterCancels(t *testing.T) {
	f := newFixture(t, withScorers(fixedScorers(30)...))
	f.account(t, "A")
	cfg := DefaultConfig()
	cfg.Workers = 1
	d := NewDispatcher(cfg, f.engine.Score, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu      sync.Mutex
		results = map[string]error{}
		scores  []*aml.RiskScore
	)
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("q-%d", i)
		require.NoError(t, d.Submit(ctx, record(id, "A", "B", "640", t0.Add(time.Duration(i)*time.Minute)), func(s *aml.RiskScore, err error) {
			mu.Lock()
			defer mu.Unlock()
			results[id] = err
			if s != nil {
				scores = append(scores, s)
			}
		}))
	}
	cancel()
	d.Close()

	require.Len(t, results, 25)
	for id, err := range results {
		assert.NoError(t, err, id)
	}
	require.Len(t, scores, 25)
	for _, s := range scores {
		assert.False(t, s.Degraded, s.TransactionID)
	}
}
