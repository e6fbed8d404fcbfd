package network

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func transfer(id, from, to string, amount int64, at time.Time) *aml.Transaction {
	return &aml.Transaction{
		ID:          id,
		FromAccount: from,
		ToAccount:   to,
		Amount:      decimal.NewFromInt(amount),
		Currency:    "USD",
		Type:        aml.TypeWire,
		Timestamp:   at,
	}
}

func newTestAnalyzer(t *testing.T, opts ...Option) (*Analyzer, *clock) {
	t.Helper()
	c := &clock{now: base}
	opts = append([]Option{WithClock(c.Now)}, opts...)
	return NewAnalyzer(DefaultConfig(), zap.NewNop(), opts...), c
}

func TestPropagateCycleTerminates(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	ring := []string{"A", "B", "C", "D", "E"}
	for i, from := range ring {
		to := ring[(i+1)%len(ring)]
		seed := 10.0
		if from == "A" {
			seed = 90
		}
		a.Observe(transfer("t"+from, from, to, 1000, base), seed)
	}

	done := make(chan *Snapshot, 1)
	go func() {
		snap, err := a.Propagate(context.Background())
		assert.NoError(t, err)
		done <- snap
	}()

	var snap *Snapshot
	select {
	case snap = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("propagation over a cycle did not terminate")
	}
	require.NotNil(t, snap)

	for _, acct := range ring {
		v := snap.Score(acct)
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), acct)
		assert.GreaterOrEqual(t, v, 0.0, acct)
		assert.LessOrEqual(t, v, 100.0, acct)
	}
	assert.InDelta(t, 90, snap.Score("A"), 1e-9)
	// both neighbours of the seed receive half its flow at one hop
	assert.InDelta(t, 22.5, snap.Score("B"), 1e-9)
	assert.InDelta(t, 22.5, snap.Score("E"), 1e-9)
	assert.Less(t, snap.Score("C"), snap.Score("B"))
}

func TestPropagateChainDecayAndHopBudget(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	chain := []string{"A", "B", "C", "D", "E"}
	for i := 0; i < len(chain)-1; i++ {
		seed := 0.0
		if i == 0 {
			seed = 80
		}
		a.Observe(transfer("t"+chain[i], chain[i], chain[i+1], 1000, base), seed)
	}

	snap, err := a.Propagate(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 80, snap.Score("A"), 1e-9)
	assert.InDelta(t, 40, snap.Score("B"), 1e-9)
	assert.InDelta(t, 10, snap.Score("C"), 1e-9)
	assert.InDelta(t, 2.5, snap.Score("D"), 1e-9)
	assert.Zero(t, snap.Score("E"), "beyond the hop budget")
	assert.Zero(t, snap.Score("unknown"))
}

func TestPropagateSeedThreshold(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	a.Observe(transfer("t1", "A", "B", 1000, base), 69.9)

	snap, err := a.Propagate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Scores())
}

func TestPropagateEdgeAgeDecay(t *testing.T) {
	a, c := newTestAnalyzer(t)
	a.Observe(transfer("t1", "A", "B", 1000, base), 0)
	c.Advance(30 * 24 * time.Hour)
	a.Observe(transfer("t2", "A", "C", 1000, c.Now()), 0)
	a.Observe(transfer("t3", "X", "A", 1, c.Now()), 0)
	// reseed A at the current time
	a.Observe(transfer("t4", "A", "C", 0, c.Now()), 100)

	snap, err := a.Propagate(context.Background())
	require.NoError(t, err)
	// the older edge is one half-life old
	assert.InDelta(t, snap.Score("C")/2, snap.Score("B"), 1e-6)
}

func TestSnapshotIsImmutable(t *testing.T) {
	a, c := newTestAnalyzer(t)
	a.Observe(transfer("t1", "A", "B", 1000, base), 90)
	first, err := a.Propagate(context.Background())
	require.NoError(t, err)
	before := first.Score("B")

	a.Observe(transfer("t2", "B", "C", 5000, base), 95)
	c.Advance(time.Second)
	second, err := a.Propagate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, before, first.Score("B"))
	assert.Zero(t, first.Score("C"))
	assert.Greater(t, second.Score("C"), 0.0)
	assert.Equal(t, first.Version+1, second.Version)
	assert.Same(t, second, a.Snapshot())
}

func TestLookupStaleness(t *testing.T) {
	a, c := newTestAnalyzer(t)
	a.Observe(transfer("t1", "A", "B", 1000, base), 90)

	_, _, err := a.Lookup("B")
	assert.NoError(t, err, "fresh analyzer is not stale")

	_, err = a.Propagate(context.Background())
	require.NoError(t, err)

	c.Advance(2 * time.Minute)
	score, age, err := a.Lookup("B")
	require.NoError(t, err)
	assert.InDelta(t, 45, score, 1e-9)
	assert.Equal(t, 2*time.Minute, age)

	c.Advance(20 * time.Minute)
	score, age, err = a.Lookup("B")
	require.Error(t, err)
	assert.True(t, errors.Is(err, aml.ErrNetworkStale))
	var stale *aml.NetworkStaleError
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, 22*time.Minute, stale.Age)
	assert.Equal(t, age, stale.Age)
	assert.InDelta(t, 45, score, 1e-9, "stale score is still returned")
}

func TestAnalyze(t *testing.T) {
	a, _ := newTestAnalyzer(t)

	_, err := a.Analyze("A", 2)
	assert.ErrorIs(t, err, aml.ErrNotFound, "no snapshot yet")

	a.Observe(transfer("t1", "A", "B", 1000, base), 90)
	a.Observe(transfer("t2", "B", "C", 1000, base), 0)
	a.Observe(transfer("t3", "C", "D", 1000, base), 0)
	_, err = a.Propagate(context.Background())
	require.NoError(t, err)

	view, err := a.Analyze("C", 1)
	require.NoError(t, err)
	ids := make([]string, 0, len(view.Nodes))
	for _, n := range view.Nodes {
		ids = append(ids, n.AccountID)
	}
	assert.ElementsMatch(t, []string{"B", "C", "D"}, ids)
	assert.Len(t, view.Edges, 2)
	for _, e := range view.Edges {
		assert.EqualValues(t, 1, e.TxCount)
		assert.True(t, e.TotalAmount.Equal(decimal.NewFromInt(1000)))
	}

	view, err = a.Analyze("A", 99)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().MaxQueryDepth, view.Depth)
	require.NotEmpty(t, view.SuspiciousAccounts)
	assert.Equal(t, "A", view.SuspiciousAccounts[0].AccountID)
	assert.Equal(t, 0, view.SuspiciousAccounts[0].Hops)

	_, err = a.Analyze("nobody", 1)
	assert.ErrorIs(t, err, aml.ErrNotFound)
}

type memEdges struct {
	mu    sync.Mutex
	edges map[[2]string]*aml.NetworkEdge
}

func (m *memEdges) SaveEdges(_ context.Context, edges []*aml.NetworkEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.edges == nil {
		m.edges = make(map[[2]string]*aml.NetworkEdge)
	}
	for _, e := range edges {
		m.edges[[2]string{e.From, e.To}] = e
	}
	return nil
}

func (m *memEdges) LoadEdges(context.Context) ([]*aml.NetworkEdge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*aml.NetworkEdge, 0, len(m.edges))
	for _, e := range m.edges {
		out = append(out, e)
	}
	return out, nil
}

type countingLocker struct{ locks, unlocks int }

func (l *countingLocker) Lock(context.Context) (func(), error) {
	l.locks++
	return func() { l.unlocks++ }, nil
}

func TestEdgesPersistAndRestore(t *testing.T) {
	store := &memEdges{}
	locker := &countingLocker{}
	a, _ := newTestAnalyzer(t, WithEdgeStore(store), WithLocker(locker))
	a.Observe(transfer("t1", "A", "B", 1000, base), 90)
	a.Observe(transfer("t2", "A", "B", 500, base), 0)
	_, err := a.Propagate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, locker.locks)
	assert.Equal(t, 1, locker.unlocks)

	saved, err := store.LoadEdges(context.Background())
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.EqualValues(t, 2, saved[0].TxCount)
	assert.True(t, saved[0].TotalAmount.Equal(decimal.NewFromInt(1500)))
	assert.InDelta(t, 45, saved[0].SuspicionWeight, 1e-9)

	restored, _ := newTestAnalyzer(t, WithEdgeStore(store))
	require.NoError(t, restored.Restore(context.Background()))
	restored.Observe(transfer("t3", "A", "C", 1, base), 90)
	snap, err := restored.Propagate(context.Background())
	require.NoError(t, err)
	view, err := restored.Analyze("A", 1)
	require.NoError(t, err)
	assert.Len(t, view.Edges, 2)
	assert.Greater(t, snap.Score("B"), snap.Score("C"))
}

func TestLockerFailureAbortsPass(t *testing.T) {
	a, _ := newTestAnalyzer(t, WithLocker(lockerFunc(func(context.Context) (func(), error) {
		return nil, errors.New("etcd unavailable")
	})))
	_, err := a.Propagate(context.Background())
	require.Error(t, err)
	assert.Nil(t, a.Snapshot())
}

type lockerFunc func(context.Context) (func(), error)

func (f lockerFunc) Lock(ctx context.Context) (func(), error) { return f(ctx) }

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Decay = 1
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.HopBudget = 0
	assert.Error(t, bad.Validate())
}
