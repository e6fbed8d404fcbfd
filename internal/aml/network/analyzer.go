// Package network maintains the account relationship graph and the
// suspicion scores propagated over it.
package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/madconcarl-des/archimedes/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/madconcarl-des/archimedes/internal/aml/network")

// Config controls propagation and staleness.
type Config struct {
	Interval           time.Duration `mapstructure:"interval" yaml:"interval"`
	HopBudget          int           `mapstructure:"hop_budget" yaml:"hop_budget"`
	Decay              float64       `mapstructure:"decay" yaml:"decay"`
	SeedThreshold      float64       `mapstructure:"seed_threshold" yaml:"seed_threshold"`
	SuspicionThreshold float64       `mapstructure:"suspicion_threshold" yaml:"suspicion_threshold"`
	MinContribution    float64       `mapstructure:"min_contribution" yaml:"min_contribution"`
	EdgeHalfLife       time.Duration `mapstructure:"edge_half_life" yaml:"edge_half_life"`
	SeedHalfLife       time.Duration `mapstructure:"seed_half_life" yaml:"seed_half_life"`
	StalenessCeiling   time.Duration `mapstructure:"staleness_ceiling" yaml:"staleness_ceiling"`
	MaxQueryDepth      int           `mapstructure:"max_query_depth" yaml:"max_query_depth"`
}

func DefaultConfig() Config {
	return Config{
		Interval:           time.Minute,
		HopBudget:          3,
		Decay:              0.5,
		SeedThreshold:      70,
		SuspicionThreshold: 30,
		MinContribution:    0.01,
		EdgeHalfLife:       30 * 24 * time.Hour,
		SeedHalfLife:       7 * 24 * time.Hour,
		StalenessCeiling:   10 * time.Minute,
		MaxQueryDepth:      5,
	}
}

func (c Config) Validate() error {
	if c.HopBudget < 1 || c.HopBudget > 10 {
		return errors.New("hop_budget must be in [1, 10]")
	}
	if c.Decay <= 0 || c.Decay >= 1 {
		return errors.New("decay must be in (0, 1)")
	}
	if c.SeedThreshold < 0 || c.SeedThreshold > 100 {
		return errors.New("seed_threshold must be in [0, 100]")
	}
	if c.Interval <= 0 || c.StalenessCeiling <= 0 {
		return errors.New("interval and staleness_ceiling must be positive")
	}
	return nil
}

// Locker serializes propagation passes, possibly across replicas.
type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

// Publisher receives every new snapshot.
type Publisher interface {
	Publish(ctx context.Context, snap *Snapshot) error
}

// EdgeStore persists edges between restarts.
type EdgeStore interface {
	SaveEdges(ctx context.Context, edges []*aml.NetworkEdge) error
	LoadEdges(ctx context.Context) ([]*aml.NetworkEdge, error)
}

// Option customizes an Analyzer.
type Option func(*Analyzer)

func WithLocker(l Locker) Option       { return func(a *Analyzer) { a.locker = l } }
func WithPublisher(p Publisher) Option { return func(a *Analyzer) { a.publishers = append(a.publishers, p) } }
func WithEdgeStore(s EdgeStore) Option { return func(a *Analyzer) { a.store = s } }
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// Analyzer owns the graph. Observe mutates it under mu; Propagate clones it
// and publishes an immutable Snapshot that readers load without locking.
type Analyzer struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	g       *graph
	dirty   map[int]struct{}
	started time.Time

	passMu     sync.Mutex
	locker     Locker
	publishers []Publisher
	store      EdgeStore
	version    uint64
	snapshot   atomic.Pointer[Snapshot]
}

func NewAnalyzer(cfg Config, logger *zap.Logger, opts ...Option) *Analyzer {
	a := &Analyzer{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		g:      newGraph(),
		dirty:  make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.started = a.now()
	return a
}

// Restore loads persisted edges into an empty graph.
func (a *Analyzer) Restore(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	edges, err := a.store.LoadEdges(ctx)
	if err != nil {
		return fmt.Errorf("load network edges: %w", err)
	}
	a.mu.Lock()
	for _, e := range edges {
		a.g.restore(e)
	}
	a.mu.Unlock()
	a.logger.Info("network graph restored", zap.Int("edges", len(edges)))
	return nil
}

// Observe folds a scored transaction into the graph. The standalone
// composite seeds suspicion at the source account.
func (a *Analyzer) Observe(tx *aml.Transaction, standalone float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ei := a.g.addTransfer(tx)
	a.dirty[ei] = struct{}{}

	src := a.g.index[tx.FromAccount]
	current := a.g.seed[src] * halfLifeFactor(tx.Timestamp.Sub(a.g.seedAt[src]), a.cfg.SeedHalfLife)
	if standalone >= current {
		a.g.seed[src] = standalone
		a.g.seedAt[src] = tx.Timestamp
	}
}

// Propagate runs one suspicion propagation pass and publishes its snapshot.
func (a *Analyzer) Propagate(ctx context.Context) (*Snapshot, error) {
	ctx, span := tracer.Start(ctx, "network.propagate")
	defer span.End()

	a.passMu.Lock()
	defer a.passMu.Unlock()
	if a.locker != nil {
		unlock, err := a.locker.Lock(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire propagation lock: %w", err)
		}
		defer unlock()
	}

	start := time.Now()
	now := a.now()

	a.mu.RLock()
	g := a.g.clone()
	a.mu.RUnlock()

	susp, carried := a.spread(g, now)

	var prevAt time.Time
	if prev := a.snapshot.Load(); prev != nil {
		prevAt = prev.ComputedAt
	}
	passDecay := 1.0
	if !prevAt.IsZero() {
		passDecay = halfLifeFactor(now.Sub(prevAt), a.cfg.EdgeHalfLife)
	}
	for i := range g.edges {
		g.edges[i].weight = maxf(carried[i], g.edges[i].weight*passDecay)
	}

	// write weights back; edges appended since the clone keep their own
	a.mu.Lock()
	for i := range g.edges {
		a.g.edges[i].weight = g.edges[i].weight
		a.dirty[i] = struct{}{}
	}
	var dirty []*aml.NetworkEdge
	if a.store != nil {
		dirty = make([]*aml.NetworkEdge, 0, len(a.dirty))
		for ei := range a.dirty {
			dirty = append(dirty, a.g.record(ei))
		}
		a.dirty = make(map[int]struct{})
	}
	a.mu.Unlock()

	a.version++
	snap := &Snapshot{
		Version:    a.version,
		ComputedAt: now,
		scores:     susp,
		g:          g,
	}
	a.snapshot.Store(snap)

	metrics.PropagationDuration.Observe(time.Since(start).Seconds())
	metrics.NetworkAccounts.Set(float64(len(g.ids)))
	span.SetAttributes(attribute.Int("network.accounts", len(g.ids)), attribute.Int("network.edges", len(g.edges)))

	if len(dirty) > 0 {
		if err := a.store.SaveEdges(ctx, dirty); err != nil {
			a.logger.Error("failed to persist network edges", zap.Error(err), zap.Int("edges", len(dirty)))
		}
	}
	for _, p := range a.publishers {
		if err := p.Publish(ctx, snap); err != nil {
			a.logger.Warn("failed to publish network snapshot", zap.Error(err), zap.Uint64("version", snap.Version))
		}
	}
	a.logger.Debug("suspicion propagation finished",
		zap.Uint64("version", snap.Version),
		zap.Int("accounts", len(g.ids)),
		zap.Int("edges", len(g.edges)),
		zap.Duration("took", time.Since(start)))
	return snap, nil
}

// spread seeds every account whose decayed standalone score clears the
// threshold and pushes value·decay·share·age along edges in both
// directions, at most HopBudget hops from the seed. Contributions combine by
// max, so every value stays within [0, seed].
func (a *Analyzer) spread(g *graph, now time.Time) ([]float64, []float64) {
	susp := make([]float64, len(g.ids))
	carried := make([]float64, len(g.edges))

	for s := range g.ids {
		seed := g.seed[s] * halfLifeFactor(now.Sub(g.seedAt[s]), a.cfg.SeedHalfLife)
		if seed < a.cfg.SeedThreshold || seed <= 0 {
			continue
		}
		susp[s] = maxf(susp[s], seed)

		frontier := map[int]float64{s: seed}
		for hop := 1; hop <= a.cfg.HopBudget && len(frontier) > 0; hop++ {
			next := make(map[int]float64)
			for u, val := range frontier {
				if g.flow[u] <= 0 {
					continue
				}
				for _, adj := range [2][]int{g.out[u], g.in[u]} {
					for _, ei := range adj {
						v := g.other(ei, u)
						if v == s {
							continue
						}
						e := &g.edges[ei]
						c := val * a.cfg.Decay * (e.amount / g.flow[u]) * halfLifeFactor(now.Sub(e.last), a.cfg.EdgeHalfLife)
						if c < a.cfg.MinContribution {
							continue
						}
						if c > next[v] {
							next[v] = c
						}
						carried[ei] = maxf(carried[ei], c)
					}
				}
			}
			for v, c := range next {
				susp[v] = maxf(susp[v], c)
			}
			frontier = next
		}
	}
	for i := range susp {
		susp[i] = clamp100(susp[i])
	}
	return susp, carried
}

// Snapshot returns the latest published snapshot, or nil before the first pass.
func (a *Analyzer) Snapshot() *Snapshot { return a.snapshot.Load() }

// Lookup returns the cached suspicion of account and the snapshot age. A
// non-nil error is a *aml.NetworkStaleError; the score is still usable.
func (a *Analyzer) Lookup(accountID string) (float64, time.Duration, error) {
	snap := a.snapshot.Load()
	var (
		score float64
		age   time.Duration
	)
	if snap == nil {
		age = a.now().Sub(a.started)
	} else {
		score = snap.Score(accountID)
		age = a.now().Sub(snap.ComputedAt)
	}
	if age < 0 {
		age = 0
	}
	metrics.NetworkScoreAge.Set(age.Seconds())
	if age > a.cfg.StalenessCeiling {
		metrics.NetworkStaleLookups.Inc()
		return score, age, &aml.NetworkStaleError{Age: age, Ceiling: a.cfg.StalenessCeiling}
	}
	return score, age, nil
}

// Analyze describes the neighbourhood of account in the current snapshot.
// It never triggers a propagation pass.
func (a *Analyzer) Analyze(accountID string, depth int) (*View, error) {
	snap := a.snapshot.Load()
	if snap == nil {
		return nil, fmt.Errorf("network snapshot: %w", aml.ErrNotFound)
	}
	if depth < 1 {
		depth = 1
	}
	if a.cfg.MaxQueryDepth > 0 && depth > a.cfg.MaxQueryDepth {
		depth = a.cfg.MaxQueryDepth
	}
	return snap.view(accountID, depth, a.cfg.SuspicionThreshold)
}

// Run propagates on every interval tick until ctx ends.
func (a *Analyzer) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	a.logger.Info("network analyzer started", zap.Duration("interval", a.cfg.Interval), zap.Int("hop_budget", a.cfg.HopBudget))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.Propagate(ctx); err != nil {
				a.logger.Error("suspicion propagation failed", zap.Error(err))
			}
		}
	}
}

// AccountScore pairs an account with its suspicion.
type AccountScore struct {
	AccountID string  `json:"account_id"`
	Score     float64 `json:"score"`
	Hops      int     `json:"hops"`
}

// View is the answer to an analyze query.
type View struct {
	AccountID          string             `json:"account_id"`
	Depth              int                `json:"depth"`
	SnapshotVersion    uint64             `json:"snapshot_version"`
	ComputedAt         time.Time          `json:"computed_at"`
	SuspiciousAccounts []AccountScore     `json:"suspicious_accounts"`
	Nodes              []AccountScore     `json:"nodes"`
	Edges              []*aml.NetworkEdge `json:"edges"`
}

// Snapshot is an immutable propagation result.
type Snapshot struct {
	Version    uint64
	ComputedAt time.Time
	scores     []float64
	g          *graph
}

// Score returns the suspicion of account, zero when unknown.
func (s *Snapshot) Score(accountID string) float64 {
	if i, ok := s.g.index[accountID]; ok {
		return s.scores[i]
	}
	return 0
}

// Scores returns every account with positive suspicion.
func (s *Snapshot) Scores() map[string]float64 {
	out := make(map[string]float64)
	for i, v := range s.scores {
		if v > 0 {
			out[s.g.ids[i]] = v
		}
	}
	return out
}

func (s *Snapshot) view(accountID string, depth int, threshold float64) (*View, error) {
	root, ok := s.g.index[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s not in network: %w", accountID, aml.ErrNotFound)
	}
	hops := map[int]int{root: 0}
	edgeSeen := make(map[int]bool)
	queue := []int{root}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, adj := range [2][]int{s.g.out[u], s.g.in[u]} {
			for _, ei := range adj {
				v := s.g.other(ei, u)
				if _, seen := hops[v]; !seen {
					if hops[u]+1 > depth {
						continue
					}
					hops[v] = hops[u] + 1
					queue = append(queue, v)
				}
				edgeSeen[ei] = true
			}
		}
	}

	view := &View{
		AccountID:          accountID,
		Depth:              depth,
		SnapshotVersion:    s.Version,
		ComputedAt:         s.ComputedAt,
		SuspiciousAccounts: []AccountScore{},
	}
	for n, h := range hops {
		as := AccountScore{AccountID: s.g.ids[n], Score: s.scores[n], Hops: h}
		view.Nodes = append(view.Nodes, as)
		if as.Score >= threshold && as.Score > 0 {
			view.SuspiciousAccounts = append(view.SuspiciousAccounts, as)
		}
	}
	byScore := func(list []AccountScore) {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Score != list[j].Score {
				return list[i].Score > list[j].Score
			}
			return list[i].AccountID < list[j].AccountID
		})
	}
	byScore(view.Nodes)
	byScore(view.SuspiciousAccounts)

	edgeIdx := make([]int, 0, len(edgeSeen))
	for ei := range edgeSeen {
		edgeIdx = append(edgeIdx, ei)
	}
	sort.Ints(edgeIdx)
	for _, ei := range edgeIdx {
		view.Edges = append(view.Edges, s.g.record(ei))
	}
	return view, nil
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func clamp100(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
