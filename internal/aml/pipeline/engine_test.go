package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/madconcarl-des/archimedes/internal/aml/aggregator"
	"github.com/madconcarl-des/archimedes/internal/aml/alerts"
	"github.com/madconcarl-des/archimedes/internal/aml/features"
	"github.com/madconcarl-des/archimedes/internal/aml/history"
	"github.com/madconcarl-des/archimedes/internal/aml/network"
	"github.com/madconcarl-des/archimedes/internal/aml/rules"
	"github.com/madconcarl-des/archimedes/internal/aml/scoring"
	"github.com/madconcarl-des/archimedes/pkg/validation"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)

type fixedScorer struct {
	name  string
	value float64
}

func (s *fixedScorer) Name() string { return s.name }

func (s *fixedScorer) Score(context.Context, *aml.FeatureVector) (float64, error) {
	return s.value, nil
}

func fixedScorers(v float64) []scoring.Scorer {
	return []scoring.Scorer{
		&fixedScorer{name: scoring.NameLogistic, value: v},
		&fixedScorer{name: scoring.NameGBDT, value: v},
		&fixedScorer{name: scoring.NameIsolationForest, value: v},
	}
}

type recordingSink struct {
	mu     sync.Mutex
	scores []*aml.RiskScore
	alerts []*aml.Alert
}

func (s *recordingSink) PublishScore(_ context.Context, score *aml.RiskScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores = append(s.scores, score)
	return nil
}

func (s *recordingSink) PublishAlert(_ context.Context, a *aml.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

type fixture struct {
	engine  *Engine
	history history.Store
	network *network.Analyzer
	sink    *recordingSink
	now     time.Time
}

type fixtureOption func(*fixtureSettings)

type fixtureSettings struct {
	scorers  []scoring.Scorer
	ensemble scoring.Config
	history  history.Store
}

func withScorers(s ...scoring.Scorer) fixtureOption {
	return func(fs *fixtureSettings) { fs.scorers = s }
}

func withEnsembleConfig(fn func(*scoring.Config)) fixtureOption {
	return func(fs *fixtureSettings) { fn(&fs.ensemble) }
}

func withHistory(h history.Store) fixtureOption {
	return func(fs *fixtureSettings) { fs.history = h }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	settings := &fixtureSettings{
		scorers:  scoring.DefaultModelSet().Scorers(),
		ensemble: scoring.DefaultConfig(),
		history:  history.NewMemoryStore(),
	}
	for _, opt := range opts {
		opt(settings)
	}
	logger := zap.NewNop()
	f := &fixture{history: settings.history, sink: &recordingSink{}, now: t0}
	clock := func() time.Time { return f.now }

	ens, err := scoring.NewEnsemble(settings.ensemble, settings.scorers, logger)
	require.NoError(t, err)
	f.network = network.NewAnalyzer(network.DefaultConfig(), logger, network.WithClock(clock))
	v := validation.NewValidator(logger)

	f.engine, err = NewEngine(DefaultConfig(), Deps{
		History:    settings.history,
		Features:   features.NewEngineer(features.DefaultConfig()),
		Rules:      rules.NewDetector(rules.DefaultConfig()),
		Ensemble:   ens,
		Network:    f.network,
		Aggregator: aggregator.New(aggregator.DefaultConfig()),
		Alerts:     alerts.NewManager(alerts.DefaultConfig(), alerts.NewMemoryRepository(), v, logger),
		Scores:     NewMemoryScoreStore(),
		Validator:  v,
		Sinks:      []Sink{f.sink},
	}, logger)
	require.NoError(t, err)
	f.engine.now = clock
	return f
}

func record(id, from, to, amount string, at time.Time) *aml.InputRecord {
	value := decimal.RequireFromString(amount)
	return &aml.InputRecord{
		TransactionID: id,
		FromAccountID: from,
		ToAccountID:   to,
		Amount:        &value,
		Currency:      "USD",
		Type:          "wire",
		Timestamp:     at,
		FromCountry:   "US",
		ToCountry:     "US",
	}
}

func (f *fixture) account(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.engine.UpsertAccount(context.Background(), &aml.Account{
		ID:         id,
		RiskRating: aml.RiskRatingLow,
		OpenedAt:   t0.AddDate(-3, 0, 0),
		KYCStatus:  aml.KYCVerified,
	}))
}

func TestScoreRejectsInvalidRecords(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *aml.InputRecord)
		field  string
	}{
		{"missing transaction id", func(r *aml.InputRecord) { r.TransactionID = "" }, "transaction_id"},
		{"missing source", func(r *aml.InputRecord) { r.FromAccountID = "" }, "from_account_id"},
		{"missing amount", func(r *aml.InputRecord) { r.Amount = nil }, "amount"},
		{"negative amount", func(r *aml.InputRecord) { r.Amount = decimalPtr("-5") }, "amount"},
		{"non-finite amount", func(r *aml.InputRecord) { r.Amount = decimalPtr("1e400") }, "amount"},
		{"unknown currency", func(r *aml.InputRecord) { r.Currency = "XYZ" }, "currency"},
		{"unknown type", func(r *aml.InputRecord) { r.Type = "barter" }, "type"},
		{"bad country", func(r *aml.InputRecord) { r.ToCountry = "ZZZ" }, "to_country"},
		{"self transfer", func(r *aml.InputRecord) { r.ToAccountID = r.FromAccountID }, "to_account_id"},
		{"missing timestamp", func(r *aml.InputRecord) { r.Timestamp = time.Time{} }, "timestamp"},
		{"pre-epoch timestamp", func(r *aml.InputRecord) { r.Timestamp = time.Date(1969, 7, 20, 20, 17, 0, 0, time.UTC) }, "timestamp"},
		{"far future timestamp", func(r *aml.InputRecord) { r.Timestamp = time.Date(2263, 1, 1, 0, 0, 0, 0, time.UTC) }, "timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := record("tx-1", "A", "B", "100", t0)
			tt.mutate(rec)

			score, err := f.engine.Score(context.Background(), rec)
			require.Error(t, err)
			assert.Nil(t, score)
			assert.ErrorIs(t, err, aml.ErrValidation)

			var verr *aml.ValidationError
			require.True(t, errors.As(err, &verr))
			fields := make([]string, 0, len(verr.Fields))
			for _, fe := range verr.Fields {
				fields = append(fields, fe.Field)
			}
			assert.Contains(t, fields, tt.field)

			_, err = f.history.Transaction(context.Background(), "tx-1")
			assert.ErrorIs(t, err, aml.ErrNotFound, "rejected records never enter history")
			assert.Empty(t, f.sink.scores)
		})
	}
}

func decimalPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestScoreRejectsRecordWithoutAmount(t *testing.T) {
	f := newFixture(t)
	var rec aml.InputRecord
	require.NoError(t, json.Unmarshal([]byte(`{
		"transaction_id": "tx-1", "from_account_id": "A", "to_account_id": "B",
		"currency": "USD", "type": "wire", "timestamp": "2024-06-03T14:00:00Z",
		"from_country": "US", "to_country": "US"}`), &rec))

	_, err := f.engine.Score(context.Background(), &rec)
	assert.ErrorIs(t, err, aml.ErrValidation)

	window, err := f.history.Window(context.Background(), "A", t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, window, "a record without an amount never reaches the velocity window")
	assert.Empty(t, f.sink.scores)
}

func TestScoreCompletesAfterCallerCancels(t *testing.T) {
	f := newFixture(t, withScorers(fixedScorers(30)...))
	f.account(t, "A")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("c-%d", i)
		score, err := f.engine.Score(ctx, record(id, "A", "B", "420", t0.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err, id)
		assert.False(t, score.Degraded, id)
		assert.True(t, score.EnsembleAvailable, id)
		assert.Empty(t, score.UnavailableScorers, id)

		runs, err := f.engine.ScoreHistory(context.Background(), id)
		require.NoError(t, err)
		assert.Len(t, runs, 1)
	}
	assert.Len(t, f.sink.scores, 20)
}

func TestScoreBounds(t *testing.T) {
	f := newFixture(t)
	rng := rand.New(rand.NewSource(7))
	accounts := []string{"A", "B", "C", "D", "E", "F"}
	countries := []string{"US", "GB", "IR", "KY", "DE"}
	types := []string{"wire", "cash", "crypto", "other"}

	for i := 0; i < 300; i++ {
		from := accounts[rng.Intn(len(accounts))]
		to := accounts[(rng.Intn(len(accounts)-1)+1+indexOf(accounts, from))%len(accounts)]
		amount := decimal.NewFromFloat(rng.Float64() * 50000).Round(2)
		rec := record(fmt.Sprintf("tx-%d", i), from, to, "0", t0.Add(time.Duration(i)*7*time.Minute))
		rec.Amount = &amount
		rec.FromCountry = countries[rng.Intn(len(countries))]
		rec.ToCountry = countries[rng.Intn(len(countries))]
		rec.Type = types[rng.Intn(len(types))]

		score, err := f.engine.Score(context.Background(), rec)
		require.NoError(t, err)
		require.GreaterOrEqual(t, score.CompositeScore, 0.0)
		require.LessOrEqual(t, score.CompositeScore, 100.0)
		for name, v := range score.ModelScores {
			require.GreaterOrEqual(t, v, 0.0, name)
			require.LessOrEqual(t, v, 100.0, name)
		}
		if i%50 == 49 {
			_, err := f.network.Propagate(context.Background())
			require.NoError(t, err)
		}
	}
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func TestScoreIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.account(t, "A")
	for i := 0; i < 5; i++ {
		_, err := f.engine.Score(ctx, record(fmt.Sprintf("prior-%d", i), "A", "B", "1200", t0.Add(-time.Duration(i+1)*time.Hour)))
		require.NoError(t, err)
	}
	_, err := f.network.Propagate(ctx)
	require.NoError(t, err)

	rec := record("tx-x", "A", "C", "4800", t0)
	first, err := f.engine.Score(ctx, rec)
	require.NoError(t, err)
	second, err := f.engine.Score(ctx, rec)
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	first.RunID, second.RunID = "", ""
	first.ScoredAt, second.ScoredAt = time.Time{}, time.Time{}
	assert.Equal(t, first, second)

	window, err := f.history.Window(ctx, "A", t0.Add(-24*time.Hour), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, window, 6, "a redelivered transaction is stored once")
}

func TestStructuringForcesCritical(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, withScorers(fixedScorers(0)...))
	f.account(t, "S")

	var last *aml.RiskScore
	for i, amount := range []string{"9820", "9900", "9950"} {
		score, err := f.engine.Score(ctx, record(fmt.Sprintf("s-%d", i), "S", fmt.Sprintf("R%d", i), amount, t0.Add(time.Duration(i)*5*time.Hour)))
		require.NoError(t, err)
		last = score
	}
	assert.True(t, last.RuleTags.Has(aml.TagStructuring))
	assert.Equal(t, aml.TierCritical, last.RiskTier)
	assert.Zero(t, last.EnsembleScore, "ensemble disagrees")
	assert.False(t, last.Degraded)

	open, err := f.engine.ListAlerts(ctx, aml.StatusNew, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, string(aml.TagStructuring), open[0].Pattern)
	assert.Equal(t, aml.TierCritical, open[0].Severity)
	assert.Equal(t, []string{"s-2"}, open[0].TriggeringTransactions)
}

func TestDeduplicationWithinCoolDown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, withScorers(fixedScorers(85)...))
	f.account(t, "A")

	first, err := f.engine.Score(ctx, record("d-1", "A", "B", "512.40", t0))
	require.NoError(t, err)
	require.Equal(t, aml.TierMedium, first.RiskTier)
	_, err = f.engine.Score(ctx, record("d-2", "A", "C", "733.10", t0.Add(3*time.Hour)))
	require.NoError(t, err)

	open, err := f.engine.ListAlerts(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, aml.PatternEnsemble, open[0].Pattern)
	assert.Equal(t, []string{"d-1", "d-2"}, open[0].TriggeringTransactions)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, open[0].AccountCluster)
	assert.Len(t, f.sink.alerts, 2, "every alert update is published")
}

func TestLateEvidenceJoinsOpenAlert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, withScorers(fixedScorers(85)...))
	f.account(t, "A")

	_, err := f.engine.Score(ctx, record("l-1", "A", "B", "512.40", t0))
	require.NoError(t, err)
	_, err = f.engine.Score(ctx, record("l-2", "A", "C", "733.10", t0.Add(30*time.Hour)))
	require.NoError(t, err)

	open, err := f.engine.ListAlerts(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, []string{"l-1", "l-2"}, open[0].TriggeringTransactions)
}

func TestAllScorersDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, withEnsembleConfig(func(c *scoring.Config) {
		c.Disabled = []string{scoring.NameLogistic, scoring.NameGBDT, scoring.NameIsolationForest}
	}))
	f.account(t, "A")

	score, err := f.engine.Score(ctx, record("r-1", "A", "B", "50000", t0))
	require.NoError(t, err)
	assert.True(t, score.Degraded)
	assert.True(t, score.ReviewRequired)
	assert.False(t, score.EnsembleAvailable)
	assert.Empty(t, score.ModelScores)
	assert.Equal(t, aml.NewTagSet(aml.TagRoundAmount), score.RuleTags)
	assert.InDelta(t, 50, score.CompositeScore, 1e-9)
	assert.Equal(t, aml.TierMedium, score.RiskTier)

	plain, err := f.engine.Score(ctx, record("r-2", "A", "B", "123.45", t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.True(t, plain.Degraded)
	assert.Equal(t, aml.TierLow, plain.RiskTier)
	assert.Zero(t, plain.CompositeScore)

	open, err := f.engine.ListAlerts(ctx, aml.StatusNew, 0)
	require.NoError(t, err)
	patterns := make([]string, 0, len(open))
	for _, a := range open {
		patterns = append(patterns, a.Pattern)
	}
	assert.ElementsMatch(t, []string{string(aml.TagRoundAmount), aml.PatternDegradedReview}, patterns)
}

func TestCompositeMonotoneInModelScore(t *testing.T) {
	ctx := context.Background()
	gbdt := &fixedScorer{name: scoring.NameGBDT}
	f := newFixture(t, withScorers(
		&fixedScorer{name: scoring.NameLogistic, value: 40},
		gbdt,
		&fixedScorer{name: scoring.NameIsolationForest, value: 60},
	))
	f.account(t, "A")
	rec := record("m-1", "A", "B", "820", t0)

	prev := -1.0
	for v := 0.0; v <= 100; v += 5 {
		gbdt.value = v
		score, err := f.engine.Score(ctx, rec)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, score.CompositeScore, prev)
		prev = score.CompositeScore
	}
}

type failingHistory struct {
	*history.MemoryStore
}

func (failingHistory) Window(context.Context, string, time.Time, time.Time) ([]*aml.Transaction, error) {
	return nil, errors.New("ledger unreachable")
}

func TestDegradedHistoryStillScores(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, withHistory(failingHistory{history.NewMemoryStore()}), withScorers(fixedScorers(10)...))
	f.account(t, "A")

	score, err := f.engine.Score(ctx, record("h-1", "A", "B", "250", t0))
	require.NoError(t, err)
	assert.True(t, score.Degraded)
	assert.True(t, score.ReviewRequired)
	assert.True(t, score.EnsembleAvailable)
	require.NotEmpty(t, score.DegradedReasons)
	assert.Contains(t, score.DegradedReasons[0], "ledger unreachable")

	open, err := f.engine.ListAlerts(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, aml.PatternDegradedReview, open[0].Pattern)
}

func TestUnknownAccountIsDegraded(t *testing.T) {
	f := newFixture(t)
	score, err := f.engine.Score(context.Background(), record("u-1", "nobody", "B", "250", t0))
	require.NoError(t, err)
	assert.True(t, score.Degraded)
}

func TestRescoreAndHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, withScorers(fixedScorers(95)...))
	f.account(t, "A")

	first, err := f.engine.Score(ctx, record("n-1", "A", "B", "700", t0))
	require.NoError(t, err)
	assert.Zero(t, first.NetworkScore)

	_, err = f.network.Propagate(ctx)
	require.NoError(t, err)
	f.now = t0.Add(time.Minute)

	second, err := f.engine.Rescore(ctx, "n-1")
	require.NoError(t, err)
	assert.InDelta(t, 95, second.NetworkScore, 1e-9)
	assert.InDelta(t, 60, second.NetworkScoreAge, 1e-9)

	runs, err := f.engine.ScoreHistory(ctx, "n-1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, first.RunID, runs[0].RunID)
	assert.Equal(t, second.RunID, runs[1].RunID)

	view, err := f.network.Analyze("A", 1)
	require.NoError(t, err)
	require.Len(t, view.Edges, 1)
	assert.EqualValues(t, 1, view.Edges[0].TxCount, "rescoring does not add edge weight")

	_, err = f.engine.Rescore(ctx, "missing")
	assert.ErrorIs(t, err, aml.ErrNotFound)
	_, err = f.engine.ScoreHistory(ctx, "missing")
	assert.ErrorIs(t, err, aml.ErrNotFound)
}

func TestStaleNetworkIsFlagged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.account(t, "A")
	_, err := f.network.Propagate(ctx)
	require.NoError(t, err)

	f.now = t0.Add(11 * time.Minute)
	score, err := f.engine.Score(ctx, record("st-1", "A", "B", "300", f.now))
	require.NoError(t, err)
	assert.True(t, score.NetworkStale)
	assert.InDelta(t, 660, score.NetworkScoreAge, 1e-9)
	assert.False(t, score.Degraded, "staleness never degrades a score")
}

func TestAnalyzeNetworkThroughEngine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, withScorers(fixedScorers(90)...))
	f.account(t, "A")
	_, err := f.engine.Score(ctx, record("g-1", "A", "B", "1000", t0))
	require.NoError(t, err)

	_, err = f.engine.AnalyzeNetwork(ctx, "A", 2)
	assert.ErrorIs(t, err, aml.ErrNotFound, "no snapshot before the first pass")

	_, err = f.network.Propagate(ctx)
	require.NoError(t, err)
	view, err := f.engine.AnalyzeNetwork(ctx, "B", 2)
	require.NoError(t, err)
	assert.Len(t, view.Nodes, 2)
	assert.InDelta(t, 45, view.Nodes[1].Score, 1e-9)
}

func TestUpsertAccountValidation(t *testing.T) {
	f := newFixture(t)
	err := f.engine.UpsertAccount(context.Background(), &aml.Account{ID: "A"})
	assert.ErrorIs(t, err, aml.ErrValidation, "opened_at is required")
}
