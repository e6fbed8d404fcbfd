package features

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/madconcarl-des/archimedes/internal/aml/history"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Saturday.
var now = time.Date(2024, 3, 9, 23, 30, 0, 0, time.UTC)

func mkTx(id, from, to string, amount float64, at time.Time) *aml.Transaction {
	return &aml.Transaction{
		ID:          id,
		FromAccount: from,
		ToAccount:   to,
		Amount:      decimal.NewFromFloat(amount),
		Currency:    "USD",
		Type:        aml.TypeWire,
		Timestamp:   at,
		FromCountry: "US",
		ToCountry:   "US",
	}
}

type failingProvider struct{}

func (failingProvider) Window(context.Context, string, time.Time, time.Time) ([]*aml.Transaction, error) {
	return nil, errors.New("ledger offline")
}

func (failingProvider) Account(context.Context, string) (*aml.Account, error) {
	return nil, errors.New("ledger offline")
}

func TestSchemaShape(t *testing.T) {
	e := NewEngineer(DefaultConfig())
	fv := e.Compute(mkTx("t", "A", "B", 10, now), &Window{})
	require.Len(t, fv.Features, len(Schema()))
	for i, name := range Schema() {
		assert.Equal(t, name, fv.Features[i].Name)
	}
}

func TestVelocityWindowsAreHalfOpen(t *testing.T) {
	e := NewEngineer(DefaultConfig())
	cur := mkTx("cur", "A", "B", 500, now)
	w := &Window{
		Account: &aml.Account{ID: "A", OpenedAt: now.AddDate(-2, 0, 0)},
		Source: []*aml.Transaction{
			mkTx("d29", "A", "C", 100, now.Add(-29*24*time.Hour)),
			mkTx("d6", "A", "C", 100, now.Add(-6*24*time.Hour)),
			mkTx("h24", "A", "C", 100, now.Add(-24*time.Hour)),
			mkTx("in", "C", "A", 700, now.Add(-30*time.Minute)),
			mkTx("same", "A", "C", 100, now),
			mkTx("future", "A", "C", 100, now.Add(time.Minute)),
		},
	}
	fv := e.Compute(cur, w)

	assert.Equal(t, 1.0, fv.Get(TxCount1h))
	assert.Equal(t, 2.0, fv.Get(TxCount24h))
	assert.Equal(t, 3.0, fv.Get(TxCount7d))
	assert.Equal(t, 4.0, fv.Get(TxCount30d))
	assert.Equal(t, 100.0, fv.Get(AmountSum24h))
	assert.Equal(t, 200.0, fv.Get(AmountSum7d))
	assert.False(t, fv.Degraded)
}

func TestStructuringInputs(t *testing.T) {
	e := NewEngineer(DefaultConfig())
	w := &Window{
		Account: &aml.Account{ID: "A", OpenedAt: now.AddDate(-1, 0, 0)},
		Source: []*aml.Transaction{
			mkTx("s1", "A", "B", 9820, now.Add(-5*time.Hour)),
			mkTx("s2", "A", "C", 9900, now.Add(-2*time.Hour)),
			mkTx("old", "A", "C", 9900, now.Add(-25*time.Hour)),
		},
	}
	fv := e.Compute(mkTx("s3", "A", "D", 9950, now), w)

	assert.True(t, fv.Flag(IsNearThreshold))
	assert.Equal(t, 3.0, fv.Get(NearThresholdCount24h))

	fv = e.Compute(mkTx("s3", "A", "D", 10000, now), w)
	assert.False(t, fv.Flag(IsNearThreshold))
	assert.Equal(t, 2.0, fv.Get(NearThresholdCount24h))
	assert.True(t, fv.Flag(IsRoundAmount))
}

func TestRapidMovement(t *testing.T) {
	e := NewEngineer(DefaultConfig())
	tests := []struct {
		name    string
		inAt    time.Duration
		inAmt   float64
		outAmt  float64
		matches bool
	}{
		{"within window and tolerance", -time.Hour, 10000, 9800, true},
		{"outside window", -3 * time.Hour, 10000, 9800, false},
		{"outside tolerance", -time.Hour, 10000, 9000, false},
		{"upper tolerance", -time.Hour, 10000, 10500, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &Window{Source: []*aml.Transaction{mkTx("in", "X", "A", tt.inAmt, now.Add(tt.inAt))}}
			fv := e.Compute(mkTx("out", "A", "Y", tt.outAmt, now), w)
			assert.Equal(t, tt.matches, fv.Flag(RapidMovementMatch))
		})
	}
}

func TestZScoreAndContext(t *testing.T) {
	e := NewEngineer(DefaultConfig())
	w := &Window{
		Account: &aml.Account{ID: "A", OpenedAt: now.Add(-10*24*time.Hour - time.Hour), PEP: true, RiskRating: aml.RiskRatingSevere},
		Source: []*aml.Transaction{
			mkTx("a", "A", "B", 100, now.Add(-48*time.Hour)),
			mkTx("b", "A", "B", 300, now.Add(-72*time.Hour)),
		},
	}
	tx := mkTx("cur", "A", "B", 1200, now)
	tx.ToCountry = "KY"
	tx.FromCountry = "IR"
	fv := e.Compute(tx, w)

	// mean 200, std 100
	assert.InDelta(t, 1000.0/101.0, fv.Get(AmountZScore), 1e-9)
	assert.InDelta(t, 1000.0/201.0*100, fv.Get(AmountDeviationPct), 1e-9)
	assert.Equal(t, 10.0, fv.Get(AccountAgeDays))
	assert.Equal(t, 1.0, fv.Get(IsPEP))
	assert.Equal(t, 3.0, fv.Get(AccountRisk))
	assert.Equal(t, 1.0, fv.Get(FromHighRisk))
	assert.Equal(t, 0.0, fv.Get(ToHighRisk))
	assert.Equal(t, 1.0, fv.Get(ToTaxHaven))
	assert.Equal(t, 1.0, fv.Get(IsCrossBorder))
	assert.Equal(t, 23.0, fv.Get(HourOfDay))
	assert.Equal(t, 5.0, fv.Get(DayOfWeek))
	assert.Equal(t, 1.0, fv.Get(IsOffHours))
	assert.Equal(t, 1.0, fv.Get(IsWeekend))
}

func TestLoadDegradesOnMissingHistory(t *testing.T) {
	e := NewEngineer(DefaultConfig())
	tx := mkTx("cur", "A", "B", 250, now)

	w := e.Load(context.Background(), failingProvider{}, tx)
	fv := e.Compute(tx, w)
	assert.True(t, fv.Degraded)
	assert.Len(t, fv.DegradedReasons, 2)
	assert.Equal(t, 0.0, fv.Get(TxCount24h))
	assert.Equal(t, 0.0, fv.Get(AmountZScore))
	assert.Equal(t, 1.0, fv.Get(AccountRisk))
	for _, err := range w.Degraded {
		assert.ErrorIs(t, err, aml.ErrDegradedFeature)
	}
}

func TestLoadExcludesLookAhead(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	require.NoError(t, store.PutAccount(ctx, &aml.Account{ID: "A", OpenedAt: now.AddDate(-1, 0, 0)}))
	cur := mkTx("cur", "A", "B", 250, now)
	require.NoError(t, store.Append(ctx, mkTx("past", "A", "B", 100, now.Add(-time.Hour))))
	require.NoError(t, store.Append(ctx, cur))
	require.NoError(t, store.Append(ctx, mkTx("later", "A", "B", 100, now.Add(time.Hour))))

	e := NewEngineer(DefaultConfig())
	w := e.Load(ctx, store, cur)
	require.Len(t, w.Source, 1)
	assert.Equal(t, "past", w.Source[0].ID)

	first := e.Compute(cur, w)
	second := e.Compute(cur, e.Load(ctx, store, cur))
	assert.Equal(t, first, second)
	assert.False(t, first.Degraded)
}

func TestUnknownAccountIsDegraded(t *testing.T) {
	e := NewEngineer(DefaultConfig())
	cur := mkTx("cur", "nobody", "B", 250, now)
	w := e.Load(context.Background(), history.NewMemoryStore(), cur)
	fv := e.Compute(cur, w)
	assert.True(t, fv.Degraded)
	assert.Equal(t, 0.0, fv.Get(AccountAgeDays))
}
