// Package synthetic generates labelled transaction traffic: ordinary
// payments mixed with known laundering typologies.
package synthetic

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/madconcarl-des/archimedes/internal/aml/features"
	"github.com/madconcarl-des/archimedes/internal/aml/history"
	"github.com/shopspring/decimal"
)

// Typologies injected as suspicious traffic.
const (
	PatternSmurfing      = "smurfing"
	PatternRapidMovement = "rapid_movement"
	PatternLayering      = "layering"
	PatternRoundAmounts  = "round_amounts"
	PatternHighRiskGeo   = "high_risk_geo"
	PatternUnusualTiming = "unusual_timing"
)

var patternMix = []struct {
	name string
	p    float64
}{
	{PatternSmurfing, 0.30},
	{PatternRapidMovement, 0.20},
	{PatternLayering, 0.15},
	{PatternRoundAmounts, 0.15},
	{PatternHighRiskGeo, 0.10},
	{PatternUnusualTiming, 0.10},
}

var (
	countries         = []string{"US", "GB", "DE", "FR", "CN", "JP", "IN", "BR", "CA", "AU", "IT", "ES", "KR", "MX", "RU", "TR", "SA", "ZA", "AR", "ID"}
	highRiskCountries = []string{"AF", "KP", "SY", "IR", "PK"}
	layeringCountries = []string{"US", "GB", "CH"}
	roundAmounts      = []int64{50000, 100000, 250000, 500000, 1000000}
)

type Config struct {
	Accounts        int           `mapstructure:"accounts" yaml:"accounts"`
	Transactions    int           `mapstructure:"transactions" yaml:"transactions"`
	SuspiciousRatio float64       `mapstructure:"suspicious_ratio" yaml:"suspicious_ratio"`
	Seed            int64         `mapstructure:"seed" yaml:"seed"`
	Span            time.Duration `mapstructure:"span" yaml:"span"`
	End             time.Time     `mapstructure:"end" yaml:"end"`
}

func DefaultConfig() Config {
	return Config{
		Accounts:        1000,
		Transactions:    10000,
		SuspiciousRatio: 0.05,
		Seed:            42,
		Span:            365 * 24 * time.Hour,
	}
}

// Dataset is generated traffic in timestamp order. Labels maps suspicious
// transaction ids to their typology; legitimate ids are absent.
type Dataset struct {
	Accounts     []*aml.Account
	Transactions []*aml.InputRecord
	Labels       map[string]string
}

// Suspicious reports the typology of a transaction, if any.
func (d *Dataset) Suspicious(txID string) (string, bool) {
	p, ok := d.Labels[txID]
	return p, ok
}

type generator struct {
	cfg      Config
	rng      *rand.Rand
	end      time.Time
	accounts []*aml.Account
	ds       *Dataset
}

// Generate builds a dataset. Output is a pure function of cfg.
func Generate(cfg Config) (*Dataset, error) {
	if cfg.Accounts < 8 {
		return nil, fmt.Errorf("need at least 8 accounts, got %d", cfg.Accounts)
	}
	if cfg.SuspiciousRatio < 0 || cfg.SuspiciousRatio > 1 {
		return nil, fmt.Errorf("suspicious_ratio must be in [0, 1]")
	}
	if cfg.Span <= 0 {
		cfg.Span = DefaultConfig().Span
	}
	end := cfg.End
	if end.IsZero() {
		end = time.Now()
	}
	g := &generator{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
		end: end.UTC().Truncate(time.Minute),
		ds:  &Dataset{Labels: make(map[string]string)},
	}
	g.generateAccounts()

	suspicious := int(float64(cfg.Transactions) * cfg.SuspiciousRatio)
	for i := 0; i < cfg.Transactions-suspicious; i++ {
		g.legitimate(i)
	}
	for i := 0; i < suspicious; i++ {
		g.suspicious(i)
	}

	sort.SliceStable(g.ds.Transactions, func(i, j int) bool {
		a, b := g.ds.Transactions[i], g.ds.Transactions[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.TransactionID < b.TransactionID
	})
	g.ds.Accounts = g.accounts
	return g.ds, nil
}

func (g *generator) pick(list []string) string { return list[g.rng.Intn(len(list))] }

func (g *generator) generateAccounts() {
	for i := 0; i < g.cfg.Accounts; i++ {
		acct := &aml.Account{
			ID:       fmt.Sprintf("ACC%08d", i),
			OpenedAt: g.end.Add(-time.Duration(30+g.rng.Intn(5*365-30)) * 24 * time.Hour),
		}
		if g.rng.Float64() < 0.05 {
			acct.Jurisdiction = g.pick(highRiskCountries)
			acct.RiskRating = weighted(g.rng, []aml.RiskRating{aml.RiskRatingMedium, aml.RiskRatingHigh, aml.RiskRatingSevere}, []float64{0.3, 0.5, 0.2})
		} else {
			acct.Jurisdiction = g.pick(countries)
			acct.RiskRating = weighted(g.rng, []aml.RiskRating{aml.RiskRatingLow, aml.RiskRatingMedium, aml.RiskRatingHigh}, []float64{0.7, 0.25, 0.05})
		}
		acct.PEP = g.rng.Float64() < 0.02
		acct.KYCStatus = weighted(g.rng, []aml.KYCStatus{aml.KYCVerified, aml.KYCPending, aml.KYCRejected}, []float64{0.85, 0.10, 0.05})
		g.accounts = append(g.accounts, acct)
	}
}

func weighted[T any](rng *rand.Rand, items []T, weights []float64) T {
	r := rng.Float64()
	var acc float64
	for i, w := range weights {
		acc += w
		if r < acc {
			return items[i]
		}
	}
	return items[len(items)-1]
}

// pair returns two distinct accounts.
func (g *generator) pair() (*aml.Account, *aml.Account) {
	from := g.accounts[g.rng.Intn(len(g.accounts))]
	to := g.accounts[g.rng.Intn(len(g.accounts)-1)]
	if to == from {
		to = g.accounts[len(g.accounts)-1]
	}
	return from, to
}

// distinct returns n different accounts.
func (g *generator) distinct(n int) []*aml.Account {
	if n > len(g.accounts) {
		n = len(g.accounts)
	}
	idx := g.rng.Perm(len(g.accounts))[:n]
	out := make([]*aml.Account, n)
	for i, j := range idx {
		out[i] = g.accounts[j]
	}
	return out
}

func (g *generator) add(id string, from, to *aml.Account, amount float64, at time.Time, typ aml.TransactionType, fromCountry, toCountry, label string) {
	value := decimal.NewFromFloat(amount).Round(2)
	rec := &aml.InputRecord{
		TransactionID: id,
		FromAccountID: from.ID,
		ToAccountID:   to.ID,
		Amount:        &value,
		Currency:      "USD",
		Type:          string(typ),
		Timestamp:     at.UTC(),
		FromCountry:   fromCountry,
		ToCountry:     toCountry,
	}
	g.ds.Transactions = append(g.ds.Transactions, rec)
	if label != "" {
		g.ds.Labels[id] = label
	}
}

func (g *generator) recent(days int) time.Time {
	return g.end.Add(-time.Duration(g.rng.Intn(days)+1) * 24 * time.Hour)
}

func (g *generator) legitimate(i int) {
	from, to := g.pair()
	amount := math.Exp(7.0 + 1.5*g.rng.NormFloat64())

	hour := 9 + g.rng.Intn(9)
	if g.rng.Float64() < 1.0/3 {
		hour = (18 + g.rng.Intn(15)) % 24
	}
	days := int64(g.cfg.Span / (24 * time.Hour))
	if days < 1 {
		days = 1
	}
	day := g.end.Add(-time.Duration(g.rng.Int63n(days)+1) * 24 * time.Hour)
	at := time.Date(day.Year(), day.Month(), day.Day(), hour, g.rng.Intn(60), 0, 0, time.UTC)

	typ := weighted(g.rng, []aml.TransactionType{aml.TypeWire, aml.TypeOther, aml.TypeCash, aml.TypeCrypto}, []float64{0.3, 0.5, 0.15, 0.05})
	g.add(fmt.Sprintf("TX%010d", i), from, to, amount, at, typ, from.Jurisdiction, to.Jurisdiction, "")
}

func (g *generator) suspicious(i int) {
	r := g.rng.Float64()
	var acc float64
	pattern := patternMix[len(patternMix)-1].name
	for _, pm := range patternMix {
		acc += pm.p
		if r < acc {
			pattern = pm.name
			break
		}
	}
	base := fmt.Sprintf("SUSP%08d", i)

	switch pattern {
	case PatternSmurfing:
		from, to := g.pair()
		start := g.recent(30)
		for j, n := 0, 3+g.rng.Intn(5); j < n; j++ {
			g.add(fmt.Sprintf("%s_%d", base, j), from, to, 9700+g.rng.Float64()*250, start.Add(time.Duration(j)*2*time.Hour),
				aml.TypeWire, "US", "US", pattern)
		}
	case PatternRapidMovement:
		accts := g.distinct(3)
		amount := 50000 + g.rng.Float64()*450000
		start := g.recent(30)
		g.add(base+"_in", accts[0], accts[1], amount, start, aml.TypeWire, "US", "US", pattern)
		g.add(base+"_out", accts[1], accts[2], amount*0.98, start.Add(time.Hour), aml.TypeWire, "US", "US", pattern)
	case PatternLayering:
		n := 4 + g.rng.Intn(3)
		accts := g.distinct(n + 1)
		amount := 100000 + g.rng.Float64()*900000
		start := g.recent(30).Add(-48 * time.Hour)
		for j := 0; j < len(accts)-1; j++ {
			g.add(fmt.Sprintf("%s_%d", base, j), accts[j], accts[j+1], amount*math.Pow(0.95, float64(j)), start.Add(time.Duration(j)*6*time.Hour),
				aml.TypeWire, g.pick(layeringCountries), g.pick(layeringCountries), pattern)
		}
	case PatternRoundAmounts:
		from, to := g.pair()
		g.add(base, from, to, float64(roundAmounts[g.rng.Intn(len(roundAmounts))]), g.recent(30), aml.TypeWire, "US", "US", pattern)
	case PatternHighRiskGeo:
		from, to := g.pair()
		g.add(base, from, to, 10000+g.rng.Float64()*190000, g.recent(30), aml.TypeWire, g.pick(highRiskCountries), g.pick(layeringCountries), pattern)
	default:
		from, to := g.pair()
		day := g.recent(30)
		for day.Weekday() != time.Saturday && day.Weekday() != time.Sunday {
			day = day.Add(-24 * time.Hour)
		}
		at := time.Date(day.Year(), day.Month(), day.Day(), 2+g.rng.Intn(3), g.rng.Intn(60), 0, 0, time.UTC)
		g.add(base, from, to, 20000+g.rng.Float64()*480000, at, aml.TypeWire, "US", "US", pattern)
	}
}

// FeatureVectors replays the dataset in time order through a fresh
// in-memory history and returns one vector per transaction, in order.
func (d *Dataset) FeatureVectors(ctx context.Context, eng *features.Engineer) ([]*aml.FeatureVector, error) {
	store := history.NewMemoryStore()
	for _, a := range d.Accounts {
		if err := store.PutAccount(ctx, a); err != nil {
			return nil, err
		}
	}
	out := make([]*aml.FeatureVector, 0, len(d.Transactions))
	for _, rec := range d.Transactions {
		tx := rec.Transaction()
		w := eng.Load(ctx, store, tx)
		out = append(out, eng.Compute(tx, w))
		if err := store.Append(ctx, tx); err != nil {
			return nil, err
		}
	}
	return out, nil
}
