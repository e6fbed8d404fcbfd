// Package features turns a transaction and its account history into the
// fixed-shape vector consumed by the rules and scorers.
package features

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/madconcarl-des/archimedes/internal/aml/history"
	"github.com/shopspring/decimal"
)

// Feature names, in vector order.
const (
	Amount                = "amount"
	LogAmount             = "log_amount"
	IsCrossBorder         = "is_cross_border"
	IsRoundAmount         = "is_round_amount"
	IsNearThreshold       = "is_near_threshold"
	AmountZScore          = "amount_z_score"
	AmountDeviationPct    = "amount_deviation_pct"
	TxCount1h             = "tx_count_1h"
	TxCount24h            = "tx_count_24h"
	TxCount7d             = "tx_count_7d"
	TxCount30d            = "tx_count_30d"
	AmountSum24h          = "amount_sum_24h"
	AmountSum7d           = "amount_sum_7d"
	NearThresholdCount24h = "near_threshold_count_24h"
	RapidMovementMatch    = "rapid_movement_match"
	FromHighRisk          = "from_high_risk"
	ToHighRisk            = "to_high_risk"
	ToTaxHaven            = "to_tax_haven"
	HourOfDay             = "hour_of_day"
	DayOfWeek             = "day_of_week"
	IsOffHours            = "is_off_hours"
	IsWeekend             = "is_weekend"
	AccountAgeDays        = "account_age_days"
	IsPEP                 = "is_pep"
	AccountRisk           = "account_risk"
	IsCash                = "is_cash"
	IsCrypto              = "is_crypto"
	IsWire                = "is_wire"
)

var schema = []string{
	Amount, LogAmount, IsCrossBorder,
	IsRoundAmount, IsNearThreshold, AmountZScore, AmountDeviationPct,
	TxCount1h, TxCount24h, TxCount7d, TxCount30d, AmountSum24h, AmountSum7d,
	NearThresholdCount24h, RapidMovementMatch,
	FromHighRisk, ToHighRisk, ToTaxHaven,
	HourOfDay, DayOfWeek, IsOffHours, IsWeekend,
	AccountAgeDays, IsPEP, AccountRisk,
	IsCash, IsCrypto, IsWire,
}

// Schema returns the feature names in vector order.
func Schema() []string { return append([]string(nil), schema...) }

// Window is the historical context of one transaction: prior transactions
// involving the source account, oldest first, and the source account record.
type Window struct {
	Source   []*aml.Transaction
	Account  *aml.Account
	Degraded []error
}

// Engineer computes feature vectors.
type Engineer struct {
	cfg      Config
	highRisk map[string]struct{}
	havens   map[string]struct{}
}

func NewEngineer(cfg Config) *Engineer {
	return &Engineer{
		cfg:      cfg,
		highRisk: countrySet(cfg.HighRiskCountries),
		havens:   countrySet(cfg.TaxHavenCountries),
	}
}

func countrySet(codes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[strings.ToUpper(c)] = struct{}{}
	}
	return set
}

// IsHighRisk reports membership in the configured high-risk set.
func (e *Engineer) IsHighRisk(country string) bool {
	_, ok := e.highRisk[strings.ToUpper(country)]
	return ok
}

// Load gathers the window for tx. Missing history never fails the load: the
// window is marked degraded and Compute substitutes neutral values.
func (e *Engineer) Load(ctx context.Context, p history.Provider, tx *aml.Transaction) *Window {
	w := &Window{}

	prior, err := p.Window(ctx, tx.FromAccount, tx.Timestamp.Add(-e.cfg.HistoryWindow), tx.Timestamp)
	if err != nil {
		w.Degraded = append(w.Degraded, &aml.DegradedFeatureError{AccountID: tx.FromAccount, Err: err})
	} else {
		w.Source = make([]*aml.Transaction, 0, len(prior))
		for _, h := range prior {
			if h.ID != tx.ID {
				w.Source = append(w.Source, h)
			}
		}
	}

	acc, err := p.Account(ctx, tx.FromAccount)
	switch {
	case err == nil:
		w.Account = acc
	case errors.Is(err, aml.ErrNotFound):
		w.Degraded = append(w.Degraded, &aml.DegradedFeatureError{AccountID: tx.FromAccount, Err: errors.New("account context unknown")})
	default:
		w.Degraded = append(w.Degraded, &aml.DegradedFeatureError{AccountID: tx.FromAccount, Err: err})
	}
	return w
}

// Compute derives the vector for tx from w. It is deterministic and only
// considers history strictly before tx.Timestamp.
func (e *Engineer) Compute(tx *aml.Transaction, w *Window) *aml.FeatureVector {
	amount := tx.Amount.InexactFloat64()
	now := tx.Timestamp
	src := tx.FromAccount

	var (
		count1h, count24h, count7d, count30d float64
		sum24h, sum7d                        float64
		nearCount                            float64
		rapid                                float64
		outbound                             []float64
	)
	near := e.nearThreshold(amount)
	if near {
		nearCount = 1
	}
	for _, h := range w.Source {
		if !h.Timestamp.Before(now) {
			continue
		}
		age := now.Sub(h.Timestamp)
		hAmount := h.Amount.InexactFloat64()
		isOut := h.FromAccount == src

		if age <= 30*24*time.Hour {
			count30d++
		}
		if age <= 7*24*time.Hour {
			count7d++
			if isOut {
				sum7d += hAmount
			}
		}
		if age <= 24*time.Hour {
			count24h++
			if isOut {
				sum24h += hAmount
				if e.nearThreshold(hAmount) {
					nearCount++
				}
			}
		}
		if age <= time.Hour {
			count1h++
		}
		if isOut {
			outbound = append(outbound, hAmount)
		} else if age <= e.cfg.RapidMovementWindow && hAmount > 0 &&
			math.Abs(amount-hAmount) <= e.cfg.RapidMovementTolerance*hAmount {
			rapid = 1
		}
	}

	zScore, deviation := 0.0, 0.0
	if len(outbound) > 0 {
		mean, std := meanStd(outbound)
		zScore = (amount - mean) / (std + 1)
		deviation = (amount - mean) / (mean + 1) * 100
	}

	ageDays, pep, risk := 0.0, 0.0, float64(aml.RiskRatingMedium)
	if w.Account != nil {
		if d := now.Sub(w.Account.OpenedAt); d > 0 {
			ageDays = math.Floor(d.Hours() / 24)
		}
		pep = boolf(w.Account.PEP)
		risk = float64(w.Account.RiskRating)
	}

	utc := now.UTC()
	hour := utc.Hour()
	dow := (int(utc.Weekday()) + 6) % 7

	values := []float64{
		amount, math.Log1p(amount), boolf(tx.FromCountry != tx.ToCountry || tx.CrossBorder),
		boolf(e.roundAmount(tx)), boolf(near), zScore, deviation,
		count1h, count24h, count7d, count30d, sum24h, sum7d,
		nearCount, rapid,
		boolf(e.IsHighRisk(tx.FromCountry)), boolf(e.IsHighRisk(tx.ToCountry)), boolf(e.taxHaven(tx.ToCountry)),
		float64(hour), float64(dow), boolf(e.offHours(hour)), boolf(dow >= 5),
		ageDays, pep, risk,
		boolf(tx.Type == aml.TypeCash), boolf(tx.Type == aml.TypeCrypto), boolf(tx.Type == aml.TypeWire),
	}

	fv := &aml.FeatureVector{TransactionID: tx.ID, Features: make([]aml.Feature, len(schema))}
	for i, name := range schema {
		fv.Features[i] = aml.Feature{Name: name, Value: values[i]}
	}
	for _, err := range w.Degraded {
		fv.Degraded = true
		fv.DegradedReasons = append(fv.DegradedReasons, err.Error())
	}
	return fv
}

func (e *Engineer) nearThreshold(amount float64) bool {
	return amount >= e.cfg.ReportingThreshold-e.cfg.NearThresholdBand && amount < e.cfg.ReportingThreshold
}

func (e *Engineer) roundAmount(tx *aml.Transaction) bool {
	if !tx.Amount.IsPositive() {
		return false
	}
	return tx.Amount.Mod(decimal.NewFromFloat(e.cfg.RoundAmountUnit)).IsZero()
}

func (e *Engineer) taxHaven(country string) bool {
	_, ok := e.havens[strings.ToUpper(country)]
	return ok
}

func (e *Engineer) offHours(hour int) bool {
	start, end := e.cfg.NightStartHour, e.cfg.NightEndHour
	if start <= end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func meanStd(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}

func boolf(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
