// Package aml holds the records shared by the transaction risk-scoring
// pipeline: accounts, transactions, feature vectors, risk scores and alerts.
package aml

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RiskRating is the ordinal compliance rating of an account.
type RiskRating int

const (
	RiskRatingLow RiskRating = iota
	RiskRatingMedium
	RiskRatingHigh
	RiskRatingSevere
)

func (r RiskRating) String() string {
	switch r {
	case RiskRatingLow:
		return "low"
	case RiskRatingMedium:
		return "medium"
	case RiskRatingHigh:
		return "high"
	case RiskRatingSevere:
		return "severe"
	default:
		return "unknown"
	}
}

// ParseRiskRating accepts the textual rating used by compliance review.
func ParseRiskRating(s string) (RiskRating, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskRatingLow, nil
	case "medium", "":
		return RiskRatingMedium, nil
	case "high":
		return RiskRatingHigh, nil
	case "severe":
		return RiskRatingSevere, nil
	}
	return RiskRatingMedium, fmt.Errorf("unknown risk rating %q", s)
}

func (r RiskRating) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *RiskRating) UnmarshalText(b []byte) error {
	v, err := ParseRiskRating(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// KYCStatus mirrors the onboarding state reported by the identity provider.
type KYCStatus string

const (
	KYCPending  KYCStatus = "pending"
	KYCVerified KYCStatus = "verified"
	KYCRejected KYCStatus = "rejected"
)

// Account is the risk context of a customer account.
type Account struct {
	ID           string     `json:"account_id" validate:"required,max=64"`
	Jurisdiction string     `json:"jurisdiction,omitempty" validate:"omitempty,iso3166_1_alpha2"`
	RiskRating   RiskRating `json:"risk_rating"`
	PEP          bool       `json:"is_pep"`
	OpenedAt     time.Time  `json:"opened_at" validate:"required"`
	KYCStatus    KYCStatus  `json:"kyc_status,omitempty" validate:"omitempty,oneof=pending verified rejected"`
}

// TransactionType classifies the payment rail.
type TransactionType string

const (
	TypeWire   TransactionType = "wire"
	TypeCash   TransactionType = "cash"
	TypeCrypto TransactionType = "crypto"
	TypeOther  TransactionType = "other"
)

// Transaction is an immutable transfer between two accounts. Corrections are
// new transactions whose Reverses field points at the corrected one.
type Transaction struct {
	ID          string          `json:"transaction_id"`
	FromAccount string          `json:"from_account_id"`
	ToAccount   string          `json:"to_account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Type        TransactionType `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	FromCountry string          `json:"from_country"`
	ToCountry   string          `json:"to_country"`
	CrossBorder bool            `json:"cross_border"`
	Reverses    string          `json:"reverses,omitempty"`
}

// Involves reports whether the account is either side of the transfer.
func (t *Transaction) Involves(accountID string) bool {
	return t.FromAccount == accountID || t.ToAccount == accountID
}

// Feature is one named numeric input to the scorers.
type Feature struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// FeatureVector is the fixed-shape, ordered feature set of one transaction.
type FeatureVector struct {
	TransactionID   string    `json:"transaction_id"`
	Features        []Feature `json:"features"`
	Degraded        bool      `json:"degraded"`
	DegradedReasons []string  `json:"degraded_reasons,omitempty"`
}

// Value returns the named feature and whether it is part of the vector.
func (fv *FeatureVector) Value(name string) (float64, bool) {
	for _, f := range fv.Features {
		if f.Name == name {
			return f.Value, true
		}
	}
	return 0, false
}

// Get returns the named feature, or zero when absent.
func (fv *FeatureVector) Get(name string) float64 {
	v, _ := fv.Value(name)
	return v
}

// Flag reports whether a boolean feature is set.
func (fv *FeatureVector) Flag(name string) bool {
	return fv.Get(name) >= 0.5
}

// Map copies the vector into a name keyed map.
func (fv *FeatureVector) Map() map[string]float64 {
	out := make(map[string]float64, len(fv.Features))
	for _, f := range fv.Features {
		out[f.Name] = f.Value
	}
	return out
}

// RuleTag is a qualitative annotation produced by the rule baseline.
type RuleTag string

const (
	TagStructuring    RuleTag = "structuring"
	TagRapidMovement  RuleTag = "rapid_movement"
	TagGeographicRisk RuleTag = "geographic_risk"
	TagRoundAmount    RuleTag = "round_amount"
)

// TagSet is a sorted set of rule tags.
type TagSet []RuleTag

// NewTagSet sorts and deduplicates tags.
func NewTagSet(tags ...RuleTag) TagSet {
	seen := make(map[RuleTag]struct{}, len(tags))
	out := make(TagSet, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s TagSet) Has(tag RuleTag) bool {
	for _, t := range s {
		if t == tag {
			return true
		}
	}
	return false
}

func (s TagSet) Strings() []string {
	out := make([]string, len(s))
	for i, t := range s {
		out[i] = string(t)
	}
	return out
}

// RiskTier is the decision band of a composite score. Alerts reuse it as severity.
type RiskTier string

const (
	TierLow      RiskTier = "low"
	TierMedium   RiskTier = "medium"
	TierHigh     RiskTier = "high"
	TierCritical RiskTier = "critical"
)

// Rank orders tiers for escalation comparisons.
func (t RiskTier) Rank() int {
	switch t {
	case TierMedium:
		return 1
	case TierHigh:
		return 2
	case TierCritical:
		return 3
	default:
		return 0
	}
}

// ParseRiskTier validates a tier name.
func ParseRiskTier(s string) (RiskTier, error) {
	switch t := RiskTier(strings.ToLower(s)); t {
	case TierLow, TierMedium, TierHigh, TierCritical:
		return t, nil
	}
	return "", fmt.Errorf("unknown risk tier %q", s)
}

// RiskScore is one scoring run for a transaction. Records are append only;
// the most recent one is the current score.
type RiskScore struct {
	RunID              string             `json:"run_id"`
	TransactionID      string             `json:"transaction_id"`
	AccountID          string             `json:"account_id"`
	ModelScores        map[string]float64 `json:"model_scores"`
	EnsembleScore      float64            `json:"ensemble_score"`
	EnsembleAvailable  bool               `json:"ensemble_available"`
	CompositeScore     float64            `json:"composite_score"`
	RiskTier           RiskTier           `json:"risk_tier"`
	RuleTags           TagSet             `json:"rule_tags"`
	NetworkScore       float64            `json:"network_score"`
	NetworkScoreAge    float64            `json:"network_score_age"`
	NetworkStale       bool               `json:"network_stale"`
	Degraded           bool               `json:"degraded"`
	DegradedReasons    []string           `json:"degraded_reasons,omitempty"`
	UnavailableScorers []string           `json:"unavailable_scorers,omitempty"`
	ModelPositives     []string           `json:"model_positives,omitempty"`
	ReviewRequired     bool               `json:"review_required"`
	ScoredAt           time.Time          `json:"scored_at"`
}

// NetworkEdge aggregates all transfers from one account to another.
type NetworkEdge struct {
	From            string          `json:"from_account_id"`
	To              string          `json:"to_account_id"`
	TxCount         int64           `json:"tx_count"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	FirstTxAt       time.Time       `json:"first_tx_at"`
	LastTxAt        time.Time       `json:"last_tx_at"`
	SuspicionWeight float64         `json:"suspicion_weight"`
}

// AlertStatus is the investigation state of an alert.
type AlertStatus string

const (
	StatusNew           AlertStatus = "new"
	StatusInvestigating AlertStatus = "investigating"
	StatusEscalated     AlertStatus = "escalated"
	StatusClosed        AlertStatus = "closed"
)

// Open reports whether the alert still participates in deduplication.
func (s AlertStatus) Open() bool { return s != StatusClosed }

// ParseAlertStatus validates a status name.
func ParseAlertStatus(s string) (AlertStatus, error) {
	switch st := AlertStatus(strings.ToLower(s)); st {
	case StatusNew, StatusInvestigating, StatusEscalated, StatusClosed:
		return st, nil
	}
	return "", fmt.Errorf("unknown alert status %q", s)
}

// Detection patterns beyond the rule tags.
const (
	PatternNetwork        = "network"
	PatternEnsemble       = "ensemble"
	PatternDegradedReview = "degraded_review"
)

// Note is an investigator comment on an alert.
type Note struct {
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Alert is a deduplicated investigation case for one account and pattern.
type Alert struct {
	ID                     string      `json:"alert_id"`
	PrimaryAccount         string      `json:"primary_account"`
	AccountCluster         []string    `json:"account_cluster"`
	Pattern                string      `json:"detection_pattern"`
	Severity               RiskTier    `json:"severity"`
	Status                 AlertStatus `json:"status"`
	TriggeringTransactions []string    `json:"triggering_transactions"`
	PeakScore              float64     `json:"peak_score"`
	AssignedTo             string      `json:"assigned_to,omitempty"`
	Notes                  []Note      `json:"notes,omitempty"`
	CreatedAt              time.Time   `json:"created_at"`
	UpdatedAt              time.Time   `json:"updated_at"`
	LastEvidenceAt         time.Time   `json:"last_evidence_at"`
}

// Clone returns a deep copy so callers never share slices with a store.
func (a *Alert) Clone() *Alert {
	c := *a
	c.AccountCluster = append([]string(nil), a.AccountCluster...)
	c.TriggeringTransactions = append([]string(nil), a.TriggeringTransactions...)
	c.Notes = append([]Note(nil), a.Notes...)
	return &c
}
