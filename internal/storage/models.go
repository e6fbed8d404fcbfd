// Package storage persists risk scores, alerts and network edges with gorm.
package storage

import (
	"time"

	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RiskScoreRecord is one append-only scoring run.
type RiskScoreRecord struct {
	RunID              string             `gorm:"primaryKey;size:36"`
	TransactionID      string             `gorm:"index:idx_risk_scores_tx_scored,priority:1;size:64;not null"`
	AccountID          string             `gorm:"index;size:64;not null"`
	ModelScores        map[string]float64 `gorm:"type:text;serializer:json"`
	EnsembleScore      float64
	EnsembleAvailable  bool
	CompositeScore     float64
	RiskTier           string   `gorm:"size:16;index"`
	RuleTags           []string `gorm:"type:text;serializer:json"`
	NetworkScore       float64
	NetworkScoreAge    float64
	NetworkStale       bool
	Degraded           bool
	DegradedReasons    []string  `gorm:"type:text;serializer:json"`
	UnavailableScorers []string  `gorm:"type:text;serializer:json"`
	ModelPositives     []string  `gorm:"type:text;serializer:json"`
	ReviewRequired     bool
	ScoredAt           time.Time `gorm:"index:idx_risk_scores_tx_scored,priority:2;not null"`
	Seq                int64     `gorm:"not null"`
}

func (RiskScoreRecord) TableName() string { return "aml_risk_scores" }

func newRiskScoreRecord(s *aml.RiskScore, seq int64) *RiskScoreRecord {
	tags := make([]string, len(s.RuleTags))
	for i, t := range s.RuleTags {
		tags[i] = string(t)
	}
	return &RiskScoreRecord{
		RunID:              s.RunID,
		TransactionID:      s.TransactionID,
		AccountID:          s.AccountID,
		ModelScores:        s.ModelScores,
		EnsembleScore:      s.EnsembleScore,
		EnsembleAvailable:  s.EnsembleAvailable,
		CompositeScore:     s.CompositeScore,
		RiskTier:           string(s.RiskTier),
		RuleTags:           tags,
		NetworkScore:       s.NetworkScore,
		NetworkScoreAge:    s.NetworkScoreAge,
		NetworkStale:       s.NetworkStale,
		Degraded:           s.Degraded,
		DegradedReasons:    s.DegradedReasons,
		UnavailableScorers: s.UnavailableScorers,
		ModelPositives:     s.ModelPositives,
		ReviewRequired:     s.ReviewRequired,
		ScoredAt:           s.ScoredAt.UTC(),
		Seq:                seq,
	}
}

func (r *RiskScoreRecord) toDomain() *aml.RiskScore {
	tags := make([]aml.RuleTag, len(r.RuleTags))
	for i, t := range r.RuleTags {
		tags[i] = aml.RuleTag(t)
	}
	return &aml.RiskScore{
		RunID:              r.RunID,
		TransactionID:      r.TransactionID,
		AccountID:          r.AccountID,
		ModelScores:        r.ModelScores,
		EnsembleScore:      r.EnsembleScore,
		EnsembleAvailable:  r.EnsembleAvailable,
		CompositeScore:     r.CompositeScore,
		RiskTier:           aml.RiskTier(r.RiskTier),
		RuleTags:           aml.TagSet(tags),
		NetworkScore:       r.NetworkScore,
		NetworkScoreAge:    r.NetworkScoreAge,
		NetworkStale:       r.NetworkStale,
		Degraded:           r.Degraded,
		DegradedReasons:    r.DegradedReasons,
		UnavailableScorers: r.UnavailableScorers,
		ModelPositives:     r.ModelPositives,
		ReviewRequired:     r.ReviewRequired,
		ScoredAt:           r.ScoredAt.UTC(),
	}
}

// AlertRecord is the mutable alert row. Collections are stored as JSON.
type AlertRecord struct {
	ID                     string     `gorm:"primaryKey;size:36"`
	PrimaryAccount         string     `gorm:"index:idx_alerts_open,priority:1;size:64;not null"`
	Pattern                string     `gorm:"index:idx_alerts_open,priority:2;size:32;not null"`
	Status                 string     `gorm:"index:idx_alerts_open,priority:3;size:16;not null"`
	Severity               string     `gorm:"size:16;not null"`
	AccountCluster         []string   `gorm:"type:text;serializer:json"`
	TriggeringTransactions []string   `gorm:"type:text;serializer:json"`
	PeakScore              float64
	AssignedTo             string     `gorm:"size:128"`
	Notes                  []aml.Note `gorm:"type:text;serializer:json"`
	CreatedAt              time.Time  `gorm:"index;autoCreateTime:false"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime:false"`
	LastEvidenceAt         time.Time
}

func (AlertRecord) TableName() string { return "aml_alerts" }

func newAlertRecord(a *aml.Alert) *AlertRecord {
	return &AlertRecord{
		ID:                     a.ID,
		PrimaryAccount:         a.PrimaryAccount,
		Pattern:                a.Pattern,
		Status:                 string(a.Status),
		Severity:               string(a.Severity),
		AccountCluster:         a.AccountCluster,
		TriggeringTransactions: a.TriggeringTransactions,
		PeakScore:              a.PeakScore,
		AssignedTo:             a.AssignedTo,
		Notes:                  a.Notes,
		CreatedAt:              a.CreatedAt.UTC(),
		UpdatedAt:              a.UpdatedAt.UTC(),
		LastEvidenceAt:         a.LastEvidenceAt.UTC(),
	}
}

func (r *AlertRecord) toDomain() *aml.Alert {
	return &aml.Alert{
		ID:                     r.ID,
		PrimaryAccount:         r.PrimaryAccount,
		AccountCluster:         r.AccountCluster,
		Pattern:                r.Pattern,
		Severity:               aml.RiskTier(r.Severity),
		Status:                 aml.AlertStatus(r.Status),
		TriggeringTransactions: r.TriggeringTransactions,
		PeakScore:              r.PeakScore,
		AssignedTo:             r.AssignedTo,
		Notes:                  r.Notes,
		CreatedAt:              r.CreatedAt.UTC(),
		UpdatedAt:              r.UpdatedAt.UTC(),
		LastEvidenceAt:         r.LastEvidenceAt.UTC(),
	}
}

// NetworkEdgeRecord is the aggregated flow between two accounts.
type NetworkEdgeRecord struct {
	FromAccount     string          `gorm:"primaryKey;size:64"`
	ToAccount       string          `gorm:"primaryKey;size:64"`
	TxCount         int64
	TotalAmount     decimal.Decimal `gorm:"type:decimal(38,8)"`
	FirstTxAt       time.Time
	LastTxAt        time.Time
	SuspicionWeight float64
}

func (NetworkEdgeRecord) TableName() string { return "aml_network_edges" }

func newNetworkEdgeRecord(e *aml.NetworkEdge) *NetworkEdgeRecord {
	return &NetworkEdgeRecord{
		FromAccount:     e.From,
		ToAccount:       e.To,
		TxCount:         e.TxCount,
		TotalAmount:     e.TotalAmount,
		FirstTxAt:       e.FirstTxAt.UTC(),
		LastTxAt:        e.LastTxAt.UTC(),
		SuspicionWeight: e.SuspicionWeight,
	}
}

func (r *NetworkEdgeRecord) toDomain() *aml.NetworkEdge {
	return &aml.NetworkEdge{
		From:            r.FromAccount,
		To:              r.ToAccount,
		TxCount:         r.TxCount,
		TotalAmount:     r.TotalAmount,
		FirstTxAt:       r.FirstTxAt.UTC(),
		LastTxAt:        r.LastTxAt.UTC(),
		SuspicionWeight: r.SuspicionWeight,
	}
}

// Migrate creates or updates every table this package owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&RiskScoreRecord{}, &AlertRecord{}, &NetworkEdgeRecord{})
}
