package storage

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/madconcarl-des/archimedes/internal/aml"
	"gorm.io/gorm"
)

// ScoreRepository is the append-only RiskScore log.
type ScoreRepository struct {
	db  *gorm.DB
	seq atomic.Int64
}

func NewScoreRepository(db *gorm.DB) *ScoreRepository {
	r := &ScoreRepository{db: db}
	r.seq.Store(time.Now().UnixNano())
	return r
}

// Append inserts a new run. Existing runs are never rewritten.
func (r *ScoreRepository) Append(ctx context.Context, score *aml.RiskScore) error {
	if score.TransactionID == "" || score.RunID == "" {
		return fmt.Errorf("risk score needs transaction and run ids")
	}
	rec := newRiskScoreRecord(score, r.seq.Add(1))
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to append risk score %s: %w", score.RunID, err)
	}
	return nil
}

// History returns every run for the transaction, oldest first.
func (r *ScoreRepository) History(ctx context.Context, transactionID string) ([]*aml.RiskScore, error) {
	var recs []RiskScoreRecord
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("scored_at ASC").Order("seq ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load risk scores for %s: %w", transactionID, err)
	}
	out := make([]*aml.RiskScore, len(recs))
	for i := range recs {
		out[i] = recs[i].toDomain()
	}
	return out, nil
}

// PruneBefore deletes runs scored before cutoff and reports how many went.
func (r *ScoreRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("scored_at < ?", cutoff.UTC()).Delete(&RiskScoreRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune risk scores: %w", res.Error)
	}
	return res.RowsAffected, nil
}
