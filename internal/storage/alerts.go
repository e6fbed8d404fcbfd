package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/madconcarl-des/archimedes/internal/aml/alerts"
	"gorm.io/gorm"
)

// AlertRepository implements alerts.Repository on a relational database.
type AlertRepository struct {
	db *gorm.DB
}

var _ alerts.Repository = (*AlertRepository)(nil)

func NewAlertRepository(db *gorm.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

func (r *AlertRepository) Create(ctx context.Context, alert *aml.Alert) error {
	if err := r.db.WithContext(ctx).Create(newAlertRecord(alert)).Error; err != nil {
		return fmt.Errorf("failed to create alert %s: %w", alert.ID, err)
	}
	return nil
}

func (r *AlertRepository) Update(ctx context.Context, alert *aml.Alert) error {
	res := r.db.WithContext(ctx).Model(&AlertRecord{}).Where("id = ?", alert.ID).
		Select("*").Omit("id", "created_at").Updates(newAlertRecord(alert))
	if res.Error != nil {
		return fmt.Errorf("failed to update alert %s: %w", alert.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("alert %s: %w", alert.ID, aml.ErrNotFound)
	}
	return nil
}

func (r *AlertRepository) Get(ctx context.Context, id string) (*aml.Alert, error) {
	var rec AlertRecord
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("alert %s: %w", id, aml.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load alert %s: %w", id, err)
	}
	return rec.toDomain(), nil
}

func (r *AlertRepository) FindOpen(ctx context.Context, account, pattern string) (*aml.Alert, error) {
	var rec AlertRecord
	err := r.db.WithContext(ctx).
		Where("primary_account = ? AND pattern = ? AND status <> ?", account, pattern, string(aml.StatusClosed)).
		Order("last_evidence_at DESC").
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, aml.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find open alert: %w", err)
	}
	return rec.toDomain(), nil
}

func (r *AlertRepository) List(ctx context.Context, f alerts.Filter) ([]*aml.Alert, error) {
	q := r.db.WithContext(ctx).Model(&AlertRecord{})
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.Account != "" {
		q = q.Where("primary_account = ?", f.Account)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var recs []AlertRecord
	if err := q.Order("created_at DESC").Order("id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	out := make([]*aml.Alert, len(recs))
	for i := range recs {
		out[i] = recs[i].toDomain()
	}
	return out, nil
}
