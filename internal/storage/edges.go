package storage

import (
	"context"
	"fmt"

	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/madconcarl-des/archimedes/internal/aml/network"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const edgeBatchSize = 500

// EdgeRepository persists the transaction graph between restarts.
type EdgeRepository struct {
	db *gorm.DB
}

var _ network.EdgeStore = (*EdgeRepository)(nil)

func NewEdgeRepository(db *gorm.DB) *EdgeRepository {
	return &EdgeRepository{db: db}
}

// SaveEdges upserts edges keyed by (from, to).
func (r *EdgeRepository) SaveEdges(ctx context.Context, edges []*aml.NetworkEdge) error {
	if len(edges) == 0 {
		return nil
	}
	recs := make([]*NetworkEdgeRecord, len(edges))
	for i, e := range edges {
		recs[i] = newNetworkEdgeRecord(e)
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "from_account"}, {Name: "to_account"}},
		DoUpdates: clause.AssignmentColumns([]string{"tx_count", "total_amount", "first_tx_at", "last_tx_at", "suspicion_weight"}),
	}).CreateInBatches(recs, edgeBatchSize).Error
	if err != nil {
		return fmt.Errorf("failed to save %d network edges: %w", len(edges), err)
	}
	return nil
}

func (r *EdgeRepository) LoadEdges(ctx context.Context) ([]*aml.NetworkEdge, error) {
	var recs []NetworkEdgeRecord
	if err := r.db.WithContext(ctx).Order("from_account, to_account").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to load network edges: %w", err)
	}
	out := make([]*aml.NetworkEdge, len(recs))
	for i := range recs {
		out[i] = recs[i].toDomain()
	}
	return out, nil
}
