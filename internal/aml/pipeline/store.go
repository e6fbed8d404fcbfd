package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/madconcarl-des/archimedes/internal/aml"
)

// ScoreStore keeps the append-only RiskScore log.
type ScoreStore interface {
	Append(ctx context.Context, score *aml.RiskScore) error
	// History returns every run for the transaction, oldest first.
	History(ctx context.Context, transactionID string) ([]*aml.RiskScore, error)
}

// Sink receives pipeline outputs for downstream collaborators.
type Sink interface {
	PublishScore(ctx context.Context, score *aml.RiskScore) error
	PublishAlert(ctx context.Context, alert *aml.Alert) error
}

type MemoryScoreStore struct {
	mu     sync.RWMutex
	byTxID map[string][]*aml.RiskScore
}

func NewMemoryScoreStore() *MemoryScoreStore {
	return &MemoryScoreStore{byTxID: make(map[string][]*aml.RiskScore)}
}

func (s *MemoryScoreStore) Append(_ context.Context, score *aml.RiskScore) error {
	if score.TransactionID == "" {
		return fmt.Errorf("risk score without transaction id")
	}
	cp := *score
	s.mu.Lock()
	s.byTxID[score.TransactionID] = append(s.byTxID[score.TransactionID], &cp)
	s.mu.Unlock()
	return nil
}

func (s *MemoryScoreStore) History(_ context.Context, transactionID string) ([]*aml.RiskScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := s.byTxID[transactionID]
	out := make([]*aml.RiskScore, len(runs))
	for i, r := range runs {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}
