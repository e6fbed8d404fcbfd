package alerts

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/madconcarl-des/archimedes/internal/aml"
)

// Filter narrows List results. An empty Status matches every alert.
type Filter struct {
	Status  aml.AlertStatus
	Account string
	Limit   int
}

// Repository stores alerts. The manager serializes writers per
// (account, pattern), so implementations need only per-call atomicity.
type Repository interface {
	Create(ctx context.Context, alert *aml.Alert) error
	Update(ctx context.Context, alert *aml.Alert) error
	Get(ctx context.Context, id string) (*aml.Alert, error)
	// FindOpen returns the open alert with the latest evidence for the pair,
	// or aml.ErrNotFound.
	FindOpen(ctx context.Context, account, pattern string) (*aml.Alert, error)
	// List returns newest first.
	List(ctx context.Context, f Filter) ([]*aml.Alert, error)
}

// MemoryRepository keeps alerts in process.
type MemoryRepository struct {
	mu     sync.RWMutex
	alerts map[string]*aml.Alert
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{alerts: make(map[string]*aml.Alert)}
}

func (r *MemoryRepository) Create(_ context.Context, alert *aml.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.alerts[alert.ID]; ok {
		return fmt.Errorf("alert %s already exists", alert.ID)
	}
	r.alerts[alert.ID] = alert.Clone()
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, alert *aml.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.alerts[alert.ID]; !ok {
		return fmt.Errorf("alert %s: %w", alert.ID, aml.ErrNotFound)
	}
	r.alerts[alert.ID] = alert.Clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*aml.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, aml.ErrNotFound)
	}
	return a.Clone(), nil
}

func (r *MemoryRepository) FindOpen(_ context.Context, account, pattern string) (*aml.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *aml.Alert
	for _, a := range r.alerts {
		if a.PrimaryAccount != account || a.Pattern != pattern || !a.Status.Open() {
			continue
		}
		if best == nil || a.LastEvidenceAt.After(best.LastEvidenceAt) {
			best = a
		}
	}
	if best == nil {
		return nil, aml.ErrNotFound
	}
	return best.Clone(), nil
}

func (r *MemoryRepository) List(_ context.Context, f Filter) ([]*aml.Alert, error) {
	r.mu.RLock()
	out := make([]*aml.Alert, 0, len(r.alerts))
	for _, a := range r.alerts {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Account != "" && a.PrimaryAccount != f.Account {
			continue
		}
		out = append(out, a.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
