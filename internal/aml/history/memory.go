package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/tidwall/btree"
)

// MemoryStore keeps per-account time-ordered indexes in B-trees. Stored
// transactions are immutable and shared with callers.
type MemoryStore struct {
	mu        sync.RWMutex
	byAccount map[string]*btree.Map[string, *aml.Transaction]
	byID      map[string]*aml.Transaction
	accounts  map[string]*aml.Account
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byAccount: make(map[string]*btree.Map[string, *aml.Transaction]),
		byID:      make(map[string]*aml.Transaction),
		accounts:  make(map[string]*aml.Account),
	}
}

func (s *MemoryStore) Append(_ context.Context, tx *aml.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[tx.ID]; ok {
		return nil
	}
	s.byID[tx.ID] = tx
	key := timeKey(tx.Timestamp, tx.ID)
	s.index(tx.FromAccount).Set(key, tx)
	if tx.ToAccount != tx.FromAccount {
		s.index(tx.ToAccount).Set(key, tx)
	}
	return nil
}

func (s *MemoryStore) index(accountID string) *btree.Map[string, *aml.Transaction] {
	idx, ok := s.byAccount[accountID]
	if !ok {
		idx = btree.NewMap[string, *aml.Transaction](32)
		s.byAccount[accountID] = idx
	}
	return idx
}

func (s *MemoryStore) Window(_ context.Context, accountID string, from, to time.Time) ([]*aml.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byAccount[accountID]
	if !ok {
		return nil, nil
	}
	var out []*aml.Transaction
	idx.Ascend(timePrefix(from), func(_ string, tx *aml.Transaction) bool {
		if !tx.Timestamp.Before(to) {
			return false
		}
		out = append(out, tx)
		return true
	})
	return out, nil
}

func (s *MemoryStore) Transaction(_ context.Context, id string) (*aml.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, aml.ErrNotFound)
	}
	return tx, nil
}

func (s *MemoryStore) Account(_ context.Context, accountID string) (*aml.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, aml.ErrNotFound)
	}
	c := *acc
	return &c, nil
}

func (s *MemoryStore) PutAccount(_ context.Context, account *aml.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *account
	s.accounts[account.ID] = &c
	return nil
}

// Prune drops transactions older than cutoff from every account index.
// It returns the number of transactions removed.
func (s *MemoryStore) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, tx := range s.byID {
		if !tx.Timestamp.Before(cutoff) {
			continue
		}
		key := timeKey(tx.Timestamp, tx.ID)
		if idx, ok := s.byAccount[tx.FromAccount]; ok {
			idx.Delete(key)
		}
		if idx, ok := s.byAccount[tx.ToAccount]; ok {
			idx.Delete(key)
		}
		delete(s.byID, id)
		removed++
	}
	for acc, idx := range s.byAccount {
		if idx.Len() == 0 {
			delete(s.byAccount, acc)
		}
	}
	return removed
}

func (s *MemoryStore) Close() error { return nil }
