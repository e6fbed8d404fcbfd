package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/madconcarl-des/archimedes/internal/aml"
)

const sep = "\x00"

// BadgerStore persists history in an embedded BadgerDB. Layout:
//
//	tx\x00<id>                      -> transaction JSON
//	ix\x00<account>\x00<time key>   -> transaction id
//	ac\x00<account>                 -> account JSON
//
// Index and transaction entries expire after the retention period.
type BadgerStore struct {
	db        *badger.DB
	retention time.Duration
}

// NewBadgerStore opens a store at path. An empty path opens an in-memory store.
func NewBadgerStore(path string, retention time.Duration) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	return &BadgerStore{db: db, retention: retention}, nil
}

func txKey(id string) []byte { return []byte("tx" + sep + id) }

func indexPrefix(accountID string) []byte { return []byte("ix" + sep + accountID + sep) }

func accountKey(accountID string) []byte { return []byte("ac" + sep + accountID) }

func (s *BadgerStore) entry(key, value []byte) *badger.Entry {
	e := badger.NewEntry(key, value)
	if s.retention > 0 {
		e = e.WithTTL(s.retention)
	}
	return e
}

func (s *BadgerStore) Append(_ context.Context, tx *aml.Transaction) error {
	payload, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction %s: %w", tx.ID, err)
	}
	tk := timeKey(tx.Timestamp, tx.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(txKey(tx.ID)); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.SetEntry(s.entry(txKey(tx.ID), payload)); err != nil {
			return err
		}
		accounts := []string{tx.FromAccount}
		if tx.ToAccount != tx.FromAccount {
			accounts = append(accounts, tx.ToAccount)
		}
		for _, acc := range accounts {
			key := append(indexPrefix(acc), tk...)
			if err := txn.SetEntry(s.entry(key, []byte(tx.ID))); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Window(_ context.Context, accountID string, from, to time.Time) ([]*aml.Transaction, error) {
	prefix := indexPrefix(accountID)
	start := append(append([]byte(nil), prefix...), timePrefix(from)...)

	var out []*aml.Transaction
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			var id string
			if err := it.Item().Value(func(v []byte) error {
				id = string(v)
				return nil
			}); err != nil {
				return err
			}
			tx, err := getTransaction(txn, id)
			if err != nil {
				return err
			}
			if !tx.Timestamp.Before(to) {
				break
			}
			out = append(out, tx)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("history window for %s: %w", accountID, err)
	}
	return out, nil
}

func getTransaction(txn *badger.Txn, id string) (*aml.Transaction, error) {
	item, err := txn.Get(txKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("transaction %s: %w", id, aml.ErrNotFound)
		}
		return nil, err
	}
	var tx aml.Transaction
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &tx) }); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *BadgerStore) Transaction(_ context.Context, id string) (*aml.Transaction, error) {
	var tx *aml.Transaction
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		tx, err = getTransaction(txn, id)
		return err
	})
	return tx, err
}

func (s *BadgerStore) Account(_ context.Context, accountID string) (*aml.Account, error) {
	var acc aml.Account
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(accountKey(accountID))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &acc) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("account %s: %w", accountID, aml.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *BadgerStore) PutAccount(_ context.Context, account *aml.Account) error {
	payload, err := json.Marshal(account)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(accountKey(account.ID), payload)
	})
}

func (s *BadgerStore) Close() error { return s.db.Close() }
