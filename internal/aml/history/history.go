// Package history provides the read-only history windows consumed by feature
// engineering and the append path the pipeline uses to extend them.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/madconcarl-des/archimedes/internal/aml"
)

// Provider serves bounded, time-ordered history.
type Provider interface {
	// Window returns transactions involving accountID with from <= timestamp < to, oldest first.
	Window(ctx context.Context, accountID string, from, to time.Time) ([]*aml.Transaction, error)
	// Account returns the account context or aml.ErrNotFound.
	Account(ctx context.Context, accountID string) (*aml.Account, error)
}

// Store is a Provider that also records new transactions and accounts.
type Store interface {
	Provider
	// Append records a transaction. Appending an already known id is a no-op.
	Append(ctx context.Context, tx *aml.Transaction) error
	Transaction(ctx context.Context, id string) (*aml.Transaction, error)
	PutAccount(ctx context.Context, account *aml.Account) error
	Close() error
}

// timeKey orders transactions by timestamp then id inside an account index.
// The fixed-width encoding sorts only non-negative Unix nanoseconds; ingestion
// rejects timestamps outside validation.MinTimestamp..MaxTimestamp.
func timeKey(ts time.Time, id string) string {
	return fmt.Sprintf("%019d:%s", ts.UnixNano(), id)
}

func timePrefix(ts time.Time) string {
	return fmt.Sprintf("%019d:", ts.UnixNano())
}
