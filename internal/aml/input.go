package aml

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// InputRecord is the transaction as delivered by the ingestion collaborator.
type InputRecord struct {
	TransactionID string           `json:"transaction_id" validate:"required,max=128,identifier"`
	FromAccountID string           `json:"from_account_id" validate:"required,max=64,identifier"`
	ToAccountID   string           `json:"to_account_id" validate:"required,max=64,identifier,nefield=FromAccountID"`
	Amount        *decimal.Decimal `json:"amount" validate:"required,gte=0,lte=1000000000000000"`
	Currency      string           `json:"currency" validate:"required,iso4217"`
	Type          string           `json:"type" validate:"required,oneof=wire cash crypto other"`
	Timestamp     time.Time        `json:"timestamp" validate:"required,timestamp_range"`
	FromCountry   string           `json:"from_country" validate:"required,iso3166_1_alpha2"`
	ToCountry     string           `json:"to_country" validate:"required,iso3166_1_alpha2"`
	Reverses      string           `json:"reverses,omitempty" validate:"omitempty,max=128,nefield=TransactionID"`
}

// Transaction converts a validated record into the immutable pipeline form.
func (r *InputRecord) Transaction() *Transaction {
	var amount decimal.Decimal
	if r.Amount != nil {
		amount = *r.Amount
	}
	from := strings.ToUpper(r.FromCountry)
	to := strings.ToUpper(r.ToCountry)
	return &Transaction{
		ID:          r.TransactionID,
		FromAccount: r.FromAccountID,
		ToAccount:   r.ToAccountID,
		Amount:      amount,
		Currency:    strings.ToUpper(r.Currency),
		Type:        TransactionType(r.Type),
		Timestamp:   r.Timestamp.UTC(),
		FromCountry: from,
		ToCountry:   to,
		CrossBorder: from != to,
		Reverses:    r.Reverses,
	}
}

// RecordFromTransaction is the inverse of InputRecord.Transaction, used when
// replaying stored transactions.
func RecordFromTransaction(t *Transaction) *InputRecord {
	amount := t.Amount
	return &InputRecord{
		TransactionID: t.ID,
		FromAccountID: t.FromAccount,
		ToAccountID:   t.ToAccount,
		Amount:        &amount,
		Currency:      t.Currency,
		Type:          string(t.Type),
		Timestamp:     t.Timestamp,
		FromCountry:   t.FromCountry,
		ToCountry:     t.ToCountry,
		Reverses:      t.Reverses,
	}
}
