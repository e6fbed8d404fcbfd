package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/shopspring/decimal"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS aml_transactions (
	id            TEXT PRIMARY KEY,
	from_account  TEXT NOT NULL,
	to_account    TEXT NOT NULL,
	amount        NUMERIC(38, 8) NOT NULL,
	currency      TEXT NOT NULL,
	type          TEXT NOT NULL,
	ts            TIMESTAMPTZ NOT NULL,
	from_country  TEXT NOT NULL,
	to_country    TEXT NOT NULL,
	cross_border  BOOLEAN NOT NULL,
	reverses      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS aml_transactions_from_ts ON aml_transactions (from_account, ts);
CREATE INDEX IF NOT EXISTS aml_transactions_to_ts ON aml_transactions (to_account, ts);
CREATE TABLE IF NOT EXISTS aml_accounts (
	id            TEXT PRIMARY KEY,
	jurisdiction  TEXT NOT NULL DEFAULT '',
	risk_rating   SMALLINT NOT NULL DEFAULT 1,
	pep           BOOLEAN NOT NULL DEFAULT FALSE,
	opened_at     TIMESTAMPTZ NOT NULL,
	kyc_status    TEXT NOT NULL DEFAULT ''
);`

const txColumns = `id, from_account, to_account, amount::text, currency, type, ts, from_country, to_country, cross_border, reverses`

// PostgresStore reads and extends history held in the ledger database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the history tables exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to history database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Append(ctx context.Context, tx *aml.Transaction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO aml_transactions
			(id, from_account, to_account, amount, currency, type, ts, from_country, to_country, cross_border, reverses)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		tx.ID, tx.FromAccount, tx.ToAccount, tx.Amount.String(), tx.Currency, string(tx.Type),
		tx.Timestamp, tx.FromCountry, tx.ToCountry, tx.CrossBorder, tx.Reverses)
	if err != nil {
		return fmt.Errorf("append transaction %s: %w", tx.ID, err)
	}
	return nil
}

func (s *PostgresStore) Window(ctx context.Context, accountID string, from, to time.Time) ([]*aml.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+txColumns+`
		FROM aml_transactions
		WHERE (from_account = $1 OR to_account = $1) AND ts >= $2 AND ts < $3
		ORDER BY ts, id`, accountID, from, to)
	if err != nil {
		return nil, fmt.Errorf("history window for %s: %w", accountID, err)
	}
	defer rows.Close()

	var out []*aml.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (*aml.Transaction, error) {
	var (
		tx     aml.Transaction
		amount string
		txType string
	)
	if err := row.Scan(&tx.ID, &tx.FromAccount, &tx.ToAccount, &amount, &tx.Currency, &txType,
		&tx.Timestamp, &tx.FromCountry, &tx.ToCountry, &tx.CrossBorder, &tx.Reverses); err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("transaction %s amount: %w", tx.ID, err)
	}
	tx.Amount = d
	tx.Type = aml.TransactionType(txType)
	tx.Timestamp = tx.Timestamp.UTC()
	return &tx, nil
}

func (s *PostgresStore) Transaction(ctx context.Context, id string) (*aml.Transaction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM aml_transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, aml.ErrNotFound)
	}
	return tx, err
}

func (s *PostgresStore) Account(ctx context.Context, accountID string) (*aml.Account, error) {
	var (
		acc    aml.Account
		rating int16
		kyc    string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, jurisdiction, risk_rating, pep, opened_at, kyc_status
		FROM aml_accounts WHERE id = $1`, accountID).
		Scan(&acc.ID, &acc.Jurisdiction, &rating, &acc.PEP, &acc.OpenedAt, &kyc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", accountID, aml.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	acc.RiskRating = aml.RiskRating(rating)
	acc.KYCStatus = aml.KYCStatus(kyc)
	return &acc, nil
}

func (s *PostgresStore) PutAccount(ctx context.Context, account *aml.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO aml_accounts (id, jurisdiction, risk_rating, pep, opened_at, kyc_status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			jurisdiction = EXCLUDED.jurisdiction,
			risk_rating  = EXCLUDED.risk_rating,
			pep          = EXCLUDED.pep,
			kyc_status   = EXCLUDED.kyc_status`,
		account.ID, account.Jurisdiction, int16(account.RiskRating), account.PEP, account.OpenedAt, string(account.KYCStatus))
	return err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
