package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stakeholder/settlement-engine/internal/model"
)

// PostgresSchema creates the ledger tables. Money is NUMERIC for exact
// decimal precision; every mutable row carries a version for CAS writes.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS cash_accounts (
	owner_id   TEXT PRIMARY KEY,
	balance    NUMERIC NOT NULL CHECK (balance >= 0),
	version    BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS issuer_supply (
	issuer_id        TEXT PRIMARY KEY,
	total_shares     BIGINT NOT NULL CHECK (total_shares >= 0),
	available_shares BIGINT NOT NULL CHECK (available_shares >= 0 AND available_shares <= total_shares),
	version          BIGINT NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	owner_id     TEXT NOT NULL,
	issuer_id    TEXT NOT NULL,
	quantity     BIGINT NOT NULL CHECK (quantity > 0),
	average_cost NUMERIC NOT NULL CHECK (average_cost >= 0),
	version      BIGINT NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (owner_id, issuer_id)
);
CREATE INDEX IF NOT EXISTS idx_positions_issuer ON positions (issuer_id);

CREATE TABLE IF NOT EXISTS transactions (
	id             TEXT PRIMARY KEY,
	buyer_id       TEXT NOT NULL,
	issuer_id      TEXT NOT NULL,
	side           TEXT NOT NULL CHECK (side IN ('buy', 'sell')),
	quantity       BIGINT NOT NULL CHECK (quantity > 0),
	price_per_unit NUMERIC NOT NULL CHECK (price_per_unit > 0),
	total_amount   NUMERIC NOT NULL,
	timestamp      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_issuer_ts ON transactions (issuer_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_buyer_ts ON transactions (buyer_id, timestamp);
`

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Versioned writes are single UPDATE ... WHERE version = $n statements, and
// RunInTx collapses a settlement into one database transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
	q    pgxQuerier
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.q.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

// RunInTx runs fn against a store bound to one transaction.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		// Already inside a transaction; nest by reusing it.
		return fn(s)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&PostgresStore{q: tx})
	})
}

func (s *PostgresStore) GetCashAccount(ctx context.Context, ownerID string) (*model.CashAccount, error) {
	var a model.CashAccount
	var balance string

	err := s.q.QueryRow(ctx,
		`SELECT owner_id, balance::TEXT, version, updated_at
		 FROM cash_accounts WHERE owner_id = $1`, ownerID).
		Scan(&a.OwnerID, &balance, &a.Version, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "cash account %s", ownerID)
	}
	if a.Balance, err = parseAmount("balance", balance); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) CreateCashAccount(ctx context.Context, acct *model.CashAccount) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO cash_accounts (owner_id, balance, version, updated_at)
		 VALUES ($1, $2::NUMERIC, 1, $3)`,
		acct.OwnerID, acct.Balance.String(), time.Now().UTC())
	if err != nil {
		return duplicate(err, "cash account %s", acct.OwnerID)
	}
	acct.Version = 1
	return nil
}

func (s *PostgresStore) UpdateCashBalance(ctx context.Context, ownerID string, balance decimal.Decimal, expectedVersion int64) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE cash_accounts
		 SET balance = $2::NUMERIC, version = version + 1, updated_at = $4
		 WHERE owner_id = $1 AND version = $3`,
		ownerID, balance.String(), expectedVersion, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update cash account %s: %w", ownerID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, `SELECT 1 FROM cash_accounts WHERE owner_id = $1`, "cash account "+ownerID, ownerID)
	}
	return nil
}

func (s *PostgresStore) GetIssuerSupply(ctx context.Context, issuerID string) (*model.IssuerSupply, error) {
	var is model.IssuerSupply
	err := s.q.QueryRow(ctx,
		`SELECT issuer_id, total_shares, available_shares, version, updated_at
		 FROM issuer_supply WHERE issuer_id = $1`, issuerID).
		Scan(&is.IssuerID, &is.TotalShares, &is.AvailableShares, &is.Version, &is.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "issuer %s", issuerID)
	}
	return &is, nil
}

func (s *PostgresStore) CreateIssuer(ctx context.Context, supply *model.IssuerSupply) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO issuer_supply (issuer_id, total_shares, available_shares, version, updated_at)
		 VALUES ($1, $2, $3, 1, $4)`,
		supply.IssuerID, supply.TotalShares, supply.AvailableShares, time.Now().UTC())
	if err != nil {
		return duplicate(err, "issuer %s", supply.IssuerID)
	}
	supply.Version = 1
	return nil
}

func (s *PostgresStore) ListIssuers(ctx context.Context) ([]model.IssuerSupply, error) {
	rows, err := s.q.Query(ctx,
		`SELECT issuer_id, total_shares, available_shares, version, updated_at
		 FROM issuer_supply ORDER BY issuer_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var issuers []model.IssuerSupply
	for rows.Next() {
		var is model.IssuerSupply
		if err := rows.Scan(&is.IssuerID, &is.TotalShares, &is.AvailableShares, &is.Version, &is.UpdatedAt); err != nil {
			return nil, err
		}
		issuers = append(issuers, is)
	}
	return issuers, rows.Err()
}

func (s *PostgresStore) UpdateAvailableShares(ctx context.Context, issuerID string, available int64, expectedVersion int64) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE issuer_supply
		 SET available_shares = $2, version = version + 1, updated_at = $4
		 WHERE issuer_id = $1 AND version = $3`,
		issuerID, available, expectedVersion, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update issuer %s: %w", issuerID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, `SELECT 1 FROM issuer_supply WHERE issuer_id = $1`, "issuer "+issuerID, issuerID)
	}
	return nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, ownerID, issuerID string) (*model.Position, error) {
	var p model.Position
	var avg string
	err := s.q.QueryRow(ctx,
		`SELECT owner_id, issuer_id, quantity, average_cost::TEXT, version, updated_at
		 FROM positions WHERE owner_id = $1 AND issuer_id = $2`, ownerID, issuerID).
		Scan(&p.OwnerID, &p.IssuerID, &p.Quantity, &avg, &p.Version, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "position %s/%s", ownerID, issuerID)
	}
	if p.AverageCost, err = parseAmount("average_cost", avg); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, pos model.Position, expectedVersion int64) error {
	now := time.Now().UTC()
	if expectedVersion == 0 {
		tag, err := s.q.Exec(ctx,
			`INSERT INTO positions (owner_id, issuer_id, quantity, average_cost, version, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, 1, $5)
			 ON CONFLICT (owner_id, issuer_id) DO NOTHING`,
			pos.OwnerID, pos.IssuerID, pos.Quantity, pos.AverageCost.String(), now)
		if err != nil {
			return fmt.Errorf("insert position %s/%s: %w", pos.OwnerID, pos.IssuerID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("position %s/%s exists: %w", pos.OwnerID, pos.IssuerID, ErrVersionConflict)
		}
		return nil
	}

	tag, err := s.q.Exec(ctx,
		`UPDATE positions
		 SET quantity = $3, average_cost = $4::NUMERIC, version = version + 1, updated_at = $6
		 WHERE owner_id = $1 AND issuer_id = $2 AND version = $5`,
		pos.OwnerID, pos.IssuerID, pos.Quantity, pos.AverageCost.String(), expectedVersion, now)
	if err != nil {
		return fmt.Errorf("update position %s/%s: %w", pos.OwnerID, pos.IssuerID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s/%s: %w", pos.OwnerID, pos.IssuerID, ErrVersionConflict)
	}
	return nil
}

func (s *PostgresStore) DeletePosition(ctx context.Context, ownerID, issuerID string, expectedVersion int64) error {
	tag, err := s.q.Exec(ctx,
		`DELETE FROM positions WHERE owner_id = $1 AND issuer_id = $2 AND version = $3`,
		ownerID, issuerID, expectedVersion)
	if err != nil {
		return fmt.Errorf("delete position %s/%s: %w", ownerID, issuerID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx,
			`SELECT 1 FROM positions WHERE owner_id = $1 AND issuer_id = $2`,
			"position "+ownerID+"/"+issuerID, ownerID, issuerID)
	}
	return nil
}

func (s *PostgresStore) ListPositionsByOwner(ctx context.Context, ownerID string) ([]model.Position, error) {
	rows, err := s.q.Query(ctx,
		`SELECT owner_id, issuer_id, quantity, average_cost::TEXT, version, updated_at
		 FROM positions WHERE owner_id = $1 ORDER BY issuer_id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListPositionsByIssuer(ctx context.Context, issuerID string) ([]model.Position, error) {
	rows, err := s.q.Query(ctx,
		`SELECT owner_id, issuer_id, quantity, average_cost::TEXT, version, updated_at
		 FROM positions WHERE issuer_id = $1 ORDER BY owner_id`, issuerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) AppendTransaction(ctx context.Context, rec *model.TransactionRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO transactions (id, buyer_id, issuer_id, side, quantity, price_per_unit, total_amount, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		rec.ID, rec.BuyerID, rec.IssuerID, string(rec.Side), rec.Quantity,
		rec.PricePerUnit.String(), rec.TotalAmount.String(), rec.Timestamp)
	if err != nil {
		return "", duplicate(err, "transaction %s", rec.ID)
	}
	return rec.ID, nil
}

func (s *PostgresStore) DeleteTransaction(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete transaction %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListTransactionsByIssuer(ctx context.Context, issuerID string, since time.Time) ([]model.TransactionRecord, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, buyer_id, issuer_id, side, quantity, price_per_unit::TEXT, total_amount::TEXT, timestamp
		 FROM transactions WHERE issuer_id = $1 AND timestamp >= $2 ORDER BY timestamp, id`,
		issuerID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (s *PostgresStore) ListTransactionsByOwner(ctx context.Context, ownerID string, since time.Time) ([]model.TransactionRecord, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, buyer_id, issuer_id, side, quantity, price_per_unit::TEXT, total_amount::TEXT, timestamp
		 FROM transactions WHERE buyer_id = $1 AND timestamp >= $2 ORDER BY timestamp, id`,
		ownerID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// missOrConflict distinguishes an absent row from a stale version after a
// versioned write touched no rows.
func (s *PostgresStore) missOrConflict(ctx context.Context, existsQuery, what string, args ...any) error {
	var one int
	err := s.q.QueryRow(ctx, existsQuery, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return fmt.Errorf("%s: %w", what, ErrVersionConflict)
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// duplicate maps unique_violation (23505) to ErrAlreadyExists.
func duplicate(err error, format string, args ...any) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf(format+": %w", append(args, ErrAlreadyExists)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// pgxRows is the subset of pgx.Rows used by the scanners.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanPositions(rows pgxRows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var avg string
		if err := rows.Scan(&p.OwnerID, &p.IssuerID, &p.Quantity, &avg, &p.Version, &p.UpdatedAt); err != nil {
			return nil, err
		}
		var err error
		if p.AverageCost, err = parseAmount("average_cost", avg); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func scanTransactions(rows pgxRows) ([]model.TransactionRecord, error) {
	var records []model.TransactionRecord
	for rows.Next() {
		var e model.TransactionRecord
		var side, priceS, totalS string

		if err := rows.Scan(&e.ID, &e.BuyerID, &e.IssuerID, &side, &e.Quantity,
			&priceS, &totalS, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Side = model.Side(side)
		var err error
		if e.PricePerUnit, err = parseAmount("price_per_unit", priceS); err != nil {
			return nil, err
		}
		if e.TotalAmount, err = parseAmount("total_amount", totalS); err != nil {
			return nil, err
		}

		records = append(records, e)
	}
	return records, rows.Err()
}
