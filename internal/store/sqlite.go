package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/stakeholder/settlement-engine/internal/model"
)

// sqliteTimeFormat is fixed width so TEXT comparison orders chronologically.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cash_accounts (
	owner_id   TEXT PRIMARY KEY,
	balance    TEXT NOT NULL,
	version    INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS issuer_supply (
	issuer_id        TEXT PRIMARY KEY,
	total_shares     INTEGER NOT NULL CHECK (total_shares >= 0),
	available_shares INTEGER NOT NULL CHECK (available_shares >= 0 AND available_shares <= total_shares),
	version          INTEGER NOT NULL,
	updated_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	owner_id     TEXT NOT NULL,
	issuer_id    TEXT NOT NULL,
	quantity     INTEGER NOT NULL CHECK (quantity > 0),
	average_cost TEXT NOT NULL,
	version      INTEGER NOT NULL,
	updated_at   TEXT NOT NULL,
	PRIMARY KEY (owner_id, issuer_id)
);
CREATE INDEX IF NOT EXISTS idx_positions_issuer ON positions (issuer_id);

-- Transaction log (append-only outside of compensation)
CREATE TABLE IF NOT EXISTS transactions (
	id             TEXT PRIMARY KEY,
	buyer_id       TEXT NOT NULL,
	issuer_id      TEXT NOT NULL,
	side           TEXT NOT NULL CHECK (side IN ('buy', 'sell')),
	quantity       INTEGER NOT NULL CHECK (quantity > 0),
	price_per_unit TEXT NOT NULL,
	total_amount   TEXT NOT NULL,
	timestamp      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_issuer_ts ON transactions (issuer_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_buyer_ts ON transactions (buyer_id, timestamp);
`

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Store on a single SQLite file. Decimals are stored
// as TEXT to keep exact precision. The pool is limited to one connection:
// SQLite has a single writer, and ":memory:" databases are per-connection.
type SQLiteStore struct {
	db *sql.DB
	q  sqlQuerier
}

// NewSQLiteStore opens (and migrates) the database at path.
// Use ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db, q: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RunInTx runs fn against a store bound to one transaction.
func (s *SQLiteStore) RunInTx(ctx context.Context, fn func(Store) error) error {
	if s.db == nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sqlite tx: %w", err)
	}
	if err := fn(&SQLiteStore{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sqlite tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCashAccount(ctx context.Context, ownerID string) (*model.CashAccount, error) {
	var a model.CashAccount
	var balance, updated string
	err := s.q.QueryRowContext(ctx,
		`SELECT owner_id, balance, version, updated_at FROM cash_accounts WHERE owner_id = ?`, ownerID).
		Scan(&a.OwnerID, &balance, &a.Version, &updated)
	if err != nil {
		return nil, sqlNotFound(err, "cash account "+ownerID)
	}
	if a.Balance, err = parseAmount("balance", balance); err != nil {
		return nil, err
	}
	a.UpdatedAt = parseSQLiteTime(updated)
	return &a, nil
}

func (s *SQLiteStore) CreateCashAccount(ctx context.Context, acct *model.CashAccount) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO cash_accounts (owner_id, balance, version, updated_at) VALUES (?, ?, 1, ?)`,
		acct.OwnerID, acct.Balance.String(), sqliteNow())
	if err != nil {
		return sqlDuplicate(err, "cash account "+acct.OwnerID)
	}
	acct.Version = 1
	return nil
}

func (s *SQLiteStore) UpdateCashBalance(ctx context.Context, ownerID string, balance decimal.Decimal, expectedVersion int64) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE cash_accounts SET balance = ?, version = version + 1, updated_at = ?
		 WHERE owner_id = ? AND version = ?`,
		balance.String(), sqliteNow(), ownerID, expectedVersion)
	return s.checkVersioned(ctx, res, err, "cash account "+ownerID,
		`SELECT 1 FROM cash_accounts WHERE owner_id = ?`, ownerID)
}

func (s *SQLiteStore) GetIssuerSupply(ctx context.Context, issuerID string) (*model.IssuerSupply, error) {
	var is model.IssuerSupply
	var updated string
	err := s.q.QueryRowContext(ctx,
		`SELECT issuer_id, total_shares, available_shares, version, updated_at
		 FROM issuer_supply WHERE issuer_id = ?`, issuerID).
		Scan(&is.IssuerID, &is.TotalShares, &is.AvailableShares, &is.Version, &updated)
	if err != nil {
		return nil, sqlNotFound(err, "issuer "+issuerID)
	}
	is.UpdatedAt = parseSQLiteTime(updated)
	return &is, nil
}

func (s *SQLiteStore) CreateIssuer(ctx context.Context, supply *model.IssuerSupply) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO issuer_supply (issuer_id, total_shares, available_shares, version, updated_at)
		 VALUES (?, ?, ?, 1, ?)`,
		supply.IssuerID, supply.TotalShares, supply.AvailableShares, sqliteNow())
	if err != nil {
		return sqlDuplicate(err, "issuer "+supply.IssuerID)
	}
	supply.Version = 1
	return nil
}

func (s *SQLiteStore) ListIssuers(ctx context.Context) ([]model.IssuerSupply, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT issuer_id, total_shares, available_shares, version, updated_at
		 FROM issuer_supply ORDER BY issuer_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var issuers []model.IssuerSupply
	for rows.Next() {
		var is model.IssuerSupply
		var updated string
		if err := rows.Scan(&is.IssuerID, &is.TotalShares, &is.AvailableShares, &is.Version, &updated); err != nil {
			return nil, err
		}
		is.UpdatedAt = parseSQLiteTime(updated)
		issuers = append(issuers, is)
	}
	return issuers, rows.Err()
}

func (s *SQLiteStore) UpdateAvailableShares(ctx context.Context, issuerID string, available int64, expectedVersion int64) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE issuer_supply SET available_shares = ?, version = version + 1, updated_at = ?
		 WHERE issuer_id = ? AND version = ?`,
		available, sqliteNow(), issuerID, expectedVersion)
	return s.checkVersioned(ctx, res, err, "issuer "+issuerID,
		`SELECT 1 FROM issuer_supply WHERE issuer_id = ?`, issuerID)
}

func (s *SQLiteStore) GetPosition(ctx context.Context, ownerID, issuerID string) (*model.Position, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT owner_id, issuer_id, quantity, average_cost, version, updated_at
		 FROM positions WHERE owner_id = ? AND issuer_id = ?`, ownerID, issuerID)
	p, err := scanSQLitePosition(row)
	if err != nil {
		return nil, sqlNotFound(err, "position "+ownerID+"/"+issuerID)
	}
	return p, nil
}

func (s *SQLiteStore) UpsertPosition(ctx context.Context, pos model.Position, expectedVersion int64) error {
	what := "position " + pos.OwnerID + "/" + pos.IssuerID
	if expectedVersion == 0 {
		res, err := s.q.ExecContext(ctx,
			`INSERT INTO positions (owner_id, issuer_id, quantity, average_cost, version, updated_at)
			 VALUES (?, ?, ?, ?, 1, ?)
			 ON CONFLICT (owner_id, issuer_id) DO NOTHING`,
			pos.OwnerID, pos.IssuerID, pos.Quantity, pos.AverageCost.String(), sqliteNow())
		if err != nil {
			return fmt.Errorf("insert %s: %w", what, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%s exists: %w", what, ErrVersionConflict)
		}
		return nil
	}

	res, err := s.q.ExecContext(ctx,
		`UPDATE positions SET quantity = ?, average_cost = ?, version = version + 1, updated_at = ?
		 WHERE owner_id = ? AND issuer_id = ? AND version = ?`,
		pos.Quantity, pos.AverageCost.String(), sqliteNow(), pos.OwnerID, pos.IssuerID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", what, ErrVersionConflict)
	}
	return nil
}

func (s *SQLiteStore) DeletePosition(ctx context.Context, ownerID, issuerID string, expectedVersion int64) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM positions WHERE owner_id = ? AND issuer_id = ? AND version = ?`,
		ownerID, issuerID, expectedVersion)
	return s.checkVersioned(ctx, res, err, "position "+ownerID+"/"+issuerID,
		`SELECT 1 FROM positions WHERE owner_id = ? AND issuer_id = ?`, ownerID, issuerID)
}

func (s *SQLiteStore) ListPositionsByOwner(ctx context.Context, ownerID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT owner_id, issuer_id, quantity, average_cost, version, updated_at
		 FROM positions WHERE owner_id = ? ORDER BY issuer_id`, ownerID)
}

func (s *SQLiteStore) ListPositionsByIssuer(ctx context.Context, issuerID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT owner_id, issuer_id, quantity, average_cost, version, updated_at
		 FROM positions WHERE issuer_id = ? ORDER BY owner_id`, issuerID)
}

func (s *SQLiteStore) AppendTransaction(ctx context.Context, rec *model.TransactionRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO transactions (id, buyer_id, issuer_id, side, quantity, price_per_unit, total_amount, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.BuyerID, rec.IssuerID, string(rec.Side), rec.Quantity,
		rec.PricePerUnit.String(), rec.TotalAmount.String(), rec.Timestamp.UTC().Format(sqliteTimeFormat))
	if err != nil {
		return "", sqlDuplicate(err, "transaction "+rec.ID)
	}
	return rec.ID, nil
}

func (s *SQLiteStore) DeleteTransaction(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete transaction %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListTransactionsByIssuer(ctx context.Context, issuerID string, since time.Time) ([]model.TransactionRecord, error) {
	return s.queryTransactions(ctx,
		`SELECT id, buyer_id, issuer_id, side, quantity, price_per_unit, total_amount, timestamp
		 FROM transactions WHERE issuer_id = ? AND timestamp >= ? ORDER BY timestamp, rowid`,
		issuerID, since.UTC().Format(sqliteTimeFormat))
}

func (s *SQLiteStore) ListTransactionsByOwner(ctx context.Context, ownerID string, since time.Time) ([]model.TransactionRecord, error) {
	return s.queryTransactions(ctx,
		`SELECT id, buyer_id, issuer_id, side, quantity, price_per_unit, total_amount, timestamp
		 FROM transactions WHERE buyer_id = ? AND timestamp >= ? ORDER BY timestamp, rowid`,
		ownerID, since.UTC().Format(sqliteTimeFormat))
}

func (s *SQLiteStore) queryPositions(ctx context.Context, query string, args ...any) ([]model.Position, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanSQLitePosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *SQLiteStore) queryTransactions(ctx context.Context, query string, args ...any) ([]model.TransactionRecord, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.TransactionRecord
	for rows.Next() {
		var e model.TransactionRecord
		var side, priceS, totalS, ts string
		if err := rows.Scan(&e.ID, &e.BuyerID, &e.IssuerID, &side, &e.Quantity, &priceS, &totalS, &ts); err != nil {
			return nil, err
		}
		e.Side = model.Side(side)
		if e.PricePerUnit, err = parseAmount("price_per_unit", priceS); err != nil {
			return nil, err
		}
		if e.TotalAmount, err = parseAmount("total_amount", totalS); err != nil {
			return nil, err
		}
		e.Timestamp = parseSQLiteTime(ts)
		records = append(records, e)
	}
	return records, rows.Err()
}

// checkVersioned turns a versioned write that touched no rows into
// ErrNotFound or ErrVersionConflict.
func (s *SQLiteStore) checkVersioned(ctx context.Context, res sql.Result, err error, what, existsQuery string, args ...any) error {
	if err != nil {
		return fmt.Errorf("write %s: %w", what, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var one int
	err = s.q.QueryRowContext(ctx, existsQuery, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return fmt.Errorf("%s: %w", what, ErrVersionConflict)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLitePosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var avg, updated string
	if err := row.Scan(&p.OwnerID, &p.IssuerID, &p.Quantity, &avg, &p.Version, &updated); err != nil {
		return nil, err
	}
	var err error
	if p.AverageCost, err = parseAmount("average_cost", avg); err != nil {
		return nil, err
	}
	p.UpdatedAt = parseSQLiteTime(updated)
	return &p, nil
}

func sqlNotFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func sqlDuplicate(err error, what string) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%s: %w", what, ErrAlreadyExists)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func sqliteNow() string {
	return time.Now().UTC().Format(sqliteTimeFormat)
}

func parseSQLiteTime(s string) time.Time {
	t, _ := time.Parse(sqliteTimeFormat, s)
	return t
}
