// Package store defines the Ledger Store contract consumed by the settlement
// engine. Implementations include PostgreSQL and SQLite (durable, with native
// transactions), Redis (read-through cache for the transaction log), and
// in-memory (for testing).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stakeholder/settlement-engine/internal/model"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrVersionConflict is returned when a write carries a stale version.
	ErrVersionConflict = errors.New("store: version conflict")

	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("store: record already exists")

	// ErrTxUnsupported is returned by RunInTx when the backing store has no
	// native multi-record transaction.
	ErrTxUnsupported = errors.New("store: transactions not supported")
)

// Store is the persistence interface. Every successful versioned write
// increments the record's version by exactly one; a write whose expected
// version does not match the stored one fails with ErrVersionConflict.
type Store interface {
	// --- Cash accounts ---

	// GetCashAccount returns the owner's account or ErrNotFound.
	GetCashAccount(ctx context.Context, ownerID string) (*model.CashAccount, error)

	// CreateCashAccount opens a new account at version 1.
	CreateCashAccount(ctx context.Context, acct *model.CashAccount) error

	// UpdateCashBalance overwrites the balance if the version matches.
	UpdateCashBalance(ctx context.Context, ownerID string, balance decimal.Decimal, expectedVersion int64) error

	// --- Issuer supply ---

	// GetIssuerSupply returns the issuer's counters or ErrNotFound.
	GetIssuerSupply(ctx context.Context, issuerID string) (*model.IssuerSupply, error)

	// CreateIssuer begins issuance at version 1.
	CreateIssuer(ctx context.Context, supply *model.IssuerSupply) error

	// ListIssuers returns every issuer.
	ListIssuers(ctx context.Context) ([]model.IssuerSupply, error)

	// UpdateAvailableShares overwrites availableShares if the version matches.
	UpdateAvailableShares(ctx context.Context, issuerID string, available int64, expectedVersion int64) error

	// --- Positions ---

	// GetPosition returns the (owner, issuer) position or ErrNotFound.
	GetPosition(ctx context.Context, ownerID, issuerID string) (*model.Position, error)

	// UpsertPosition creates the position when expectedVersion is 0, and
	// otherwise updates it if the version matches.
	UpsertPosition(ctx context.Context, pos model.Position, expectedVersion int64) error

	// DeletePosition removes the position if the version matches.
	DeletePosition(ctx context.Context, ownerID, issuerID string, expectedVersion int64) error

	// ListPositionsByOwner returns all of an owner's positions.
	ListPositionsByOwner(ctx context.Context, ownerID string) ([]model.Position, error)

	// ListPositionsByIssuer returns all holders of an issuer.
	ListPositionsByIssuer(ctx context.Context, issuerID string) ([]model.Position, error)

	// --- Transaction log ---

	// AppendTransaction appends an immutable record and returns its id.
	// An empty record ID is assigned by the store.
	AppendTransaction(ctx context.Context, rec *model.TransactionRecord) (string, error)

	// DeleteTransaction removes a record. Compensation only.
	DeleteTransaction(ctx context.Context, id string) error

	// ListTransactionsByIssuer returns an issuer's log ordered by timestamp.
	// A zero since returns the whole log.
	ListTransactionsByIssuer(ctx context.Context, issuerID string, since time.Time) ([]model.TransactionRecord, error)

	// ListTransactionsByOwner returns a buyer's log ordered by timestamp.
	ListTransactionsByOwner(ctx context.Context, ownerID string, since time.Time) ([]model.TransactionRecord, error)
}

// Transactor is implemented by stores with native multi-record transactions.
// fn receives a Store bound to the transaction; returning an error rolls
// every write back.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(Store) error) error
}

// IsTransactional reports whether st can run RunInTx. Wrappers that only
// conditionally support transactions expose SupportsTx.
func IsTransactional(st Store) bool {
	if _, ok := st.(Transactor); !ok {
		return false
	}
	if c, ok := st.(interface{ SupportsTx() bool }); ok {
		return c.SupportsTx()
	}
	return true
}

// Uncached strips read-through caches from st. Readers whose results drive
// writes, such as repair, must not act on a cached log.
func Uncached(st Store) Store {
	for {
		c, ok := st.(interface{ Primary() Store })
		if !ok {
			return st
		}
		st = c.Primary()
	}
}

// parseAmount decodes a stored decimal column. A value that does not parse
// is an error, never a silent zero.
func parseAmount(column, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("store: corrupt %s %q: %w", column, v, err)
	}
	return d, nil
}
