package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/stakeholder/settlement-engine/internal/model"
)

// txIssuerTTL bounds how long an id→issuer mapping is kept for cache
// invalidation on DeleteTransaction. Compensation runs within the same
// settlement, long before this expires.
const txIssuerTTL = time.Hour

// CachedStore wraps a primary Store with a Redis read-through cache for the
// issuer transaction log. Versioned records (cash, supply, positions) always
// pass through: a cached version would make every CAS write fail.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration

	// touched collects issuers whose log changed inside RunInTx; nil outside.
	// touchedAll is set when a changed log could not be attributed.
	touched    map[string]struct{}
	touchedAll bool
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Primary returns the wrapped store.
func (s *CachedStore) Primary() Store { return s.primary }

// SupportsTx reports whether the primary store has native transactions.
func (s *CachedStore) SupportsTx() bool {
	return IsTransactional(s.primary)
}

// RunInTx delegates to the primary store. A reader may refill the cache
// between an in-transaction invalidation and the commit, so touched issuer
// logs are invalidated again once the transaction has ended.
func (s *CachedStore) RunInTx(ctx context.Context, fn func(Store) error) error {
	tx, ok := s.primary.(Transactor)
	if !ok || !s.SupportsTx() {
		return ErrTxUnsupported
	}
	view := &CachedStore{rdb: s.rdb, ttl: s.ttl, touched: make(map[string]struct{})}
	err := tx.RunInTx(ctx, func(inner Store) error {
		view.primary = inner
		return fn(view)
	})
	ctx = context.WithoutCancel(ctx)
	if view.touchedAll {
		s.invalidateAllLogs(ctx)
		return err
	}
	for issuerID := range view.touched {
		s.invalidate(ctx, issuerLogKey(issuerID))
	}
	return err
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) AppendTransaction(ctx context.Context, rec *model.TransactionRecord) (string, error) {
	id, err := s.primary.AppendTransaction(ctx, rec)
	if err != nil {
		return "", err
	}
	s.invalidate(ctx, issuerLogKey(rec.IssuerID))
	if err := s.rdb.Set(ctx, txIssuerKey(id), rec.IssuerID, txIssuerTTL).Err(); err != nil {
		slog.Warn("cache: remember transaction issuer failed", "tx_id", id, "issuer", rec.IssuerID, "err", err)
	}
	if s.touched != nil {
		s.touched[rec.IssuerID] = struct{}{}
	}
	return id, nil
}

// DeleteTransaction removes the record from the primary and invalidates its
// issuer's cached log. When the issuer cannot be looked up, every cached
// issuer log is dropped instead.
func (s *CachedStore) DeleteTransaction(ctx context.Context, id string) error {
	issuerID, lookupErr := s.rdb.Get(ctx, txIssuerKey(id)).Result()
	if err := s.primary.DeleteTransaction(ctx, id); err != nil {
		return err
	}
	if lookupErr != nil {
		slog.Warn("cache: issuer of deleted transaction unknown, dropping all cached logs", "tx_id", id, "err", lookupErr)
		if s.touched != nil {
			s.touchedAll = true
		}
		s.invalidateAllLogs(ctx)
		return nil
	}
	s.invalidate(ctx, issuerLogKey(issuerID), txIssuerKey(id))
	if s.touched != nil {
		s.touched[issuerID] = struct{}{}
	}
	return nil
}

// --- Read-through (check cache first) ---

// ListTransactionsByIssuer serves full-log reads from Redis. Windowed reads
// (non-zero since) go to the primary.
func (s *CachedStore) ListTransactionsByIssuer(ctx context.Context, issuerID string, since time.Time) ([]model.TransactionRecord, error) {
	if !since.IsZero() {
		return s.primary.ListTransactionsByIssuer(ctx, issuerID, since)
	}

	data, err := s.rdb.Get(ctx, issuerLogKey(issuerID)).Bytes()
	if err == nil {
		var records []model.TransactionRecord
		if json.Unmarshal(data, &records) == nil {
			return records, nil
		}
	}

	// Cache miss.
	records, err := s.primary.ListTransactionsByIssuer(ctx, issuerID, since)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(records); err == nil {
		s.rdb.Set(ctx, issuerLogKey(issuerID), data, s.ttl)
	}
	return records, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetCashAccount(ctx context.Context, ownerID string) (*model.CashAccount, error) {
	return s.primary.GetCashAccount(ctx, ownerID)
}

func (s *CachedStore) CreateCashAccount(ctx context.Context, acct *model.CashAccount) error {
	return s.primary.CreateCashAccount(ctx, acct)
}

func (s *CachedStore) UpdateCashBalance(ctx context.Context, ownerID string, balance decimal.Decimal, expectedVersion int64) error {
	return s.primary.UpdateCashBalance(ctx, ownerID, balance, expectedVersion)
}

func (s *CachedStore) GetIssuerSupply(ctx context.Context, issuerID string) (*model.IssuerSupply, error) {
	return s.primary.GetIssuerSupply(ctx, issuerID)
}

func (s *CachedStore) CreateIssuer(ctx context.Context, supply *model.IssuerSupply) error {
	return s.primary.CreateIssuer(ctx, supply)
}

func (s *CachedStore) ListIssuers(ctx context.Context) ([]model.IssuerSupply, error) {
	return s.primary.ListIssuers(ctx)
}

func (s *CachedStore) UpdateAvailableShares(ctx context.Context, issuerID string, available int64, expectedVersion int64) error {
	return s.primary.UpdateAvailableShares(ctx, issuerID, available, expectedVersion)
}

func (s *CachedStore) GetPosition(ctx context.Context, ownerID, issuerID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, ownerID, issuerID)
}

func (s *CachedStore) UpsertPosition(ctx context.Context, pos model.Position, expectedVersion int64) error {
	return s.primary.UpsertPosition(ctx, pos, expectedVersion)
}

func (s *CachedStore) DeletePosition(ctx context.Context, ownerID, issuerID string, expectedVersion int64) error {
	return s.primary.DeletePosition(ctx, ownerID, issuerID, expectedVersion)
}

func (s *CachedStore) ListPositionsByOwner(ctx context.Context, ownerID string) ([]model.Position, error) {
	return s.primary.ListPositionsByOwner(ctx, ownerID)
}

func (s *CachedStore) ListPositionsByIssuer(ctx context.Context, issuerID string) ([]model.Position, error) {
	return s.primary.ListPositionsByIssuer(ctx, issuerID)
}

func (s *CachedStore) ListTransactionsByOwner(ctx context.Context, ownerID string, since time.Time) ([]model.TransactionRecord, error) {
	return s.primary.ListTransactionsByOwner(ctx, ownerID, since)
}

// --- Cache helpers ---

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache: invalidation failed, entries stay until TTL", "keys", keys, "ttl", s.ttl, "err", err)
	}
}

func (s *CachedStore) invalidateAllLogs(ctx context.Context) {
	iter := s.rdb.Scan(ctx, 0, issuerLogKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		s.invalidate(ctx, iter.Val())
	}
	if err := iter.Err(); err != nil {
		slog.Warn("cache: scan for issuer logs failed, entries stay until TTL", "ttl", s.ttl, "err", err)
	}
}

func issuerLogKey(id string) string { return fmt.Sprintf("txlog:issuer:%s", id) }
func txIssuerKey(id string) string  { return fmt.Sprintf("txlog:tx:%s", id) }
