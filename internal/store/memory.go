package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stakeholder/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
// It has no native transactions, so the settlement saga runs against it.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.CashAccount
	issuers   map[string]*model.IssuerSupply
	positions map[positionKey]*model.Position
	ledger    []model.TransactionRecord
	now       func() time.Time
}

type positionKey struct {
	owner  string
	issuer string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.CashAccount),
		issuers:   make(map[string]*model.IssuerSupply),
		positions: make(map[positionKey]*model.Position),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) GetCashAccount(_ context.Context, ownerID string) (*model.CashAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[ownerID]
	if !ok {
		return nil, fmt.Errorf("cash account %s: %w", ownerID, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) CreateCashAccount(_ context.Context, acct *model.CashAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.OwnerID]; ok {
		return fmt.Errorf("cash account %s: %w", acct.OwnerID, ErrAlreadyExists)
	}
	copy := *acct
	copy.Version = 1
	copy.UpdatedAt = s.now()
	s.accounts[acct.OwnerID] = &copy
	acct.Version = 1
	return nil
}

func (s *MemoryStore) UpdateCashBalance(_ context.Context, ownerID string, balance decimal.Decimal, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[ownerID]
	if !ok {
		return fmt.Errorf("cash account %s: %w", ownerID, ErrNotFound)
	}
	if a.Version != expectedVersion {
		return fmt.Errorf("cash account %s at v%d, expected v%d: %w", ownerID, a.Version, expectedVersion, ErrVersionConflict)
	}
	a.Balance = balance
	a.Version++
	a.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) GetIssuerSupply(_ context.Context, issuerID string) (*model.IssuerSupply, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	is, ok := s.issuers[issuerID]
	if !ok {
		return nil, fmt.Errorf("issuer %s: %w", issuerID, ErrNotFound)
	}
	copy := *is
	return &copy, nil
}

func (s *MemoryStore) CreateIssuer(_ context.Context, supply *model.IssuerSupply) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.issuers[supply.IssuerID]; ok {
		return fmt.Errorf("issuer %s: %w", supply.IssuerID, ErrAlreadyExists)
	}
	copy := *supply
	copy.Version = 1
	copy.UpdatedAt = s.now()
	s.issuers[supply.IssuerID] = &copy
	supply.Version = 1
	return nil
}

func (s *MemoryStore) ListIssuers(_ context.Context) ([]model.IssuerSupply, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	issuers := make([]model.IssuerSupply, 0, len(s.issuers))
	for _, is := range s.issuers {
		issuers = append(issuers, *is)
	}
	sort.Slice(issuers, func(i, j int) bool { return issuers[i].IssuerID < issuers[j].IssuerID })
	return issuers, nil
}

func (s *MemoryStore) UpdateAvailableShares(_ context.Context, issuerID string, available int64, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	is, ok := s.issuers[issuerID]
	if !ok {
		return fmt.Errorf("issuer %s: %w", issuerID, ErrNotFound)
	}
	if is.Version != expectedVersion {
		return fmt.Errorf("issuer %s at v%d, expected v%d: %w", issuerID, is.Version, expectedVersion, ErrVersionConflict)
	}
	is.AvailableShares = available
	is.Version++
	is.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, ownerID, issuerID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey{ownerID, issuerID}]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", ownerID, issuerID, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, pos model.Position, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := positionKey{pos.OwnerID, pos.IssuerID}
	existing, ok := s.positions[k]
	switch {
	case !ok && expectedVersion != 0:
		return fmt.Errorf("position %s/%s absent, expected v%d: %w", pos.OwnerID, pos.IssuerID, expectedVersion, ErrVersionConflict)
	case ok && existing.Version != expectedVersion:
		return fmt.Errorf("position %s/%s at v%d, expected v%d: %w", pos.OwnerID, pos.IssuerID, existing.Version, expectedVersion, ErrVersionConflict)
	}

	pos.Version = expectedVersion + 1
	pos.UpdatedAt = s.now()
	s.positions[k] = &pos
	return nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, ownerID, issuerID string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := positionKey{ownerID, issuerID}
	existing, ok := s.positions[k]
	if !ok {
		return fmt.Errorf("position %s/%s: %w", ownerID, issuerID, ErrNotFound)
	}
	if existing.Version != expectedVersion {
		return fmt.Errorf("position %s/%s at v%d, expected v%d: %w", ownerID, issuerID, existing.Version, expectedVersion, ErrVersionConflict)
	}
	delete(s.positions, k)
	return nil
}

func (s *MemoryStore) ListPositionsByOwner(_ context.Context, ownerID string) ([]model.Position, error) {
	return s.filterPositions(func(p *model.Position) bool { return p.OwnerID == ownerID }), nil
}

func (s *MemoryStore) ListPositionsByIssuer(_ context.Context, issuerID string) ([]model.Position, error) {
	return s.filterPositions(func(p *model.Position) bool { return p.IssuerID == issuerID }), nil
}

func (s *MemoryStore) filterPositions(keep func(*model.Position) bool) []model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if keep(p) {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].OwnerID != result[j].OwnerID {
			return result[i].OwnerID < result[j].OwnerID
		}
		return result[i].IssuerID < result[j].IssuerID
	})
	return result
}

func (s *MemoryStore) AppendTransaction(_ context.Context, rec *model.TransactionRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	for _, e := range s.ledger {
		if e.ID == rec.ID {
			return "", fmt.Errorf("transaction %s: %w", rec.ID, ErrAlreadyExists)
		}
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	s.ledger = append(s.ledger, *rec)
	return rec.ID, nil
}

func (s *MemoryStore) DeleteTransaction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.ledger {
		if e.ID == id {
			s.ledger = append(s.ledger[:i], s.ledger[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
}

func (s *MemoryStore) ListTransactionsByIssuer(_ context.Context, issuerID string, since time.Time) ([]model.TransactionRecord, error) {
	return s.filterLedger(since, func(e *model.TransactionRecord) bool { return e.IssuerID == issuerID }), nil
}

func (s *MemoryStore) ListTransactionsByOwner(_ context.Context, ownerID string, since time.Time) ([]model.TransactionRecord, error) {
	return s.filterLedger(since, func(e *model.TransactionRecord) bool { return e.BuyerID == ownerID }), nil
}

// filterLedger returns matching entries in append order, which is
// timestamp order for a single process.
func (s *MemoryStore) filterLedger(since time.Time, keep func(*model.TransactionRecord) bool) []model.TransactionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TransactionRecord
	for i := range s.ledger {
		e := &s.ledger[i]
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		if keep(e) {
			result = append(result, *e)
		}
	}
	return result
}
