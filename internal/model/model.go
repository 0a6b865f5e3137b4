// Package model defines the core domain types shared across the settlement engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order relative to the buyer.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is one of the known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// CashAccount holds one owner's cash balance. Mutated only by settlement.
type CashAccount struct {
	OwnerID   string          `json:"owner_id" db:"owner_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Version   int64           `json:"version" db:"version"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// IssuerSupply is the supply counter of one issuer.
// AvailableShares is a cached value derived from the transaction log:
//
//	available == total - Σ buys + Σ sells
type IssuerSupply struct {
	IssuerID        string    `json:"issuer_id" db:"issuer_id"`
	TotalShares     int64     `json:"total_shares" db:"total_shares"`
	AvailableShares int64     `json:"available_shares" db:"available_shares"`
	Version         int64     `json:"version" db:"version"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Position is an owner's holding of one issuer's shares.
// A position at quantity zero does not exist; it is deleted instead.
type Position struct {
	OwnerID     string          `json:"owner_id" db:"owner_id"`
	IssuerID    string          `json:"issuer_id" db:"issuer_id"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost" db:"average_cost"`
	Version     int64           `json:"version" db:"version"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// TransactionRecord is an immutable record of a settled order.
// Once committed it is never modified or deleted; the only delete path is
// compensation of the same order before it is considered committed.
type TransactionRecord struct {
	ID           string          `json:"id" db:"id"`
	BuyerID      string          `json:"buyer_id" db:"buyer_id"`
	IssuerID     string          `json:"issuer_id" db:"issuer_id"`
	Side         Side            `json:"side" db:"side"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	PricePerUnit decimal.Decimal `json:"price_per_unit" db:"price_per_unit"`
	TotalAmount  decimal.Decimal `json:"total_amount" db:"total_amount"` // quantity × price
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// Order is a request to buy shares from, or redeem shares to, an issuer.
// The price is supplied by the caller; the engine never computes it.
type Order struct {
	BuyerID      string          `json:"buyer_id"`
	IssuerID     string          `json:"issuer_id"`
	Side         Side            `json:"side"`
	Quantity     int64           `json:"quantity"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
}

// Total returns quantity × pricePerUnit.
func (o Order) Total() decimal.Decimal {
	return o.PricePerUnit.Mul(decimal.NewFromInt(o.Quantity))
}

// SignedQuantity returns the change in shares held by the buyer:
// positive for buys, negative for sells.
func (o Order) SignedQuantity() int64 {
	if o.Side == SideSell {
		return -o.Quantity
	}
	return o.Quantity
}
