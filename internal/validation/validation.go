// Package validation checks an order against a consistent snapshot of ledger
// state. It is pure: no I/O, no side effects.
package validation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/stakeholder/settlement-engine/internal/model"
)

// Reason is a stable, machine-readable rejection code.
type Reason string

const (
	ReasonInvalidQuantity      Reason = "INVALID_QUANTITY"
	ReasonInvalidPrice         Reason = "INVALID_PRICE"
	ReasonInvalidSide          Reason = "INVALID_SIDE"
	ReasonUnknownAccount       Reason = "UNKNOWN_ACCOUNT"
	ReasonUnknownIssuer        Reason = "UNKNOWN_ISSUER"
	ReasonInsufficientFunds    Reason = "INSUFFICIENT_FUNDS"
	ReasonInsufficientSupply   Reason = "INSUFFICIENT_SUPPLY"
	ReasonInsufficientHoldings Reason = "INSUFFICIENT_HOLDINGS"
)

// Rejection is returned when an order fails validation. It is never retried.
type Rejection struct {
	Reason  Reason
	Message string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("validation: %s: %s", r.Reason, r.Message)
}

// Is matches any Rejection with the same Reason, so callers can write
// errors.Is(err, validation.ErrInsufficientFunds).
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Reason == r.Reason
}

var (
	ErrInvalidQuantity      = &Rejection{Reason: ReasonInvalidQuantity, Message: "quantity must be positive"}
	ErrInvalidPrice         = &Rejection{Reason: ReasonInvalidPrice, Message: "price per unit must be positive"}
	ErrInvalidSide          = &Rejection{Reason: ReasonInvalidSide, Message: "side must be buy or sell"}
	ErrUnknownAccount       = &Rejection{Reason: ReasonUnknownAccount, Message: "cash account not found"}
	ErrUnknownIssuer        = &Rejection{Reason: ReasonUnknownIssuer, Message: "issuer not found"}
	ErrInsufficientFunds    = &Rejection{Reason: ReasonInsufficientFunds, Message: "insufficient funds"}
	ErrInsufficientSupply   = &Rejection{Reason: ReasonInsufficientSupply, Message: "insufficient supply"}
	ErrInsufficientHoldings = &Rejection{Reason: ReasonInsufficientHoldings, Message: "insufficient holdings"}
)

func reject(r Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: r, Message: fmt.Sprintf(format, args...)}
}

// Snapshot is the ledger state an order is validated against.
// Position is nil when the buyer holds no shares of the issuer.
type Snapshot struct {
	Cash     model.CashAccount
	Supply   model.IssuerSupply
	Position *model.Position
}

// Accepted is a validated order together with the snapshot it was checked
// against. The snapshot's versions drive the version-checked writes.
type Accepted struct {
	Order    model.Order
	Snapshot Snapshot
	Total    decimal.Decimal
}

// CheckOrder validates the order's own fields, independent of ledger state.
func CheckOrder(o model.Order) error {
	if o.Quantity <= 0 {
		return reject(ReasonInvalidQuantity, "quantity %d must be positive", o.Quantity)
	}
	if !o.PricePerUnit.IsPositive() {
		return reject(ReasonInvalidPrice, "price per unit %s must be positive", o.PricePerUnit)
	}
	if !o.Side.Valid() {
		return reject(ReasonInvalidSide, "side %q must be buy or sell", o.Side)
	}
	return nil
}

// Validate runs the checks in order and stops at the first failure:
//  1. quantity and price are positive
//  2. buy: balance covers quantity × price
//  3. buy: available supply covers quantity
//  4. sell: an existing position covers quantity
func Validate(o model.Order, snap Snapshot) (*Accepted, error) {
	if err := CheckOrder(o); err != nil {
		return nil, err
	}

	total := o.Total()
	switch o.Side {
	case model.SideBuy:
		if snap.Cash.Balance.LessThan(total) {
			return nil, reject(ReasonInsufficientFunds,
				"balance %s is below order total %s", snap.Cash.Balance, total)
		}
		if snap.Supply.AvailableShares < o.Quantity {
			return nil, reject(ReasonInsufficientSupply,
				"issuer %s has %d shares available, %d requested", o.IssuerID, snap.Supply.AvailableShares, o.Quantity)
		}
	case model.SideSell:
		held := int64(0)
		if snap.Position != nil {
			held = snap.Position.Quantity
		}
		if snap.Position == nil || held < o.Quantity {
			return nil, reject(ReasonInsufficientHoldings,
				"holding %d shares of %s, %d requested", held, o.IssuerID, o.Quantity)
		}
	}

	return &Accepted{Order: o, Snapshot: snap, Total: total}, nil
}
