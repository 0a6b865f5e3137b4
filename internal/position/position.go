// Package position holds the arithmetic for a buyer's share position in one
// issuer and applies it to the store under version checks.
//
// Buys re-average the cost basis by quantity; sells leave it untouched. A
// position that reaches zero is deleted, so a later buy starts a fresh basis.
package position

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/stakeholder/settlement-engine/internal/model"
	"github.com/stakeholder/settlement-engine/internal/store"
)

// CostScale is the number of decimal places kept for average cost.
var CostScale int32 = 8

// ErrNegativeQuantity is a precondition violation: the validator must have
// rejected any sell larger than the holding.
var ErrNegativeQuantity = errors.New("position: quantity would become negative")

// Change is the effect of one fill on a position.
type Change struct {
	Before *model.Position // nil when no position existed
	After  *model.Position // nil when the position is closed out
}

// Compute returns the position resulting from applying a fill of qty shares
// at price to current. current may be nil.
func Compute(current *model.Position, o model.Order) (Change, error) {
	if o.Quantity <= 0 {
		return Change{}, fmt.Errorf("position: non-positive fill quantity %d", o.Quantity)
	}

	ch := Change{Before: current}
	switch o.Side {
	case model.SideBuy:
		if current == nil {
			ch.After = &model.Position{
				OwnerID:     o.BuyerID,
				IssuerID:    o.IssuerID,
				Quantity:    o.Quantity,
				AverageCost: o.PricePerUnit,
			}
			return ch, nil
		}
		next := *current
		next.Quantity = current.Quantity + o.Quantity
		next.AverageCost = AverageCost(current.Quantity, current.AverageCost, o.Quantity, o.PricePerUnit)
		ch.After = &next
		return ch, nil

	case model.SideSell:
		held := int64(0)
		if current != nil {
			held = current.Quantity
		}
		remaining := held - o.Quantity
		if remaining < 0 {
			return Change{}, fmt.Errorf("%w: holding %d, selling %d", ErrNegativeQuantity, held, o.Quantity)
		}
		if remaining == 0 {
			return ch, nil
		}
		next := *current
		next.Quantity = remaining
		ch.After = &next
		return ch, nil
	}
	return Change{}, fmt.Errorf("position: unknown side %q", o.Side)
}

// AverageCost is the quantity-weighted average of an existing holding and a
// new fill: (q1*avg1 + q2*p2) / (q1+q2).
func AverageCost(q1 int64, avg1 decimal.Decimal, q2 int64, p2 decimal.Decimal) decimal.Decimal {
	total := decimal.NewFromInt(q1 + q2)
	if total.IsZero() {
		return decimal.Zero
	}
	cost := avg1.Mul(decimal.NewFromInt(q1)).Add(p2.Mul(decimal.NewFromInt(q2)))
	return cost.DivRound(total, CostScale)
}

// RealizedPnL is the profit of selling qty shares at price against the
// holding's average cost. Reported, never stored.
func RealizedPnL(avgCost decimal.Decimal, qty int64, price decimal.Decimal) decimal.Decimal {
	return price.Sub(avgCost).Mul(decimal.NewFromInt(qty))
}

// Ledger applies position changes to a store.
type Ledger struct {
	store store.Store
}

// NewLedger creates a Ledger over st.
func NewLedger(st store.Store) *Ledger {
	return &Ledger{store: st}
}

// Apply computes and persists the fill. The write is checked against the
// version of the position in current; a stale version surfaces as
// store.ErrVersionConflict.
func (l *Ledger) Apply(ctx context.Context, current *model.Position, o model.Order) (Change, error) {
	ch, err := Compute(current, o)
	if err != nil {
		return Change{}, err
	}

	switch {
	case ch.After == nil:
		err = l.store.DeletePosition(ctx, o.BuyerID, o.IssuerID, current.Version)
	case current == nil:
		err = l.store.UpsertPosition(ctx, *ch.After, 0)
	default:
		err = l.store.UpsertPosition(ctx, *ch.After, current.Version)
	}
	if err != nil {
		return Change{}, fmt.Errorf("apply position %s/%s: %w", o.BuyerID, o.IssuerID, err)
	}
	if ch.After != nil {
		ch.After.Version = expectedVersion(current) + 1
	}
	return ch, nil
}

func expectedVersion(p *model.Position) int64 {
	if p == nil {
		return 0
	}
	return p.Version
}
