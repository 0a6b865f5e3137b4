package position

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/stakeholder/settlement-engine/internal/model"
	"github.com/stakeholder/settlement-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func fill(side model.Side, qty int64, price float64) model.Order {
	return model.Order{BuyerID: "alice", IssuerID: "bob", Side: side, Quantity: qty, PricePerUnit: d(price)}
}

func TestCompute_FirstBuyOpensAtPrice(t *testing.T) {
	ch, err := Compute(nil, fill(model.SideBuy, 100, 100))
	require.NoError(t, err)
	require.NotNil(t, ch.After)
	assert.Nil(t, ch.Before)
	assert.Equal(t, int64(100), ch.After.Quantity)
	assert.True(t, ch.After.AverageCost.Equal(d(100)))
}

func TestCompute_BuyReaveragesCost(t *testing.T) {
	cur := &model.Position{OwnerID: "alice", IssuerID: "bob", Quantity: 100, AverageCost: d(100), Version: 3}
	ch, err := Compute(cur, fill(model.SideBuy, 50, 130))
	require.NoError(t, err)
	assert.Equal(t, int64(150), ch.After.Quantity)
	assert.True(t, ch.After.AverageCost.Equal(d(110)), "got %s", ch.After.AverageCost)
	assert.Equal(t, int64(100), cur.Quantity, "input must not be mutated")
}

func TestCompute_SellKeepsCost(t *testing.T) {
	cur := &model.Position{OwnerID: "alice", IssuerID: "bob", Quantity: 100, AverageCost: d(100)}
	ch, err := Compute(cur, fill(model.SideSell, 40, 120))
	require.NoError(t, err)
	assert.Equal(t, int64(60), ch.After.Quantity)
	assert.True(t, ch.After.AverageCost.Equal(d(100)))
}

func TestCompute_SellToZeroDeletes(t *testing.T) {
	cur := &model.Position{OwnerID: "alice", IssuerID: "bob", Quantity: 40, AverageCost: d(100)}
	ch, err := Compute(cur, fill(model.SideSell, 40, 120))
	require.NoError(t, err)
	assert.Nil(t, ch.After)
	assert.Same(t, cur, ch.Before)
}

func TestCompute_OversellIsFatal(t *testing.T) {
	cur := &model.Position{OwnerID: "alice", IssuerID: "bob", Quantity: 10, AverageCost: d(100)}
	_, err := Compute(cur, fill(model.SideSell, 11, 120))
	assert.ErrorIs(t, err, ErrNegativeQuantity)

	_, err = Compute(nil, fill(model.SideSell, 1, 120))
	assert.ErrorIs(t, err, ErrNegativeQuantity)
}

func TestRealizedPnL(t *testing.T) {
	assert.True(t, RealizedPnL(d(100), 40, d(120)).Equal(d(800)))
	assert.True(t, RealizedPnL(d(100), 10, d(90)).Equal(d(-100)))
}

func TestCostBasisLaw(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		q1 := rapid.Int64Range(1, 1_000_000).Draw(t, "q1")
		q2 := rapid.Int64Range(1, 1_000_000).Draw(t, "q2")
		avg1 := decimal.New(rapid.Int64Range(1, 10_000_00).Draw(t, "avg1Cents"), -2)
		p2 := decimal.New(rapid.Int64Range(1, 10_000_00).Draw(t, "p2Cents"), -2)
		sellQty := rapid.Int64Range(1, q1+q2).Draw(t, "sell")

		cur := &model.Position{OwnerID: "alice", IssuerID: "bob", Quantity: q1, AverageCost: avg1}
		o := model.Order{BuyerID: "alice", IssuerID: "bob", Side: model.SideBuy, Quantity: q2, PricePerUnit: p2}
		ch, err := Compute(cur, o)
		if err != nil {
			t.Fatal(err)
		}

		want := avg1.Mul(decimal.NewFromInt(q1)).Add(p2.Mul(decimal.NewFromInt(q2))).
			DivRound(decimal.NewFromInt(q1+q2), CostScale)
		if !ch.After.AverageCost.Equal(want) {
			t.Fatalf("average cost %s, want %s", ch.After.AverageCost, want)
		}

		o = model.Order{BuyerID: "alice", IssuerID: "bob", Side: model.SideSell, Quantity: sellQty, PricePerUnit: p2}
		sold, err := Compute(ch.After, o)
		if err != nil {
			t.Fatal(err)
		}
		if sold.After != nil && !sold.After.AverageCost.Equal(want) {
			t.Fatalf("sell changed average cost to %s", sold.After.AverageCost)
		}
		if sold.After == nil && sellQty != q1+q2 {
			t.Fatalf("position deleted with %d remaining", q1+q2-sellQty)
		}
	})
}

func TestLedger_Apply(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	l := NewLedger(ms)

	// Open.
	ch, err := l.Apply(ctx, nil, fill(model.SideBuy, 100, 100))
	require.NoError(t, err)
	p, err := ms.GetPosition(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.Quantity)
	assert.Equal(t, p.Version, ch.After.Version)

	// Add at a higher price.
	ch, err = l.Apply(ctx, p, fill(model.SideBuy, 100, 200))
	require.NoError(t, err)
	p, err = ms.GetPosition(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(200), p.Quantity)
	assert.True(t, p.AverageCost.Equal(d(150)), "got %s", p.AverageCost)
	assert.Equal(t, p.Version, ch.After.Version)

	// Close out.
	ch, err = l.Apply(ctx, p, fill(model.SideSell, 200, 150))
	require.NoError(t, err)
	assert.Nil(t, ch.After)
	_, err = ms.GetPosition(ctx, "alice", "bob")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Opening again while a position exists must conflict.
	_, err = l.Apply(ctx, nil, fill(model.SideBuy, 1, 1))
	require.NoError(t, err)
	_, err = l.Apply(ctx, nil, fill(model.SideBuy, 1, 1))
	assert.ErrorIs(t, err, store.ErrVersionConflict)
}

func TestLedger_StaleVersionConflicts(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	l := NewLedger(ms)

	_, err := l.Apply(ctx, nil, fill(model.SideBuy, 10, 10))
	require.NoError(t, err)

	stale := &model.Position{OwnerID: "alice", IssuerID: "bob", Quantity: 10, AverageCost: d(10), Version: 7}
	_, err = l.Apply(ctx, stale, fill(model.SideBuy, 10, 10))
	assert.ErrorIs(t, err, store.ErrVersionConflict)
}
