package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakeholder/settlement-engine/internal/audit"
	"github.com/stakeholder/settlement-engine/internal/lock"
	"github.com/stakeholder/settlement-engine/internal/model"
	"github.com/stakeholder/settlement-engine/internal/store"
)

// newLedger creates an issuer and appends log entries without touching
// the supply counter, so tests control drift directly.
func newLedger(t *testing.T, total, available int64, entries ...model.TransactionRecord) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.CreateIssuer(ctx, &model.IssuerSupply{IssuerID: "iss", TotalShares: total, AvailableShares: available}))
	for i := range entries {
		e := entries[i]
		e.IssuerID = "iss"
		e.PricePerUnit = decimal.NewFromInt(1)
		e.TotalAmount = decimal.NewFromInt(e.Quantity)
		_, err := ms.AppendTransaction(ctx, &e)
		require.NoError(t, err)
	}
	return ms
}

func entry(owner string, side model.Side, qty int64) model.TransactionRecord {
	return model.TransactionRecord{BuyerID: owner, Side: side, Quantity: qty}
}

func TestNetIssued(t *testing.T) {
	records := []model.TransactionRecord{
		entry("a", model.SideBuy, 100),
		entry("a", model.SideSell, 40),
		entry("b", model.SideBuy, 5),
	}
	assert.Equal(t, int64(65), audit.NetIssued(records))
	assert.Zero(t, audit.NetIssued(nil))
}

func TestAudit_Consistent(t *testing.T) {
	ms := newLedger(t, 10000, 9940, entry("a", model.SideBuy, 100), entry("a", model.SideSell, 40))
	a := audit.NewAuditor(ms, lock.NewKeyedMutex())

	rep, err := a.Audit(context.Background(), "iss")
	require.NoError(t, err)
	assert.True(t, rep.Consistent)
	assert.Equal(t, int64(9940), rep.Expected)
	assert.Equal(t, int64(9940), rep.Actual)
	assert.Zero(t, rep.Delta)
	assert.Equal(t, 2, rep.Transactions)
}

func TestAudit_DetectsDrift(t *testing.T) {
	ms := newLedger(t, 100, 95, entry("a", model.SideBuy, 10))
	a := audit.NewAuditor(ms, lock.NewKeyedMutex())

	rep, err := a.Audit(context.Background(), "iss")
	require.NoError(t, err)
	assert.False(t, rep.Consistent)
	assert.Equal(t, int64(90), rep.Expected)
	assert.Equal(t, int64(95), rep.Actual)
	assert.Equal(t, int64(-5), rep.Delta)

	// Audit never writes.
	supply, _ := ms.GetIssuerSupply(context.Background(), "iss")
	assert.Equal(t, int64(95), supply.AvailableShares)
	assert.Equal(t, int64(1), supply.Version)
}

func TestAudit_RepeatedAuditsAgree(t *testing.T) {
	ctx := context.Background()
	ms := newLedger(t, 100, 95, entry("a", model.SideBuy, 10), entry("b", model.SideSell, 3))
	a := audit.NewAuditor(ms, lock.NewKeyedMutex())

	first, err := a.Audit(ctx, "iss")
	require.NoError(t, err)
	second, err := a.Audit(ctx, "iss")
	require.NoError(t, err)

	assert.False(t, first.Consistent)
	first.CheckedAt, second.CheckedAt = time.Time{}, time.Time{}
	assert.Equal(t, first, second)
}

func TestAudit_UnknownIssuer(t *testing.T) {
	a := audit.NewAuditor(store.NewMemoryStore(), lock.NewKeyedMutex())
	_, err := a.Audit(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRepair_RestoresCounter(t *testing.T) {
	ctx := context.Background()
	ms := newLedger(t, 100, 95, entry("a", model.SideBuy, 10))
	a := audit.NewAuditor(ms, lock.NewKeyedMutex())

	res, err := a.Repair(ctx, "iss")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, int64(95), res.PreviousAvailable)
	assert.Equal(t, int64(90), res.NewAvailable)

	rep, err := a.Audit(ctx, "iss")
	require.NoError(t, err)
	assert.True(t, rep.Consistent)

	// A second repair is a no-op.
	res, err = a.Repair(ctx, "iss")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	supply, _ := ms.GetIssuerSupply(ctx, "iss")
	assert.Equal(t, int64(2), supply.Version, "only the first repair writes")
}

func TestRepair_RefusesImpossibleValue(t *testing.T) {
	ms := newLedger(t, 10, 10, entry("a", model.SideBuy, 15))
	a := audit.NewAuditor(ms, lock.NewKeyedMutex())

	_, err := a.Repair(context.Background(), "iss")
	assert.ErrorIs(t, err, audit.ErrUnrepairable)

	supply, _ := ms.GetIssuerSupply(context.Background(), "iss")
	assert.Equal(t, int64(10), supply.AvailableShares)
}

func TestAuditAll(t *testing.T) {
	ctx := context.Background()
	ms := newLedger(t, 100, 100, entry("a", model.SideBuy, 1))
	require.NoError(t, ms.CreateIssuer(ctx, &model.IssuerSupply{IssuerID: "clean", TotalShares: 5, AvailableShares: 5}))

	reports, err := audit.NewAuditor(ms, lock.NewKeyedMutex()).AuditAll(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "clean", reports[0].IssuerID)
	assert.True(t, reports[0].Consistent)
	assert.Equal(t, "iss", reports[1].IssuerID)
	assert.False(t, reports[1].Consistent)
}

func TestConservation(t *testing.T) {
	ctx := context.Background()
	ms := newLedger(t, 100, 70)
	require.NoError(t, ms.UpsertPosition(ctx, model.Position{OwnerID: "a", IssuerID: "iss", Quantity: 20, AverageCost: decimal.NewFromInt(1)}, 0))
	require.NoError(t, ms.UpsertPosition(ctx, model.Position{OwnerID: "b", IssuerID: "iss", Quantity: 10, AverageCost: decimal.NewFromInt(1)}, 0))
	a := audit.NewAuditor(ms, lock.NewKeyedMutex())

	cons, err := a.Conservation(ctx, "iss")
	require.NoError(t, err)
	assert.True(t, cons.Conserved)
	assert.Equal(t, int64(30), cons.Held)
	assert.Equal(t, 2, cons.Holders)

	require.NoError(t, ms.DeletePosition(ctx, "b", "iss", 1))
	cons, err = a.Conservation(ctx, "iss")
	require.NoError(t, err)
	assert.False(t, cons.Conserved)
}

func TestAudit_HonoursLockContext(t *testing.T) {
	locker := lock.NewKeyedMutex()
	unlock, err := locker.Lock(context.Background(), "iss")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = audit.NewAuditor(newLedger(t, 1, 1), locker).Audit(ctx, "iss")
	assert.ErrorIs(t, err, context.Canceled)
}
