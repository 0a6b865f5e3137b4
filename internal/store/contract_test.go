package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakeholder/settlement-engine/internal/model"
	"github.com/stakeholder/settlement-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// runContract exercises behaviour every Store implementation must share.
func runContract(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("cash accounts are versioned", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)

		acct := &model.CashAccount{OwnerID: "alice", Balance: d(100.25)}
		require.NoError(t, st.CreateCashAccount(ctx, acct))
		assert.Equal(t, int64(1), acct.Version)
		assert.ErrorIs(t, st.CreateCashAccount(ctx, &model.CashAccount{OwnerID: "alice"}), store.ErrAlreadyExists)

		require.NoError(t, st.UpdateCashBalance(ctx, "alice", d(50), 1))
		assert.ErrorIs(t, st.UpdateCashBalance(ctx, "alice", d(0), 1), store.ErrVersionConflict)
		assert.ErrorIs(t, st.UpdateCashBalance(ctx, "bob", d(0), 1), store.ErrNotFound)

		got, err := st.GetCashAccount(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(d(50)))
		assert.Equal(t, int64(2), got.Version)

		_, err = st.GetCashAccount(ctx, "bob")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("issuer supply is versioned", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)

		require.NoError(t, st.CreateIssuer(ctx, &model.IssuerSupply{IssuerID: "b", TotalShares: 10, AvailableShares: 10}))
		require.NoError(t, st.CreateIssuer(ctx, &model.IssuerSupply{IssuerID: "a", TotalShares: 5, AvailableShares: 5}))
		assert.ErrorIs(t, st.CreateIssuer(ctx, &model.IssuerSupply{IssuerID: "a", TotalShares: 1, AvailableShares: 1}), store.ErrAlreadyExists)

		require.NoError(t, st.UpdateAvailableShares(ctx, "b", 7, 1))
		assert.ErrorIs(t, st.UpdateAvailableShares(ctx, "b", 6, 1), store.ErrVersionConflict)
		assert.ErrorIs(t, st.UpdateAvailableShares(ctx, "z", 6, 1), store.ErrNotFound)

		issuers, err := st.ListIssuers(ctx)
		require.NoError(t, err)
		require.Len(t, issuers, 2)
		assert.Equal(t, "a", issuers[0].IssuerID)
		assert.Equal(t, int64(7), issuers[1].AvailableShares)
		assert.Equal(t, int64(2), issuers[1].Version)
	})

	t.Run("positions", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)

		pos := model.Position{OwnerID: "alice", IssuerID: "iss", Quantity: 10, AverageCost: d(12.5)}
		require.NoError(t, st.UpsertPosition(ctx, pos, 0))
		assert.ErrorIs(t, st.UpsertPosition(ctx, pos, 0), store.ErrVersionConflict, "create over existing")

		pos.Quantity = 15
		require.NoError(t, st.UpsertPosition(ctx, pos, 1))
		assert.ErrorIs(t, st.UpsertPosition(ctx, pos, 1), store.ErrVersionConflict)

		got, err := st.GetPosition(ctx, "alice", "iss")
		require.NoError(t, err)
		assert.Equal(t, int64(15), got.Quantity)
		assert.Equal(t, int64(2), got.Version)
		assert.True(t, got.AverageCost.Equal(d(12.5)))

		require.NoError(t, st.UpsertPosition(ctx, model.Position{OwnerID: "bob", IssuerID: "iss", Quantity: 1, AverageCost: d(1)}, 0))
		require.NoError(t, st.UpsertPosition(ctx, model.Position{OwnerID: "alice", IssuerID: "other", Quantity: 1, AverageCost: d(1)}, 0))

		byOwner, err := st.ListPositionsByOwner(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, byOwner, 2)
		assert.Equal(t, "iss", byOwner[0].IssuerID)
		byIssuer, err := st.ListPositionsByIssuer(ctx, "iss")
		require.NoError(t, err)
		require.Len(t, byIssuer, 2)
		assert.Equal(t, "alice", byIssuer[0].OwnerID)

		assert.ErrorIs(t, st.DeletePosition(ctx, "alice", "iss", 1), store.ErrVersionConflict)
		require.NoError(t, st.DeletePosition(ctx, "alice", "iss", 2))
		assert.ErrorIs(t, st.DeletePosition(ctx, "alice", "iss", 2), store.ErrNotFound)
		_, err = st.GetPosition(ctx, "alice", "iss")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("transaction log", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)
		base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

		rec := func(owner, issuer string, at time.Time) *model.TransactionRecord {
			return &model.TransactionRecord{
				BuyerID: owner, IssuerID: issuer, Side: model.SideBuy,
				Quantity: 1, PricePerUnit: d(2.5), TotalAmount: d(2.5), Timestamp: at,
			}
		}
		first := rec("alice", "iss", base)
		id, err := st.AppendTransaction(ctx, first)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.Equal(t, id, first.ID)

		_, err = st.AppendTransaction(ctx, rec("bob", "iss", base.Add(time.Second)))
		require.NoError(t, err)
		_, err = st.AppendTransaction(ctx, rec("alice", "other", base.Add(2*time.Second)))
		require.NoError(t, err)

		dup := rec("alice", "iss", base)
		dup.ID = first.ID
		_, err = st.AppendTransaction(ctx, dup)
		assert.ErrorIs(t, err, store.ErrAlreadyExists)

		byIssuer, err := st.ListTransactionsByIssuer(ctx, "iss", time.Time{})
		require.NoError(t, err)
		require.Len(t, byIssuer, 2)
		assert.Equal(t, "alice", byIssuer[0].BuyerID)
		assert.Equal(t, "bob", byIssuer[1].BuyerID)
		assert.True(t, byIssuer[0].PricePerUnit.Equal(d(2.5)))
		assert.True(t, byIssuer[0].Timestamp.Equal(base))

		since, err := st.ListTransactionsByIssuer(ctx, "iss", base.Add(time.Second))
		require.NoError(t, err)
		require.Len(t, since, 1)
		assert.Equal(t, "bob", since[0].BuyerID)

		byOwner, err := st.ListTransactionsByOwner(ctx, "alice", time.Time{})
		require.NoError(t, err)
		assert.Len(t, byOwner, 2)

		require.NoError(t, st.DeleteTransaction(ctx, first.ID))
		assert.ErrorIs(t, st.DeleteTransaction(ctx, first.ID), store.ErrNotFound)
		byIssuer, _ = st.ListTransactionsByIssuer(ctx, "iss", time.Time{})
		assert.Len(t, byIssuer, 1)
	})
}
