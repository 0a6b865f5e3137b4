package store_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakeholder/settlement-engine/internal/model"
	"github.com/stakeholder/settlement-engine/internal/store"
)

func newSQLite(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLiteStore(t *testing.T) {
	runContract(t, func(t *testing.T) store.Store { return newSQLite(t) })
}

func TestSQLiteStore_RunInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	st := newSQLite(t)
	require.True(t, store.IsTransactional(st))
	require.NoError(t, st.CreateCashAccount(ctx, &model.CashAccount{OwnerID: "alice", Balance: d(10)}))

	boom := errors.New("boom")
	err := st.RunInTx(ctx, func(tx store.Store) error {
		require.NoError(t, tx.UpdateCashBalance(ctx, "alice", d(0), 1))
		_, err := tx.AppendTransaction(ctx, &model.TransactionRecord{
			BuyerID: "alice", IssuerID: "iss", Side: model.SideBuy,
			Quantity: 1, PricePerUnit: d(10), TotalAmount: d(10),
		})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	acct, err := st.GetCashAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d(10)))
	assert.Equal(t, int64(1), acct.Version)
	records, err := st.ListTransactionsByOwner(ctx, "alice", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSQLiteStore_RunInTxCommits(t *testing.T) {
	ctx := context.Background()
	st := newSQLite(t)
	require.NoError(t, st.CreateIssuer(ctx, &model.IssuerSupply{IssuerID: "iss", TotalShares: 5, AvailableShares: 5}))

	require.NoError(t, st.RunInTx(ctx, func(tx store.Store) error {
		return tx.UpdateAvailableShares(ctx, "iss", 3, 1)
	}))
	supply, err := st.GetIssuerSupply(ctx, "iss")
	require.NoError(t, err)
	assert.Equal(t, int64(3), supply.AvailableShares)
}

func TestSQLiteStore_ChecksRejectImpossibleSupply(t *testing.T) {
	ctx := context.Background()
	st := newSQLite(t)
	require.NoError(t, st.CreateIssuer(ctx, &model.IssuerSupply{IssuerID: "iss", TotalShares: 5, AvailableShares: 5}))

	err := st.UpdateAvailableShares(ctx, "iss", 6, 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrVersionConflict)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	st, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, st.CreateCashAccount(ctx, &model.CashAccount{OwnerID: "alice", Balance: d(1.5)}))
	require.NoError(t, st.Close())

	st, err = store.NewSQLiteStore(path)
	require.NoError(t, err)
	defer st.Close()
	acct, err := st.GetCashAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d(1.5)))
}

func TestSQLiteStore_CorruptAmountIsAnError(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	st, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, st.CreateCashAccount(ctx, &model.CashAccount{OwnerID: "alice", Balance: d(10)}))
	_, err = st.AppendTransaction(ctx, &model.TransactionRecord{
		BuyerID: "alice", IssuerID: "acme", Side: model.SideBuy, Quantity: 1,
		PricePerUnit: d(2), TotalAmount: d(2), Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.Exec(`UPDATE cash_accounts SET balance = 'ten' WHERE owner_id = 'alice'`)
	require.NoError(t, err)
	_, err = raw.Exec(`UPDATE transactions SET total_amount = '' WHERE issuer_id = 'acme'`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	st, err = store.NewSQLiteStore(path)
	require.NoError(t, err)
	defer st.Close()

	_, err = st.GetCashAccount(ctx, "alice")
	assert.ErrorContains(t, err, "corrupt balance")
	_, err = st.ListTransactionsByIssuer(ctx, "acme", time.Time{})
	assert.ErrorContains(t, err, "corrupt total_amount")
}
