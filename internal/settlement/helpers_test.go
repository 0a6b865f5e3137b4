package settlement_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stakeholder/settlement-engine/internal/model"
	"github.com/stakeholder/settlement-engine/internal/settlement"
	"github.com/stakeholder/settlement-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var errBoom = errors.New("injected storage failure")

var zeroTime time.Time

func buy(owner, issuer string, qty int64, price float64) model.Order {
	return model.Order{BuyerID: owner, IssuerID: issuer, Side: model.SideBuy, Quantity: qty, PricePerUnit: d(price)}
}

func sell(owner, issuer string, qty int64, price float64) model.Order {
	return model.Order{BuyerID: owner, IssuerID: issuer, Side: model.SideSell, Quantity: qty, PricePerUnit: d(price)}
}

// seed opens cash accounts and one issuer directly in the store.
func seed(t testing.TB, st store.Store, issuer string, total int64, cash map[string]float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateIssuer(ctx, &model.IssuerSupply{
		IssuerID: issuer, TotalShares: total, AvailableShares: total,
	}))
	for owner, bal := range cash {
		require.NoError(t, st.CreateCashAccount(ctx, &model.CashAccount{OwnerID: owner, Balance: d(bal)}))
	}
}

// fault injects err into the next `times` calls; times < 0 means forever.
type fault struct {
	err   error
	times int
}

// faultyStore wraps a Store and injects failures per method name.
type faultyStore struct {
	store.Store

	mu     sync.Mutex
	faults map[string]*fault
	calls  map[string]int
}

func newFaultyStore(inner store.Store) *faultyStore {
	return &faultyStore{Store: inner, faults: make(map[string]*fault), calls: make(map[string]int)}
}

func (f *faultyStore) failOn(method string, err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[method] = &fault{err: err, times: times}
}

func (f *faultyStore) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *faultyStore) inject(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	ft, ok := f.faults[method]
	if !ok || ft.times == 0 {
		return nil
	}
	if ft.times > 0 {
		ft.times--
	}
	return ft.err
}

func (f *faultyStore) AppendTransaction(ctx context.Context, rec *model.TransactionRecord) (string, error) {
	if err := f.inject("AppendTransaction"); err != nil {
		return "", err
	}
	return f.Store.AppendTransaction(ctx, rec)
}

func (f *faultyStore) DeleteTransaction(ctx context.Context, id string) error {
	if err := f.inject("DeleteTransaction"); err != nil {
		return err
	}
	return f.Store.DeleteTransaction(ctx, id)
}

func (f *faultyStore) UpdateCashBalance(ctx context.Context, ownerID string, balance decimal.Decimal, v int64) error {
	if err := f.inject("UpdateCashBalance"); err != nil {
		return err
	}
	return f.Store.UpdateCashBalance(ctx, ownerID, balance, v)
}

func (f *faultyStore) UpdateAvailableShares(ctx context.Context, issuerID string, available int64, v int64) error {
	if err := f.inject("UpdateAvailableShares"); err != nil {
		return err
	}
	return f.Store.UpdateAvailableShares(ctx, issuerID, available, v)
}

func (f *faultyStore) UpsertPosition(ctx context.Context, pos model.Position, v int64) error {
	if err := f.inject("UpsertPosition"); err != nil {
		return err
	}
	return f.Store.UpsertPosition(ctx, pos, v)
}

func (f *faultyStore) DeletePosition(ctx context.Context, ownerID, issuerID string, v int64) error {
	if err := f.inject("DeletePosition"); err != nil {
		return err
	}
	return f.Store.DeletePosition(ctx, ownerID, issuerID, v)
}

// faultyTxStore is a transactional store whose transactions see the
// injected supply failures of the wrapped faultyStore.
type faultyTxStore struct {
	*faultyStore
	tx store.Transactor
}

func (f *faultyTxStore) RunInTx(ctx context.Context, fn func(store.Store) error) error {
	return f.tx.RunInTx(ctx, func(inner store.Store) error {
		return fn(txFaultView{Store: inner, f: f.faultyStore})
	})
}

type txFaultView struct {
	store.Store
	f *faultyStore
}

func (v txFaultView) UpdateAvailableShares(ctx context.Context, issuerID string, available int64, ver int64) error {
	if err := v.f.inject("UpdateAvailableShares"); err != nil {
		return err
	}
	return v.Store.UpdateAvailableShares(ctx, issuerID, available, ver)
}

// nopLocker leaves all serialization to version checks.
type nopLocker struct{}

func (nopLocker) Lock(context.Context, string) (func(), error) { return func() {}, nil }

// recordingNotifier collects settled results.
type recordingNotifier struct {
	mu      sync.Mutex
	settled []string
}

func (n *recordingNotifier) Settled(res settlement.Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.settled = append(n.settled, res.TransactionID)
}
