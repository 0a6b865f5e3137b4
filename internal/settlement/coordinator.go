// Package settlement moves cash and share ownership between a buyer and an
// issuer as one unit of work.
//
// Each attempt re-reads a snapshot, validates it, and then writes, in order:
// the transaction log entry, the cash balance, the issuer supply, and the
// position. Every write is checked against the version read with the
// snapshot. On stores with native transactions the attempt runs inside one
// transaction; otherwise each committed step registers a compensation that
// is run in reverse when a later step fails (a saga).
//
// All monetary values use shopspring/decimal, never float64.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stakeholder/settlement-engine/internal/lock"
	"github.com/stakeholder/settlement-engine/internal/metrics"
	"github.com/stakeholder/settlement-engine/internal/model"
	"github.com/stakeholder/settlement-engine/internal/position"
	"github.com/stakeholder/settlement-engine/internal/store"
	"github.com/stakeholder/settlement-engine/internal/validation"
)

// DefaultMaxAttempts bounds optimistic retries before returning Contended.
const DefaultMaxAttempts = 3

// DefaultLockWait bounds how long Settle queues for the issuer lock.
const DefaultLockWait = 5 * time.Second

// Notifier is told about every settled order.
type Notifier interface {
	Settled(res Result)
}

// Coordinator settles orders. It holds no ledger state between calls.
type Coordinator struct {
	store       store.Store
	locker      lock.Locker
	notifier    Notifier
	maxAttempts int
	lockWait    time.Duration
	atomic      bool
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLocker sets the per-issuer lock. Defaults to an in-process KeyedMutex.
// The auditor must share the same Locker.
func WithLocker(l lock.Locker) Option { return func(c *Coordinator) { c.locker = l } }

// WithMaxAttempts sets the optimistic retry budget.
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithLockWait bounds the wait for the issuer lock. An order that cannot
// take the lock in time is reported as Contended.
func WithLockWait(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.lockWait = d
		}
	}
}

// WithSaga forces the compensation protocol even on transactional stores.
func WithSaga() Option { return func(c *Coordinator) { c.atomic = false } }

// WithNotifier registers a listener for settled orders.
func WithNotifier(n Notifier) Option { return func(c *Coordinator) { c.notifier = n } }

// WithClock overrides the transaction timestamp source.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// NewCoordinator creates a Coordinator over st. Native transactions are used
// when st supports them unless WithSaga is given.
func NewCoordinator(st store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       st,
		locker:      lock.NewKeyedMutex(),
		maxAttempts: DefaultMaxAttempts,
		lockWait:    DefaultLockWait,
		atomic:      store.IsTransactional(st),
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mode returns "atomic" or "saga".
func (c *Coordinator) Mode() string {
	if c.atomic {
		return "atomic"
	}
	return "saga"
}

// Settle runs the order to a terminal outcome. It blocks until the order is
// settled, rejected, contended, failed, or partially failed. ctx is honoured
// until the log entry is written; after that the attempt runs to completion
// or explicit rollback.
func (c *Coordinator) Settle(ctx context.Context, o model.Order) Result {
	start := time.Now()
	res := c.settle(ctx, o)

	metrics.SettlementLatency.WithLabelValues(string(o.Side)).Observe(time.Since(start).Seconds())
	metrics.SettlementsTotal.WithLabelValues(string(res.Status), res.Code).Inc()

	attrs := []any{
		"tx_id", res.TransactionID,
		"owner", o.BuyerID,
		"issuer", o.IssuerID,
		"side", o.Side,
		"qty", o.Quantity,
		"price", o.PricePerUnit.String(),
		"status", res.Status,
		"attempts", res.Attempts,
	}
	switch res.Status {
	case StatusSettled:
		metrics.SettledVolume.WithLabelValues(string(o.Side)).Add(float64(o.Quantity))
		c.logger.Info("order settled", attrs...)
		if c.notifier != nil {
			c.notifier.Settled(res)
		}
	case StatusRejected, StatusContended:
		c.logger.Info("order not settled", append(attrs, "code", res.Code, "reason", res.Message)...)
	case StatusFailed:
		c.logger.Error("settlement failed", append(attrs, "code", res.Code, "err", res.Message)...)
	case StatusPartialFailure:
		c.logger.Error("settlement left ledger inconsistent",
			append(attrs, "failed_steps", res.Partial.FailedSteps, "errors", res.Partial.Errors)...)
	}
	return res
}

func (c *Coordinator) settle(ctx context.Context, o model.Order) Result {
	if err := validation.CheckOrder(o); err != nil {
		return rejected(err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, c.lockWait)
	unlock, err := c.locker.Lock(lockCtx, o.IssuerID)
	cancel()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return busy(o.IssuerID, err)
	}
	if err != nil {
		return failed("", fmt.Errorf("lock issuer %s: %w", o.IssuerID, err))
	}
	defer unlock()

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var res Result
		if c.atomic {
			res, err = c.attemptAtomic(ctx, o)
		} else {
			res, err = c.attemptSaga(ctx, o)
		}
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.SettlementRetries.Inc()
			c.logger.Debug("version conflict, retrying",
				"issuer", o.IssuerID, "owner", o.BuyerID, "attempt", attempt, "err", err)
			continue
		}
		if err != nil {
			res = failed(res.TransactionID, err)
		}
		res.Attempts = attempt
		return res
	}
	return contended(c.maxAttempts)
}

// prepare reads a fresh snapshot and validates the order against it.
// A non-nil Result means the attempt ends without writing.
func (c *Coordinator) prepare(ctx context.Context, st store.Store, o model.Order) (*validation.Accepted, *Result) {
	cash, err := st.GetCashAccount(ctx, o.BuyerID)
	if errors.Is(err, store.ErrNotFound) {
		res := rejected(validation.ErrUnknownAccount)
		return nil, &res
	}
	if err != nil {
		res := failed("", fmt.Errorf("read cash account: %w", err))
		return nil, &res
	}

	supply, err := st.GetIssuerSupply(ctx, o.IssuerID)
	if errors.Is(err, store.ErrNotFound) {
		res := rejected(validation.ErrUnknownIssuer)
		return nil, &res
	}
	if err != nil {
		res := failed("", fmt.Errorf("read issuer supply: %w", err))
		return nil, &res
	}

	pos, err := st.GetPosition(ctx, o.BuyerID, o.IssuerID)
	if errors.Is(err, store.ErrNotFound) {
		pos = nil
	} else if err != nil {
		res := failed("", fmt.Errorf("read position: %w", err))
		return nil, &res
	}

	acc, err := validation.Validate(o, validation.Snapshot{Cash: *cash, Supply: *supply, Position: pos})
	if err != nil {
		res := rejected(err)
		return nil, &res
	}
	return acc, nil
}

// attemptSaga runs one attempt with compensations. A returned
// store.ErrVersionConflict means every step was rolled back and the attempt
// may be retried.
func (c *Coordinator) attemptSaga(ctx context.Context, o model.Order) (Result, error) {
	acc, res := c.prepare(ctx, c.store, o)
	if res != nil {
		return *res, nil
	}

	s := &saga{store: c.store, logger: c.logger, owner: o.BuyerID, issuer: o.IssuerID}
	res2, err := c.execute(ctx, c.store, acc, s)
	if err == nil {
		return res2, nil
	}

	// The log entry may be durable; compensations must not be cancelled.
	pf := s.rollback(context.WithoutCancel(ctx))
	if pf != nil {
		return partial(pf, err), nil
	}
	if errors.Is(err, store.ErrVersionConflict) {
		return Result{}, err
	}
	return failed(s.txID, err), nil
}

// attemptAtomic runs one attempt inside a native store transaction.
func (c *Coordinator) attemptAtomic(ctx context.Context, o model.Order) (Result, error) {
	tx, ok := c.store.(store.Transactor)
	if !ok {
		return c.attemptSaga(ctx, o)
	}

	var res Result
	err := tx.RunInTx(ctx, func(st store.Store) error {
		acc, early := c.prepare(ctx, st, o)
		if early != nil {
			res = *early
			return nil
		}
		var err error
		res, err = c.execute(ctx, st, acc, nil)
		return err
	})
	if errors.Is(err, store.ErrTxUnsupported) {
		return c.attemptSaga(ctx, o)
	}
	if errors.Is(err, store.ErrVersionConflict) {
		return Result{}, err
	}
	if err != nil {
		return failed("", err), nil
	}
	return res, nil
}

// execute performs the four writes against st. When s is non-nil each completed
// step registers its compensation on it.
func (c *Coordinator) execute(ctx context.Context, st store.Store, acc *validation.Accepted, s *saga) (Result, error) {
	o := acc.Order
	snap := acc.Snapshot

	// Step 2: the log entry is the durable record of intent.
	rec := model.TransactionRecord{
		ID:           uuid.New().String(),
		BuyerID:      o.BuyerID,
		IssuerID:     o.IssuerID,
		Side:         o.Side,
		Quantity:     o.Quantity,
		PricePerUnit: o.PricePerUnit,
		TotalAmount:  acc.Total,
		Timestamp:    c.now(),
	}
	if _, err := st.AppendTransaction(ctx, &rec); err != nil {
		return Result{}, fmt.Errorf("append transaction: %w", err)
	}
	ctx = context.WithoutCancel(ctx)
	if s != nil {
		s.txID = rec.ID
		s.push(stepLog, func(ctx context.Context) error {
			return s.store.DeleteTransaction(ctx, rec.ID)
		})
	}

	// Step 3: cash.
	cashDelta := acc.Total.Neg()
	if o.Side == model.SideSell {
		cashDelta = acc.Total
	}
	newBalance := snap.Cash.Balance.Add(cashDelta)
	if newBalance.IsNegative() {
		return Result{}, fmt.Errorf("%w: balance of %s would become %s", ErrInvariantViolation, o.BuyerID, newBalance)
	}
	if err := st.UpdateCashBalance(ctx, o.BuyerID, newBalance, snap.Cash.Version); err != nil {
		return Result{}, fmt.Errorf("update cash: %w", err)
	}
	if s != nil {
		s.push(stepCash, func(ctx context.Context) error {
			return s.addCash(ctx, o.BuyerID, cashDelta.Neg())
		})
	}

	// Step 4: supply.
	supplyDelta := -o.SignedQuantity()
	newAvailable := snap.Supply.AvailableShares + supplyDelta
	if newAvailable < 0 || newAvailable > snap.Supply.TotalShares {
		return Result{}, fmt.Errorf("%w: available shares of %s would become %d of %d",
			ErrInvariantViolation, o.IssuerID, newAvailable, snap.Supply.TotalShares)
	}
	if err := st.UpdateAvailableShares(ctx, o.IssuerID, newAvailable, snap.Supply.Version); err != nil {
		return Result{}, fmt.Errorf("update supply: %w", err)
	}
	if s != nil {
		s.push(stepSupply, func(ctx context.Context) error {
			return s.addSupply(ctx, o.IssuerID, -supplyDelta)
		})
	}

	// Step 5: position.
	ledger := position.NewLedger(st)
	ch, err := ledger.Apply(ctx, snap.Position, o)
	if errors.Is(err, position.ErrNegativeQuantity) {
		return Result{}, fmt.Errorf("%w: %w", ErrInvariantViolation, err)
	}
	if err != nil {
		return Result{}, err
	}

	var pnl *decimal.Decimal
	if o.Side == model.SideSell {
		v := position.RealizedPnL(snap.Position.AverageCost, o.Quantity, o.PricePerUnit)
		pnl = &v
	}
	return settled(rec, ch.After, pnl), nil
}
