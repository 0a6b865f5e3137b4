package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/stakeholder/settlement-engine/internal/metrics"
	"github.com/stakeholder/settlement-engine/internal/store"
)

// compensationAttempts bounds re-reads when a compensating write hits a
// version conflict. The owner's balance may legitimately be moved by a
// settlement against another issuer while we roll back.
const compensationAttempts = 5

const (
	stepLog    = "transaction_log"
	stepCash   = "cash_account"
	stepSupply = "issuer_supply"
)

type compensation struct {
	step string
	undo func(ctx context.Context) error
}

// saga records the compensations of committed steps for one attempt.
type saga struct {
	store  store.Store
	logger *slog.Logger
	owner  string
	issuer string
	txID   string
	steps  []compensation
}

func (s *saga) push(step string, undo func(ctx context.Context) error) {
	s.steps = append(s.steps, compensation{step: step, undo: undo})
}

// rollback runs compensations newest first. Every step is attempted even
// after a failure; a non-nil result lists what could not be undone.
func (s *saga) rollback(ctx context.Context) *PartialFailure {
	var pf *PartialFailure
	for i := len(s.steps) - 1; i >= 0; i-- {
		c := s.steps[i]
		err := c.undo(ctx)
		if err == nil {
			metrics.CompensationsTotal.WithLabelValues(c.step, "ok").Inc()
			s.logger.Warn("compensated settlement step",
				"tx_id", s.txID, "owner", s.owner, "issuer", s.issuer, "step", c.step)
			continue
		}

		metrics.CompensationsTotal.WithLabelValues(c.step, "failed").Inc()
		s.logger.Error("compensation failed",
			"tx_id", s.txID, "owner", s.owner, "issuer", s.issuer, "step", c.step, "err", err)
		if pf == nil {
			pf = &PartialFailure{TransactionID: s.txID, OwnerID: s.owner, IssuerID: s.issuer}
		}
		pf.FailedSteps = append(pf.FailedSteps, c.step)
		pf.Errors = append(pf.Errors, err.Error())
	}
	s.steps = nil
	return pf
}

// addCash applies delta to the owner's current balance with a version check.
func (s *saga) addCash(ctx context.Context, ownerID string, delta decimal.Decimal) error {
	var lastErr error
	for i := 0; i < compensationAttempts; i++ {
		acct, err := s.store.GetCashAccount(ctx, ownerID)
		if err != nil {
			return fmt.Errorf("read cash account %s: %w", ownerID, err)
		}
		lastErr = s.store.UpdateCashBalance(ctx, ownerID, acct.Balance.Add(delta), acct.Version)
		if !errors.Is(lastErr, store.ErrVersionConflict) {
			return lastErr
		}
	}
	return lastErr
}

// addSupply applies delta to the issuer's current availableShares with a
// version check.
func (s *saga) addSupply(ctx context.Context, issuerID string, delta int64) error {
	var lastErr error
	for i := 0; i < compensationAttempts; i++ {
		supply, err := s.store.GetIssuerSupply(ctx, issuerID)
		if err != nil {
			return fmt.Errorf("read issuer %s: %w", issuerID, err)
		}
		lastErr = s.store.UpdateAvailableShares(ctx, issuerID, supply.AvailableShares+delta, supply.Version)
		if !errors.Is(lastErr, store.ErrVersionConflict) {
			return lastErr
		}
	}
	return lastErr
}
