package settlement

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/stakeholder/settlement-engine/internal/model"
	"github.com/stakeholder/settlement-engine/internal/validation"
)

// Status is the terminal state of one Settle call.
type Status string

const (
	// StatusSettled: every write is durable.
	StatusSettled Status = "settled"
	// StatusRejected: validation failed; nothing was written. Do not retry.
	StatusRejected Status = "rejected"
	// StatusContended: version conflicts outlasted the retry budget, or the
	// issuer lock was not free in time. Retry later.
	StatusContended Status = "contended"
	// StatusFailed: a storage or invariant failure aborted the settlement
	// and every compensation succeeded; nothing sticks.
	StatusFailed Status = "failed"
	// StatusPartialFailure: a compensation failed; the ledger is inconsistent
	// until an operator or the auditor reconciles it. Treat as an incident.
	StatusPartialFailure Status = "partial_failure"
)

// Stable codes for non-rejection outcomes. Rejections use validation.Reason.
const (
	CodeContended          = "CONTENDED"
	CodeSettlementFailed   = "SETTLEMENT_FAILED"
	CodeInvariantViolation = "INVARIANT_VIOLATION"
	CodePartialFailure     = "PARTIAL_FAILURE"
)

var (
	// ErrContended is the cause of StatusContended results.
	ErrContended = errors.New("settlement: contended")

	// ErrSettlementFailed is the cause of StatusFailed results.
	ErrSettlementFailed = errors.New("settlement: failed")

	// ErrInvariantViolation marks post-condition math that can only be
	// reached through a programming error, e.g. negative supply.
	ErrInvariantViolation = errors.New("settlement: invariant violation")

	// ErrPartialFailure is the cause of StatusPartialFailure results.
	ErrPartialFailure = errors.New("settlement: partial failure")
)

// Result is the outcome of Settle.
type Result struct {
	Status        Status `json:"status"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Attempts      int    `json:"attempts"`

	// Set when settled.
	Record      *model.TransactionRecord `json:"record,omitempty"`
	Position    *model.Position          `json:"position,omitempty"` // nil after a close-out
	RealizedPnL *decimal.Decimal         `json:"realized_pnl,omitempty"`

	Partial *PartialFailure `json:"partial,omitempty"`

	cause error
}

// PartialFailure identifies the records left inconsistent by a failed
// compensation.
type PartialFailure struct {
	TransactionID string   `json:"transaction_id"`
	OwnerID       string   `json:"owner_id"`
	IssuerID      string   `json:"issuer_id"`
	FailedSteps   []string `json:"failed_steps"`
	Errors        []string `json:"errors"`
}

// Err returns nil for settled results and the cause otherwise. Rejections
// unwrap to *validation.Rejection.
func (r Result) Err() error {
	if r.Status == StatusSettled {
		return nil
	}
	if r.cause != nil {
		return r.cause
	}
	return fmt.Errorf("settlement %s: %s", r.Status, r.Message)
}

func settled(rec model.TransactionRecord, pos *model.Position, pnl *decimal.Decimal) Result {
	return Result{
		Status:        StatusSettled,
		TransactionID: rec.ID,
		Record:        &rec,
		Position:      pos,
		RealizedPnL:   pnl,
	}
}

func rejected(err error) Result {
	res := Result{Status: StatusRejected, Message: err.Error(), cause: err}
	var rej *validation.Rejection
	if errors.As(err, &rej) {
		res.Code = string(rej.Reason)
		res.Message = rej.Message
	}
	return res
}

func contended(attempts int) Result {
	return Result{
		Status:   StatusContended,
		Code:     CodeContended,
		Message:  fmt.Sprintf("ledger records kept changing across %d attempts; retry the order", attempts),
		Attempts: attempts,
		cause:    fmt.Errorf("%w after %d attempts", ErrContended, attempts),
	}
}

// busy reports an order that never got the issuer lock. Nothing was written.
func busy(issuerID string, err error) Result {
	return Result{
		Status:  StatusContended,
		Code:    CodeContended,
		Message: fmt.Sprintf("issuer %s is busy; retry the order", issuerID),
		cause:   fmt.Errorf("%w: lock issuer %s: %w", ErrContended, issuerID, err),
	}
}

func failed(txID string, err error) Result {
	code := CodeSettlementFailed
	if errors.Is(err, ErrInvariantViolation) {
		code = CodeInvariantViolation
	}
	return Result{
		Status:        StatusFailed,
		Code:          code,
		Message:       err.Error(),
		TransactionID: txID,
		cause:         fmt.Errorf("%w: %w", ErrSettlementFailed, err),
	}
}

func partial(pf *PartialFailure, cause error) Result {
	return Result{
		Status:        StatusPartialFailure,
		Code:          CodePartialFailure,
		Message:       fmt.Sprintf("compensation failed at %s; ledger needs reconciliation", strings.Join(pf.FailedSteps, ", ")),
		TransactionID: pf.TransactionID,
		Partial:       pf,
		cause:         fmt.Errorf("%w: %w", ErrPartialFailure, cause),
	}
}
