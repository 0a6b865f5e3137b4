// Package audit reconciles each issuer's cached availableShares counter
// against the transaction log, which is the source of truth:
//
//	expected = totalShares − Σ buy quantities + Σ sell quantities
//
// Audit only reports. Repair overwrites the counter with the expected value
// under the same per-issuer lock and version check used by settlement, so it
// never races a live trade. Both are idempotent.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stakeholder/settlement-engine/internal/lock"
	"github.com/stakeholder/settlement-engine/internal/metrics"
	"github.com/stakeholder/settlement-engine/internal/model"
	"github.com/stakeholder/settlement-engine/internal/store"
)

// ErrUnrepairable is returned when the log implies a counter outside
// [0, totalShares]; overwriting would persist an impossible state.
var ErrUnrepairable = errors.New("audit: log-derived supply out of range")

// Report is the result of auditing one issuer.
type Report struct {
	IssuerID     string    `json:"issuer_id"`
	TotalShares  int64     `json:"total_shares"`
	NetIssued    int64     `json:"net_issued"`
	Expected     int64     `json:"expected"`
	Actual       int64     `json:"actual"`
	Delta        int64     `json:"delta"` // expected − actual
	Consistent   bool      `json:"consistent"`
	Transactions int       `json:"transactions"`
	CheckedAt    time.Time `json:"checked_at"`
}

// RepairResult is the result of repairing one issuer.
type RepairResult struct {
	IssuerID          string `json:"issuer_id"`
	PreviousAvailable int64  `json:"previous_available"`
	NewAvailable      int64  `json:"new_available"`
	Changed           bool   `json:"changed"`
}

// ConservationReport checks availableShares + Σ holdings == totalShares.
type ConservationReport struct {
	IssuerID    string `json:"issuer_id"`
	TotalShares int64  `json:"total_shares"`
	Available   int64  `json:"available"`
	Held        int64  `json:"held"`
	Holders     int    `json:"holders"`
	Conserved   bool   `json:"conserved"`
}

// Auditor runs audits and repairs against a store.
type Auditor struct {
	store  store.Store
	locker lock.Locker
	logger *slog.Logger
	now    func() time.Time
}

// NewAuditor creates an Auditor. locker must be the one the settlement
// coordinator uses. Caches in front of st are bypassed.
func NewAuditor(st store.Store, locker lock.Locker) *Auditor {
	return &Auditor{
		store:  store.Uncached(st),
		locker: locker,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// NetIssued sums buy quantities minus sell quantities.
func NetIssued(records []model.TransactionRecord) int64 {
	var net int64
	for _, r := range records {
		switch r.Side {
		case model.SideBuy:
			net += r.Quantity
		case model.SideSell:
			net -= r.Quantity
		}
	}
	return net
}

// Audit compares the stored counter with the log-derived value.
func (a *Auditor) Audit(ctx context.Context, issuerID string) (*Report, error) {
	unlock, err := a.locker.Lock(ctx, issuerID)
	if err != nil {
		return nil, fmt.Errorf("lock issuer %s: %w", issuerID, err)
	}
	defer unlock()

	rep, _, err := a.audit(ctx, issuerID)
	if err != nil {
		metrics.AuditRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	a.record(rep)
	return rep, nil
}

// audit must be called with the issuer lock held.
func (a *Auditor) audit(ctx context.Context, issuerID string) (*Report, *model.IssuerSupply, error) {
	supply, err := a.store.GetIssuerSupply(ctx, issuerID)
	if err != nil {
		return nil, nil, fmt.Errorf("read issuer %s: %w", issuerID, err)
	}
	records, err := a.store.ListTransactionsByIssuer(ctx, issuerID, time.Time{})
	if err != nil {
		return nil, nil, fmt.Errorf("list transactions of %s: %w", issuerID, err)
	}

	net := NetIssued(records)
	expected := supply.TotalShares - net
	return &Report{
		IssuerID:     issuerID,
		TotalShares:  supply.TotalShares,
		NetIssued:    net,
		Expected:     expected,
		Actual:       supply.AvailableShares,
		Delta:        expected - supply.AvailableShares,
		Consistent:   expected == supply.AvailableShares,
		Transactions: len(records),
		CheckedAt:    a.now(),
	}, supply, nil
}

func (a *Auditor) record(rep *Report) {
	metrics.SupplyDrift.WithLabelValues(rep.IssuerID).Set(float64(rep.Delta))
	if rep.Consistent {
		metrics.AuditRunsTotal.WithLabelValues("consistent").Inc()
		return
	}
	metrics.AuditRunsTotal.WithLabelValues("drift").Inc()
	a.logger.Warn("supply drift detected",
		"issuer", rep.IssuerID,
		"expected", rep.Expected,
		"actual", rep.Actual,
		"delta", rep.Delta,
	)
}

// Repair overwrites availableShares with the log-derived value. It is a
// corrective write, not a settlement, and a no-op when already consistent.
func (a *Auditor) Repair(ctx context.Context, issuerID string) (*RepairResult, error) {
	unlock, err := a.locker.Lock(ctx, issuerID)
	if err != nil {
		return nil, fmt.Errorf("lock issuer %s: %w", issuerID, err)
	}
	defer unlock()

	rep, supply, err := a.audit(ctx, issuerID)
	if err != nil {
		return nil, err
	}
	res := &RepairResult{
		IssuerID:          issuerID,
		PreviousAvailable: supply.AvailableShares,
		NewAvailable:      supply.AvailableShares,
	}
	if rep.Consistent {
		return res, nil
	}
	if rep.Expected < 0 || rep.Expected > supply.TotalShares {
		return nil, fmt.Errorf("%w: issuer %s expected %d of %d", ErrUnrepairable, issuerID, rep.Expected, supply.TotalShares)
	}

	if err := a.store.UpdateAvailableShares(ctx, issuerID, rep.Expected, supply.Version); err != nil {
		return nil, fmt.Errorf("repair issuer %s: %w", issuerID, err)
	}
	res.NewAvailable = rep.Expected
	res.Changed = true

	metrics.RepairsTotal.Inc()
	metrics.SupplyDrift.WithLabelValues(issuerID).Set(0)
	a.logger.Warn("supply counter repaired",
		"issuer", issuerID,
		"previous", res.PreviousAvailable,
		"new", res.NewAvailable,
	)
	return res, nil
}

// AuditAll audits every issuer. An error on one issuer is logged and does
// not stop the others.
func (a *Auditor) AuditAll(ctx context.Context) ([]Report, error) {
	issuers, err := a.store.ListIssuers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list issuers: %w", err)
	}

	reports := make([]Report, 0, len(issuers))
	for _, is := range issuers {
		rep, err := a.Audit(ctx, is.IssuerID)
		if err != nil {
			if ctx.Err() != nil {
				return reports, ctx.Err()
			}
			a.logger.Error("audit failed", "issuer", is.IssuerID, "err", err)
			continue
		}
		reports = append(reports, *rep)
	}
	return reports, nil
}

// Conservation checks that every share is either available or held.
func (a *Auditor) Conservation(ctx context.Context, issuerID string) (*ConservationReport, error) {
	unlock, err := a.locker.Lock(ctx, issuerID)
	if err != nil {
		return nil, fmt.Errorf("lock issuer %s: %w", issuerID, err)
	}
	defer unlock()

	supply, err := a.store.GetIssuerSupply(ctx, issuerID)
	if err != nil {
		return nil, fmt.Errorf("read issuer %s: %w", issuerID, err)
	}
	positions, err := a.store.ListPositionsByIssuer(ctx, issuerID)
	if err != nil {
		return nil, fmt.Errorf("list positions of %s: %w", issuerID, err)
	}

	var held int64
	for _, p := range positions {
		held += p.Quantity
	}
	return &ConservationReport{
		IssuerID:    issuerID,
		TotalShares: supply.TotalShares,
		Available:   supply.AvailableShares,
		Held:        held,
		Holders:     len(positions),
		Conserved:   supply.AvailableShares+held == supply.TotalShares,
	}, nil
}
