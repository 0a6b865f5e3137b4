package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler audits every issuer on a fixed interval and, when AutoRepair is
// set, repairs the ones that drifted.
type Scheduler struct {
	Auditor    *Auditor
	Interval   time.Duration
	AutoRepair bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastRun time.Time
	last    []Report
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(a *Auditor, interval time.Duration, autoRepair bool) *Scheduler {
	return &Scheduler{Auditor: a, Interval: interval, AutoRepair: autoRepair}
}

// Start launches the background loop. Calling Start on a running scheduler
// or with a non-positive interval does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil || s.Interval <= 0 {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)

	slog.Info("audit scheduler started", "interval", s.Interval, "auto_repair", s.AutoRepair)
}

// Stop ends the loop and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	slog.Info("audit scheduler stopped")
}

// LastRun returns the time and reports of the most recent run.
func (s *Scheduler) LastRun() (time.Time, []Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.last
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one audit pass and, if enabled, repairs drifted issuers.
func (s *Scheduler) RunOnce(ctx context.Context) []Report {
	reports, err := s.Auditor.AuditAll(ctx)
	if err != nil {
		slog.Error("scheduled audit failed", "err", err)
	}

	drifted := 0
	for _, rep := range reports {
		if rep.Consistent {
			continue
		}
		drifted++
		if !s.AutoRepair {
			continue
		}
		if _, err := s.Auditor.Repair(ctx, rep.IssuerID); err != nil {
			slog.Error("scheduled repair failed", "issuer", rep.IssuerID, "err", err)
		}
	}

	s.mu.Lock()
	s.lastRun = time.Now().UTC()
	s.last = reports
	s.mu.Unlock()

	slog.Info("scheduled audit complete", "issuers", len(reports), "drifted", drifted)
	return reports
}
