package trade

import (
	"net/http"
	"time"

	"github.com/stakeholder/settlement-engine/internal/audit"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string       `json:"status"`
	Service string       `json:"service"`
	Audit   *AuditHealth `json:"audit,omitempty"`
}

// AuditHealth summarizes the most recent scheduled audit. Drifted counts the
// issuers found inconsistent by that run, before any auto-repair.
type AuditHealth struct {
	LastRun time.Time `json:"last_run"`
	Issuers int       `json:"issuers"`
	Drifted int       `json:"drifted"`
}

// Health reports liveness and, once the scheduler has run, the outcome of
// its last audit pass. sched may be nil.
func Health(sched *audit.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok", Service: "settlement-engine"}
		if sched != nil {
			if at, reports := sched.LastRun(); !at.IsZero() {
				ah := &AuditHealth{LastRun: at, Issuers: len(reports)}
				for _, rep := range reports {
					if !rep.Consistent {
						ah.Drifted++
					}
				}
				resp.Audit = ah
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
