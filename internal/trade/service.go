// Package trade provides the HTTP handlers for opening cash accounts,
// issuing shares, settling trades, and querying and auditing the ledger.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stakeholder/settlement-engine/internal/audit"
	"github.com/stakeholder/settlement-engine/internal/model"
	"github.com/stakeholder/settlement-engine/internal/settlement"
	"github.com/stakeholder/settlement-engine/internal/store"
)

// retryAfterSeconds is sent with 409 responses to contended trades.
const retryAfterSeconds = 1

// Service exposes the settlement engine over HTTP. Trades are serialized
// per issuer by the coordinator, not by the service.
type Service struct {
	store   store.Store
	settler *settlement.Coordinator
	auditor *audit.Auditor
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed. Settlement
// broadcasts are wired through settlement.WithNotifier, not here.
func NewService(st store.Store, settler *settlement.Coordinator, auditor *audit.Auditor, hub *WSHub) *Service {
	return &Service{
		store:   st,
		settler: settler,
		auditor: auditor,
		wsHub:   hub,
	}
}

// Routes mounts the API under r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/accounts", s.CreateAccount)
	r.Get("/accounts/{ownerID}", s.GetAccount)
	r.Get("/accounts/{ownerID}/positions", s.GetAccountPositions)
	r.Get("/accounts/{ownerID}/transactions", s.GetAccountTransactions)

	r.Post("/issuers", s.CreateIssuer)
	r.Get("/issuers", s.ListIssuers)
	r.Get("/issuers/{issuerID}", s.GetIssuer)
	r.Get("/issuers/{issuerID}/transactions", s.GetIssuerTransactions)
	r.Get("/issuers/{issuerID}/audit", s.AuditIssuer)
	r.Post("/issuers/{issuerID}/repair", s.RepairIssuer)

	r.Post("/trades", s.SubmitTrade)
}

// --- Request/Response types ---

// CreateAccountRequest is the JSON body for POST /accounts.
type CreateAccountRequest struct {
	OwnerID string          `json:"owner_id"`
	Balance decimal.Decimal `json:"balance"`
}

// CreateIssuerRequest is the JSON body for POST /issuers.
type CreateIssuerRequest struct {
	IssuerID    string `json:"issuer_id"`
	TotalShares int64  `json:"total_shares"`
}

// TradeRequest is the JSON body for POST /trades.
type TradeRequest struct {
	BuyerID      string          `json:"buyer_id"`
	IssuerID     string          `json:"issuer_id"`
	Side         string          `json:"side"` // "buy" or "sell"
	Quantity     int64           `json:"quantity"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error         string                     `json:"error"`
	Code          string                     `json:"code,omitempty"`
	Status        settlement.Status          `json:"status,omitempty"`
	TransactionID string                     `json:"transaction_id,omitempty"`
	Partial       *settlement.PartialFailure `json:"partial,omitempty"`
}

// AuditResponse combines the log reconciliation and the conservation check.
type AuditResponse struct {
	*audit.Report
	Conservation *audit.ConservationReport `json:"conservation"`
}

// --- Accounts ---

// CreateAccount handles POST /api/v1/accounts
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		writeError(w, "owner_id is required", "", http.StatusBadRequest)
		return
	}
	if req.Balance.IsNegative() {
		writeError(w, "balance must not be negative", "", http.StatusBadRequest)
		return
	}

	acct := &model.CashAccount{OwnerID: req.OwnerID, Balance: req.Balance}
	if err := s.store.CreateCashAccount(r.Context(), acct); err != nil {
		writeStoreError(w, err)
		return
	}

	slog.Info("cash account opened", "owner", acct.OwnerID, "balance", acct.Balance.String())

	created, err := s.store.GetCashAccount(r.Context(), acct.OwnerID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetAccount handles GET /api/v1/accounts/{ownerID}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.store.GetCashAccount(r.Context(), chi.URLParam(r, "ownerID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// GetAccountPositions handles GET /api/v1/accounts/{ownerID}/positions
func (s *Service) GetAccountPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListPositionsByOwner(r.Context(), chi.URLParam(r, "ownerID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetAccountTransactions handles GET /api/v1/accounts/{ownerID}/transactions
// Accepts an optional ?since=<RFC3339> lower bound.
func (s *Service) GetAccountTransactions(w http.ResponseWriter, r *http.Request) {
	since, ok := parseSince(w, r)
	if !ok {
		return
	}
	records, err := s.store.ListTransactionsByOwner(r.Context(), chi.URLParam(r, "ownerID"), since)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if records == nil {
		records = []model.TransactionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// --- Issuers ---

// CreateIssuer handles POST /api/v1/issuers
// Every share starts available for issuance.
func (s *Service) CreateIssuer(w http.ResponseWriter, r *http.Request) {
	var req CreateIssuerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "", http.StatusBadRequest)
		return
	}
	if req.IssuerID == "" {
		writeError(w, "issuer_id is required", "", http.StatusBadRequest)
		return
	}
	if req.TotalShares <= 0 {
		writeError(w, "total_shares must be positive", "", http.StatusBadRequest)
		return
	}

	supply := &model.IssuerSupply{
		IssuerID:        req.IssuerID,
		TotalShares:     req.TotalShares,
		AvailableShares: req.TotalShares,
	}
	if err := s.store.CreateIssuer(r.Context(), supply); err != nil {
		writeStoreError(w, err)
		return
	}

	slog.Info("issuer created", "issuer", supply.IssuerID, "total_shares", supply.TotalShares)

	created, err := s.store.GetIssuerSupply(r.Context(), supply.IssuerID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListIssuers handles GET /api/v1/issuers
func (s *Service) ListIssuers(w http.ResponseWriter, r *http.Request) {
	issuers, err := s.store.ListIssuers(r.Context())
	if err != nil {
		writeError(w, "failed to list issuers", "", http.StatusInternalServerError)
		return
	}
	if issuers == nil {
		issuers = []model.IssuerSupply{}
	}
	writeJSON(w, http.StatusOK, issuers)
}

// GetIssuer handles GET /api/v1/issuers/{issuerID}
func (s *Service) GetIssuer(w http.ResponseWriter, r *http.Request) {
	supply, err := s.store.GetIssuerSupply(r.Context(), chi.URLParam(r, "issuerID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, supply)
}

// GetIssuerTransactions handles GET /api/v1/issuers/{issuerID}/transactions
func (s *Service) GetIssuerTransactions(w http.ResponseWriter, r *http.Request) {
	since, ok := parseSince(w, r)
	if !ok {
		return
	}
	records, err := s.store.ListTransactionsByIssuer(r.Context(), chi.URLParam(r, "issuerID"), since)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if records == nil {
		records = []model.TransactionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// AuditIssuer handles GET /api/v1/issuers/{issuerID}/audit
// Reports only; never writes.
func (s *Service) AuditIssuer(w http.ResponseWriter, r *http.Request) {
	issuerID := chi.URLParam(r, "issuerID")

	rep, err := s.auditor.Audit(r.Context(), issuerID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	cons, err := s.auditor.Conservation(r.Context(), issuerID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AuditResponse{Report: rep, Conservation: cons})
}

// RepairIssuer handles POST /api/v1/issuers/{issuerID}/repair
func (s *Service) RepairIssuer(w http.ResponseWriter, r *http.Request) {
	res, err := s.auditor.Repair(r.Context(), chi.URLParam(r, "issuerID"))
	switch {
	case errors.Is(err, audit.ErrUnrepairable):
		writeError(w, err.Error(), "UNREPAIRABLE", http.StatusConflict)
		return
	case err != nil:
		writeStoreError(w, err)
		return
	}

	if res.Changed && s.wsHub != nil {
		s.wsHub.Repaired(res)
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Trades ---

// SubmitTrade handles POST /api/v1/trades
// Blocks until the order reaches a terminal outcome.
func (s *Service) SubmitTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "", http.StatusBadRequest)
		return
	}

	res := s.settler.Settle(r.Context(), model.Order{
		BuyerID:      req.BuyerID,
		IssuerID:     req.IssuerID,
		Side:         model.Side(req.Side),
		Quantity:     req.Quantity,
		PricePerUnit: req.PricePerUnit,
	})

	status := StatusCode(res.Status)
	if res.Status == settlement.StatusSettled {
		writeJSON(w, status, res)
		return
	}
	if res.Status == settlement.StatusContended {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	writeJSON(w, status, ErrorResponse{
		Error:         res.Message,
		Code:          res.Code,
		Status:        res.Status,
		TransactionID: res.TransactionID,
		Partial:       res.Partial,
	})
}

// StatusCode maps a settlement outcome to its HTTP status.
func StatusCode(st settlement.Status) int {
	switch st {
	case settlement.StatusSettled:
		return http.StatusOK
	case settlement.StatusRejected:
		return http.StatusUnprocessableEntity
	case settlement.StatusContended:
		return http.StatusConflict
	case settlement.StatusFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// parseSince reads the optional ?since=<RFC3339> parameter. It writes a
// 400 and returns false when the value is malformed.
func parseSince(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		writeError(w, "since must be an RFC3339 timestamp", "", http.StatusBadRequest)
		return time.Time{}, false
	}
	return t.UTC(), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeStoreError maps store sentinels to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), "NOT_FOUND", http.StatusNotFound)
	case errors.Is(err, store.ErrAlreadyExists):
		writeError(w, err.Error(), "ALREADY_EXISTS", http.StatusConflict)
	case errors.Is(err, store.ErrVersionConflict):
		writeError(w, err.Error(), settlement.CodeContended, http.StatusConflict)
	default:
		slog.Error("store error", "err", err)
		writeError(w, "internal error", "", http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
