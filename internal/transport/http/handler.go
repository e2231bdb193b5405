package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"creditledger/internal/ledger"
	"creditledger/internal/model"
	"creditledger/internal/service"
)

type Handler struct {
	svc    service.LedgerService
	logger *slog.Logger
}

func NewHandler(svc service.LedgerService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes maps each ServeMux pattern to its handler.
func (h *Handler) Routes() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"GET /health":               h.Health,
		"POST /accounts":            h.CreateAccount,
		"DELETE /accounts":          h.DeleteAccount,
		"GET /balance":              h.GetBalance,
		"POST /spend":               h.Spend,
		"POST /credit":              h.Credit,
		"POST /refund":              h.Refund,
		"GET /entries":              h.ListEntries,
		"GET /entries/by-reference": h.FindByReference,
		"GET /costs":                h.Costs,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.RegisterAccount(r.Context(), req.AccountID)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, model.BalanceResult{AccountID: req.AccountID, Balance: res.Balance})
}

func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	accID := r.URL.Query().Get("account_id")
	if accID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_params")
		return
	}
	if err := h.svc.DeleteAccount(r.Context(), accID); err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusNoContent, nil)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accID := r.URL.Query().Get("account_id")
	if accID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_params")
		return
	}
	bal, err := h.svc.GetBalance(r.Context(), accID)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, model.BalanceResult{AccountID: accID, Balance: bal})
}

func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	var req model.SpendRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Spend(r.Context(), req)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	var req model.CreditRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Credit(r.Context(), req)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req model.RefundRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Refund(r.Context(), req)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := model.ListEntriesRequest{AccountID: q.Get("account_id")}
	if req.AccountID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_params")
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.respondError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		req.Limit = n
	}
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			h.respondError(w, http.StatusBadRequest, "invalid_cursor")
			return
		}
		req.Before = n
	}
	page, err := h.svc.ListEntries(r.Context(), req)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, page)
}

func (h *Handler) FindByReference(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("reference")
	if ref == "" {
		h.respondError(w, http.StatusBadRequest, "missing_params")
		return
	}
	entries, err := h.svc.FindByReference(r.Context(), ref)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) Costs(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{"costs": h.svc.Costs()})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}

// respondLedgerError maps ledger errors to status codes. Only unexpected failures
// are logged; client errors are the caller's problem.
func (h *Handler) respondLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var ib *ledger.InsufficientBalanceError
	if errors.As(err, &ib) {
		h.respondJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     "insufficient_balance",
			"required":  ib.Required,
			"available": ib.Available,
			"shortfall": ib.Shortfall(),
		})
		return
	}

	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	h.respondError(w, status, code)
}

var statusByCode = map[string]int{
	"account_not_found":        http.StatusNotFound,
	"original_debit_not_found": http.StatusNotFound,
	"account_exists":           http.StatusConflict,
	"idempotency_key_reused":   http.StatusConflict,
	"insufficient_balance":     http.StatusPaymentRequired,
	"unknown_operation_kind":   http.StatusBadRequest,
	"invalid_amount":           http.StatusBadRequest,
	"invalid_reason":           http.StatusBadRequest,
	"invalid_account_id":       http.StatusBadRequest,
	"refund_exceeds_debit":     http.StatusBadRequest,
	"ledger_unavailable":       http.StatusServiceUnavailable,
}

func errorStatus(err error) (int, string) {
	code := ledger.ErrorCode(err)
	if status, ok := statusByCode[code]; ok {
		return status, code
	}
	return http.StatusInternalServerError, code
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
