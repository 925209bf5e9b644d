package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/payflow/internal/accounting"
	"github.com/punchamoorthee/payflow/internal/payments"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payflow_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payflow_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	ledger   *accounting.Engine
	payments *payments.Service
}

func NewHandler(ledger *accounting.Engine, paymentService *payments.Service) *Handler {
	return &Handler{ledger: ledger, payments: paymentService}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createAssetRequest struct {
	Unit  uint32 `json:"unit"`
	Code  string `json:"code"`
	Scale uint8  `json:"scale"`
}

func (h *Handler) CreateAssetHandler(w http.ResponseWriter, r *http.Request) {
	var req createAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respond(w, r, "/assets", http.StatusBadRequest, map[string]string{"error": "Malformed JSON body"})
		return
	}
	if req.Code == "" {
		h.respond(w, r, "/assets", http.StatusUnprocessableEntity, map[string]string{"error": "Asset code required"})
		return
	}

	asset, err := h.ledger.CreateAsset(r.Context(), req.Unit, req.Code, req.Scale)
	if err != nil {
		h.respondLedgerError(w, r, "/assets", err)
		return
	}
	h.respond(w, r, "/assets", http.StatusCreated, asset)
}

type createAccountRequest struct {
	ID   string `json:"id"`
	Unit uint32 `json:"unit"`
}

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respond(w, r, "/accounts", http.StatusBadRequest, map[string]string{"error": "Malformed JSON body"})
		return
	}

	account, err := h.ledger.CreateAccount(r.Context(), req.ID, req.Unit, accounting.RoleOrdinary)
	if err != nil {
		h.respondLedgerError(w, r, "/accounts", err)
		return
	}
	h.respond(w, r, "/accounts", http.StatusCreated, account)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	account, err := h.ledger.GetAccount(r.Context(), id)
	if err != nil {
		h.respondLedgerError(w, r, "/accounts/{id}", err)
		return
	}

	h.respond(w, r, "/accounts/{id}", http.StatusOK, map[string]any{
		"account":        account,
		"balance":        account.Balance(),
		"total_sent":     account.DebitsPosted,
		"total_received": account.CreditsPosted,
	})
}

type createTransferRequest struct {
	ID            string `json:"id"`
	SourceID      string `json:"source_id"`
	DestinationID string `json:"destination_id"`
	Amount        uint64 `json:"amount"`
	TimeoutNs     int64  `json:"timeout_ns"`
}

func (h *Handler) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/transfers"))
	defer timer.ObserveDuration()

	var req createTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respond(w, r, "/transfers", http.StatusBadRequest, map[string]string{"error": "Malformed JSON body"})
		return
	}

	err := h.ledger.CreateTransfer(r.Context(), req.ID, req.SourceID, req.DestinationID, req.Amount, time.Duration(req.TimeoutNs))
	if err != nil {
		h.respondLedgerError(w, r, "/transfers", err)
		return
	}
	w.Header().Set("Location", "/api/v1/transfers/"+req.ID)
	h.respond(w, r, "/transfers", http.StatusCreated, map[string]string{"id": req.ID})
}

func (h *Handler) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	transfer, err := h.ledger.GetTransfer(r.Context(), id)
	if err != nil {
		h.respondLedgerError(w, r, "/transfers/{id}", err)
		return
	}
	h.respond(w, r, "/transfers/{id}", http.StatusOK, transfer)
}

func (h *Handler) CommitTransferHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.ledger.CommitTransfer(r.Context(), id); err != nil {
		h.respondLedgerError(w, r, "/transfers/{id}/commit", err)
		return
	}
	h.respond(w, r, "/transfers/{id}/commit", http.StatusOK, map[string]string{"id": id, "state": "posted"})
}

func (h *Handler) RollbackTransferHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.ledger.RollbackTransfer(r.Context(), id); err != nil {
		h.respondLedgerError(w, r, "/transfers/{id}/rollback", err)
		return
	}
	h.respond(w, r, "/transfers/{id}/rollback", http.StatusOK, map[string]string{"id": id, "state": "voided"})
}

type balanceChangeRequest struct {
	TransferID string `json:"transfer_id"`
	Amount     uint64 `json:"amount"`
	TimeoutNs  int64  `json:"timeout_ns"`
}

func (h *Handler) CreateDepositHandler(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]

	var req balanceChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respond(w, r, "/accounts/{id}/deposits", http.StatusBadRequest, map[string]string{"error": "Malformed JSON body"})
		return
	}

	if err := h.ledger.CreateDeposit(r.Context(), req.TransferID, accountID, req.Amount); err != nil {
		h.respondLedgerError(w, r, "/accounts/{id}/deposits", err)
		return
	}
	h.respond(w, r, "/accounts/{id}/deposits", http.StatusCreated, map[string]string{"id": req.TransferID})
}

func (h *Handler) CreateWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]

	var req balanceChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respond(w, r, "/accounts/{id}/withdrawals", http.StatusBadRequest, map[string]string{"error": "Malformed JSON body"})
		return
	}

	if err := h.ledger.CreateWithdrawal(r.Context(), req.TransferID, accountID, req.Amount, time.Duration(req.TimeoutNs)); err != nil {
		h.respondLedgerError(w, r, "/accounts/{id}/withdrawals", err)
		return
	}
	h.respond(w, r, "/accounts/{id}/withdrawals", http.StatusCreated, map[string]string{"id": req.TransferID})
}

func (h *Handler) respondLedgerError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	code := accounting.CodeOf(err)
	status := http.StatusInternalServerError
	message := "Internal Server Error"

	switch code {
	case accounting.CodeUnknownAccount, accounting.CodeUnknownAsset, accounting.CodeUnknownTransfer:
		status, message = http.StatusNotFound, "Not found"
	case accounting.CodeDuplicateAccount, accounting.CodeDuplicateAsset, accounting.CodeDuplicateTransfer:
		status, message = http.StatusConflict, "Duplicate identifier"
	case accounting.CodeAlreadyCommitted, accounting.CodeAlreadyRolledBack, accounting.CodeTransferExpired:
		status, message = http.StatusConflict, string(code)
	case accounting.CodeInvalidID, accounting.CodeZeroAmount, accounting.CodeSameAccount, accounting.CodeDifferentAssets, accounting.CodeInsufficientBalance:
		status, message = http.StatusUnprocessableEntity, string(code)
	}

	h.respond(w, r, endpoint, status, map[string]string{"error": message, "code": string(code)})
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, endpoint string, status int, payload any) {
	httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(status)).Inc()
	respondWithJSON(w, status, payload)
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
