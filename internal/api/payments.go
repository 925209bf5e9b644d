package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/punchamoorthee/payflow/internal/payments"
)

type createPaymentRequest struct {
	AccountID      string `json:"account_id"`
	PaymentPointer string `json:"payment_pointer,omitempty"`
	AmountToSend   uint64 `json:"amount_to_send,omitempty"`
	InvoiceURL     string `json:"invoice_url,omitempty"`
}

func (h *Handler) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respond(w, r, "/payments", http.StatusBadRequest, map[string]string{"error": "Malformed JSON body"})
		return
	}

	payment, err := h.payments.Create(r.Context(), req.AccountID, payments.Intent{
		PaymentPointer: req.PaymentPointer,
		AmountToSend:   req.AmountToSend,
		InvoiceURL:     req.InvoiceURL,
	})
	if err != nil {
		h.respondPaymentError(w, r, "/payments", err)
		return
	}
	h.respond(w, r, "/payments", http.StatusCreated, payment)
}

func (h *Handler) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	payment, err := h.payments.Get(r.Context(), id)
	if err != nil {
		h.respondPaymentError(w, r, "/payments/{id}", err)
		return
	}
	h.respond(w, r, "/payments/{id}", http.StatusOK, payment)
}

type fundPaymentRequest struct {
	TransferID string `json:"transfer_id"`
	Amount     uint64 `json:"amount"`
}

func (h *Handler) FundPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req fundPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respond(w, r, "/payments/{id}/fund", http.StatusBadRequest, map[string]string{"error": "Malformed JSON body"})
		return
	}

	payment, err := h.payments.Fund(r.Context(), id, req.TransferID, req.Amount)
	if err != nil {
		h.respondPaymentError(w, r, "/payments/{id}/fund", err)
		return
	}
	h.respond(w, r, "/payments/{id}/fund", http.StatusOK, payment)
}

func (h *Handler) CancelPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	payment, err := h.payments.Cancel(r.Context(), id)
	if err != nil {
		h.respondPaymentError(w, r, "/payments/{id}/cancel", err)
		return
	}
	h.respond(w, r, "/payments/{id}/cancel", http.StatusOK, payment)
}

func (h *Handler) RequotePaymentHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	payment, err := h.payments.Requote(r.Context(), id)
	if err != nil {
		h.respondPaymentError(w, r, "/payments/{id}/requote", err)
		return
	}
	h.respond(w, r, "/payments/{id}/requote", http.StatusOK, payment)
}

func (h *Handler) respondPaymentError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	switch {
	case errors.Is(err, payments.ErrNotFound):
		h.respond(w, r, endpoint, http.StatusNotFound, map[string]string{"error": "Payment not found"})
	case errors.Is(err, payments.ErrInvalidIntent):
		h.respond(w, r, endpoint, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, payments.ErrWrongState):
		h.respond(w, r, endpoint, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, payments.ErrQuoteExpired):
		h.respond(w, r, endpoint, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		h.respondLedgerError(w, r, endpoint, err)
	}
}
