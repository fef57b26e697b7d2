package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MatthewPhinney/five-bells-connector/internal/domain"
	"github.com/MatthewPhinney/five-bells-connector/internal/store"
)

// paymentResponse is a journal entry plus whether its state can still change.
type paymentResponse struct {
	domain.PaymentRecord
	Terminal bool `json:"terminal"`
}

// PaymentHandler looks a payment up in the journal by its source transfer.
func (h *ConnectorHandlers) PaymentHandler(w http.ResponseWriter, r *http.Request) {
	sourceLedger := strings.TrimSpace(r.URL.Query().Get("source_ledger"))
	sourceTransferID := strings.TrimSpace(r.URL.Query().Get("source_transfer_id"))
	if sourceLedger == "" || sourceTransferID == "" {
		h.writeError(w, r, domain.NewError(domain.KindInvalidBody, "Missing required parameter: source_ledger and source_transfer_id"))
		return
	}

	record, err := h.payments.FindPayment(r.Context(), sourceLedger, sourceTransferID)
	if errors.Is(err, store.ErrPaymentNotFound) {
		h.writeJSON(w, http.StatusNotFound, errorBody{ID: kindNotFound, Message: "Unknown payment"})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, paymentResponse{PaymentRecord: *record, Terminal: record.State.Terminal()})
}
