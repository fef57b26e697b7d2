package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/MatthewPhinney/five-bells-connector/internal/domain"
	"go.uber.org/zap"
)

const maxNotificationBytes = 1 << 20

const arrayTooShort = "schema validation error: Array is too short (0), minimum 1"

// NotificationHandler accepts ledger notifications. Valid notifications are
// answered with 200 and a processed/ignored result; malformed ones with 400.
func (h *ConnectorHandlers) NotificationHandler(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBytes))
	if err != nil {
		h.writeError(w, r, domain.WrapError(domain.KindInvalidBody, "Unable to read request body", err))
		return
	}

	ev, err := decodeNotification(raw)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if h.verifier != nil {
		if err := h.verifier.Verify(raw, ev.Resource.Ledger, ev.Signature); err != nil {
			h.logger.Warn("notification signature rejected",
				zap.String("notification_id", ev.ID),
				zap.String("ledger", ev.Resource.Ledger),
				zap.Error(err))
			h.writeError(w, r, domain.WrapError(domain.KindUnrelatedNotification, domain.MsgInvalidSignature, err))
			return
		}
	}

	result, err := h.notifications.HandleNotification(r.Context(), *ev)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func decodeNotification(raw []byte) (*domain.NotificationEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var ev domain.NotificationEvent
	if err := dec.Decode(&ev); err != nil {
		return nil, domain.WrapError(domain.KindInvalidBody, "Notification schema validation error: "+err.Error(), err)
	}
	if ev.ID == "" {
		return nil, domain.NewError(domain.KindInvalidBody, "Notification schema validation error: Missing required property: id")
	}
	switch ev.Event {
	case domain.EventTransferCreate, domain.EventTransferUpdate:
	case "":
		return nil, domain.NewError(domain.KindInvalidBody, "Notification schema validation error: Missing required property: event")
	default:
		return nil, domain.Errorf(domain.KindInvalidBody, "Notification schema validation error: Unknown event %q", ev.Event)
	}
	if ev.Resource == nil {
		return nil, domain.NewError(domain.KindInvalidBody, "Notification schema validation error: Missing required property: resource")
	}
	if err := validateTransfer("Transfer", ev.Resource); err != nil {
		return nil, err
	}
	for _, credit := range ev.Resource.Credits {
		if credit.Memo == nil || credit.Memo.DestinationTransfer == nil {
			continue
		}
		if err := validateTransfer("TransferTemplate", credit.Memo.DestinationTransfer); err != nil {
			return nil, err
		}
	}
	return &ev, nil
}

func validateTransfer(schema string, t *domain.LedgerTransfer) error {
	if len(t.Debits) == 0 || len(t.Credits) == 0 {
		return domain.NewError(domain.KindInvalidBody, schema+" "+arrayTooShort)
	}
	return nil
}
