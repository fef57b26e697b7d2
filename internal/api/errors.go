package api

import (
	"errors"
	"net/http"

	"github.com/MatthewPhinney/five-bells-connector/internal/domain"
	"go.uber.org/zap"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

const (
	kindNotFound    = "NotFoundError"
	kindRateLimited = "RateLimitedError"
	kindInternal    = "InternalServerError"
)

func statusForKind(kind domain.ErrorKind) int {
	switch {
	case kind == domain.KindInvalidBody:
		return http.StatusBadRequest
	case kind == domain.KindUpstream:
		return http.StatusBadGateway
	case kind == domain.KindLedgerRejected, kind.Ignorable():
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err, mapping domain error kinds to status codes. Anything
// that is not a *domain.Error is reported as an opaque 500.
func (h *ConnectorHandlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var derr *domain.Error
	if !errors.As(err, &derr) {
		h.logger.Error("unhandled error",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, errorBody{ID: kindInternal, Message: "Internal server error"})
		return
	}

	status := statusForKind(derr.Kind)
	fields := []zap.Field{
		zap.String("path", r.URL.Path),
		zap.String("kind", string(derr.Kind)),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Warn("request rejected", fields...)
	}
	h.writeJSON(w, status, errorBody{ID: string(derr.Kind), Message: derr.Message})
}
