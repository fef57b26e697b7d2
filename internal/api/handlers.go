/**
 * @description
 * This file contains the HTTP handlers for the connector's API. Handlers parse
 * requests, call into the route builder, the settlement coordinator or the
 * payment journal, and write JSON responses. Error rendering is centralized in
 * errors.go.
 *
 * @dependencies
 * - internal/app, internal/domain, internal/store: Services, models and the journal.
 * - go.uber.org/zap: Structured logging.
 */

package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/MatthewPhinney/five-bells-connector/internal/app"
	"github.com/MatthewPhinney/five-bells-connector/internal/domain"
	"github.com/MatthewPhinney/five-bells-connector/internal/store"
	"go.uber.org/zap"
)

// QuoteService is satisfied by *app.RouteBuilder.
type QuoteService interface {
	GetQuote(ctx context.Context, q domain.QuoteQuery) (*domain.Quote, error)
}

// QuoteLimiter is satisfied by *app.RedisQuoteRateLimiter.
type QuoteLimiter interface {
	AllowQuote(ctx context.Context, client, sourceLedger, destinationLedger string) (app.QuoteAllowance, error)
}

// HandlerDeps wires the handlers to their collaborators. Verifier and Limiter
// are optional.
type HandlerDeps struct {
	Notifications app.NotificationProcessor
	Quotes        QuoteService
	Payments      store.Repository
	Verifier      *SignatureVerifier
	Limiter       QuoteLimiter
	Logger        *zap.Logger
}

// ConnectorHandlers holds the services the handlers use.
type ConnectorHandlers struct {
	notifications app.NotificationProcessor
	quotes        QuoteService
	payments      store.Repository
	verifier      *SignatureVerifier
	limiter       QuoteLimiter
	logger        *zap.Logger
}

// NewConnectorHandlers creates a new instance of ConnectorHandlers.
func NewConnectorHandlers(deps HandlerDeps) *ConnectorHandlers {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectorHandlers{
		notifications: deps.Notifications,
		quotes:        deps.Quotes,
		payments:      deps.Payments,
		verifier:      deps.Verifier,
		limiter:       deps.Limiter,
		logger:        logger.With(zap.String("component", "api")),
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *ConnectorHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}
