package api

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MatthewPhinney/five-bells-connector/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// QuoteHandler answers GET /quote.
func (h *ConnectorHandlers) QuoteHandler(w http.ResponseWriter, r *http.Request) {
	query, err := parseQuoteQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !h.allowQuote(w, r, query) {
		return
	}

	quote, err := h.quotes.GetQuote(r.Context(), query)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, quote)
}

func parseQuoteQuery(r *http.Request) (domain.QuoteQuery, error) {
	values := r.URL.Query()
	q := domain.QuoteQuery{
		SourceLedger:      strings.TrimSpace(values.Get("source_ledger")),
		DestinationLedger: strings.TrimSpace(values.Get("destination_ledger")),
		SourceAmount:      strings.TrimSpace(values.Get("source_amount")),
		DestinationAmount: strings.TrimSpace(values.Get("destination_amount")),
	}
	if q.SourceLedger == "" || q.DestinationLedger == "" {
		return q, domain.NewError(domain.KindInvalidBody, "Missing required parameter: source_ledger and destination_ledger")
	}
	if err := validateAmount("source_amount", q.SourceAmount); err != nil {
		return q, err
	}
	if err := validateAmount("destination_amount", q.DestinationAmount); err != nil {
		return q, err
	}

	if raw := values.Get("explain"); raw != "" {
		explain, err := strconv.ParseBool(raw)
		if err != nil {
			return q, domain.NewError(domain.KindInvalidBody, "Invalid explain parameter")
		}
		q.Explain = explain
	}

	rawPrecision := values.Get("destination_precision")
	rawScale := values.Get("destination_scale")
	if rawPrecision != "" || rawScale != "" {
		precision, perr := strconv.Atoi(rawPrecision)
		scale, serr := strconv.Atoi(rawScale)
		if perr != nil || serr != nil || precision <= 0 || scale < 0 {
			return q, domain.NewError(domain.KindInvalidBody, "destination_precision and destination_scale must be supplied together as non-negative integers")
		}
		q.DestinationPrecisionAndScale = &domain.LedgerPrecision{Precision: precision, Scale: scale}
	}
	return q, nil
}

func validateAmount(name, raw string) error {
	if raw == "" {
		return nil
	}
	if _, err := decimal.NewFromString(raw); err != nil {
		return domain.NewError(domain.KindInvalidBody, fmt.Sprintf("Invalid %s: %q is not a decimal amount", name, raw))
	}
	return nil
}

// allowQuote applies the per-client, per-ledger-pair quote rate limit.
// Limiter failures let the request through.
func (h *ConnectorHandlers) allowQuote(w http.ResponseWriter, r *http.Request, q domain.QuoteQuery) bool {
	if h.limiter == nil {
		return true
	}
	allowance, err := h.limiter.AllowQuote(r.Context(), clientIP(r), q.SourceLedger, q.DestinationLedger)
	if err != nil {
		h.logger.Warn("quote rate limiter unavailable", zap.Error(err))
		return true
	}
	if allowance.Allowed {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(allowance.RetryAfter/time.Second)))
	h.writeJSON(w, http.StatusTooManyRequests, errorBody{ID: kindRateLimited, Message: "Too many quote requests"})
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
