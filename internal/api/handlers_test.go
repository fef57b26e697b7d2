package api

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MatthewPhinney/five-bells-connector/internal/app"
	"github.com/MatthewPhinney/five-bells-connector/internal/domain"
	"github.com/MatthewPhinney/five-bells-connector/internal/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	usdLedger = "http://usd-ledger.example"
	eurLedger = "http://eur-ledger.example"
)

type stubProcessor struct {
	mu     sync.Mutex
	events []domain.NotificationEvent
	result *domain.NotificationResult
	err    error
}

func (s *stubProcessor) HandleNotification(ctx context.Context, ev domain.NotificationEvent) (*domain.NotificationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return domain.Processed(), nil
}

func (s *stubProcessor) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type stubQuotes struct {
	query domain.QuoteQuery
	quote *domain.Quote
	err   error
}

func (s *stubQuotes) GetQuote(ctx context.Context, q domain.QuoteQuery) (*domain.Quote, error) {
	s.query = q
	return s.quote, s.err
}

type stubLimiter struct {
	limit int
	hits  map[string]int
	err   error
}

func (s *stubLimiter) AllowQuote(ctx context.Context, client, sourceLedger, destinationLedger string) (app.QuoteAllowance, error) {
	if s.err != nil {
		return app.QuoteAllowance{Allowed: true}, s.err
	}
	if s.hits == nil {
		s.hits = make(map[string]int)
	}
	pair := sourceLedger + ">" + destinationLedger
	s.hits[pair]++
	allowance := app.QuoteAllowance{Allowed: s.hits[pair] <= s.limit, Count: s.hits[pair]}
	if !allowance.Allowed {
		allowance.RetryAfter = 42 * time.Second
	}
	return allowance, nil
}

func newTestServer(t *testing.T, deps HandlerDeps) http.Handler {
	t.Helper()
	deps.Logger = zaptest.NewLogger(t)
	if deps.Notifications == nil {
		deps.Notifications = &stubProcessor{}
	}
	if deps.Quotes == nil {
		deps.Quotes = &stubQuotes{}
	}
	if deps.Payments == nil {
		deps.Payments = store.NewMemoryRepository()
	}
	return ConnectorRoutes(NewConnectorHandlers(deps), []string{"*"})
}

func notificationBody(t *testing.T, mutate func(map[string]any)) map[string]any {
	t.Helper()
	body := map[string]any{
		"id":    "http://usd-ledger.example/notifications/1",
		"event": "transfer.update",
		"resource": map[string]any{
			"id":     usdLedger + "/transfers/1",
			"ledger": usdLedger,
			"debits": []any{
				map[string]any{"account": usdLedger + "/accounts/alice", "amount": "1.0", "authorized": true},
			},
			"credits": []any{
				map[string]any{"account": usdLedger + "/accounts/mark", "amount": "1.0"},
			},
			"state": "prepared",
		},
	}
	if mutate != nil {
		mutate(body)
	}
	return body
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return postRaw(handler, path, string(raw))
}

func postRaw(handler http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func get(handler http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	rec := get(newTestServer(t, HandlerDeps{}), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", rec.Body.String())
}

func TestNotificationProcessed(t *testing.T) {
	processor := &stubProcessor{}
	server := newTestServer(t, HandlerDeps{Notifications: processor})

	rec := postJSON(t, server, "/notifications", notificationBody(t, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":"processed"}`, rec.Body.String())
	require.Equal(t, 1, processor.calls())
	assert.Equal(t, usdLedger+"/transfers/1", processor.events[0].Resource.ID)
}

func TestNotificationIgnored(t *testing.T) {
	processor := &stubProcessor{
		result: domain.Ignored(domain.NewError(domain.KindUnacceptableRate, domain.MsgUnacceptableRate)),
	}
	server := newTestServer(t, HandlerDeps{Notifications: processor})

	rec := postJSON(t, server, "/notifications", notificationBody(t, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"result": "ignored",
		"ignoreReason": {"id": "UnacceptableRateError", "message": "Payment rate does not match the rate currently offered"}
	}`, rec.Body.String())
}

func TestNotificationErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		id     string
	}{
		{"upstream", domain.NewError(domain.KindUpstream, "ledger unavailable"), http.StatusBadGateway, "UpstreamError"},
		{"ledger rejected", domain.NewError(domain.KindLedgerRejected, "rejected"), http.StatusUnprocessableEntity, "LedgerRejectedError"},
		{"invalid body", domain.NewError(domain.KindInvalidBody, "missing header"), http.StatusBadRequest, "InvalidBodyError"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, kindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(t, HandlerDeps{Notifications: &stubProcessor{err: tt.err}})
			rec := postJSON(t, server, "/notifications", notificationBody(t, nil))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.id, decodeError(t, rec).ID)
		})
	}
}

func TestNotificationValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(map[string]any)
		message string
	}{
		{
			name:    "missing id",
			mutate:  func(b map[string]any) { delete(b, "id") },
			message: "Missing required property: id",
		},
		{
			name:    "missing event",
			mutate:  func(b map[string]any) { delete(b, "event") },
			message: "Missing required property: event",
		},
		{
			name:    "unknown event",
			mutate:  func(b map[string]any) { b["event"] = "transfer.delete" },
			message: "Unknown event",
		},
		{
			name: "unknown resource field",
			mutate: func(b map[string]any) {
				b["resource"].(map[string]any)["bogus"] = true
			},
			message: "unknown field",
		},
		{
			name: "empty credits",
			mutate: func(b map[string]any) {
				b["resource"].(map[string]any)["credits"] = []any{}
			},
			message: "Transfer schema validation error: Array is too short (0), minimum 1",
		},
		{
			name: "empty template debits",
			mutate: func(b map[string]any) {
				credit := b["resource"].(map[string]any)["credits"].([]any)[0].(map[string]any)
				credit["memo"] = map[string]any{
					"destination_transfer": map[string]any{
						"id":      eurLedger + "/transfers/2",
						"ledger":  eurLedger,
						"debits":  []any{},
						"credits": []any{map[string]any{"account": eurLedger + "/accounts/bob", "amount": "1"}},
					},
				}
			},
			message: "TransferTemplate schema validation error: Array is too short (0), minimum 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			processor := &stubProcessor{}
			server := newTestServer(t, HandlerDeps{Notifications: processor})

			rec := postJSON(t, server, "/notifications", notificationBody(t, tt.mutate))

			require.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, "InvalidBodyError", body.ID)
			assert.Contains(t, body.Message, tt.message)
			assert.Zero(t, processor.calls())
		})
	}
}

func TestNotificationMalformedJSON(t *testing.T) {
	rec := postRaw(newTestServer(t, HandlerDeps{}), "/notifications", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotificationToleratesMemoAndAdditionalInfoExtras(t *testing.T) {
	processor := &stubProcessor{}
	server := newTestServer(t, HandlerDeps{Notifications: processor})

	rec := postJSON(t, server, "/notifications", notificationBody(t, func(b map[string]any) {
		resource := b["resource"].(map[string]any)
		resource["additional_info"] = map[string]any{"cases": []any{"http://notary.example/cases/1"}, "trace": "x"}
		credit := resource["credits"].([]any)[0].(map[string]any)
		credit["memo"] = map[string]any{"anything": "goes"}
	}))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"http://notary.example/cases/1"}, processor.events[0].Resource.Cases())
}

func TestQuote(t *testing.T) {
	quotes := &stubQuotes{quote: &domain.Quote{
		SourceConnectorAccount: usdLedger + "/accounts/mark",
		SourceLedger:           usdLedger,
		SourceAmount:           "100.0000",
		DestinationLedger:      eurLedger,
		DestinationAmount:      "90.0000",
	}}
	server := newTestServer(t, HandlerDeps{Quotes: quotes})

	rec := get(server, "/quote?source_ledger="+usdLedger+"&destination_ledger="+eurLedger+
		"&source_amount=100&destination_precision=10&destination_scale=2&explain=true")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"source_connector_account": "http://usd-ledger.example/accounts/mark",
		"source_ledger": "http://usd-ledger.example",
		"source_amount": "100.0000",
		"destination_ledger": "http://eur-ledger.example",
		"destination_amount": "90.0000"
	}`, rec.Body.String())
	assert.Equal(t, "100", quotes.query.SourceAmount)
	assert.True(t, quotes.query.Explain)
	assert.Equal(t, &domain.LedgerPrecision{Precision: 10, Scale: 2}, quotes.query.DestinationPrecisionAndScale)
}

func TestQuoteErrors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		err    error
		status int
	}{
		{"missing ledgers", "/quote?source_amount=1", nil, http.StatusBadRequest},
		{"unparseable source amount", "/quote?source_ledger=a&destination_ledger=b&source_amount=abc", nil, http.StatusBadRequest},
		{"unparseable destination amount", "/quote?source_ledger=a&destination_ledger=b&destination_amount=1.2.3", nil, http.StatusBadRequest},
		{"half override", "/quote?source_ledger=a&destination_ledger=b&source_amount=1&destination_scale=2", nil, http.StatusBadRequest},
		{"assets not traded", "/quote?source_ledger=a&destination_ledger=b&source_amount=1",
			domain.NewError(domain.KindAssetsNotTraded, domain.MsgAssetsNotTraded), http.StatusUnprocessableEntity},
		{"unacceptable amount", "/quote?source_ledger=a&destination_ledger=b&source_amount=1",
			domain.NewError(domain.KindUnacceptableAmount, "Quoted destination is lower than minimum amount allowed"), http.StatusUnprocessableEntity},
		{"precision unavailable", "/quote?source_ledger=a&destination_ledger=b&source_amount=1",
			domain.NewError(domain.KindUpstream, "precision unavailable"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(t, HandlerDeps{Quotes: &stubQuotes{err: tt.err}})
			rec := get(server, tt.path)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestQuoteRateLimited(t *testing.T) {
	limiter := &stubLimiter{limit: 1}
	quotes := &stubQuotes{quote: &domain.Quote{}}
	server := newTestServer(t, HandlerDeps{Quotes: quotes, Limiter: limiter})
	path := "/quote?source_ledger=a&destination_ledger=b&source_amount=1"

	assert.Equal(t, http.StatusOK, get(server, path).Code)

	rec := get(server, path)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
	assert.Equal(t, kindRateLimited, decodeError(t, rec).ID)

	// another ledger pair has its own budget
	assert.Equal(t, http.StatusOK, get(server, "/quote?source_ledger=a&destination_ledger=c&source_amount=1").Code)
}

func TestQuoteRejectedBeforeRateLimitCounts(t *testing.T) {
	limiter := &stubLimiter{limit: 1}
	server := newTestServer(t, HandlerDeps{Quotes: &stubQuotes{quote: &domain.Quote{}}, Limiter: limiter})

	assert.Equal(t, http.StatusBadRequest, get(server, "/quote?source_ledger=a&destination_ledger=b&source_amount=abc").Code)
	assert.Empty(t, limiter.hits)
}

func TestQuoteRateLimiterFailureLetsRequestThrough(t *testing.T) {
	limiter := &stubLimiter{err: errors.New("redis down")}
	server := newTestServer(t, HandlerDeps{Quotes: &stubQuotes{quote: &domain.Quote{}}, Limiter: limiter})

	rec := get(server, "/quote?source_ledger=a&destination_ledger=b&source_amount=1")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPaymentLookup(t *testing.T) {
	repo := store.NewMemoryRepository()
	require.NoError(t, repo.RecordPayment(context.Background(), domain.PaymentRecord{
		SourceLedger:     usdLedger,
		SourceTransferID: usdLedger + "/transfers/1",
		State:            domain.PaymentDestinationSubmitted,
	}))
	server := newTestServer(t, HandlerDeps{Payments: repo})

	rec := get(server, "/payments?source_ledger="+usdLedger+"&source_transfer_id="+usdLedger+"/transfers/1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		domain.PaymentRecord
		Terminal bool `json:"terminal"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, domain.PaymentDestinationSubmitted, body.State)
	assert.False(t, body.Terminal)

	require.NoError(t, repo.RecordPayment(context.Background(), domain.PaymentRecord{
		SourceLedger:     usdLedger,
		SourceTransferID: usdLedger + "/transfers/1",
		State:            domain.PaymentSourceFulfilled,
	}))
	rec = get(server, "/payments?source_ledger="+usdLedger+"&source_transfer_id="+usdLedger+"/transfers/1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, domain.PaymentSourceFulfilled, body.State)
	assert.True(t, body.Terminal)

	rec = get(server, "/payments?source_ledger="+usdLedger+"&source_transfer_id=missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(server, "/payments?source_ledger="+usdLedger)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func generateKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func sign(t *testing.T, key *rsa.PrivateKey, method jwt.SigningMethod, body map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"` + method.Alg() + `"}`))
	sig, err := method.Sign(header+"."+base64.RawURLEncoding.EncodeToString(payload), key)
	require.NoError(t, err)
	return header + ".." + base64.RawURLEncoding.EncodeToString(sig)
}

func TestSignedNotifications(t *testing.T) {
	key, pemKey := generateKey(t)
	otherKey, _ := generateKey(t)
	verifier, err := NewSignatureVerifier(map[string]string{usdLedger: pemKey})
	require.NoError(t, err)

	tests := []struct {
		name   string
		body   func() map[string]any
		status int
	}{
		{
			name: "PS256",
			body: func() map[string]any {
				b := notificationBody(t, nil)
				b["signature"] = sign(t, key, jwt.SigningMethodPS256, b)
				return b
			},
			status: http.StatusOK,
		},
		{
			name: "RS256",
			body: func() map[string]any {
				b := notificationBody(t, nil)
				b["signature"] = sign(t, key, jwt.SigningMethodRS256, b)
				return b
			},
			status: http.StatusOK,
		},
		{
			name:   "unsigned",
			body:   func() map[string]any { return notificationBody(t, nil) },
			status: http.StatusUnprocessableEntity,
		},
		{
			name: "wrong key",
			body: func() map[string]any {
				b := notificationBody(t, nil)
				b["signature"] = sign(t, otherKey, jwt.SigningMethodPS256, b)
				return b
			},
			status: http.StatusUnprocessableEntity,
		},
		{
			name: "tampered",
			body: func() map[string]any {
				b := notificationBody(t, nil)
				b["signature"] = sign(t, key, jwt.SigningMethodPS256, b)
				b["event"] = "transfer.create"
				return b
			},
			status: http.StatusUnprocessableEntity,
		},
		{
			name: "unknown ledger",
			body: func() map[string]any {
				b := notificationBody(t, func(b map[string]any) {
					b["resource"].(map[string]any)["ledger"] = eurLedger
				})
				b["signature"] = sign(t, key, jwt.SigningMethodPS256, b)
				return b
			},
			status: http.StatusUnprocessableEntity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			processor := &stubProcessor{}
			server := newTestServer(t, HandlerDeps{Notifications: processor, Verifier: verifier})

			rec := postJSON(t, server, "/notifications", tt.body())

			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.status != http.StatusOK {
				body := decodeError(t, rec)
				assert.Equal(t, "UnrelatedNotificationError", body.ID)
				assert.Equal(t, domain.MsgInvalidSignature, body.Message)
				assert.Zero(t, processor.calls())
			}
		})
	}
}

func TestSignatureVerifierKeyLookup(t *testing.T) {
	_, pemKey := generateKey(t)
	verifier, err := NewSignatureVerifier(map[string]string{usdLedger + "/": pemKey})
	require.NoError(t, err)

	_, ok := verifier.keyFor(usdLedger)
	assert.True(t, ok)
	_, ok = verifier.keyFor(usdLedger + "/sub")
	assert.True(t, ok)
	_, ok = verifier.keyFor(usdLedger + "-other")
	assert.False(t, ok)

	_, err = NewSignatureVerifier(map[string]string{usdLedger: "not a key"})
	assert.Error(t, err)
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	_, pemKey := generateKey(t)
	verifier, err := NewSignatureVerifier(map[string]string{usdLedger: pemKey})
	require.NoError(t, err)

	assert.ErrorIs(t, verifier.Verify([]byte(`{}`), usdLedger, ""), ErrSignatureMissing)
	assert.ErrorIs(t, verifier.Verify([]byte(`{}`), usdLedger, "a.b.c"), ErrSignatureMalformed)
	assert.ErrorIs(t, verifier.Verify([]byte(`{}`), eurLedger, "a..c"), ErrNoLedgerKey)
}
