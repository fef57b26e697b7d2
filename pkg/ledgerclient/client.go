/**
 * @description
 * This package provides a client for a five-bells style REST ledger. One
 * Client represents the connector's account on one ledger and implements the
 * plugin contract the settlement coordinator drives: submitting transfers,
 * submitting and fetching fulfillments, and reading ledger metadata.
 *
 * @notes
 * - Transfer ids may be bare UUIDs or absolute transfer URIs; bare ids are
 *   resolved against the ledger as `<ledger>/transfers/<id>`.
 * - Non-2xx answers surface as *StatusError so callers can tell a refusal
 *   from an outage.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MatthewPhinney/five-bells-connector/internal/domain"
	"go.uber.org/zap"
)

// Client is a client for one ledger account.
type Client struct {
	LedgerURI  string
	AccountURI string
	Username   string
	Password   string
	HTTPClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new ledger client.
func NewClient(ledgerURI, accountURI, username, password string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		LedgerURI:  strings.TrimSuffix(ledgerURI, "/"),
		AccountURI: accountURI,
		Username:   username,
		Password:   password,
		HTTPClient: &http.Client{Timeout: timeout},
		logger:     logger.With(zap.String("component", "ledger_client"), zap.String("ledger", ledgerURI)),
	}
}

// StatusError is a non-2xx answer from the ledger.
type StatusError struct {
	Op         string
	StatusCode int
	ID         string
	Message    string
}

func (e *StatusError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("ledger %s failed with status %d: %s: %s", e.Op, e.StatusCode, e.ID, e.Message)
	}
	return fmt.Sprintf("ledger %s failed with status %d", e.Op, e.StatusCode)
}

// HTTPStatus returns the status code the ledger answered with.
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

func (e *StatusError) IsServerError() bool {
	return e.StatusCode >= 500
}

type errorBody struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type ledgerMetadata struct {
	ID        string `json:"id"`
	Precision int    `json:"precision"`
	Scale     int    `json:"scale"`
}

func (c *Client) Ledger() string  { return c.LedgerURI }
func (c *Client) Account() string { return c.AccountURI }

// TransferURL resolves a transfer id to its URI on this ledger.
func (c *Client) TransferURL(id string) string {
	if strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://") {
		return id
	}
	return c.LedgerURI + "/transfers/" + id
}

// Info fetches the ledger's precision and scale.
func (c *Client) Info(ctx context.Context) (domain.LedgerPrecision, error) {
	body, err := c.do(ctx, "info", http.MethodGet, c.LedgerURI, nil, "")
	if err != nil {
		return domain.LedgerPrecision{}, err
	}
	var meta ledgerMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return domain.LedgerPrecision{}, fmt.Errorf("failed to decode ledger metadata: %w", err)
	}
	if meta.Precision <= 0 || meta.Scale < 0 {
		return domain.LedgerPrecision{}, fmt.Errorf("ledger %s reported invalid precision %d/scale %d", c.LedgerURI, meta.Precision, meta.Scale)
	}
	return domain.LedgerPrecision{Precision: meta.Precision, Scale: meta.Scale}, nil
}

// SubmitTransfer proposes or prepares transfer on the ledger. PUT is
// idempotent, so resubmitting the same transfer is safe.
func (c *Client) SubmitTransfer(ctx context.Context, transfer *domain.LedgerTransfer) (*domain.LedgerTransfer, error) {
	out := *transfer
	out.ID = c.TransferURL(transfer.ID)
	if out.Ledger == "" {
		out.Ledger = c.LedgerURI
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer: %w", err)
	}
	body, err := c.do(ctx, "submit_transfer", http.MethodPut, out.ID, bytes.NewReader(payload), "application/json")
	if err != nil {
		return nil, err
	}

	var result domain.LedgerTransfer
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode transfer response: %w", err)
	}
	c.logger.Info("transfer submitted",
		zap.String("transfer_id", result.ID),
		zap.String("state", string(result.State)))
	return &result, nil
}

// SubmitFulfillment executes a held transfer with its condition fulfillment.
func (c *Client) SubmitFulfillment(ctx context.Context, transferID, fulfillment string) error {
	url := c.TransferURL(transferID) + "/fulfillment"
	if _, err := c.do(ctx, "submit_fulfillment", http.MethodPut, url, strings.NewReader(fulfillment), "text/plain"); err != nil {
		return err
	}
	c.logger.Info("fulfillment submitted", zap.String("transfer_id", transferID))
	return nil
}

// GetFulfillment fetches the fulfillment of an executed transfer.
func (c *Client) GetFulfillment(ctx context.Context, transferID string) (string, error) {
	body, err := c.do(ctx, "get_fulfillment", http.MethodGet, c.TransferURL(transferID)+"/fulfillment", nil, "")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *Client) do(ctx context.Context, op, method, url string, payload io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{Op: op, StatusCode: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(body, &eb) == nil {
			statusErr.ID = eb.ID
			statusErr.Message = eb.Message
		}
		c.logger.Warn("non-2xx response",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("error_id", statusErr.ID),
			zap.String("detail", statusErr.Message))
		return nil, statusErr
	}
	return body, nil
}
