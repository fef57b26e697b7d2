// Package notaryclient reads atomic-mode cases from a notary.
package notaryclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MatthewPhinney/five-bells-connector/internal/domain"
)

// Client fetches cases by their absolute URI.
type Client struct {
	HTTPClient *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{HTTPClient: &http.Client{Timeout: timeout}}
}

// StatusError is a non-2xx answer from the notary.
type StatusError struct {
	StatusCode int
	CaseURI    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("notary answered %d for case %s", e.StatusCode, e.CaseURI)
}

func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

// GetCase fetches a single case.
func (c *Client) GetCase(ctx context.Context, caseURI string) (*domain.AtomicCase, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, caseURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create case request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch case: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{StatusCode: resp.StatusCode, CaseURI: caseURI}
	}

	var kase domain.AtomicCase
	if err := json.NewDecoder(resp.Body).Decode(&kase); err != nil {
		return nil, fmt.Errorf("failed to decode case: %w", err)
	}
	if kase.ID == "" {
		kase.ID = caseURI
	}
	return &kase, nil
}
