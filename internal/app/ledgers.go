package app

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/MatthewPhinney/five-bells-connector/internal/domain"
)

// LedgerPlugin is the connector's handle on one ledger it holds an account on.
type LedgerPlugin interface {
	Ledger() string
	Account() string
	SubmitTransfer(ctx context.Context, transfer *domain.LedgerTransfer) (*domain.LedgerTransfer, error)
	SubmitFulfillment(ctx context.Context, transferID, fulfillment string) error
	GetFulfillment(ctx context.Context, transferID string) (string, error)
}

// Ledgers resolves the plugin for a ledger URI.
type Ledgers interface {
	Plugin(ledger string) (LedgerPlugin, bool)
}

type ledgerInfoSource interface {
	Info(ctx context.Context) (domain.LedgerPrecision, error)
}

var ErrUnknownLedger = errors.New("ledger is not connected")

// LedgerRegistry maps ledger URIs to plugins. It is also the precision cache's
// LedgerInfoProvider for plugins that expose ledger metadata.
type LedgerRegistry struct {
	plugins map[string]LedgerPlugin
}

func NewLedgerRegistry(plugins ...LedgerPlugin) *LedgerRegistry {
	r := &LedgerRegistry{plugins: make(map[string]LedgerPlugin, len(plugins))}
	for _, p := range plugins {
		r.plugins[p.Ledger()] = p
	}
	return r
}

func (r *LedgerRegistry) Plugin(ledger string) (LedgerPlugin, bool) {
	p, ok := r.plugins[ledger]
	return p, ok
}

// Ledgers lists the connected ledger URIs in a stable order.
func (r *LedgerRegistry) Ledgers() []string {
	out := make([]string, 0, len(r.plugins))
	for ledger := range r.plugins {
		out = append(out, ledger)
	}
	sort.Strings(out)
	return out
}

func (r *LedgerRegistry) Info(ctx context.Context, ledger string) (domain.LedgerPrecision, error) {
	p, ok := r.plugins[ledger]
	if !ok {
		return domain.LedgerPrecision{}, fmt.Errorf("%w: %s", ErrUnknownLedger, ledger)
	}
	src, ok := p.(ledgerInfoSource)
	if !ok {
		return domain.LedgerPrecision{}, fmt.Errorf("ledger %s does not expose precision", ledger)
	}
	return src.Info(ctx)
}

type httpStatusError interface {
	HTTPStatus() int
}

// ledgerStatus extracts the HTTP status a ledger answered with, if any.
func ledgerStatus(err error) (int, bool) {
	var se httpStatusError
	if errors.As(err, &se) {
		return se.HTTPStatus(), true
	}
	return 0, false
}

// classifyLedgerError turns a ledger call failure into a domain error. A 4xx
// answer is the ledger refusing the request; anything else is upstream trouble.
func classifyLedgerError(op string, err error) error {
	if status, ok := ledgerStatus(err); ok && status >= 400 && status < 500 {
		return domain.WrapError(domain.KindLedgerRejected, fmt.Sprintf("%s rejected by ledger (status %d)", op, status), err)
	}
	return domain.WrapError(domain.KindUpstream, fmt.Sprintf("%s failed", op), err)
}
