// Package routing holds the connector's statically configured routing table.
// Live route discovery is out of scope; operators publish rates through
// ROUTE_RATES and the table answers best-hop lookups from them.
package routing

import (
	"fmt"
	"sync"

	"github.com/MatthewPhinney/five-bells-connector/internal/config"
	"github.com/MatthewPhinney/five-bells-connector/internal/domain"
	"github.com/shopspring/decimal"
)

type route struct {
	sourceLedger      string
	destinationLedger string
	finalLedger       string
	nextAccount       string
	rate              decimal.Decimal
	hopRate           decimal.Decimal
}

func (r route) isFinal() bool {
	return r.finalLedger == r.destinationLedger
}

type pairKey struct {
	source string
	final  string
}

// StaticTable answers hop lookups from a fixed set of routes keyed by
// (source ledger, final ledger).
type StaticTable struct {
	mu     sync.RWMutex
	routes map[pairKey]route
}

// NewStaticTable builds a table from configured routes.
func NewStaticTable(routes []config.RouteConfig) (*StaticTable, error) {
	t := &StaticTable{routes: make(map[pairKey]route, len(routes))}
	for i, rc := range routes {
		r, err := fromConfig(rc)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		t.routes[pairKey{source: r.sourceLedger, final: r.finalLedger}] = r
	}
	return t, nil
}

func fromConfig(rc config.RouteConfig) (route, error) {
	rate, err := decimal.NewFromString(rc.Rate)
	if err != nil {
		return route{}, fmt.Errorf("invalid rate %q: %w", rc.Rate, err)
	}
	r := route{
		sourceLedger:      rc.SourceLedger,
		destinationLedger: rc.DestinationLedger,
		finalLedger:       rc.FinalLedger,
		nextAccount:       rc.NextAccount,
		rate:              rate,
		hopRate:           rate,
	}
	if r.finalLedger == "" {
		r.finalLedger = r.destinationLedger
	}
	if rc.HopRate != "" {
		if r.hopRate, err = decimal.NewFromString(rc.HopRate); err != nil {
			return route{}, fmt.Errorf("invalid hop_rate %q: %w", rc.HopRate, err)
		}
	}
	return r, nil
}

func (t *StaticTable) lookup(sourceLedger, finalLedger string) (route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[pairKey{source: sourceLedger, final: finalLedger}]
	return r, ok
}

func (t *StaticTable) FindBestHopForSourceAmount(sourceLedger, destinationLedger, sourceAmount string) *domain.Hop {
	r, ok := t.lookup(sourceLedger, destinationLedger)
	if !ok {
		return nil
	}
	amount, err := decimal.NewFromString(sourceAmount)
	if err != nil {
		return nil
	}
	return r.hop(amount, amount.Mul(r.hopRate), amount.Mul(r.rate))
}

func (t *StaticTable) FindBestHopForDestinationAmount(sourceLedger, destinationLedger, destinationAmount string) *domain.Hop {
	r, ok := t.lookup(sourceLedger, destinationLedger)
	if !ok {
		return nil
	}
	final, err := decimal.NewFromString(destinationAmount)
	if err != nil {
		return nil
	}
	source := final.Div(r.rate)
	return r.hop(source, source.Mul(r.hopRate), final)
}

func (r route) hop(source, destination, final decimal.Decimal) *domain.Hop {
	return &domain.Hop{
		SourceLedger:             r.sourceLedger,
		DestinationLedger:        r.destinationLedger,
		FinalLedger:              r.finalLedger,
		SourceAmount:             source.String(),
		DestinationAmount:        destination.String(),
		FinalAmount:              final.String(),
		DestinationCreditAccount: r.nextAccount,
		IsFinal:                  r.isFinal(),
		AdditionalInfo: map[string]any{
			"rate":               r.rate.String(),
			"source_ledger":      r.sourceLedger,
			"destination_ledger": r.destinationLedger,
		},
	}
}
