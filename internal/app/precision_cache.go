package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MatthewPhinney/five-bells-connector/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// LedgerInfoProvider fetches a ledger's precision and scale.
type LedgerInfoProvider interface {
	Info(ctx context.Context, ledger string) (domain.LedgerPrecision, error)
}

// PrecisionCache memoizes ledger precision for the lifetime of the process or
// until invalidated. Concurrent first lookups for a ledger share one fetch.
type PrecisionCache struct {
	provider LedgerInfoProvider
	timeout  time.Duration
	logger   *zap.Logger

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]domain.LedgerPrecision
}

// NewPrecisionCache creates a cache. timeout bounds each shared fetch; it
// defaults to 30 seconds.
func NewPrecisionCache(provider LedgerInfoProvider, timeout time.Duration, logger *zap.Logger) *PrecisionCache {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PrecisionCache{
		provider: provider,
		timeout:  timeout,
		logger:   logger.With(zap.String("component", "precision_cache")),
		entries:  make(map[string]domain.LedgerPrecision),
	}
}

// Get returns the cached precision for ledger, fetching it on first use.
// Failed fetches are not cached. The shared fetch is detached from the
// cancellation of whichever caller started it; each caller only waits as long
// as its own ctx allows.
func (c *PrecisionCache) Get(ctx context.Context, ledger string) (domain.LedgerPrecision, error) {
	if p, ok := c.lookup(ledger); ok {
		return p, nil
	}

	ch := c.group.DoChan(ledger, func() (any, error) {
		if p, ok := c.lookup(ledger); ok {
			return p, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		p, err := c.provider.Info(fetchCtx, ledger)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[ledger] = p
		c.mu.Unlock()
		c.logger.Info("ledger precision cached",
			zap.String("ledger", ledger),
			zap.Int("precision", p.Precision),
			zap.Int("scale", p.Scale))
		return p, nil
	})

	select {
	case <-ctx.Done():
		return domain.LedgerPrecision{}, fmt.Errorf("fetch precision for %s: %w", ledger, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return domain.LedgerPrecision{}, fmt.Errorf("fetch precision for %s: %w", ledger, res.Err)
		}
		if res.Shared {
			c.logger.Debug("precision lookup coalesced", zap.String("ledger", ledger))
		}
		return res.Val.(domain.LedgerPrecision), nil
	}
}

// Invalidate drops the cached entry for ledger.
func (c *PrecisionCache) Invalidate(ledger string) {
	c.mu.Lock()
	delete(c.entries, ledger)
	c.mu.Unlock()
	c.group.Forget(ledger)
}

// Reset drops every cached entry.
func (c *PrecisionCache) Reset() {
	c.mu.Lock()
	ledgers := make([]string, 0, len(c.entries))
	for ledger := range c.entries {
		ledgers = append(ledgers, ledger)
	}
	c.entries = make(map[string]domain.LedgerPrecision)
	c.mu.Unlock()
	for _, ledger := range ledgers {
		c.group.Forget(ledger)
	}
	c.logger.Info("precision cache reset", zap.Int("evicted", len(ledgers)))
}

func (c *PrecisionCache) lookup(ledger string) (domain.LedgerPrecision, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.entries[ledger]
	return p, ok
}
