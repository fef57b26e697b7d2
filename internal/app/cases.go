package app

import (
	"context"
	"fmt"
	"time"

	"github.com/MatthewPhinney/five-bells-connector/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CaseFetcher looks up atomic-mode notary cases.
type CaseFetcher interface {
	GetCase(ctx context.Context, caseURI string) (*domain.AtomicCase, error)
}

// checkCases fetches every case concurrently and requires them to share one
// expiry that is still ahead and within the maximum hold time.
func (c *Coordinator) checkCases(ctx context.Context, caseURIs []string) error {
	if c.cases == nil {
		return domain.NewError(domain.KindUnacceptableExpiry, domain.MsgCaseUnavailable)
	}

	expiries := make([]*time.Time, len(caseURIs))
	g, gctx := errgroup.WithContext(ctx)
	for i, uri := range caseURIs {
		i, uri := i, uri
		g.Go(func() error {
			callCtx, cancel := c.callContext(gctx)
			defer cancel()
			kase, err := c.cases.GetCase(callCtx, uri)
			if err != nil {
				return fmt.Errorf("fetch case %s: %w", uri, err)
			}
			if kase == nil {
				return fmt.Errorf("fetch case %s: empty response", uri)
			}
			expiries[i] = kase.ExpiresAt
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("case lookup failed", zap.Strings("cases", caseURIs), zap.Error(err))
		return domain.WrapError(domain.KindUnacceptableExpiry, domain.MsgCaseUnavailable, err)
	}

	var common *time.Time
	for _, expiry := range expiries {
		if expiry == nil {
			return domain.NewError(domain.KindUnacceptableExpiry, domain.MsgCaseExpiryMissing)
		}
		if common == nil {
			common = expiry
		} else if !common.Equal(*expiry) {
			return domain.NewError(domain.KindUnacceptableExpiry, domain.MsgCaseExpiriesDiffer)
		}
	}

	now := c.now()
	if !now.Before(*common) {
		return domain.NewError(domain.KindUnacceptableExpiry, domain.MsgTransferExpired)
	}
	if common.Sub(now) > c.cfg.MaxHoldTime {
		return domain.NewError(domain.KindUnacceptableExpiry, domain.MsgExpiryTooFar)
	}
	return nil
}
