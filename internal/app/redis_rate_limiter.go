package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// QuoteAllowance is the limiter's verdict on one quote request.
type QuoteAllowance struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// RedisQuoteRateLimiter counts quote requests per client and ledger pair in
// fixed windows shared by every connector instance behind the same Redis.
type RedisQuoteRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisQuoteRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisQuoteRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "connector:rate_limit"
	}
	if window < time.Second {
		window = time.Minute
	}
	return &RedisQuoteRateLimiter{
		client: client,
		prefix: trimmedPrefix,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// AllowQuote counts one quote between sourceLedger and destinationLedger for
// client. On a Redis failure the returned allowance still admits the request.
func (r *RedisQuoteRateLimiter) AllowQuote(ctx context.Context, client, sourceLedger, destinationLedger string) (QuoteAllowance, error) {
	if r == nil || r.client == nil || r.limit <= 0 {
		return QuoteAllowance{Allowed: true}, nil
	}

	now := r.now()
	start, reset := quoteWindow(now, r.window)
	key := quoteRateLimitKey(r.prefix, client, sourceLedger, destinationLedger, start)

	var hits *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		hits = pipe.Incr(ctx, key)
		pipe.PExpireAt(ctx, key, reset)
		return nil
	})
	if err != nil {
		return QuoteAllowance{Allowed: true}, fmt.Errorf("count quote for %s: %w", client, err)
	}
	return quoteAllowance(hits.Val(), r.limit, now, reset), nil
}

// quoteWindow returns the bounds of the fixed window containing now.
func quoteWindow(now time.Time, window time.Duration) (start, reset time.Time) {
	start = now.Truncate(window)
	return start, start.Add(window)
}

// quoteRateLimitKey escapes the ledger URIs so their colons cannot collide
// with the key separators.
func quoteRateLimitKey(prefix, client, sourceLedger, destinationLedger string, windowStart time.Time) string {
	return fmt.Sprintf("%s:%s:%s>%s:%d",
		prefix,
		url.QueryEscape(strings.TrimSpace(client)),
		url.QueryEscape(sourceLedger),
		url.QueryEscape(destinationLedger),
		windowStart.Unix())
}

func quoteAllowance(hits int64, limit int, now, reset time.Time) QuoteAllowance {
	allowance := QuoteAllowance{Allowed: hits <= int64(limit), Count: int(hits)}
	if allowance.Allowed {
		return allowance
	}
	wait := reset.Sub(now)
	if rem := wait % time.Second; rem != 0 {
		wait += time.Second - rem
	}
	if wait < time.Second {
		wait = time.Second
	}
	allowance.RetryAfter = wait
	return allowance
}
