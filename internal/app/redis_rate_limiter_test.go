package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuoteWindowBounds(t *testing.T) {
	now := time.Date(2026, 10, 16, 10, 0, 42, 500, time.UTC)
	start, reset := quoteWindow(now, time.Minute)
	assert.Equal(t, time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 10, 16, 10, 1, 0, 0, time.UTC), reset)
}

func TestQuoteRateLimitKeySeparatesLedgerPairs(t *testing.T) {
	start := time.Unix(1_700_000_040, 0)
	forward := quoteRateLimitKey("connector:rate_limit", "10.0.0.1", usdLedger, eurLedger, start)
	backward := quoteRateLimitKey("connector:rate_limit", "10.0.0.1", eurLedger, usdLedger, start)

	assert.Equal(t, "connector:rate_limit:10.0.0.1:http%3A%2F%2Fusd-ledger.example>http%3A%2F%2Feur-ledger.example:1700000040", forward)
	assert.NotEqual(t, forward, backward)
	assert.NotEqual(t, forward, quoteRateLimitKey("connector:rate_limit", "10.0.0.2", usdLedger, eurLedger, start))
	assert.NotEqual(t, forward, quoteRateLimitKey("connector:rate_limit", "10.0.0.1", usdLedger, eurLedger, start.Add(time.Minute)))
}

func TestQuoteAllowance(t *testing.T) {
	now := time.Date(2026, 10, 16, 10, 0, 42, 100_000_000, time.UTC)
	reset := time.Date(2026, 10, 16, 10, 1, 0, 0, time.UTC)

	tests := []struct {
		name      string
		hits      int64
		now       time.Time
		wantAllow bool
		wantRetry time.Duration
	}{
		{name: "under limit", hits: 1, now: now, wantAllow: true},
		{name: "at limit", hits: 5, now: now, wantAllow: true},
		{name: "over limit rounds retry up", hits: 6, now: now, wantRetry: 18 * time.Second},
		{name: "over limit at window edge waits a second", hits: 9, now: reset, wantRetry: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := quoteAllowance(tt.hits, 5, tt.now, reset)
			assert.Equal(t, tt.wantAllow, got.Allowed)
			assert.Equal(t, int(tt.hits), got.Count)
			assert.Equal(t, tt.wantRetry, got.RetryAfter)
		})
	}
}

func TestQuoteRateLimiterDisabledAllows(t *testing.T) {
	limiter := NewRedisQuoteRateLimiter(nil, "", 10, time.Minute)
	got, err := limiter.AllowQuote(context.Background(), "10.0.0.1", usdLedger, eurLedger)
	require.NoError(t, err)
	assert.True(t, got.Allowed)
	assert.Equal(t, "connector:rate_limit", limiter.prefix)
}
