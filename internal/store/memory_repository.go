package store

import (
	"context"
	"sync"
	"time"

	"github.com/MatthewPhinney/five-bells-connector/internal/domain"
	"github.com/jellydator/ttlcache/v3"
)

const (
	defaultMemoryCapacity = 100_000
	defaultMemoryTTL      = 24 * time.Hour
)

type paymentKey struct {
	ledger string
	id     string
}

// MemoryRepository is the journal used when no DATABASE_URL is configured.
// It keeps at most capacity payments, each for ttl after its last update; the
// least recently used entry is evicted first.
type MemoryRepository struct {
	mu       sync.Mutex
	payments *ttlcache.Cache[paymentKey, domain.PaymentRecord]
}

func NewMemoryRepository() *MemoryRepository {
	return NewMemoryRepositoryWithLimits(defaultMemoryCapacity, defaultMemoryTTL)
}

func NewMemoryRepositoryWithLimits(capacity uint64, ttl time.Duration) *MemoryRepository {
	return &MemoryRepository{
		payments: ttlcache.New[paymentKey, domain.PaymentRecord](
			ttlcache.WithTTL[paymentKey, domain.PaymentRecord](ttl),
			ttlcache.WithCapacity[paymentKey, domain.PaymentRecord](capacity),
			ttlcache.WithDisableTouchOnHit[paymentKey, domain.PaymentRecord](),
		),
	}
}

func (r *MemoryRepository) RecordPayment(ctx context.Context, record domain.PaymentRecord) error {
	key := paymentKey{ledger: record.SourceLedger, id: record.SourceTransferID}

	r.mu.Lock()
	defer r.mu.Unlock()

	item := r.payments.Get(key)
	if item == nil {
		r.payments.Set(key, record, ttlcache.DefaultTTL)
		return nil
	}
	if merged, ok := mergeRecord(item.Value(), record); ok {
		r.payments.Set(key, merged, ttlcache.DefaultTTL)
	}
	return nil
}

func (r *MemoryRepository) FindPayment(ctx context.Context, sourceLedger, sourceTransferID string) (*domain.PaymentRecord, error) {
	item := r.payments.Get(paymentKey{ledger: sourceLedger, id: sourceTransferID})
	if item == nil {
		return nil, ErrPaymentNotFound
	}
	record := item.Value()
	return &record, nil
}
