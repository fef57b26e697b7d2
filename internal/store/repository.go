/**
 * @description
 * This file defines the payment journal contract. The settlement coordinator
 * appends every state transition of a payment here, keyed by the source
 * transfer, so operators can trace a payment across both ledgers.
 *
 * @notes
 * - Implementations must never move a payment to a lower-ranked state. Ledger
 *   notifications can be replayed or reordered, and a late duplicate must not
 *   make a fulfilled payment look pending again.
 */

package store

import (
	"context"
	"errors"

	"github.com/MatthewPhinney/five-bells-connector/internal/domain"
)

var ErrPaymentNotFound = errors.New("payment not found")

// Repository defines the set of methods for the payment journal.
type Repository interface {
	RecordPayment(ctx context.Context, record domain.PaymentRecord) error
	FindPayment(ctx context.Context, sourceLedger, sourceTransferID string) (*domain.PaymentRecord, error)
}

// mergeRecord applies next on top of current, keeping fields next leaves empty.
// It reports false when next would downgrade the payment.
func mergeRecord(current, next domain.PaymentRecord) (domain.PaymentRecord, bool) {
	if next.State.Rank() < current.State.Rank() {
		return current, false
	}
	merged := next
	if merged.DestinationLedger == "" {
		merged.DestinationLedger = current.DestinationLedger
	}
	if merged.DestinationTransferID == "" {
		merged.DestinationTransferID = current.DestinationTransferID
	}
	if merged.SourceAmount == "" {
		merged.SourceAmount = current.SourceAmount
	}
	if merged.DestinationAmount == "" {
		merged.DestinationAmount = current.DestinationAmount
	}
	return merged, true
}
