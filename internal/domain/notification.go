package domain

import "time"

// Notification event names accepted from ledgers.
const (
	EventTransferCreate = "transfer.create"
	EventTransferUpdate = "transfer.update"
)

// NotificationEvent is delivered at least once by a ledger, possibly
// duplicated and possibly out of order.
type NotificationEvent struct {
	ID               string            `json:"id"`
	Event            string            `json:"event"`
	Resource         *LedgerTransfer   `json:"resource"`
	RelatedResources *RelatedResources `json:"related_resources,omitempty"`
	Signature        string            `json:"signature,omitempty"`
}

// RelatedResources carries fulfillments attached to transfer updates.
type RelatedResources struct {
	ExecutionConditionFulfillment    string `json:"execution_condition_fulfillment,omitempty"`
	CancellationConditionFulfillment string `json:"cancellation_condition_fulfillment,omitempty"`
}

// Notification outcomes.
const (
	ResultProcessed = "processed"
	ResultIgnored   = "ignored"
)

// IgnoreReason explains why a valid notification required no action.
type IgnoreReason struct {
	ID      ErrorKind `json:"id"`
	Message string    `json:"message"`
}

// NotificationResult is the body returned to the notifier on a 200.
type NotificationResult struct {
	Result       string        `json:"result"`
	IgnoreReason *IgnoreReason `json:"ignoreReason,omitempty"`
}

// Processed is the result for a notification that was acted upon or needed
// no action.
func Processed() *NotificationResult {
	return &NotificationResult{Result: ResultProcessed}
}

// Ignored converts an ignorable error into a result.
func Ignored(err *Error) *NotificationResult {
	return &NotificationResult{
		Result:       ResultIgnored,
		IgnoreReason: &IgnoreReason{ID: err.Kind, Message: err.Message},
	}
}

// PaymentState is the coordinator's view of a payment keyed by its source transfer.
type PaymentState string

const (
	PaymentReceived             PaymentState = "RECEIVED"
	PaymentValidating           PaymentState = "VALIDATING"
	PaymentDestinationSubmitted PaymentState = "DESTINATION_SUBMITTED"
	PaymentDestinationExecuted  PaymentState = "DESTINATION_EXECUTED"
	PaymentSourceFulfilled      PaymentState = "SOURCE_FULFILLED"
	PaymentIgnored              PaymentState = "IGNORED"
	PaymentRejected             PaymentState = "REJECTED"
	PaymentUpstreamFailure      PaymentState = "UPSTREAM_FAILURE"
)

// Rank orders states so that replays never move a payment backwards.
// Exits (ignored, rejected, upstream failure) share the rank of validation so
// a retried delivery can still progress past them.
func (s PaymentState) Rank() int {
	switch s {
	case PaymentReceived:
		return 1
	case PaymentValidating, PaymentIgnored, PaymentRejected, PaymentUpstreamFailure:
		return 2
	case PaymentDestinationSubmitted:
		return 3
	case PaymentDestinationExecuted:
		return 4
	case PaymentSourceFulfilled:
		return 5
	default:
		return 0
	}
}

// Terminal reports whether the payment has completed successfully.
func (s PaymentState) Terminal() bool {
	return s == PaymentSourceFulfilled
}

// PaymentRecord is one entry of the payment journal.
type PaymentRecord struct {
	SourceLedger          string       `json:"source_ledger"`
	SourceTransferID      string       `json:"source_transfer_id"`
	DestinationLedger     string       `json:"destination_ledger,omitempty"`
	DestinationTransferID string       `json:"destination_transfer_id,omitempty"`
	SourceAmount          string       `json:"source_amount,omitempty"`
	DestinationAmount     string       `json:"destination_amount,omitempty"`
	State                 PaymentState `json:"state"`
	Reason                string       `json:"reason,omitempty"`
	UpdatedAt             time.Time    `json:"updated_at"`
}
