package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failures the connector reports to callers.
type ErrorKind string

const (
	KindAssetsNotTraded           ErrorKind = "AssetsNotTradedError"
	KindUnacceptableAmount        ErrorKind = "UnacceptableAmountError"
	KindUnacceptableRate          ErrorKind = "UnacceptableRateError"
	KindUnacceptableConditions    ErrorKind = "UnacceptableConditionsError"
	KindUnacceptableExpiry        ErrorKind = "UnacceptableExpiryError"
	KindUnrelatedNotification     ErrorKind = "UnrelatedNotificationError"
	KindNoRelatedDestinationDebit ErrorKind = "NoRelatedDestinationDebitError"
	KindInvalidBody               ErrorKind = "InvalidBodyError"
	KindLedgerRejected            ErrorKind = "LedgerRejectedError"
	KindUpstream                  ErrorKind = "UpstreamError"
)

// Messages reported to notifiers. Kept stable because counterparties match on them.
const (
	MsgAssetsNotTraded        = "This connector does not support the given asset pair"
	MsgUnacceptableRate       = "Payment rate does not match the rate currently offered"
	MsgUnacceptableConditions = "Each of the source transfers' execution conditions must match all of the destination transfers' conditions"
	MsgUnrelatedNotification  = "Notification does not match a payment we have a record of or the corresponding source transfers may already have been executed"
	MsgNoRelatedDebit         = "Connector's account must be debited in all destination transfers to provide payment"
	MsgTransferExpired        = "Transfer has already expired"
	MsgMissingExpiry          = "Destination transfers with execution conditions must have an expires_at field for connector to agree to authorize them"
	MsgInsufficientWindow     = "The window between the latest destination transfer expiry and the earliest source transfer expiry is insufficient to ensure that we can execute the source transfers"
	MsgExpiryTooFar           = "Destination transfer expiry is too far in the future. The connector's money would need to be held for too long"
	MsgCaseExpiriesDiffer     = "Case expiries don't agree"
	MsgCaseExpiryMissing      = "Cases must have an expiry"
	MsgCaseUnavailable        = "Unable to verify the expiry of every case"
	MsgInvalidSignature       = "Notification signature is invalid"
)

// Error is the single error type carrying an ErrorKind. Rendering into HTTP
// responses happens once, in the api package.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf builds an Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause to a new Error.
func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// AsError extracts the *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	target, ok := AsError(err)
	return ok && target.Kind == kind
}

// Ignorable reports whether a failure of this kind means "nothing to do"
// rather than a malformed request or an infrastructure problem.
func (k ErrorKind) Ignorable() bool {
	switch k {
	case KindAssetsNotTraded,
		KindUnacceptableAmount,
		KindUnacceptableRate,
		KindUnacceptableConditions,
		KindUnacceptableExpiry,
		KindUnrelatedNotification,
		KindNoRelatedDestinationDebit:
		return true
	default:
		return false
	}
}
