/**
 * @description
 * This file defines the transfer models the connector exchanges with ledgers.
 * Two shapes exist: `LedgerTransfer` is the wire representation a ledger holds
 * (debits, credits, memos), while `Transfer` is the connector-relative view the
 * route builder and the settlement coordinator reason about.
 *
 * @notes
 * - Amounts are decimal strings of arbitrary precision and are only ever parsed
 *   with shopspring/decimal, never float64.
 * - Optional fields are pointers or carry `omitempty` so undefined values are
 *   omitted from JSON instead of being emitted as nulls.
 */
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Direction is relative to the connector: incoming transfers credit the
// connector, outgoing transfers debit it.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// TransferState mirrors the ledger-side transfer lifecycle.
type TransferState string

const (
	TransferStateProposed  TransferState = "proposed"
	TransferStatePrepared  TransferState = "prepared"
	TransferStateExecuted  TransferState = "executed"
	TransferStateRejected  TransferState = "rejected"
	TransferStateCancelled TransferState = "cancelled"
)

// Pending reports whether funds are still held waiting for a fulfillment.
func (s TransferState) Pending() bool {
	return s == TransferStateProposed || s == TransferStatePrepared
}

// ProtocolHeader is the final destination commitment made by the original
// sender. It travels hop to hop without modification.
type ProtocolHeader struct {
	Account string          `json:"account"`
	Amount  string          `json:"amount"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// TransferData is the opaque payload attached to a transfer.
type TransferData struct {
	ProtocolHeader *ProtocolHeader `json:"ilp_header,omitempty"`
}

// NoteToSelf is private correlation data attached to outgoing transfers so the
// fulfillment can be routed back to the source transfer.
type NoteToSelf struct {
	SourceTransferLedger string `json:"source_transfer_ledger"`
	SourceTransferID     string `json:"source_transfer_id"`
}

// Transfer is the connector-relative view of a transfer on a single ledger.
type Transfer struct {
	ID                    string        `json:"id"`
	Ledger                string        `json:"ledger"`
	Direction             Direction     `json:"direction"`
	Account               string        `json:"account,omitempty"`
	Amount                string        `json:"amount"`
	Data                  *TransferData `json:"data,omitempty"`
	NoteToSelf            *NoteToSelf   `json:"noteToSelf,omitempty"`
	ExecutionCondition    string        `json:"executionCondition,omitempty"`
	CancellationCondition string        `json:"cancellationCondition,omitempty"`
	ExpiresAt             *time.Time    `json:"expiresAt,omitempty"`
	Cases                 []string      `json:"cases,omitempty"`
	State                 TransferState `json:"state,omitempty"`
}

// Header returns the embedded protocol header, or nil when none is attached.
func (t Transfer) Header() *ProtocolHeader {
	if t.Data == nil {
		return nil
	}
	return t.Data.ProtocolHeader
}

// LedgerTransfer is a transfer as stored and served by a ledger.
type LedgerTransfer struct {
	ID                    string          `json:"id"`
	Ledger                string          `json:"ledger"`
	Debits                []Funds         `json:"debits"`
	Credits               []Funds         `json:"credits"`
	ExecutionCondition    string          `json:"execution_condition,omitempty"`
	CancellationCondition string          `json:"cancellation_condition,omitempty"`
	ExpiresAt             *time.Time      `json:"expires_at,omitempty"`
	ExpiryDuration        *float64        `json:"expiry_duration,omitempty"`
	State                 TransferState   `json:"state,omitempty"`
	RejectionReason       string          `json:"rejection_reason,omitempty"`
	Timeline              json.RawMessage `json:"timeline,omitempty"`
	AdditionalInfo        *AdditionalInfo `json:"additional_info,omitempty"`
}

// Funds is a single debit or credit entry of a LedgerTransfer.
type Funds struct {
	Account    string `json:"account"`
	Amount     string `json:"amount"`
	Authorized bool   `json:"authorized,omitempty"`
	Rejected   bool   `json:"rejected,omitempty"`
	Memo       *Memo  `json:"memo,omitempty"`
}

// Memo is the free-form payload ledgers carry on debits and credits. Only the
// keys the connector understands are modelled; anything else is tolerated.
type Memo struct {
	ProtocolHeader       *ProtocolHeader `json:"ilp_header,omitempty"`
	DestinationTransfer  *LedgerTransfer `json:"destination_transfer,omitempty"`
	SourceTransferLedger string          `json:"source_transfer_ledger,omitempty"`
	SourceTransferID     string          `json:"source_transfer_id,omitempty"`
}

// UnmarshalJSON keeps memos lenient even when the enclosing decoder rejects
// unknown fields.
func (m *Memo) UnmarshalJSON(data []byte) error {
	type plain Memo
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*m = Memo(decoded)
	return nil
}

// NoteToSelf extracts correlation data from the memo, if present.
func (m *Memo) NoteToSelf() *NoteToSelf {
	if m == nil || m.SourceTransferLedger == "" || m.SourceTransferID == "" {
		return nil
	}
	return &NoteToSelf{
		SourceTransferLedger: m.SourceTransferLedger,
		SourceTransferID:     m.SourceTransferID,
	}
}

// AdditionalInfo carries the atomic-mode notary references.
type AdditionalInfo struct {
	Cases []string `json:"cases,omitempty"`
}

// UnmarshalJSON tolerates keys other than cases; senders attach their own
// metadata here.
func (a *AdditionalInfo) UnmarshalJSON(data []byte) error {
	type plain AdditionalInfo
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*a = AdditionalInfo(decoded)
	return nil
}

// Cases returns the notary case URIs referenced by the transfer.
func (t *LedgerTransfer) Cases() []string {
	if t == nil || t.AdditionalInfo == nil {
		return nil
	}
	return t.AdditionalInfo.Cases
}

// DebitsFrom returns the indexes of the debits drawn from account.
func (t *LedgerTransfer) DebitsFrom(account string) []int {
	return fundsFor(t.Debits, account)
}

// CreditsTo returns the indexes of the credits paid to account.
func (t *LedgerTransfer) CreditsTo(account string) []int {
	return fundsFor(t.Credits, account)
}

func fundsFor(entries []Funds, account string) []int {
	var idx []int
	for i, entry := range entries {
		if entry.Account == account {
			idx = append(idx, i)
		}
	}
	return idx
}

// AtomicCase is a notary case anchoring the shared deadline in atomic mode.
type AtomicCase struct {
	ID        string     `json:"id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// LedgerPrecision describes how many significant digits a ledger stores and
// how many of them sit after the decimal point.
type LedgerPrecision struct {
	Precision int `json:"precision"`
	Scale     int `json:"scale"`
}

// AccountToLedger resolves the ledger URI from an account URI of the form
// `<ledger>/accounts/<name>`.
func AccountToLedger(account string) string {
	if idx := strings.LastIndex(account, "/accounts/"); idx > 0 {
		return account[:idx]
	}
	return account
}
