package domain

// Hop is one leg of a route as answered by the routing table. It is created
// fresh for every quote or construction and owned by that call.
type Hop struct {
	SourceLedger             string
	DestinationLedger        string
	FinalLedger              string
	SourceAmount             string
	DestinationAmount        string
	FinalAmount              string
	DestinationCreditAccount string
	IsFinal                  bool
	AdditionalInfo           map[string]any
}

// Clone returns a copy that shares nothing mutable with h.
func (h Hop) Clone() Hop {
	out := h
	if h.AdditionalInfo != nil {
		out.AdditionalInfo = make(map[string]any, len(h.AdditionalInfo))
		for k, v := range h.AdditionalInfo {
			out.AdditionalInfo[k] = v
		}
	}
	return out
}

// QuoteQuery is a request for a quote. Exactly one of SourceAmount and
// DestinationAmount must be set.
type QuoteQuery struct {
	SourceLedger                 string
	DestinationLedger            string
	SourceAmount                 string
	DestinationAmount            string
	DestinationPrecisionAndScale *LedgerPrecision
	Explain                      bool
}

// Quote is the externally visible result of a quote request.
type Quote struct {
	SourceConnectorAccount string         `json:"source_connector_account"`
	SourceLedger           string         `json:"source_ledger"`
	SourceAmount           string         `json:"source_amount"`
	DestinationLedger      string         `json:"destination_ledger"`
	DestinationAmount      string         `json:"destination_amount"`
	AdditionalInfo         map[string]any `json:"additional_info,omitempty"`
}
