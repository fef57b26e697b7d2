package app

import (
	"context"
	"strings"
	"time"

	"github.com/MatthewPhinney/five-bells-connector/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RoutingTable answers best-hop lookups. Implementations live outside this
// package; the connector only consumes them.
type RoutingTable interface {
	FindBestHopForSourceAmount(sourceLedger, destinationLedger, sourceAmount string) *domain.Hop
	FindBestHopForDestinationAmount(sourceLedger, destinationLedger, destinationAmount string) *domain.Hop
}

// PrecisionSource is satisfied by *PrecisionCache.
type PrecisionSource interface {
	Get(ctx context.Context, ledger string) (domain.LedgerPrecision, error)
}

type rounding int

const (
	roundUp rounding = iota
	roundDown
)

// RouteBuilderConfig holds the knobs the route builder needs.
type RouteBuilderConfig struct {
	Slippage         decimal.Decimal
	MinMessageWindow time.Duration
	IDSecret         []byte
}

// RouteBuilder turns routing table hops into quotes and destination transfers.
type RouteBuilder struct {
	routes     RoutingTable
	precisions PrecisionSource
	ledgers    Ledgers
	cfg        RouteBuilderConfig
	logger     *zap.Logger
}

func NewRouteBuilder(routes RoutingTable, precisions PrecisionSource, ledgers Ledgers, cfg RouteBuilderConfig, logger *zap.Logger) *RouteBuilder {
	return &RouteBuilder{
		routes:     routes,
		precisions: precisions,
		ledgers:    ledgers,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "route_builder")),
	}
}

// GetQuote prices a payment between two ledgers. Slippage is applied against
// the requester, then amounts are rounded in the connector's favour.
func (b *RouteBuilder) GetQuote(ctx context.Context, q domain.QuoteQuery) (*domain.Quote, error) {
	if (q.SourceAmount == "") == (q.DestinationAmount == "") {
		return nil, domain.NewError(domain.KindInvalidBody, "exactly one of source_amount and destination_amount must be provided")
	}
	b.logger.Info("quote requested",
		zap.String("source_ledger", q.SourceLedger),
		zap.String("destination_ledger", q.DestinationLedger),
		zap.String("source_amount", q.SourceAmount),
		zap.String("destination_amount", q.DestinationAmount))

	var hop *domain.Hop
	if q.SourceAmount != "" {
		hop = b.routes.FindBestHopForSourceAmount(q.SourceLedger, q.DestinationLedger, q.SourceAmount)
	} else {
		hop = b.routes.FindBestHopForDestinationAmount(q.SourceLedger, q.DestinationLedger, q.DestinationAmount)
	}
	if hop == nil {
		b.logger.Warn("quote rejected",
			zap.String("reason", string(domain.KindAssetsNotTraded)),
			zap.String("source_ledger", q.SourceLedger),
			zap.String("destination_ledger", q.DestinationLedger))
		return nil, domain.NewError(domain.KindAssetsNotTraded, domain.MsgAssetsNotTraded)
	}

	shifted := hop.Clone()
	one := decimal.NewFromInt(1)
	var slippage decimal.Decimal
	if q.SourceAmount != "" {
		amount, err := parseAmount(shifted.FinalAmount)
		if err != nil {
			return nil, err
		}
		adjusted := amount.Mul(one.Sub(b.cfg.Slippage))
		slippage = amount.Sub(adjusted)
		shifted.FinalAmount = adjusted.String()
	} else {
		amount, err := parseAmount(shifted.SourceAmount)
		if err != nil {
			return nil, err
		}
		adjusted := amount.Mul(one.Add(b.cfg.Slippage))
		slippage = amount.Sub(adjusted)
		shifted.SourceAmount = adjusted.String()
	}

	rounded, err := b.roundHop(ctx, shifted, q.DestinationPrecisionAndScale)
	if err != nil {
		return nil, err
	}

	plugin, ok := b.ledgers.Plugin(rounded.SourceLedger)
	if !ok {
		return nil, domain.NewError(domain.KindAssetsNotTraded, domain.MsgAssetsNotTraded)
	}

	quote := &domain.Quote{
		SourceConnectorAccount: plugin.Account(),
		SourceLedger:           rounded.SourceLedger,
		SourceAmount:           rounded.SourceAmount,
		DestinationLedger:      rounded.FinalLedger,
		DestinationAmount:      rounded.FinalAmount,
	}
	if q.Explain {
		info := make(map[string]any, len(rounded.AdditionalInfo)+1)
		for k, v := range rounded.AdditionalInfo {
			info[k] = v
		}
		info["slippage"] = slippage.String()
		quote.AdditionalInfo = info
	}
	return quote, nil
}

// GetDestinationTransfer derives the transfer the connector must send for a
// source transfer paid to it. The result is a pure function of the source
// transfer, the routing table and the id secret, so repeated notifications
// produce the same transfer.
func (b *RouteBuilder) GetDestinationTransfer(ctx context.Context, source domain.Transfer) (*domain.Transfer, error) {
	header := source.Header()
	if header == nil {
		b.logger.Error("source transfer carries no protocol header",
			zap.String("ledger", source.Ledger),
			zap.String("transfer_id", source.ID))
		return nil, domain.Errorf(domain.KindInvalidBody, "source transfer %s is missing ilp_header", source.ID)
	}
	b.logger.Info("constructing destination transfer",
		zap.String("source_ledger", source.Ledger),
		zap.String("source_transfer_id", source.ID),
		zap.String("source_amount", source.Amount),
		zap.String("header_account", header.Account),
		zap.String("header_amount", header.Amount))

	finalLedger := domain.AccountToLedger(header.Account)
	hop := b.routes.FindBestHopForSourceAmount(source.Ledger, finalLedger, source.Amount)
	if hop == nil {
		return nil, domain.NewError(domain.KindAssetsNotTraded, domain.MsgAssetsNotTraded)
	}

	next, err := b.roundHop(ctx, hop.Clone(), nil)
	if err != nil {
		return nil, err
	}

	if next.IsFinal {
		expected, err := decimal.NewFromString(header.Amount)
		if err != nil {
			return nil, domain.Errorf(domain.KindInvalidBody, "ilp_header amount (%s) is not a valid decimal", header.Amount)
		}
		offered, err := parseAmount(next.FinalAmount)
		if err != nil {
			return nil, err
		}
		if expected.GreaterThan(offered) {
			b.logger.Warn("destination transfer rejected",
				zap.String("reason", string(domain.KindUnacceptableRate)),
				zap.String("source_transfer_id", source.ID),
				zap.String("expected", header.Amount),
				zap.String("offered", next.FinalAmount))
			return nil, domain.NewError(domain.KindUnacceptableRate, domain.MsgUnacceptableRate)
		}
		next.DestinationCreditAccount = header.Account
		next.DestinationAmount = header.Amount
	}

	id, err := DeriveID(b.cfg.IDSecret, transferIDNamespace, source.Ledger+"/"+source.ID)
	if err != nil {
		return nil, err
	}

	forwarded := *header
	destination := &domain.Transfer{
		ID:                    id,
		Ledger:                next.DestinationLedger,
		Direction:             domain.DirectionOutgoing,
		Account:               next.DestinationCreditAccount,
		Amount:                next.DestinationAmount,
		Data:                  &domain.TransferData{ProtocolHeader: &forwarded},
		NoteToSelf:            &domain.NoteToSelf{SourceTransferLedger: source.Ledger, SourceTransferID: source.ID},
		ExecutionCondition:    source.ExecutionCondition,
		CancellationCondition: source.CancellationCondition,
		ExpiresAt:             b.destinationExpiry(source.ExpiresAt),
	}
	if len(source.Cases) > 0 {
		destination.Cases = append([]string(nil), source.Cases...)
	}
	return destination, nil
}

func (b *RouteBuilder) destinationExpiry(sourceExpiry *time.Time) *time.Time {
	if sourceExpiry == nil {
		return nil
	}
	expiry := sourceExpiry.Add(-b.cfg.MinMessageWindow)
	return &expiry
}

// roundHop rounds the source amount up and the destination amounts down. The
// final amount is only touched when this hop reaches the final ledger or the
// caller overrides the destination precision.
func (b *RouteBuilder) roundHop(ctx context.Context, hop domain.Hop, override *domain.LedgerPrecision) (domain.Hop, error) {
	var err error
	if hop.SourceAmount, err = b.roundAmount(ctx, "source", roundUp, hop.SourceLedger, hop.SourceAmount, nil); err != nil {
		return hop, err
	}
	if hop.DestinationAmount, err = b.roundAmount(ctx, "destination", roundDown, hop.DestinationLedger, hop.DestinationAmount, override); err != nil {
		return hop, err
	}
	if hop.IsFinal || override != nil {
		if hop.FinalAmount, err = b.roundAmount(ctx, "destination", roundDown, hop.FinalLedger, hop.FinalAmount, override); err != nil {
			return hop, err
		}
	}
	return hop, nil
}

func (b *RouteBuilder) roundAmount(ctx context.Context, side string, mode rounding, ledger, amount string, override *domain.LedgerPrecision) (string, error) {
	var ps domain.LedgerPrecision
	if override != nil {
		ps = *override
	} else {
		var err error
		if ps, err = b.precisions.Get(ctx, ledger); err != nil {
			return "", domain.WrapError(domain.KindUpstream, "unable to determine ledger precision", err)
		}
	}

	value, err := parseAmount(amount)
	if err != nil {
		return "", err
	}

	var rounded decimal.Decimal
	if mode == roundUp {
		rounded = value.RoundUp(int32(ps.Scale))
	} else {
		rounded = value.RoundDown(int32(ps.Scale))
	}

	if significantDigits(rounded) > ps.Precision {
		return "", domain.Errorf(domain.KindUnacceptableAmount,
			"Amount (%s) exceeds ledger precision on %s ledger", rounded.String(), side)
	}
	if !rounded.IsPositive() {
		return "", domain.Errorf(domain.KindUnacceptableAmount,
			"Quoted %s is lower than minimum amount allowed", side)
	}
	return rounded.StringFixed(int32(ps.Scale)), nil
}

func parseAmount(amount string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Decimal{}, domain.Errorf(domain.KindUnacceptableAmount, "Amount (%s) is not a valid decimal", amount)
	}
	return value, nil
}

// significantDigits counts digits from the first to the last non-zero digit.
func significantDigits(d decimal.Decimal) int {
	digits := strings.TrimRight(d.Coefficient().String(), "0")
	digits = strings.TrimLeft(digits, "-")
	if digits == "" {
		return 1
	}
	return len(digits)
}
