/**
 * @description
 * This file contains the settlement coordinator. It reacts to ledger
 * notifications: when a source transfer pays the connector it validates the
 * payment, builds and submits the matching destination transfer, and when the
 * destination transfer executes it relays the fulfillment back to the source
 * ledger so the connector gets paid.
 *
 * Key features:
 * - Classifies notifications against the connector's own accounts.
 * - Universal-mode templates: the sender may describe the destination transfer
 *   in the source credit memo; only the connector's debits get authorized.
 * - Atomic mode: notary case expiries must agree before anything is submitted.
 * - Every state change is journaled and published to RabbitMQ.
 *
 * @notes
 * - The coordinator keeps no in-memory state between notifications. The
 *   destination transfer id is derived from the source transfer, and
 *   correlation back to the source travels in the destination debit memo.
 */

package app

import (
	"context"
	"time"

	"github.com/MatthewPhinney/five-bells-connector/internal/domain"
	"github.com/MatthewPhinney/five-bells-connector/internal/store"
	"github.com/MatthewPhinney/five-bells-connector/pkg/rabbitmq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DestinationBuilder is satisfied by *RouteBuilder.
type DestinationBuilder interface {
	GetDestinationTransfer(ctx context.Context, source domain.Transfer) (*domain.Transfer, error)
}

// SettlementConfig holds the timing constraints the coordinator enforces.
type SettlementConfig struct {
	MinMessageWindow time.Duration
	MaxHoldTime      time.Duration
	LedgerTimeout    time.Duration
}

// Coordinator drives payments from source notification to source fulfillment.
type Coordinator struct {
	builder DestinationBuilder
	ledgers Ledgers
	cases   CaseFetcher
	journal store.Repository
	events  rabbitmq.Publisher
	cfg     SettlementConfig
	now     func() time.Time
	logger  *zap.Logger
}

// NewCoordinator creates a coordinator. cases may be nil when atomic mode is
// not used; journal and events may be nil in tests.
func NewCoordinator(
	builder DestinationBuilder,
	ledgers Ledgers,
	cases CaseFetcher,
	journal store.Repository,
	events rabbitmq.Publisher,
	cfg SettlementConfig,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		builder: builder,
		ledgers: ledgers,
		cases:   cases,
		journal: journal,
		events:  events,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With(zap.String("component", "settlement")),
	}
}

// HandleNotification processes one ledger notification. Ignorable outcomes
// are returned as an "ignored" result; malformed input and upstream failures
// are returned as errors.
func (c *Coordinator) HandleNotification(ctx context.Context, ev domain.NotificationEvent) (*domain.NotificationResult, error) {
	transfer := ev.Resource
	if transfer == nil {
		return nil, domain.NewError(domain.KindInvalidBody, "notification has no resource")
	}
	log := c.logger.With(
		zap.String("notification_id", ev.ID),
		zap.String("event", ev.Event),
		zap.String("transfer_id", transfer.ID),
		zap.String("ledger", transfer.Ledger))

	plugin, ok := c.ledgers.Plugin(transfer.Ledger)
	if !ok {
		if c.paysConnector(transfer) {
			return c.outcome(log, domain.NewError(domain.KindAssetsNotTraded, domain.MsgAssetsNotTraded))
		}
		return c.outcome(log, domain.NewError(domain.KindUnrelatedNotification, domain.MsgUnrelatedNotification))
	}
	account := plugin.Account()

	if credits := transfer.CreditsTo(account); len(credits) > 0 {
		if !transfer.State.Pending() {
			log.Debug("source transfer is no longer pending", zap.String("state", string(transfer.State)))
			return domain.Processed(), nil
		}
		source, template, err := incomingTransfer(transfer, credits)
		if err != nil {
			return c.outcome(log, err)
		}
		return c.outcome(log, c.HandleSourceTransfer(ctx, source, template))
	}

	if debits := transfer.DebitsFrom(account); len(debits) > 0 {
		if transfer.State != domain.TransferStateExecuted {
			log.Debug("destination transfer not executed yet", zap.String("state", string(transfer.State)))
			return domain.Processed(), nil
		}
		destination, err := outgoingTransfer(transfer, debits)
		if err != nil {
			return c.outcome(log, err)
		}
		if destination.NoteToSelf == nil {
			return c.outcome(log, domain.NewError(domain.KindUnrelatedNotification, domain.MsgUnrelatedNotification))
		}
		fulfillment := ""
		if ev.RelatedResources != nil {
			fulfillment = ev.RelatedResources.ExecutionConditionFulfillment
		}
		if fulfillment == "" {
			callCtx, cancel := c.callContext(ctx)
			fulfillment, err = plugin.GetFulfillment(callCtx, transfer.ID)
			cancel()
			if err != nil {
				return c.outcome(log, classifyLedgerError("fetch destination fulfillment", err))
			}
		}
		return c.outcome(log, c.HandleDestinationFulfilled(ctx, destination, fulfillment))
	}

	return c.outcome(log, domain.NewError(domain.KindUnrelatedNotification, domain.MsgUnrelatedNotification))
}

// paysConnector reports whether a transfer on a ledger the connector is not
// attached to still credits one of the connector's accounts.
func (c *Coordinator) paysConnector(transfer *domain.LedgerTransfer) bool {
	for _, credit := range transfer.Credits {
		plugin, ok := c.ledgers.Plugin(domain.AccountToLedger(credit.Account))
		if ok && plugin.Account() == credit.Account {
			return true
		}
	}
	return false
}

func (c *Coordinator) outcome(log *zap.Logger, err error) (*domain.NotificationResult, error) {
	if err == nil {
		return domain.Processed(), nil
	}
	if derr, ok := domain.AsError(err); ok && derr.Kind.Ignorable() {
		log.Warn("notification ignored",
			zap.String("outcome", domain.ResultIgnored),
			zap.String("reason", string(derr.Kind)),
			zap.String("message", derr.Message))
		return domain.Ignored(derr), nil
	}
	log.Error("notification failed", zap.Error(err))
	return nil, err
}

// HandleSourceTransfer validates a pending transfer that pays the connector
// and submits the destination transfer it funds. template is the
// sender-proposed destination transfer, if any.
func (c *Coordinator) HandleSourceTransfer(ctx context.Context, source domain.Transfer, template *domain.LedgerTransfer) (err error) {
	rec := domain.PaymentRecord{
		SourceLedger:     source.Ledger,
		SourceTransferID: source.ID,
		SourceAmount:     source.Amount,
	}
	c.transition(ctx, rec, domain.PaymentReceived, "")
	defer func() {
		if err != nil {
			state, reason := failureState(err)
			c.transition(ctx, rec, state, reason)
		}
	}()

	c.transition(ctx, rec, domain.PaymentValidating, "")

	var destPlugin LedgerPlugin
	if template != nil {
		plugin, ok := c.ledgers.Plugin(template.Ledger)
		if !ok || len(template.DebitsFrom(plugin.Account())) == 0 {
			return domain.NewError(domain.KindNoRelatedDestinationDebit, domain.MsgNoRelatedDebit)
		}
		if source.ExecutionCondition != "" && template.ExecutionCondition != source.ExecutionCondition {
			return domain.NewError(domain.KindUnacceptableConditions, domain.MsgUnacceptableConditions)
		}
		destPlugin = plugin
	}

	destination, err := c.builder.GetDestinationTransfer(ctx, source)
	if err != nil {
		return err
	}
	if destPlugin == nil {
		plugin, ok := c.ledgers.Plugin(destination.Ledger)
		if !ok {
			return domain.NewError(domain.KindAssetsNotTraded, domain.MsgAssetsNotTraded)
		}
		destPlugin = plugin
	} else if destPlugin.Ledger() != destination.Ledger {
		return domain.NewError(domain.KindAssetsNotTraded, domain.MsgAssetsNotTraded)
	}

	wire := buildDestinationTransfer(destination, template, destPlugin.Account())
	if template != nil {
		if err := checkTemplateRate(wire, destPlugin.Account(), destination.Amount); err != nil {
			return err
		}
	}
	rec.DestinationLedger = wire.Ledger
	rec.DestinationTransferID = wire.ID
	rec.DestinationAmount = destination.Amount

	cases := wire.Cases()
	if err := c.validateExpiry(source, wire, len(cases) > 0); err != nil {
		return err
	}
	if len(cases) > 0 {
		if err := c.checkCases(ctx, cases); err != nil {
			return err
		}
	}

	c.logger.Info("submitting destination transfer",
		zap.String("source_ledger", source.Ledger),
		zap.String("source_transfer_id", source.ID),
		zap.String("source_amount", source.Amount),
		zap.String("destination_ledger", wire.Ledger),
		zap.String("destination_transfer_id", wire.ID),
		zap.String("destination_amount", destination.Amount),
		zap.String("destination_account", destination.Account))

	callCtx, cancel := c.callContext(ctx)
	result, err := destPlugin.SubmitTransfer(callCtx, wire)
	cancel()
	if err != nil {
		return classifyLedgerError("submit destination transfer", err)
	}
	c.transition(ctx, rec, domain.PaymentDestinationSubmitted, "")

	if result == nil || result.State != domain.TransferStateExecuted {
		return nil
	}

	// The destination ledger executed at once, e.g. because the connector
	// is also the payee. Nothing else will notify us, so fulfill now.
	c.transition(ctx, rec, domain.PaymentDestinationExecuted, "")
	callCtx, cancel = c.callContext(ctx)
	fulfillment, err := destPlugin.GetFulfillment(callCtx, wire.ID)
	cancel()
	if err != nil {
		return classifyLedgerError("fetch destination fulfillment", err)
	}
	return c.fulfillSource(ctx, rec, fulfillment)
}

// HandleDestinationFulfilled relays the fulfillment of an executed destination
// transfer to the source transfer recorded in its note to self.
func (c *Coordinator) HandleDestinationFulfilled(ctx context.Context, destination domain.Transfer, fulfillment string) (err error) {
	note := destination.NoteToSelf
	if note == nil || fulfillment == "" {
		return domain.NewError(domain.KindUnrelatedNotification, domain.MsgUnrelatedNotification)
	}
	rec := domain.PaymentRecord{
		SourceLedger:          note.SourceTransferLedger,
		SourceTransferID:      note.SourceTransferID,
		DestinationLedger:     destination.Ledger,
		DestinationTransferID: destination.ID,
		DestinationAmount:     destination.Amount,
	}
	defer func() {
		if err != nil {
			state, reason := failureState(err)
			c.transition(ctx, rec, state, reason)
		}
	}()

	c.transition(ctx, rec, domain.PaymentDestinationExecuted, "")
	return c.fulfillSource(ctx, rec, fulfillment)
}

func (c *Coordinator) fulfillSource(ctx context.Context, rec domain.PaymentRecord, fulfillment string) error {
	plugin, ok := c.ledgers.Plugin(rec.SourceLedger)
	if !ok {
		return domain.NewError(domain.KindUnrelatedNotification, domain.MsgUnrelatedNotification)
	}

	callCtx, cancel := c.callContext(ctx)
	err := plugin.SubmitFulfillment(callCtx, rec.SourceTransferID, fulfillment)
	cancel()
	if err != nil {
		status, ok := ledgerStatus(err)
		if !ok || !fulfillmentAlreadySettled(status) {
			return classifyLedgerError("submit source fulfillment", err)
		}
		c.logger.Info("source transfer already settled",
			zap.String("source_ledger", rec.SourceLedger),
			zap.String("source_transfer_id", rec.SourceTransferID),
			zap.Int("status", status))
	}

	c.transition(ctx, rec, domain.PaymentSourceFulfilled, "")
	return nil
}

// fulfillmentAlreadySettled reports whether a fulfillment submission failed
// only because the source transfer is gone or already executed.
func fulfillmentAlreadySettled(status int) bool {
	return status == 404 || status == 409
}

// validateExpiry enforces the timing rules. When atomic cases govern the
// payment, the case deadline replaces the per-transfer window checks.
func (c *Coordinator) validateExpiry(source domain.Transfer, destination *domain.LedgerTransfer, atomic bool) error {
	now := c.now()
	if source.ExpiresAt != nil && !now.Before(*source.ExpiresAt) {
		return domain.NewError(domain.KindUnacceptableExpiry, domain.MsgTransferExpired)
	}
	dstExpiry := destination.ExpiresAt
	if dstExpiry != nil && !now.Before(*dstExpiry) {
		return domain.NewError(domain.KindUnacceptableExpiry, domain.MsgTransferExpired)
	}
	if atomic {
		return nil
	}
	if destination.ExecutionCondition != "" && dstExpiry == nil {
		return domain.NewError(domain.KindUnacceptableExpiry, domain.MsgMissingExpiry)
	}
	if dstExpiry == nil {
		return nil
	}
	if source.ExpiresAt != nil && source.ExpiresAt.Sub(*dstExpiry) < c.cfg.MinMessageWindow {
		return domain.NewError(domain.KindUnacceptableExpiry, domain.MsgInsufficientWindow)
	}
	if dstExpiry.Sub(now) > c.cfg.MaxHoldTime {
		return domain.NewError(domain.KindUnacceptableExpiry, domain.MsgExpiryTooFar)
	}
	return nil
}

func (c *Coordinator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.LedgerTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.LedgerTimeout)
}

// transition journals and publishes a payment state change. Failures to
// record are logged and never fail the payment.
func (c *Coordinator) transition(ctx context.Context, rec domain.PaymentRecord, state domain.PaymentState, reason string) {
	rec.State = state
	rec.Reason = reason
	rec.UpdatedAt = c.now().UTC()

	c.logger.Info("payment state changed",
		zap.String("state", string(state)),
		zap.String("source_ledger", rec.SourceLedger),
		zap.String("source_transfer_id", rec.SourceTransferID),
		zap.String("source_amount", rec.SourceAmount),
		zap.String("destination_ledger", rec.DestinationLedger),
		zap.String("destination_transfer_id", rec.DestinationTransferID),
		zap.String("destination_amount", rec.DestinationAmount),
		zap.String("reason", reason))

	if c.journal != nil {
		if err := c.journal.RecordPayment(ctx, rec); err != nil {
			c.logger.Warn("failed to journal payment state", zap.String("state", string(state)), zap.Error(err))
		}
	}
	if c.events != nil {
		event := rabbitmq.SettlementEvent{
			SourceLedger:          rec.SourceLedger,
			SourceTransferID:      rec.SourceTransferID,
			DestinationLedger:     rec.DestinationLedger,
			DestinationTransferID: rec.DestinationTransferID,
			SourceAmount:          rec.SourceAmount,
			DestinationAmount:     rec.DestinationAmount,
			State:                 string(state),
			Reason:                reason,
			Timestamp:             rec.UpdatedAt,
		}
		if err := c.events.PublishSettlementEvent(ctx, event); err != nil {
			c.logger.Warn("failed to publish settlement event", zap.String("state", string(state)), zap.Error(err))
		}
	}
}

func failureState(err error) (domain.PaymentState, string) {
	derr, ok := domain.AsError(err)
	if !ok {
		return domain.PaymentUpstreamFailure, err.Error()
	}
	switch {
	case derr.Kind.Ignorable():
		return domain.PaymentIgnored, string(derr.Kind)
	case derr.Kind == domain.KindUpstream:
		return domain.PaymentUpstreamFailure, derr.Message
	default:
		return domain.PaymentRejected, string(derr.Kind)
	}
}

// incomingTransfer builds the connector-relative view of a source transfer.
// Several credits to the connector are summed.
func incomingTransfer(lt *domain.LedgerTransfer, credits []int) (domain.Transfer, *domain.LedgerTransfer, error) {
	total := decimal.Zero
	var memo *domain.Memo
	for _, i := range credits {
		amount, err := decimal.NewFromString(lt.Credits[i].Amount)
		if err != nil {
			return domain.Transfer{}, nil, domain.Errorf(domain.KindInvalidBody, "credit amount (%s) is not a valid decimal", lt.Credits[i].Amount)
		}
		total = total.Add(amount)
		if memo == nil && lt.Credits[i].Memo != nil {
			memo = lt.Credits[i].Memo
		}
	}

	source := domain.Transfer{
		ID:                    lt.ID,
		Ledger:                lt.Ledger,
		Direction:             domain.DirectionIncoming,
		Amount:                total.String(),
		ExecutionCondition:    lt.ExecutionCondition,
		CancellationCondition: lt.CancellationCondition,
		ExpiresAt:             lt.ExpiresAt,
		Cases:                 lt.Cases(),
		State:                 lt.State,
	}
	if len(lt.Debits) > 0 {
		source.Account = lt.Debits[0].Account
	}

	var template *domain.LedgerTransfer
	if memo != nil {
		template = memo.DestinationTransfer
		header := memo.ProtocolHeader
		if header == nil && template != nil {
			var err error
			if header, err = templateHeader(template); err != nil {
				return domain.Transfer{}, nil, err
			}
		}
		if header != nil {
			source.Data = &domain.TransferData{ProtocolHeader: header}
		}
	}
	return source, template, nil
}

// templateHeader derives the final commitment from a sender-proposed
// destination transfer: everything it credits, payable to its first creditor.
func templateHeader(template *domain.LedgerTransfer) (*domain.ProtocolHeader, error) {
	if len(template.Credits) == 0 {
		return nil, domain.NewError(domain.KindInvalidBody, "TransferTemplate schema validation error: Array is too short (0), minimum 1")
	}
	total := decimal.Zero
	for _, credit := range template.Credits {
		amount, err := decimal.NewFromString(credit.Amount)
		if err != nil {
			return nil, domain.Errorf(domain.KindInvalidBody, "destination credit amount (%s) is not a valid decimal", credit.Amount)
		}
		total = total.Add(amount)
	}
	return &domain.ProtocolHeader{Account: template.Credits[0].Account, Amount: total.String()}, nil
}

// outgoingTransfer builds the connector-relative view of a transfer the
// connector paid out of, recovering the note to self from its debit memo.
func outgoingTransfer(lt *domain.LedgerTransfer, debits []int) (domain.Transfer, error) {
	total := decimal.Zero
	var note *domain.NoteToSelf
	for _, i := range debits {
		amount, err := decimal.NewFromString(lt.Debits[i].Amount)
		if err != nil {
			return domain.Transfer{}, domain.Errorf(domain.KindInvalidBody, "debit amount (%s) is not a valid decimal", lt.Debits[i].Amount)
		}
		total = total.Add(amount)
		if note == nil {
			note = lt.Debits[i].Memo.NoteToSelf()
		}
	}
	destination := domain.Transfer{
		ID:                 lt.ID,
		Ledger:             lt.Ledger,
		Direction:          domain.DirectionOutgoing,
		Amount:             total.String(),
		NoteToSelf:         note,
		ExecutionCondition: lt.ExecutionCondition,
		ExpiresAt:          lt.ExpiresAt,
		State:              lt.State,
	}
	if len(lt.Credits) > 0 {
		destination.Account = lt.Credits[0].Account
	}
	return destination, nil
}

// buildDestinationTransfer renders the wire transfer to submit. With a
// template only the connector's own debits are authorized and annotated.
func buildDestinationTransfer(dest *domain.Transfer, template *domain.LedgerTransfer, connectorAccount string) *domain.LedgerTransfer {
	note := dest.NoteToSelf
	if template == nil {
		wire := &domain.LedgerTransfer{
			ID:     dest.ID,
			Ledger: dest.Ledger,
			Debits: []domain.Funds{{
				Account:    connectorAccount,
				Amount:     dest.Amount,
				Authorized: true,
				Memo:       noteMemo(nil, note),
			}},
			Credits: []domain.Funds{{
				Account: dest.Account,
				Amount:  dest.Amount,
				Memo:    &domain.Memo{ProtocolHeader: dest.Header()},
			}},
			ExecutionCondition:    dest.ExecutionCondition,
			CancellationCondition: dest.CancellationCondition,
			ExpiresAt:             dest.ExpiresAt,
		}
		if len(dest.Cases) > 0 {
			wire.AdditionalInfo = &domain.AdditionalInfo{Cases: dest.Cases}
		}
		return wire
	}

	wire := *template
	if wire.ID == "" {
		wire.ID = dest.ID
	}
	wire.State = ""
	wire.RejectionReason = ""
	wire.Timeline = nil
	wire.Debits = make([]domain.Funds, len(template.Debits))
	for i, debit := range template.Debits {
		if debit.Account == connectorAccount {
			debit.Authorized = true
			debit.Memo = noteMemo(debit.Memo, note)
		}
		wire.Debits[i] = debit
	}
	wire.Credits = append([]domain.Funds(nil), template.Credits...)
	return &wire
}

func noteMemo(existing *domain.Memo, note *domain.NoteToSelf) *domain.Memo {
	memo := &domain.Memo{}
	if existing != nil {
		*memo = *existing
	}
	if note != nil {
		memo.SourceTransferLedger = note.SourceTransferLedger
		memo.SourceTransferID = note.SourceTransferID
	}
	return memo
}

// checkTemplateRate rejects templates that make the connector pay out more
// than the route offers for the source amount.
func checkTemplateRate(wire *domain.LedgerTransfer, connectorAccount, offered string) error {
	limit, err := decimal.NewFromString(offered)
	if err != nil {
		return domain.Errorf(domain.KindUnacceptableAmount, "Amount (%s) is not a valid decimal", offered)
	}
	total := decimal.Zero
	for _, i := range wire.DebitsFrom(connectorAccount) {
		amount, err := decimal.NewFromString(wire.Debits[i].Amount)
		if err != nil {
			return domain.Errorf(domain.KindInvalidBody, "debit amount (%s) is not a valid decimal", wire.Debits[i].Amount)
		}
		total = total.Add(amount)
	}
	if total.GreaterThan(limit) {
		return domain.NewError(domain.KindUnacceptableRate, domain.MsgUnacceptableRate)
	}
	return nil
}
