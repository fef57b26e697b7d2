package app

import (
	"context"

	"github.com/MatthewPhinney/five-bells-connector/internal/domain"
	"go.uber.org/zap"
)

// NotificationProcessor is satisfied by *Coordinator.
type NotificationProcessor interface {
	HandleNotification(ctx context.Context, ev domain.NotificationEvent) (*domain.NotificationResult, error)
}

// NotificationConsumer feeds ledger notifications relayed over RabbitMQ into
// the coordinator.
type NotificationConsumer struct {
	processor NotificationProcessor
	logger    *zap.Logger
}

func NewNotificationConsumer(processor NotificationProcessor, logger *zap.Logger) *NotificationConsumer {
	return &NotificationConsumer{
		processor: processor,
		logger:    logger.With(zap.String("component", "notification_consumer")),
	}
}

// Handle processes one relayed notification and asks for redelivery only when
// a ledger or notary was unreachable.
func (c *NotificationConsumer) Handle(ctx context.Context, event domain.NotificationEvent) (requeue bool) {
	result, err := c.processor.HandleNotification(ctx, event)
	if err != nil {
		if domain.IsKind(err, domain.KindUpstream) {
			c.logger.Warn("upstream failure; re-queuing notification", zap.String("notification_id", event.ID), zap.Error(err))
			return true
		}
		c.logger.Warn("notification rejected; dropping", zap.String("notification_id", event.ID), zap.Error(err))
		return false
	}

	c.logger.Debug("notification consumed",
		zap.String("notification_id", event.ID),
		zap.String("outcome", result.Result))
	return false
}
