package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MatthewPhinney/five-bells-connector/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// NotificationHandler processes one relayed ledger notification and reports
// whether the message should be redelivered.
type NotificationHandler func(ctx context.Context, event domain.NotificationEvent) (requeue bool)

// Consumer reads ledger notifications that a relay published to
// NotificationExchange.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *zap.Logger
}

func NewConsumer(amqpURL string, logger *zap.Logger) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, logger: logger.With(zap.String("component", "rabbitmq_consumer"))}, nil
}

// ConsumeNotifications binds queueName to NotificationKey and hands every
// well-formed notification to handle in a background goroutine. Each call to
// handle gets its own timeout.
func (c *Consumer) ConsumeNotifications(queueName string, timeout time.Duration, handle NotificationHandler) error {
	if handle == nil {
		return errors.New("no notification handler provided")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	if err := c.ch.ExchangeDeclare(NotificationExchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := c.ch.QueueBind(q.Name, NotificationKey, NotificationExchange, false, nil); err != nil {
		return err
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			deliverNotification(d, timeout, handle, c.logger)
		}
	}()
	return nil
}

func deliverNotification(d amqp.Delivery, timeout time.Duration, handle NotificationHandler, logger *zap.Logger) {
	event, err := decodeRelayedNotification(d.Body)
	if err != nil {
		logger.Warn("malformed notification; dropping",
			zap.String("message_id", d.MessageId),
			zap.Error(err))
		d.Ack(false)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if handle(ctx, event) {
		logger.Warn("notification not settled; re-queuing", zap.String("notification_id", event.ID))
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

// decodeRelayedNotification rejects messages that can never be processed so
// they are not redelivered.
func decodeRelayedNotification(body []byte) (domain.NotificationEvent, error) {
	var event domain.NotificationEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return event, fmt.Errorf("decode notification: %w", err)
	}
	if event.ID == "" {
		return event, errors.New("notification missing id")
	}
	switch event.Event {
	case domain.EventTransferCreate, domain.EventTransferUpdate:
	default:
		return event, fmt.Errorf("notification %s has unknown event %q", event.ID, event.Event)
	}
	if event.Resource == nil {
		return event, fmt.Errorf("notification %s missing resource", event.ID)
	}
	return event, nil
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
