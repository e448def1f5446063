package notification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/caretide/caretide/billing"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

var _ billing.Notifier = &AMQPNotifier{}

const (
	notificationExchange string = "user_notification"
	paymentRoutingKey           = "payment"
)

// PaymentEvent is the message delivered to the notification workers
// (email/SMS/in-app fan-out happens downstream)
type PaymentEvent struct {
	Type            string    `json:"type"` // payment.success or payment.failure
	UserID          string    `json:"userId"`
	BillingRecordID string    `json:"billingRecordId"`
	SubscriptionID  string    `json:"subscriptionId,omitempty"`
	AmountCents     int64     `json:"amountCents"`
	Description     string    `json:"description"`
	Reason          string    `json:"reason,omitempty"`
	OccurredAt      time.Time `json:"occurredAt"`
}

// AMQPNotifier publishes payment notifications via RabbitMQ. Delivery is
// best-effort from the billing engine's point of view: the caller logs and
// swallows any error returned here.
type AMQPNotifier struct {
	connection *amqp.Connection
	channel    *amqp.Channel
	logger     *zap.Logger
}

// NewAMQPNotifier returns a payment notification publisher over RabbitMQ
func NewAMQPNotifier(logger *zap.Logger, amqpURI string) (*AMQPNotifier, error) {
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	notifier := &AMQPNotifier{
		connection: amqpConn,
		channel:    amqpChan,
		logger:     logger,
	}
	if err := notifier.setupExchange(); err != nil {
		return nil, extErrors.Wrap(err, "Cannot declare exchange for notifications")
	}
	return notifier, nil
}

func (a *AMQPNotifier) setupExchange() error {
	return a.channel.ExchangeDeclare(
		notificationExchange, // name
		"topic",              // type
		true,                 // durable
		false,                // auto-deleted
		false,                // internal
		false,                // no-wait
		nil,                  // arguments
	)
}

// Close will close the channel and connection to release resources
func (a *AMQPNotifier) Close() {
	a.channel.Close()
	a.connection.Close()
}

func (a *AMQPNotifier) publish(event *PaymentEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode notification into bytes")
	}
	if err := a.channel.Publish(
		notificationExchange,
		paymentRoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	); err != nil {
		return extErrors.Wrap(err, "Cannot publish notification")
	}
	return nil
}

func eventFromRecord(eventType, userID string, record *billing.Record) *PaymentEvent {
	event := &PaymentEvent{
		Type:            eventType,
		UserID:          userID,
		BillingRecordID: record.ID,
		AmountCents:     record.AmountCents,
		Description:     record.Description,
		OccurredAt:      time.Now(),
	}
	if record.SubscriptionID != nil {
		event.SubscriptionID = *record.SubscriptionID
	}
	if record.FailureReason != nil {
		event.Reason = *record.FailureReason
	}
	return event
}

// NotifyPaymentSuccess publishes a payment.success event for the user
func (a *AMQPNotifier) NotifyPaymentSuccess(ctx context.Context, userID string, record *billing.Record) error {
	return a.publish(eventFromRecord("payment.success", userID, record))
}

// NotifyPaymentFailure publishes a payment.failure event for the user
func (a *AMQPNotifier) NotifyPaymentFailure(ctx context.Context, userID string, record *billing.Record) error {
	return a.publish(eventFromRecord("payment.failure", userID, record))
}
