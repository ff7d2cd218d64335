package app

import (
	"context"
	"log/slog"

	"github.com/carelink/payout-service/internal/domain"
)

const NotificationEventsExchange = "notification_events"

// EventNotifier publishes payout outcomes for the notification service to email.
type EventNotifier struct {
	publisher EventPublisher
	logger    *slog.Logger
}

func NewEventNotifier(publisher EventPublisher, logger *slog.Logger) *EventNotifier {
	return &EventNotifier{publisher: publisher, logger: logger}
}

func (n *EventNotifier) PayoutSucceeded(ctx context.Context, notification domain.PayoutNotification) error {
	return n.publish(ctx, "payout.succeeded", notification)
}

func (n *EventNotifier) PayoutFailed(ctx context.Context, notification domain.PayoutNotification) error {
	return n.publish(ctx, "payout.failed", notification)
}

func (n *EventNotifier) publish(ctx context.Context, routingKey string, notification domain.PayoutNotification) error {
	if err := n.publisher.Publish(ctx, NotificationEventsExchange, routingKey, notification); err != nil {
		return err
	}
	n.logger.Debug("payout notification published", "routing_key", routingKey, "contractor_id", notification.ContractorID)
	return nil
}
