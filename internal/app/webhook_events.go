package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/carelink/payout-service/internal/domain"
)

// EventPublisher publishes a JSON body to an exchange. rabbitmq.Publisher implements it.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

const GatewayEventsExchange = "gateway_events"

// ErrUnhandledEventType marks gateway events this service does not route. They are
// acknowledged and not retried.
var ErrUnhandledEventType = errors.New("unhandled gateway event type")

var gatewayEventRoutes = map[string]string{
	"transfer.created":  "gateway.transfer.created",
	"transfer.reversed": "gateway.transfer.reversed",
	"transfer.failed":   "gateway.transfer.failed",
	"payout.paid":       "gateway.payout.paid",
	"payout.failed":     "gateway.payout.failed",
	"account.updated":   "gateway.account.updated",
}

// WebhookDispatcher republishes accepted gateway events for internal consumers.
type WebhookDispatcher struct {
	publisher EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewWebhookDispatcher(publisher EventPublisher, logger *slog.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{publisher: publisher, logger: logger, now: time.Now}
}

// Dispatch publishes one event. It returns ErrUnhandledEventType for unknown types.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, provider, eventID, eventType string, payload json.RawMessage) error {
	routingKey, ok := gatewayEventRoutes[strings.ToLower(strings.TrimSpace(eventType))]
	if !ok {
		return ErrUnhandledEventType
	}
	event := domain.GatewayEvent{
		Provider:   provider,
		EventID:    eventID,
		EventType:  eventType,
		Payload:    payload,
		ReceivedAt: d.now().UTC(),
	}
	if err := d.publisher.Publish(ctx, GatewayEventsExchange, routingKey, event); err != nil {
		return err
	}
	d.logger.Info("gateway event dispatched", "provider", provider, "event_id", eventID, "routing_key", routingKey)
	return nil
}
