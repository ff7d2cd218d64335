package rabbitmq

import (
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultPrefetch = 10

// Consumer reads from a durable queue bound to a topic exchange.
type Consumer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	logger   *slog.Logger
	prefetch int
}

// NewConsumer dials RabbitMQ and opens a consuming channel.
func NewConsumer(amqpURL string, logger *slog.Logger) (*Consumer, error) {
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

	return &Consumer{conn: conn, ch: ch, logger: logger, prefetch: defaultPrefetch}, nil
}

// ConsumeWithBindings binds each routing key to the queue and dispatches deliveries to the
// matching handler. A handler returning false nacks the delivery for requeue.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]func([]byte) bool) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]func([]byte) bool)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			handler, ok := handlers[d.RoutingKey]
			if !ok {
				c.logger.Warn("no handler for routing key; dropping", "routing_key", d.RoutingKey)
				d.Ack(false)
				continue
			}
			if c.handle(handler, d) {
				d.Ack(false)
			} else {
				c.logger.Warn("handler failed; requeueing", "routing_key", d.RoutingKey, "redelivered", d.Redelivered)
				d.Nack(false, true)
			}
		}
		c.logger.Warn("delivery channel closed", "queue", q.Name)
	}()

	return nil
}

// handle runs one handler. A panic is logged and treated as a failure so the loop survives.
func (c *Consumer) handle(handler func([]byte) bool, d amqp.Delivery) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", "routing_key", d.RoutingKey, "panic", r)
			ok = false
		}
	}()
	return handler(d.Body)
}

// Close closes the channel and connection.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
