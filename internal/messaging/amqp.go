// Package messaging consumes build system events from an AMQP topic
// exchange, the transport Fedora infrastructure publishes its messages on.
package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/errors"
	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fedora-eln/distrobaker/internal/logging"
)

// Config describes the broker connection and subscription.
type Config struct {
	URL      string   `hcl:"url,optional" help:"AMQP broker URL."`
	Exchange string   `hcl:"exchange,optional" help:"Topic exchange to bind to."`
	Queue    string   `hcl:"queue,optional" help:"Queue name to consume from."`
	Bindings []string `hcl:"bindings,optional" help:"Routing key patterns to subscribe to."`
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "amq.topic"
	}
	if c.Queue == "" {
		c.Queue = "distrobaker"
	}
	if len(c.Bindings) == 0 {
		c.Bindings = []string{"#.buildsys.tag"}
	}
	return c
}

// Message is a single delivery from the broker.
type Message struct {
	Topic string
	Body  []byte
}

// Handler processes one message. A returned error is logged; the message is
// acknowledged either way since redelivery would just fail the same way.
type Handler func(ctx context.Context, msg Message) error

// Consumer subscribes to the configured queue and feeds deliveries to a
// handler one at a time, in arrival order.
type Consumer struct {
	config Config
}

func NewConsumer(config Config) *Consumer {
	return &Consumer{config: config.withDefaults()}
}

// Run consumes messages until ctx is cancelled. Lost connections are retried
// with exponential backoff, reset after each successful connect.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	logger := logging.FromContext(ctx)
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	for {
		connected, err := c.consume(ctx, handler)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			policy.Reset()
		}
		wait := policy.NextBackOff()
		logger.WarnContext(ctx, fmt.Sprintf("Message bus connection lost, reconnecting in %s.", wait.Truncate(time.Millisecond)), "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Consumer) consume(ctx context.Context, handler Handler) (bool, error) {
	logger := logging.FromContext(ctx)
	conn, err := amqp.Dial(c.config.URL)
	if err != nil {
		return false, errors.Wrap(err, "dial message bus")
	}
	defer conn.Close()

	channel, err := conn.Channel()
	if err != nil {
		return false, errors.Wrap(err, "open channel")
	}
	defer channel.Close()

	// One unacknowledged message at a time keeps processing strictly serial.
	if err := channel.Qos(1, 0, false); err != nil {
		return false, errors.Wrap(err, "set QoS")
	}

	queue, err := channel.QueueDeclare(c.config.Queue, true, false, false, false, nil)
	if err != nil {
		return false, errors.Wrap(err, "declare queue")
	}
	for _, binding := range c.config.Bindings {
		if err := channel.QueueBind(queue.Name, binding, c.config.Exchange, false, nil); err != nil {
			return false, errors.Wrapf(err, "bind %s to %s", binding, c.config.Exchange)
		}
	}

	deliveries, err := channel.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return false, errors.Wrap(err, "start consuming")
	}
	logger.InfoContext(ctx, fmt.Sprintf("Listening for messages on the %s queue.", queue.Name))

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case delivery, ok := <-deliveries:
			if !ok {
				return true, errors.New("message bus channel closed")
			}
			msg := Message{Topic: delivery.RoutingKey, Body: delivery.Body}
			if err := handler(ctx, msg); err != nil {
				logger.WarnContext(ctx, fmt.Sprintf("Failed to process a %s message.", msg.Topic), "error", err)
			}
			if err := delivery.Ack(false); err != nil {
				return true, errors.Wrap(err, "acknowledge message")
			}
		}
	}
}
