// Package consumer streams task lifecycle events from the broker and
// reconciles them into the task store.
package consumer

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

const (
	// QueueName is the durable queue task events are published onto.
	QueueName = "relay_queue"
	// consumerTag identifies this consumer to the broker.
	consumerTag = "relay"
	// maxPriority enables the full AMQP per-message priority range on the
	// queue. The relay honors but never re-assigns priorities.
	maxPriority = 255
)

// Consumer owns one broker connection and channel for the duration of its
// Run loop, and drives deliveries through parse → handle → ack.
//
// Acknowledgement policy: a delivery is acked iff it was undecodable (poison
// drop — retrying can't help) or its handler succeeded. A store failure
// withholds the ack so the broker redelivers, preserving at-least-once
// semantics downstream.
type Consumer struct {
	url     string
	handler *Handler

	mu   sync.Mutex
	conn *amqp.Connection
}

func New(url string, handler *Handler) *Consumer {
	return &Consumer{url: url, handler: handler}
}

// Run connects, declares the queue, and consumes until |ctx| is cancelled or
// the broker fails. Connection and declaration errors are fatal and returned
// to the supervisor.
func (c *Consumer) Run(ctx context.Context) error {
	var conn, err = amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer conn.Close()
	c.setConn(conn)
	defer c.setConn(nil)

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening broker channel: %w", err)
	}
	defer ch.Close()

	// One un-acked delivery at a time: an event is fully merged (or
	// deliberately dropped) before the next is fetched.
	if err = ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("setting channel prefetch: %w", err)
	}

	if _, err = ch.QueueDeclare(
		QueueName,
		true,  // Durable.
		false, // Don't auto-delete.
		false, // Not exclusive.
		false, // No-wait.
		amqp.Table{"x-max-priority": int32(maxPriority)},
	); err != nil {
		return fmt.Errorf("declaring queue %q: %w", QueueName, err)
	}

	deliveries, err := ch.Consume(
		QueueName,
		consumerTag,
		false, // Manual ack.
		false, // Not exclusive.
		false, // No no-local.
		false, // No-wait.
		nil,
	)
	if err != nil {
		return fmt.Errorf("consuming from queue %q: %w", QueueName, err)
	}

	log.WithFields(log.Fields{"queue": QueueName, "tag": consumerTag}).
		Info("consuming task events")

	return c.consumeLoop(ctx, deliveries)
}

// consumeLoop drains |deliveries| until cancellation or stream close.
// Cancellation is observed between deliveries; an in-flight handler always
// finishes.
func (c *Consumer) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			log.WithField("queue", QueueName).Info("consumer shutting down")
			return nil

		case msg, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery stream of queue %q closed", QueueName)
			}

			var event, err = ParseDelivery(msg.Headers, msg.Body)
			if err != nil {
				// Poison drop: ack so the broker stops redelivering a
				// message that can never be handled.
				log.WithFields(log.Fields{
					"error":       err,
					"queue":       QueueName,
					"deliveryTag": msg.DeliveryTag,
				}).Error("dropping undecodable delivery")
				poisonCounter.Inc()
				c.ack(msg)
				continue
			}

			if err = c.handler.Handle(ctx, event); err != nil {
				// No ack: the broker will redeliver once the channel's
				// prefetch window releases.
				log.WithFields(log.Fields{
					"error":       err,
					"taskID":      event.TaskID(),
					"type":        event.Type(),
					"deliveryTag": msg.DeliveryTag,
				}).Error("failed to merge event; leaving delivery unacked")
				storeFailureCounter.Inc()
				continue
			}

			c.ack(msg)
			handledCounter.WithLabelValues(event.Type()).Inc()
		}
	}
}

func (c *Consumer) ack(msg amqp.Delivery) {
	if err := msg.Ack(false); err != nil {
		log.WithFields(log.Fields{"error": err, "deliveryTag": msg.DeliveryTag}).
			Error("failed to acknowledge delivery")
	}
}

// Healthy reports whether the broker connection is currently open.
// The supervisor's health endpoint borrows this read-only view; the
// connection itself is owned exclusively by Run.
func (c *Consumer) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

func (c *Consumer) setConn(conn *amqp.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}
