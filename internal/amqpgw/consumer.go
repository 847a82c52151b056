package amqpgw

import (
	"github.com/streadway/amqp"
)

// HandlerResult is the disposition a consumer handler returns for one
// delivered message.
type HandlerResult int

const (
	// Ack acknowledges the message as fully processed.
	Ack HandlerResult = iota
	// NackRequeue rejects the message and asks the broker to redeliver it.
	NackRequeue
	// NackDrop rejects the message without requeue (dead-letter routing).
	NackDrop
)

// Consumer owns a dedicated channel subscribed to one queue. Handler
// invocation is serialized per channel.
type Consumer struct {
	ch    *amqp.Channel
	queue string
}

func newConsumer(conn *amqp.Connection, queue string, prefetch int) (*Consumer, error) {
	ch, errGo := conn.Channel()
	if errGo != nil {
		return nil, errGo
	}
	if prefetch > 0 {
		if errGo := ch.Qos(prefetch, 0, false); errGo != nil {
			_ = ch.Close()
			return nil, errGo
		}
	}
	if _, errGo := ch.QueueDeclare(queue, true, false, false, false, nil); errGo != nil {
		_ = ch.Close()
		return nil, errGo
	}
	return &Consumer{ch: ch, queue: queue}, nil
}

// Run consumes deliveries until the delivery channel is closed, invoking
// handler for each message and applying its returned disposition.
func (c *Consumer) Run(handler func(delivery amqp.Delivery) HandlerResult) error {
	deliveries, errGo := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if errGo != nil {
		return errGo
	}
	for d := range deliveries {
		switch handler(d) {
		case Ack:
			_ = d.Ack(false)
		case NackRequeue:
			_ = d.Nack(false, true)
		case NackDrop:
			_ = d.Nack(false, false)
		}
	}
	return nil
}

// Close closes the consumer's channel.
func (c *Consumer) Close() error {
	return c.ch.Close()
}
