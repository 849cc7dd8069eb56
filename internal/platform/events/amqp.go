package events

import (
	"context"
	"fmt"

	"github.com/streadway/amqp"
)

// amqpChannel is the subset of *amqp.Channel the sink uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes envelopes to a durable fanout exchange. The exchange is
// declared once when the sink is built.
type AMQPSink struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
}

// DialAMQP connects to RabbitMQ and declares exchange.
func DialAMQP(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	sink, err := newAMQPSink(ch, exchange)
	if err != nil {
		conn.Close()
		return nil, err
	}
	sink.conn = conn
	return sink, nil
}

func newAMQPSink(ch amqpChannel, exchange string) (*AMQPSink, error) {
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPSink{channel: ch, exchange: exchange}, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

// Send publishes body with the envelope's id and type as message properties.
// The streadway client has no per-call context, so ctx only short-circuits
// an already expired delivery.
func (s *AMQPSink) Send(ctx context.Context, env Envelope, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.channel.Publish(s.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID.String(),
		Type:         env.Type,
		Timestamp:    env.OccurredAt,
		Body:         body,
	})
}

func (s *AMQPSink) Close() {
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
