package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rendis/flowcore/pkg/schema"
)

// DefaultExchange is the topic exchange run events are published to.
const DefaultExchange = "flowcore.events"

// amqpChannel is the subset of *amqp.Channel the sink uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink forwards hub events to a RabbitMQ topic exchange, one persistent
// JSON message per event with the event type as routing key.
type AMQPSink struct {
	ch       amqpChannel
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger
}

// DialAMQPSink connects to url and declares the exchange.
func DialAMQPSink(url, exchange string, logger *slog.Logger) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	sink, err := NewAMQPSink(ch, exchange, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	sink.conn = conn
	return sink, nil
}

// NewAMQPSink wraps an open channel and declares a durable topic exchange.
func NewAMQPSink(ch amqpChannel, exchange string, logger *slog.Logger) (*AMQPSink, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPSink{ch: ch, exchange: exchange, logger: logger}, nil
}

// Publish sends one event. The run ID travels as the message correlation ID.
func (s *AMQPSink) Publish(ctx context.Context, ev schema.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ts := ev.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	err = s.ch.PublishWithContext(ctx, s.exchange, ev.Type, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: ev.RunID,
		MessageId:     fmt.Sprintf("%s:%d", ev.RunID, ev.Seq),
		Timestamp:     ts,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", s.exchange, ev.Type, err)
	}
	return nil
}

// Run subscribes to hub and forwards every event until ctx is done.
// Publish failures are logged and never reach the run.
func (s *AMQPSink) Run(ctx context.Context, hub EventHub) error {
	events, cancel, err := hub.Subscribe(ctx, EventFilter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.Publish(ctx, ev); err != nil {
				s.logger.Warn("amqp sink publish failed",
					slog.String("run_id", ev.RunID),
					slog.String("event_type", ev.Type),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Close closes the channel and, when the sink dialed it, the connection.
func (s *AMQPSink) Close() error {
	err := s.ch.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
