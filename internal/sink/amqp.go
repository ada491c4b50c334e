package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig configures the RabbitMQ sink.
type AMQPConfig struct {
	URL        string
	Exchange   string // Declared as a durable fanout exchange
	RoutingKey string
}

// amqpChannel is the subset of *amqp.Channel the sink uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes snapshots to a RabbitMQ exchange.
type AMQPPublisher struct {
	cfg  AMQPConfig
	conn *amqp.Connection

	mu sync.Mutex // amqp channels are not safe for concurrent publishing
	ch amqpChannel
}

// DialAMQP connects to RabbitMQ and declares the exchange.
func DialAMQP(cfg AMQPConfig) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", cfg.Exchange, err)
	}

	return &AMQPPublisher{cfg: cfg, conn: conn, ch: ch}, nil
}

// Publish sends one snapshot as a persistent JSON message.
func (p *AMQPPublisher) Publish(ctx context.Context, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.ch.PublishWithContext(ctx,
		p.cfg.Exchange,
		p.cfg.RoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
