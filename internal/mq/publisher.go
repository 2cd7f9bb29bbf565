package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher sends JSON live events to a RabbitMQ topic exchange. A channel
// closed by a channel-level broker error is reopened on the next Publish.
type Publisher struct {
	conn     *Connection
	exchange string
	logger   *zap.Logger

	mu      sync.Mutex
	channel *amqp.Channel
}

// NewPublisher opens a channel and declares the exchange
func NewPublisher(conn *Connection, exchange string, logger *zap.Logger) (*Publisher, error) {
	p := &Publisher{conn: conn, exchange: exchange, logger: logger}
	if _, err := p.openChannel(); err != nil {
		return nil, err
	}
	return p, nil
}

// openChannel must be called with mu held or before p is shared
func (p *Publisher) openChannel() (*amqp.Channel, error) {
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// durable topic exchange so consumers can bind per device
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange %q: %w", p.exchange, err)
	}

	p.channel = ch
	return ch, nil
}

// Publish marshals v and sends it under routingKey. Live events are
// transient; the broker does not write them to disk.
func (p *Publisher) Publish(ctx context.Context, routingKey string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal live event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch := p.channel
	if ch == nil || ch.IsClosed() {
		if p.conn.IsClosed() {
			return amqp.ErrClosed
		}
		p.logger.Info("reopening rabbitmq channel", zap.String("exchange", p.exchange))
		if ch, err = p.openChannel(); err != nil {
			return err
		}
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Transient,
	}
	if err := ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish to %s/%s: %w", p.exchange, routingKey, err)
	}
	return nil
}

// Close closes the current channel; the connection is closed by its own hook
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil || p.channel.IsClosed() {
		return nil
	}
	return p.channel.Close()
}
