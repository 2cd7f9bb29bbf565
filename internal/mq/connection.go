package mq

import (
	"context"
	"fmt"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Connection wraps a RabbitMQ connection and tracks whether the broker
// has closed it underneath us
type Connection struct {
	conn   *amqp.Connection
	closed atomic.Bool
}

// NewConnection dials RabbitMQ and closes the connection on fx stop
func NewConnection(lc fx.Lifecycle, logger *zap.Logger, url string) (*Connection, error) {
	logger.Info("attempting to connect to RabbitMQ for live fan-out...")

	conn, err := amqp.DialConfig(url, amqp.Config{
		Properties: amqp.Table{"connection_name": "iot-telemetry-bridge"},
	})
	if err != nil {
		logger.Error("rabbitmq connection failed", zap.Error(err))
		return nil, fmt.Errorf("[RABBITMQ CONNECTION FAILED] cannot connect to RabbitMQ. Please check: 1) RabbitMQ is running, 2) RABBITMQ_URL is correct, 3) Credentials are valid. Error: %w", err)
	}

	mqConn := &Connection{conn: conn}

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if amqpErr, ok := <-notify; ok && amqpErr != nil {
			logger.Warn("rabbitmq connection closed by broker, fan-out to RabbitMQ stopped",
				zap.String("reason", amqpErr.Reason),
				zap.Int("code", amqpErr.Code),
			)
		}
		mqConn.closed.Store(true)
	}()

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if mqConn.closed.Load() {
				return nil
			}
			if err := conn.Close(); err != nil {
				logger.Error("failed to close rabbitmq connection", zap.Error(err))
				return err
			}
			logger.Info("rabbitmq connection closed")
			return nil
		},
	})

	return mqConn, nil
}

// Channel creates a new RabbitMQ channel
func (c *Connection) Channel() (*amqp.Channel, error) {
	if c.closed.Load() {
		return nil, amqp.ErrClosed
	}
	return c.conn.Channel()
}

// IsClosed reports whether the connection is no longer usable
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}
