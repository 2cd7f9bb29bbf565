package fanout

import (
	"context"

	"github.com/septivank/iot-telemetry-bridge/internal/mq"
)

// AMQPPublisher publishes live messages to a RabbitMQ topic exchange with
// routing key <prefix>.<deviceID>
type AMQPPublisher struct {
	publisher *mq.Publisher
	prefix    string
}

func NewAMQPPublisher(publisher *mq.Publisher, routingKeyPrefix string) *AMQPPublisher {
	return &AMQPPublisher{publisher: publisher, prefix: routingKeyPrefix}
}

func (p *AMQPPublisher) RoutingKey(deviceID string) string {
	return subjectFor(p.prefix, deviceID)
}

func (p *AMQPPublisher) Send(ctx context.Context, deviceID string, msg Message) error {
	return p.publisher.Publish(ctx, p.RoutingKey(deviceID), msg)
}

func (p *AMQPPublisher) Close() error {
	return p.publisher.Close()
}
