package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/igwedaniel/indexwatch/internal/types"
)

// Publisher interface for loose coupling
type Publisher interface {
	Publish(ctx context.Context, event *types.Event) error
	PublishSnapshot(ctx context.Context, snapshot *types.SnapshotEvent, source string) error
	PublishStall(ctx context.Context, stall *types.StallEvent, source string) error
	Close() error
}

// Pinger is implemented by publishers that can check their broker connection
type Pinger interface {
	Ping(ctx context.Context) error
}

// RoutingKey builds "<event type>.<source>", e.g. indexing.snapshot.<host>
func RoutingKey(event *types.Event) string {
	return fmt.Sprintf("%s.%s", event.Type, event.Source)
}

// NewSnapshotEvent wraps a snapshot in the bus envelope
func NewSnapshotEvent(snapshot *types.SnapshotEvent, source string) *types.Event {
	return &types.Event{
		Type:      types.EventTypeSnapshot,
		Payload:   snapshot,
		Timestamp: snapshot.PublishedAt,
		Source:    source,
	}
}

// NewStallEvent wraps a stall transition in the bus envelope
func NewStallEvent(stall *types.StallEvent, source string) *types.Event {
	return &types.Event{
		Type:      types.EventTypeStalled,
		Payload:   stall,
		Timestamp: stall.At,
		Source:    source,
	}
}

// RabbitMQPublisher implements Publisher on a topic exchange
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *logrus.Logger
}

func NewRabbitMQPublisher(url, exchange string, logger *logrus.Logger) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	publisher := &RabbitMQPublisher{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
		logger:   logger,
	}

	go publisher.handleConnectionErrors()

	return publisher, nil
}

func (p *RabbitMQPublisher) handleConnectionErrors() {
	notifyClose := make(chan *amqp.Error)
	p.conn.NotifyClose(notifyClose)

	for err := range notifyClose {
		if err != nil {
			p.logger.Errorf("RabbitMQ connection error: %v", err)
		}
	}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, event *types.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	routingKey := RoutingKey(event)

	err = p.channel.Publish(
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
			MessageId:    fmt.Sprintf("%s-%d", event.Type, time.Now().UnixNano()),
			DeliveryMode: amqp.Transient,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"event_type":  event.Type,
		"routing_key": routingKey,
		"timestamp":   event.Timestamp,
	}).Debug("Event published successfully")

	return nil
}

func (p *RabbitMQPublisher) PublishSnapshot(ctx context.Context, snapshot *types.SnapshotEvent, source string) error {
	return p.Publish(ctx, NewSnapshotEvent(snapshot, source))
}

func (p *RabbitMQPublisher) PublishStall(ctx context.Context, stall *types.StallEvent, source string) error {
	return p.Publish(ctx, NewStallEvent(stall, source))
}

// Ping reports whether the broker connection is still open
func (p *RabbitMQPublisher) Ping(ctx context.Context) error {
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("rabbitmq connection closed")
	}
	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// NoOpPublisher is used when no broker is configured
type NoOpPublisher struct{}

func (n *NoOpPublisher) Publish(ctx context.Context, event *types.Event) error {
	return nil
}

func (n *NoOpPublisher) PublishSnapshot(ctx context.Context, snapshot *types.SnapshotEvent, source string) error {
	return nil
}

func (n *NoOpPublisher) PublishStall(ctx context.Context, stall *types.StallEvent, source string) error {
	return nil
}

func (n *NoOpPublisher) Close() error {
	return nil
}
