package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/igwedaniel/indexwatch/internal/types"
)

const defaultExchange = "indexwatch.events"

type EventEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

// TestListener prints every indexing event published on the exchange
type TestListener struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	logger   *logrus.Logger
}

func NewTestListener(rabbitURL, exchange string, logger *logrus.Logger) (*TestListener, error) {
	conn, err := amqp091.Dial(rabbitURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	return &TestListener{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
		logger:   logger,
	}, nil
}

func (tl *TestListener) Start(ctx context.Context) error {
	err := tl.channel.ExchangeDeclare(
		tl.exchange, // exchange name
		"topic",     // exchange type
		true,        // durable
		false,       // auto-deleted
		false,       // internal
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	queue, err := tl.channel.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, key := range []string{types.EventTypeSnapshot + ".#", types.EventTypeStalled + ".#"} {
		if err := tl.channel.QueueBind(queue.Name, key, tl.exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	msgs, err := tl.channel.Consume(
		queue.Name, // queue
		"",         // consumer
		true,       // auto-ack
		true,       // exclusive
		false,      // no-local
		false,      // no-wait
		nil,        // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	tl.logger.WithFields(logrus.Fields{
		"exchange": tl.exchange,
		"queue":    queue.Name,
	}).Info("Test listener started")

	go func() {
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				tl.handleMessage(msg)
			case <-ctx.Done():
				tl.logger.Info("Context cancelled, stopping message consumption")
				return
			}
		}
	}()

	return nil
}

func (tl *TestListener) handleMessage(msg amqp091.Delivery) {
	var env EventEnvelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		tl.logger.WithFields(logrus.Fields{
			"error": err.Error(),
			"body":  string(msg.Body),
		}).Error("Failed to parse event envelope")
		return
	}

	switch env.Type {
	case types.EventTypeSnapshot:
		var event types.SnapshotEvent
		if err := json.Unmarshal(env.Payload, &event); err != nil {
			tl.logger.WithError(err).Error("Failed to parse snapshot payload")
			return
		}
		printSnapshot(env.Source, &event)
	case types.EventTypeStalled:
		var stall types.StallEvent
		if err := json.Unmarshal(env.Payload, &stall); err != nil {
			tl.logger.WithError(err).Error("Failed to parse stall payload")
			return
		}
		state := "RESUMED"
		if stall.Stalled {
			state = "STALLED"
		}
		tl.logger.WithFields(logrus.Fields{
			"source":       env.Source,
			"pipeline":     stall.Pipeline,
			"block_number": stall.BlockNumber,
		}).Warnf("Pipeline %s", state)
	default:
		tl.logger.WithField("type", env.Type).Debug("Ignoring unknown event")
	}
}

func printSnapshot(source string, event *types.SnapshotEvent) {
	fmt.Printf("\n%s\n", strings.Repeat("=", 60))
	fmt.Printf("Source: %s (window %d samples)\n", source, event.WindowSize)
	fmt.Printf("%s\n", strings.Repeat("=", 60))
	fmt.Print(event.Snapshot.Report(event.Endpoint, event.PublishedAt))
	for _, p := range types.Pipelines {
		if event.Stalled[p] {
			fmt.Printf("WARNING: %s appears stalled\n", p.Label())
		}
	}
}

func (tl *TestListener) Close() error {
	if tl.channel != nil {
		tl.channel.Close()
	}
	if tl.conn != nil {
		tl.conn.Close()
	}
	return nil
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		ForceColors:   true,
	})
	logger.SetLevel(logrus.InfoLevel)

	rabbitURL := os.Getenv("RABBITMQ_URL")
	if rabbitURL == "" {
		logger.Fatal("RABBITMQ_URL is not set")
	}
	exchange := os.Getenv("RABBITMQ_EXCHANGE")
	if exchange == "" {
		exchange = defaultExchange
	}

	listener, err := NewTestListener(rabbitURL, exchange, logger)
	if err != nil {
		logger.Fatalf("Failed to create test listener: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := listener.Start(ctx); err != nil {
		logger.Fatalf("Failed to start test listener: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Received shutdown signal, stopping test listener...")
	cancel()
}
