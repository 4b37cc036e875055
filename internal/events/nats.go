// Package events publishes engine events (job status, decisions, breaker
// and sandbox state changes) over NATS JetStream for the surrounding
// product.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jordanhubbard/foundry/internal/metrics"
	"github.com/jordanhubbard/foundry/pkg/messages"
)

// Config holds NATS configuration.
type Config struct {
	URL            string        // NATS server URL (e.g., "nats://nats:4222")
	StreamName     string        // JetStream stream name (default: "FOUNDRY")
	Timeout        time.Duration // Connection timeout
	ConsumerPrefix string        // Prefix for durable consumer names (for test isolation)
}

// Bus is the JetStream-backed event publisher.
type Bus struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	streamName string
	url        string
	prefix     string
	metrics    *metrics.Metrics

	mu            sync.Mutex
	subscriptions map[string]*nats.Subscription
}

// NewBus connects to NATS and ensures the engine's stream exists.
func NewBus(cfg Config) (*Bus, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "FOUNDRY"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("[Events] NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[Events] NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	b := &Bus{
		conn:          nc,
		js:            js,
		streamName:    cfg.StreamName,
		url:           cfg.URL,
		prefix:        cfg.ConsumerPrefix,
		metrics:       metrics.NewMetrics(),
		subscriptions: make(map[string]*nats.Subscription),
	}
	if err := b.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	log.Printf("[Events] Connected to NATS at %s with JetStream stream %s", cfg.URL, cfg.StreamName)
	return b, nil
}

// ensureStream creates or updates the JetStream stream. LimitsPolicy so
// multiple consumers (UI, notifications) can read the same events.
func (b *Bus) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      b.streamName,
		Subjects:  []string{"foundry.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	if _, err := b.js.StreamInfo(b.streamName); err != nil {
		if _, err := b.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		log.Printf("[Events] Created JetStream stream: %s", b.streamName)
		return nil
	}
	if _, err := b.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// Publish emits one event to foundry.events.<type>.
func (b *Bus) Publish(ctx context.Context, event *messages.EventMessage) error {
	subject := "foundry.events." + event.Type
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := b.js.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish event to %s: %w", subject, err)
	}
	b.metrics.EventsPublished.WithLabelValues(event.Type).Inc()
	return nil
}

// Subscribe registers a durable handler for one event type. The wildcard
// "*" subscribes to all event types.
func (b *Bus) Subscribe(eventType string, handler func(*messages.EventMessage)) error {
	subject := "foundry.events." + eventType
	consumer := b.prefixConsumer("events-" + eventType)
	if eventType == "*" {
		consumer = b.prefixConsumer("events-all")
	}

	sub, err := b.js.Subscribe(subject, func(msg *nats.Msg) {
		var event messages.EventMessage
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[Events] Failed to unmarshal event: %v", err)
			msg.Nak()
			return
		}
		handler(&event)
		msg.Ack()
	},
		nats.Durable(consumer),
		nats.AckExplicit(),
		nats.MaxDeliver(3),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subscriptions[subject] = sub
	b.mu.Unlock()
	log.Printf("[Events] Subscribed to %s with consumer %s", subject, consumer)
	return nil
}

// SubscribeEphemeral registers a non-durable fan-out handler, used for
// live streams (websocket clients) that do not need redelivery.
func (b *Bus) SubscribeEphemeral(eventType string, handler func(*messages.EventMessage)) (func() error, error) {
	subject := "foundry.events." + eventType
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event messages.EventMessage
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[Events] Failed to unmarshal event: %v", err)
			return
		}
		handler(&event)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}

func (b *Bus) prefixConsumer(name string) string {
	if b.prefix != "" {
		return b.prefix + "-" + name
	}
	return name
}

// Health reports whether the connection and stream are usable.
func (b *Bus) Health() error {
	if b.conn.IsClosed() {
		return fmt.Errorf("NATS connection is closed")
	}
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS is not connected")
	}
	if _, err := b.js.StreamInfo(b.streamName); err != nil {
		return fmt.Errorf("JetStream stream %s is unhealthy: %w", b.streamName, err)
	}
	return nil
}

// Stats returns message bus statistics for the status API.
func (b *Bus) Stats() map[string]interface{} {
	b.mu.Lock()
	subs := len(b.subscriptions)
	b.mu.Unlock()

	stats := map[string]interface{}{
		"url":           b.url,
		"stream":        b.streamName,
		"connected":     b.conn.IsConnected(),
		"subscriptions": subs,
	}
	if info, err := b.js.StreamInfo(b.streamName); err == nil {
		stats["stream_messages"] = info.State.Msgs
		stats["stream_bytes"] = info.State.Bytes
		stats["stream_consumers"] = info.State.Consumers
	}
	return stats
}

// Close unsubscribes everything and closes the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	for subject, sub := range b.subscriptions {
		_ = sub.Unsubscribe()
		delete(b.subscriptions, subject)
	}
	b.mu.Unlock()
	b.conn.Close()
	log.Printf("[Events] Closed NATS connection")
	return nil
}
