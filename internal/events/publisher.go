// Package events exports transcript entries and session lifecycle changes.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"ai-interview-session-client/internal/observability/metrics"
)

const (
	eventTypeTranscript = "transcript"
	eventTypeLifecycle  = "lifecycle"
)

// messageWriter is the subset of *kafka.Writer used by the publisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher publishes session events to separate Kafka topics.
type Publisher struct {
	writerTranscript messageWriter
	writerLifecycle  messageWriter
	principal        string
	topicTranscript  string
	topicLifecycle   string
	enabled          bool
	// async writers report delivery through their Completion callback.
	async   bool
	metrics *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers         []string
	TopicTranscript string
	TopicLifecycle  string
	Principal       string
	Enabled         bool
}

// New creates a publisher. Without brokers, or when disabled, events are only logged.
func New(cfg *Config, m *metrics.Metrics) *Publisher {
	if m == nil {
		m = metrics.DefaultMetrics
	}

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{
			enabled: false,
			metrics: m,
		}
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return &Publisher{
			principal:       cfg.Principal,
			topicTranscript: cfg.TopicTranscript,
			topicLifecycle:  cfg.TopicLifecycle,
			enabled:         false,
			metrics:         m,
		}
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	p := &Publisher{
		principal:       cfg.Principal,
		topicTranscript: cfg.TopicTranscript,
		topicLifecycle:  cfg.TopicLifecycle,
		enabled:         true,
		async:           true,
		metrics:         m,
	}
	p.writerTranscript = p.newWriter(cfg.Brokers, cfg.TopicTranscript, eventTypeTranscript, transport)
	p.writerLifecycle = p.newWriter(cfg.Brokers, cfg.TopicLifecycle, eventTypeLifecycle, transport)

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicTranscript", cfg.TopicTranscript).
		Str("topicLifecycle", cfg.TopicLifecycle).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return p
}

// newWriter builds an async writer. Session callbacks run on the dispatcher,
// so delivery results arrive through Completion instead of blocking the caller.
func (p *Publisher) newWriter(brokers []string, topic, eventType string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Transport:    transport,
		Completion: func(messages []kafka.Message, err error) {
			for _, msg := range messages {
				elapsed := 0.0
				if !msg.Time.IsZero() {
					elapsed = time.Since(msg.Time).Seconds()
				}
				p.metrics.RecordKafkaPublish(topic, eventType, err, elapsed)
			}
			if err != nil {
				log.Error().Err(err).Str("topic", topic).Int("messages", len(messages)).Msg("Failed to write to Kafka")
			}
		},
	}
}

// Enabled reports whether events reach Kafka.
func (p *Publisher) Enabled() bool { return p.enabled }

// PublishTranscript publishes a transcript event keyed by session.
func (p *Publisher) PublishTranscript(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.writerTranscript, p.topicTranscript, eventTypeTranscript, key, event)
}

// PublishLifecycle publishes a lifecycle event keyed by session.
func (p *Publisher) PublishLifecycle(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.writerLifecycle, p.topicLifecycle, eventTypeLifecycle, key, event)
}

func (p *Publisher) publish(ctx context.Context, writer messageWriter, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  start,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	if !p.async {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	}
	return nil
}

// Close flushes and closes both writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerTranscript != nil {
		if e := p.writerTranscript.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing transcript writer")
			err = e
		}
	}
	if p.writerLifecycle != nil {
		if e := p.writerLifecycle.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing lifecycle writer")
			err = e
		}
	}
	return err
}
