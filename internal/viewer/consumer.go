package viewer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"ai-interview-session-client/internal/models"
	"ai-interview-session-client/internal/observability/logging"
)

// Broadcaster receives decoded events.
type Broadcaster interface {
	Broadcast(payload []byte)
}

// messageReader is the subset of *kafka.Reader used by the consumer.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// ConsumerConfig configures a topic consumer.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	// Since is how far back to start reading. Zero starts at the newest offset.
	Since time.Duration
}

// Consumer reads one topic and forwards known session events.
type Consumer struct {
	reader messageReader
	topic  string
	out    Broadcaster
	logger zerolog.Logger
}

// NewConsumer reads partition 0 without a consumer group, which also works
// through a port-forward.
func NewConsumer(ctx context.Context, cfg ConsumerConfig, out Broadcaster) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   cfg.Brokers,
		Topic:     cfg.Topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	logger := logging.WithComponent("viewer_consumer").With().Str("topic", cfg.Topic).Logger()
	if cfg.Since > 0 {
		if err := reader.SetOffsetAt(ctx, time.Now().Add(-cfg.Since)); err != nil {
			logger.Warn().Err(err).Msg("Could not rewind, reading from the start offset")
		}
	} else {
		_ = reader.SetOffset(kafka.LastOffset)
	}
	return newConsumer(reader, cfg.Topic, out, logger)
}

func newConsumer(reader messageReader, topic string, out Broadcaster, logger zerolog.Logger) *Consumer {
	return &Consumer{reader: reader, topic: topic, out: out, logger: logger}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	c.logger.Info().Msg("Consuming session events")

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn().Err(err).Msg("Kafka read error")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		payload, ok := c.decode(msg.Value)
		if !ok {
			continue
		}
		c.out.Broadcast(payload)
	}
}

// decode accepts transcript and lifecycle events and re-encodes them.
func (c *Consumer) decode(value []byte) ([]byte, bool) {
	var envelope struct {
		EventType string `json:"eventType"`
	}
	if err := json.Unmarshal(value, &envelope); err != nil {
		c.logger.Warn().Err(err).Msg("Skipping undecodable event")
		return nil, false
	}

	var event any
	switch envelope.EventType {
	case models.EventTranscriptEntry:
		var e models.TranscriptEntry
		if err := json.Unmarshal(value, &e); err != nil {
			return nil, false
		}
		c.logger.Debug().Str("sessionId", e.SessionID).Int("ordinal", e.Ordinal).Msg("Transcript entry")
		event = e
	case models.EventSessionTransition:
		var e models.SessionTransition
		if err := json.Unmarshal(value, &e); err != nil {
			return nil, false
		}
		c.logger.Debug().Str("sessionId", e.SessionID).Str("to", e.To).Msg("Session transition")
		event = e
	default:
		c.logger.Debug().Str("eventType", envelope.EventType).Msg("Skipping unknown event")
		return nil, false
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, false
	}
	return payload, true
}
