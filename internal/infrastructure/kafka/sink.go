// Package kafka forwards hub change events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/broadcast"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/metrics"
)

const DefaultTopic = "fleet.changes"

type Config struct {
	Brokers []string
	Topic   string
}

// messageWriter is satisfied by *kafka.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Sink is an ordinary hub subscriber; when Kafka is slow it lags and resyncs
// like any other subscriber, so ingestion is never held up.
type Sink struct {
	hub    *broadcast.Hub
	writer messageWriter
	log    zerolog.Logger
}

func NewSink(cfg Config, hub *broadcast.Hub, log zerolog.Logger) *Sink {
	w := newWriter(cfg)
	return &Sink{hub: hub, writer: w, log: log.With().Str("component", "kafka_sink").Str("topic", w.Topic).Logger()}
}

func newWriter(cfg Config) *kafkago.Writer {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// Run forwards events until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) {
	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)
	defer s.writer.Close()

	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, broadcast.ErrClosed) {
				s.log.Error().Err(err).Msg("kafka sink stopped")
			}
			return
		}
		if msg.Type == broadcast.MessageResync {
			s.log.Warn().Int("dropped", msg.Dropped).Msg("kafka sink lagged, events dropped")
			continue
		}
		if err := s.write(ctx, msg.Event); err != nil {
			metrics.KafkaSinkErrorsTotal.Inc()
			s.log.Error().Err(err).Str("entity_id", msg.Event.EntityID).Uint64("seq", msg.Event.Seq).Msg("kafka write failed")
		}
	}
}

func (s *Sink) write(ctx context.Context, e domain.ChangeEvent) error {
	msg, err := encode(e)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, msg)
}

// encode keys messages by entity so one unit's or attempt's changes stay on
// one partition, in order.
func encode(e domain.ChangeEvent) (kafkago.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafkago.Message{}, err
	}
	return kafkago.Message{
		Key:   []byte(string(e.Kind) + ":" + e.EntityID),
		Value: value,
		Time:  e.At,
		Headers: []kafkago.Header{
			{Key: "kind", Value: []byte(e.Kind)},
		},
	}, nil
}
