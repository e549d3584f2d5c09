package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/metrics"
)

// Batch is an event publisher for one-shot commands such as sweep. Those run
// without a hub subscriber, so events are buffered and written on Flush.
type Batch struct {
	writer messageWriter
	log    zerolog.Logger

	mu      sync.Mutex
	pending []domain.ChangeEvent
}

func NewBatch(cfg Config, log zerolog.Logger) *Batch {
	w := newWriter(cfg)
	return &Batch{writer: w, log: log.With().Str("component", "kafka_batch").Str("topic", w.Topic).Logger()}
}

func (b *Batch) Publish(e domain.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, e)
}

// Flush writes every buffered event in publish order and reports how many
// were written. Events stay buffered when the write fails.
func (b *Batch) Flush(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return 0, nil
	}

	msgs := make([]kafkago.Message, 0, len(b.pending))
	for _, e := range b.pending {
		msg, err := encode(e)
		if err != nil {
			return 0, fmt.Errorf("encode %s %s: %w", e.Kind, e.EntityID, err)
		}
		msgs = append(msgs, msg)
	}
	if err := b.writer.WriteMessages(ctx, msgs...); err != nil {
		metrics.KafkaSinkErrorsTotal.Inc()
		return 0, fmt.Errorf("kafka flush: %w", err)
	}
	n := len(b.pending)
	b.pending = nil
	b.log.Info().Int("events", n).Msg("flushed change events")
	return n, nil
}

func (b *Batch) Close() error { return b.writer.Close() }
