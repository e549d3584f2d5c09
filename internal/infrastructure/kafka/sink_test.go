package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/broadcast"
)

type captureWriter struct {
	mu   sync.Mutex
	msgs []kafkago.Message
	got  chan struct{}
	err  error
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if w.err != nil {
		return w.err
	}
	w.mu.Lock()
	w.msgs = append(w.msgs, msgs...)
	w.mu.Unlock()
	w.got <- struct{}{}
	return nil
}

func (w *captureWriter) Close() error { return nil }

func TestSink_ForwardsEvents(t *testing.T) {
	hub := broadcast.NewHub(16, zerolog.Nop())
	w := &captureWriter{got: make(chan struct{}, 4)}
	s := &Sink{hub: hub, writer: w, log: zerolog.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	deadline := time.After(2 * time.Second)
	for hub.Subscribers() == 0 {
		select {
		case <-deadline:
			t.Fatalf("sink never subscribed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	hub.Publish(domain.NewUnitEvent(&domain.Unit{SerialNo: "U-9", FillLevel: 12}, time.Now()))

	select {
	case <-w.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("event not forwarded")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if string(w.msgs[0].Key) != "unit:U-9" {
		t.Fatalf("unexpected key %s", w.msgs[0].Key)
	}
	var decoded map[string]any
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("value is not JSON: %v", err)
	}
	if decoded["entity_id"] != "U-9" {
		t.Fatalf("unexpected payload %v", decoded)
	}
}

func TestBatch_FlushWritesInPublishOrder(t *testing.T) {
	w := &captureWriter{got: make(chan struct{}, 1)}
	b := &Batch{writer: w, log: zerolog.Nop()}
	now := time.Now()

	b.Publish(domain.NewPaymentEvent(&domain.PaymentAttempt{ID: "a1", Status: domain.PaymentExpired}, now))
	b.Publish(domain.NewUnitEvent(&domain.Unit{SerialNo: "U-3", Status: domain.UnitOffline}, now))

	n, err := b.Flush(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if n != 2 || len(w.msgs) != 2 {
		t.Fatalf("expected 2 messages, got n=%d written=%d", n, len(w.msgs))
	}
	if string(w.msgs[0].Key) != "payment:a1" || string(w.msgs[1].Key) != "unit:U-3" {
		t.Fatalf("unexpected keys %s, %s", w.msgs[0].Key, w.msgs[1].Key)
	}

	if n, _ := b.Flush(context.Background()); n != 0 {
		t.Fatalf("expected empty second flush, got %d", n)
	}
}

func TestBatch_FailedFlushKeepsEvents(t *testing.T) {
	w := &captureWriter{got: make(chan struct{}, 1), err: errors.New("broker unavailable")}
	b := &Batch{writer: w, log: zerolog.Nop()}
	b.Publish(domain.NewUnitEvent(&domain.Unit{SerialNo: "U-4"}, time.Now()))

	if _, err := b.Flush(context.Background()); err == nil {
		t.Fatalf("expected flush error")
	}

	w.err = nil
	n, err := b.Flush(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected retry to write 1 event, got n=%d err=%v", n, err)
	}
}
