package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
)

func unitEvent(serial string) domain.ChangeEvent {
	return domain.NewUnitEvent(&domain.Unit{SerialNo: serial}, time.Now())
}

func TestHub_DeliversInOrderWithSeq(t *testing.T) {
	hub := NewHub(8, zerolog.Nop())
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	for _, s := range []string{"A", "B", "C"} {
		hub.Publish(unitEvent(s))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var last uint64
	for _, want := range []string{"A", "B", "C"} {
		msg, err := sub.Receive(ctx)
		if err != nil {
			t.Fatalf("receive failed: %v", err)
		}
		if msg.Type != MessageEvent || msg.Event.EntityID != want {
			t.Fatalf("expected event %s, got %+v", want, msg)
		}
		if msg.Event.Seq <= last {
			t.Fatalf("expected increasing seq, got %d after %d", msg.Event.Seq, last)
		}
		last = msg.Event.Seq
	}
}

func TestHub_OverflowYieldsResync(t *testing.T) {
	hub := NewHub(4, zerolog.Nop())
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	for i := 0; i < 10; i++ {
		hub.Publish(unitEvent(string(rune('a' + i))))
	}

	msg, ok := sub.TryReceive()
	if !ok || msg.Type != MessageResync {
		t.Fatalf("expected resync first, got %+v", msg)
	}
	if msg.Dropped != 6 {
		t.Fatalf("expected 6 dropped, got %d", msg.Dropped)
	}

	var got []string
	for {
		m, ok := sub.TryReceive()
		if !ok {
			break
		}
		got = append(got, m.Event.EntityID)
	}
	if len(got) != 4 || got[0] != "g" || got[3] != "j" {
		t.Fatalf("expected newest 4 events g..j, got %v", got)
	}
}

func TestHub_PublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	hub := NewHub(2, zerolog.Nop())
	_ = hub.Subscribe() // never read

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			hub.Publish(unitEvent("X"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	hub := NewHub(4, zerolog.Nop())
	sub := hub.Subscribe()

	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)
	hub.Publish(unitEvent("A"))

	if n := hub.Subscribers(); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
	if _, err := sub.Receive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestHub_ReceiveWakesOnPublish(t *testing.T) {
	hub := NewHub(4, zerolog.Nop())
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	got := make(chan Message, 1)
	go func() {
		m, err := sub.Receive(context.Background())
		if err == nil {
			got <- m
		}
	}()

	time.Sleep(20 * time.Millisecond)
	hub.Publish(unitEvent("late"))

	select {
	case m := <-got:
		if m.Event.EntityID != "late" {
			t.Fatalf("unexpected event %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatalf("receiver was not woken by publish")
	}
}

func TestHub_ConcurrentPublishersKeepPerSubscriberOrder(t *testing.T) {
	hub := NewHub(1024, zerolog.Nop())
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				hub.Publish(unitEvent("U"))
			}
		}()
	}
	wg.Wait()

	var last uint64
	count := 0
	for {
		m, ok := sub.TryReceive()
		if !ok {
			break
		}
		if m.Event.Seq <= last {
			t.Fatalf("out of order: %d after %d", m.Event.Seq, last)
		}
		last = m.Event.Seq
		count++
	}
	if count != 400 {
		t.Fatalf("expected 400 events, got %d", count)
	}
}
