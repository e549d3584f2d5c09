package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/core/ports"
)

// ----- Stubs -----

type recordingIngestor struct {
	mu   sync.Mutex
	seen map[string][]float64
	wg   sync.WaitGroup
}

func (r *recordingIngestor) Ingest(_ context.Context, serial string, reading ports.TelemetryReading) (*ports.IngestResult, error) {
	defer r.wg.Done()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[serial] = append(r.seen[serial], reading.FillLevel)
	return &ports.IngestResult{Unit: &domain.Unit{SerialNo: serial}, Applied: true}, nil
}

func (r *recordingIngestor) MarkStale(context.Context, time.Time, time.Duration) (int, error) {
	return 0, nil
}

func TestDispatcher_PreservesPerUnitOrder(t *testing.T) {
	ing := &recordingIngestor{seen: make(map[string][]float64)}
	d := NewDispatcher(4, ing, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	units := []string{"U-1", "U-2", "U-3", "U-4", "U-5"}
	const perUnit = 50
	ing.wg.Add(len(units) * perUnit)
	for i := 0; i < perUnit; i++ {
		for _, u := range units {
			if err := d.Enqueue(ctx, Reading{SerialNo: u, Reading: ports.TelemetryReading{FillLevel: float64(i)}, Source: "test"}); err != nil {
				t.Fatalf("enqueue failed: %v", err)
			}
		}
	}
	ing.wg.Wait()

	for _, u := range units {
		got := ing.seen[u]
		if len(got) != perUnit {
			t.Fatalf("unit %s: expected %d readings, got %d", u, perUnit, len(got))
		}
		for i, v := range got {
			if v != float64(i) {
				t.Fatalf("unit %s: reading %d out of order (got %v)", u, i, v)
			}
		}
	}
}

func TestDispatcher_ShardIndexIsStable(t *testing.T) {
	d := NewDispatcher(8, nil, zerolog.Nop())
	first := d.shardIndex("UNIT-42")
	for i := 0; i < 10; i++ {
		if d.shardIndex("UNIT-42") != first {
			t.Fatalf("shard index changed between calls")
		}
	}
	if first < 0 || first >= 8 {
		t.Fatalf("shard index out of range: %d", first)
	}
}

func TestDispatcher_EnqueueHonoursContext(t *testing.T) {
	d := NewDispatcher(1, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < channelBuffer; i++ {
		_ = d.Enqueue(ctx, Reading{SerialNo: "U"})
	}
	cancel()
	if err := d.Enqueue(ctx, Reading{SerialNo: "U"}); err == nil {
		t.Fatalf("expected enqueue on a full worker to fail once ctx is done")
	}
}

func TestResultLabel(t *testing.T) {
	if got := ResultLabel(&ports.IngestResult{Applied: false}, nil); got != "stale" {
		t.Fatalf("expected stale, got %s", got)
	}
	if got := ResultLabel(nil, domain.ErrUnknownUnit); got != "unknown_unit" {
		t.Fatalf("expected unknown_unit, got %s", got)
	}
}
