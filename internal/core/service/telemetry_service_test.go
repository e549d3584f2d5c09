package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/core/ports"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/db/memory"
)

// ----- Stubs -----

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
}

func (p *recordingPublisher) Publish(e domain.ChangeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) count(kind domain.EntityKind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) last() domain.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

func newTelemetryFixture(t *testing.T, serials ...string) (*TelemetryService, *memory.UnitRepository, *recordingPublisher) {
	t.Helper()
	repo := memory.NewUnitRepository()
	for _, s := range serials {
		if err := repo.Create(context.Background(), &domain.Unit{SerialNo: s, Status: domain.UnitActive}); err != nil {
			t.Fatalf("seed unit: %v", err)
		}
	}
	pub := &recordingPublisher{}
	return NewTelemetryService(repo, pub, NewKeyedMutex(), zerolog.Nop()), repo, pub
}

func at(ts time.Time) *time.Time { return &ts }

// ----- Tests -----

func TestIngest_EndToEnd(t *testing.T) {
	svc, _, pub := newTelemetryFixture(t, "UNIT-TEST-E2E")

	res, err := svc.Ingest(context.Background(), "UNIT-TEST-E2E", ports.TelemetryReading{FillLevel: 88.5, BatteryLevel: 42.0})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !res.Applied {
		t.Fatalf("expected reading to be applied")
	}
	if res.Unit.FillLevel != 88.5 || res.Unit.BatteryLevel != 42.0 {
		t.Fatalf("unexpected levels: %v/%v", res.Unit.FillLevel, res.Unit.BatteryLevel)
	}
	if n := pub.count(domain.EntityUnit); n != 1 {
		t.Fatalf("expected exactly 1 unit event, got %d", n)
	}
	snap, ok := pub.last().Snapshot.(*domain.Unit)
	if !ok || snap.FillLevel != 88.5 {
		t.Fatalf("unexpected event snapshot: %+v", pub.last().Snapshot)
	}
}

func TestIngest_OlderReadingDiscarded(t *testing.T) {
	svc, repo, pub := newTelemetryFixture(t, "U-1")
	ctx := context.Background()
	t0 := time.Now().UTC().Add(-time.Hour)

	if _, err := svc.Ingest(ctx, "U-1", ports.TelemetryReading{FillLevel: 70, BatteryLevel: 80, Timestamp: at(t0.Add(10 * time.Minute))}); err != nil {
		t.Fatalf("newer reading failed: %v", err)
	}
	res, err := svc.Ingest(ctx, "U-1", ports.TelemetryReading{FillLevel: 20, BatteryLevel: 30, Timestamp: at(t0)})
	if err != nil {
		t.Fatalf("older reading should not error, got: %v", err)
	}
	if res.Applied {
		t.Fatalf("expected older reading not to be applied")
	}

	u, _ := repo.FindBySerial(ctx, "U-1")
	if u.FillLevel != 70 || u.BatteryLevel != 80 {
		t.Fatalf("expected newer values to survive, got %v/%v", u.FillLevel, u.BatteryLevel)
	}
	if n := pub.count(domain.EntityUnit); n != 1 {
		t.Fatalf("expected 1 event, got %d", n)
	}
}

func TestIngest_EqualTimestampIsNoop(t *testing.T) {
	svc, _, pub := newTelemetryFixture(t, "U-1")
	ts := time.Now().UTC().Add(-time.Minute)

	_, _ = svc.Ingest(context.Background(), "U-1", ports.TelemetryReading{FillLevel: 10, BatteryLevel: 10, Timestamp: at(ts)})
	res, _ := svc.Ingest(context.Background(), "U-1", ports.TelemetryReading{FillLevel: 11, BatteryLevel: 11, Timestamp: at(ts)})
	if res.Applied {
		t.Fatalf("expected replayed reading to be a no-op")
	}
	if n := pub.count(domain.EntityUnit); n != 1 {
		t.Fatalf("expected 1 event, got %d", n)
	}
}

func TestIngest_FutureTimestampClamped(t *testing.T) {
	svc, _, _ := newTelemetryFixture(t, "U-1")
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	res, err := svc.Ingest(context.Background(), "U-1", ports.TelemetryReading{FillLevel: 5, BatteryLevel: 5, Timestamp: at(fixed.Add(24 * time.Hour))})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Unit.LastTelemetryAt.Equal(fixed) {
		t.Fatalf("expected last_telemetry_at clamped to %v, got %v", fixed, res.Unit.LastTelemetryAt)
	}
}

func TestIngest_UnknownUnit(t *testing.T) {
	svc, _, pub := newTelemetryFixture(t)

	_, err := svc.Ingest(context.Background(), "NOPE", ports.TelemetryReading{FillLevel: 1, BatteryLevel: 1})
	if !errors.Is(err, domain.ErrUnknownUnit) {
		t.Fatalf("expected ErrUnknownUnit, got: %v", err)
	}
	if n := pub.count(domain.EntityUnit); n != 0 {
		t.Fatalf("expected no events, got %d", n)
	}
}

func TestIngest_InvalidReading(t *testing.T) {
	svc, _, _ := newTelemetryFixture(t, "U-1")
	ctx := context.Background()

	bad := []ports.TelemetryReading{
		{FillLevel: 101, BatteryLevel: 50},
		{FillLevel: 50, BatteryLevel: -1},
		{FillLevel: math.NaN(), BatteryLevel: 50},
		{FillLevel: 50, BatteryLevel: 50, Coordinates: &domain.Coordinates{Lat: 91, Lng: 0}},
	}
	for i, r := range bad {
		if _, err := svc.Ingest(ctx, "U-1", r); !errors.Is(err, domain.ErrInvalidReading) {
			t.Fatalf("reading %d: expected ErrInvalidReading, got: %v", i, err)
		}
	}
}

func TestIngest_OfflineUnitReturnsToActive(t *testing.T) {
	svc, repo, _ := newTelemetryFixture(t)
	ctx := context.Background()
	_ = repo.Create(ctx, &domain.Unit{SerialNo: "U-OFF", Status: domain.UnitOffline})

	res, err := svc.Ingest(ctx, "U-OFF", ports.TelemetryReading{FillLevel: 1, BatteryLevel: 90})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Unit.Status != domain.UnitActive {
		t.Fatalf("expected active, got %s", res.Unit.Status)
	}
}

func TestIngest_ConcurrentUnits(t *testing.T) {
	const n = 50
	serials := make([]string, n)
	for i := range serials {
		serials[i] = fmt.Sprintf("U-%03d", i)
	}
	svc, repo, pub := newTelemetryFixture(t, serials...)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i, s := range serials {
		wg.Add(1)
		go func(s string, level float64) {
			defer wg.Done()
			if _, err := svc.Ingest(context.Background(), s, ports.TelemetryReading{FillLevel: level, BatteryLevel: level}); err != nil {
				errs <- err
			}
		}(s, float64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected ingest error: %v", err)
	}

	if c := pub.count(domain.EntityUnit); c != n {
		t.Fatalf("expected %d events, got %d", n, c)
	}
	for i, s := range serials {
		u, _ := repo.FindBySerial(context.Background(), s)
		if u.FillLevel != float64(i) {
			t.Fatalf("unit %s: expected %d, got %v", s, i, u.FillLevel)
		}
	}
	if l := svc.locks.Len(); l != 0 {
		t.Fatalf("expected all unit locks released, %d held", l)
	}
}

func TestMarkStale_MovesSilentUnitsOffline(t *testing.T) {
	svc, repo, pub := newTelemetryFixture(t, "QUIET", "CHATTY")
	ctx := context.Background()
	now := time.Now().UTC()

	_, _ = svc.Ingest(ctx, "QUIET", ports.TelemetryReading{FillLevel: 1, BatteryLevel: 1, Timestamp: at(now.Add(-2 * time.Hour))})
	_, _ = svc.Ingest(ctx, "CHATTY", ports.TelemetryReading{FillLevel: 1, BatteryLevel: 1, Timestamp: at(now.Add(-time.Minute))})
	before := pub.count(domain.EntityUnit)

	marked, err := svc.MarkStale(ctx, now, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if marked != 1 {
		t.Fatalf("expected 1 unit marked, got %d", marked)
	}
	u, _ := repo.FindBySerial(ctx, "QUIET")
	if u.Status != domain.UnitOffline {
		t.Fatalf("expected QUIET offline, got %s", u.Status)
	}
	if c := pub.count(domain.EntityUnit) - before; c != 1 {
		t.Fatalf("expected 1 event from stale pass, got %d", c)
	}

	marked, _ = svc.MarkStale(ctx, now, time.Hour)
	if marked != 0 {
		t.Fatalf("expected second pass to mark nothing, got %d", marked)
	}
}
