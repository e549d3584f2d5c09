package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/core/ports"
)

// TelemetryService applies device readings to the unit registry.
type TelemetryService struct {
	units     ports.UnitRepository
	publisher ports.EventPublisher
	locks     *KeyedMutex
	now       func() time.Time
	log       zerolog.Logger
}

// NewTelemetryService returns a TelemetryService. The locks may be shared with
// other services that mutate units.
func NewTelemetryService(units ports.UnitRepository, publisher ports.EventPublisher, locks *KeyedMutex, log zerolog.Logger) *TelemetryService {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	return &TelemetryService{
		units:     units,
		publisher: publisher,
		locks:     locks,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log,
	}
}

func unitKey(serialNo string) string { return "unit:" + serialNo }

// Ingest validates a reading and applies it when it is strictly newer than the
// unit's last telemetry. Stale and replayed readings return the current snapshot
// with Applied=false and emit nothing.
func (s *TelemetryService) Ingest(ctx context.Context, serialNo string, r ports.TelemetryReading) (*ports.IngestResult, error) {
	if err := validateReading(r); err != nil {
		return nil, err
	}

	now := s.now()
	readingAt := now
	if r.Timestamp != nil && !r.Timestamp.IsZero() {
		readingAt = r.Timestamp.UTC()
		if readingAt.After(now) {
			readingAt = now
		}
	}

	unlock := s.locks.Lock(unitKey(serialNo))
	defer unlock()

	current, err := s.units.FindBySerial(ctx, serialNo)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownUnit) {
			return nil, err
		}
		return nil, fmt.Errorf("ingest: %w", err)
	}

	if !readingAt.After(current.LastTelemetryAt) {
		s.log.Debug().
			Str("serial_no", serialNo).
			Time("reading_at", readingAt).
			Time("last_telemetry_at", current.LastTelemetryAt).
			Msg("stale reading discarded")
		return &ports.IngestResult{Unit: current, Applied: false}, nil
	}

	next := current.Clone()
	next.FillLevel = domain.ClampLevel(r.FillLevel)
	next.BatteryLevel = domain.ClampLevel(r.BatteryLevel)
	if r.Coordinates != nil {
		c := *r.Coordinates
		next.Coordinates = &c
	}
	next.LastTelemetryAt = readingAt
	if next.Status == domain.UnitOffline {
		next.Status = domain.UnitActive
	}
	next.Version++
	next.UpdatedAt = now

	if err := s.units.ApplyTelemetry(ctx, next); err != nil {
		if errors.Is(err, domain.ErrStaleWrite) {
			// Another process stored a newer reading between our read and write.
			latest, ferr := s.units.FindBySerial(ctx, serialNo)
			if ferr != nil {
				return nil, fmt.Errorf("ingest: reload: %w", ferr)
			}
			return &ports.IngestResult{Unit: latest, Applied: false}, nil
		}
		return nil, fmt.Errorf("ingest: apply: %w", err)
	}

	s.publisher.Publish(domain.NewUnitEvent(next, now))

	s.log.Info().
		Str("serial_no", serialNo).
		Float64("fill_level", next.FillLevel).
		Float64("battery_level", next.BatteryLevel).
		Msg("telemetry applied")

	return &ports.IngestResult{Unit: next, Applied: true}, nil
}

// MarkStale moves active units that have not reported within threshold to offline.
func (s *TelemetryService) MarkStale(ctx context.Context, now time.Time, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		return 0, nil
	}
	candidates, err := s.units.ListSilentSince(ctx, domain.UnitActive, now.Add(-threshold))
	if err != nil {
		return 0, fmt.Errorf("mark stale: %w", err)
	}

	marked := 0
	for _, c := range candidates {
		if ctx.Err() != nil {
			return marked, ctx.Err()
		}
		if s.markOffline(ctx, c.SerialNo, now, threshold) {
			marked++
		}
	}
	return marked, nil
}

func (s *TelemetryService) markOffline(ctx context.Context, serialNo string, now time.Time, threshold time.Duration) bool {
	unlock := s.locks.Lock(unitKey(serialNo))
	defer unlock()

	u, err := s.units.FindBySerial(ctx, serialNo)
	if err != nil {
		s.log.Warn().Err(err).Str("serial_no", serialNo).Msg("stale check: reload failed")
		return false
	}
	// Re-check under the lock: a reading may have landed since the listing.
	if u.Status != domain.UnitActive || u.LastTelemetryAt.After(now.Add(-threshold)) {
		return false
	}
	if err := s.units.UpdateStatus(ctx, serialNo, domain.UnitActive, domain.UnitOffline, now); err != nil {
		if !errors.Is(err, domain.ErrStaleWrite) {
			s.log.Warn().Err(err).Str("serial_no", serialNo).Msg("stale check: update failed")
		}
		return false
	}

	u.Status = domain.UnitOffline
	u.Version++
	u.UpdatedAt = now
	s.publisher.Publish(domain.NewUnitEvent(u, now))
	s.log.Info().Str("serial_no", serialNo).Time("last_telemetry_at", u.LastTelemetryAt).Msg("unit marked offline")
	return true
}

func validateReading(r ports.TelemetryReading) error {
	if !domain.ValidLevel(r.FillLevel) {
		return fmt.Errorf("%w: fill level %v outside [0,100]", domain.ErrInvalidReading, r.FillLevel)
	}
	if !domain.ValidLevel(r.BatteryLevel) {
		return fmt.Errorf("%w: battery level %v outside [0,100]", domain.ErrInvalidReading, r.BatteryLevel)
	}
	if c := r.Coordinates; c != nil {
		if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) || c.Lat < -90 || c.Lat > 90 || c.Lng < -180 || c.Lng > 180 {
			return fmt.Errorf("%w: coordinates out of range", domain.ErrInvalidReading)
		}
	}
	return nil
}
