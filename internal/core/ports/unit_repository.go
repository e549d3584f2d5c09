package ports

import (
	"context"
	"time"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
)

// UnitRepository defines persistence operations for the unit registry.
type UnitRepository interface {
	Create(ctx context.Context, u *domain.Unit) error
	FindBySerial(ctx context.Context, serialNo string) (*domain.Unit, error)
	List(ctx context.Context) ([]*domain.Unit, error)
	// ApplyTelemetry writes u only if the stored last_telemetry_at is strictly
	// older than u.LastTelemetryAt. Returns domain.ErrStaleWrite otherwise.
	ApplyTelemetry(ctx context.Context, u *domain.Unit) error
	// UpdateStatus sets the status of a unit whose current status is from.
	// Returns domain.ErrStaleWrite when the stored status no longer matches.
	UpdateStatus(ctx context.Context, serialNo string, from, to domain.UnitStatus, at time.Time) error
	// ListSilentSince returns units in status whose last telemetry is older than before.
	ListSilentSince(ctx context.Context, status domain.UnitStatus, before time.Time) ([]*domain.Unit, error)
}
