package ports

import (
	"context"
	"time"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
)

// TelemetryReading is the DTO passed from the transport layer to the ingestor.
type TelemetryReading struct {
	FillLevel    float64
	BatteryLevel float64
	Coordinates  *domain.Coordinates // optional
	Timestamp    *time.Time          // optional device timestamp
}

// IngestResult carries the unit snapshot after ingestion.
type IngestResult struct {
	Unit *domain.Unit
	// Applied is false when the reading was not newer than the stored one.
	Applied bool
}

// TelemetryService ingests device readings into the unit registry.
type TelemetryService interface {
	Ingest(ctx context.Context, serialNo string, reading TelemetryReading) (*IngestResult, error)
	MarkStale(ctx context.Context, now time.Time, threshold time.Duration) (int, error)
}

// RegisterUnitInput carries the fields for provisioning a unit.
type RegisterUnitInput struct {
	SerialNo    string
	Location    string
	Coordinates *domain.Coordinates
	Status      domain.UnitStatus
}

// UnitService exposes read access and provisioning for the registry.
type UnitService interface {
	Register(ctx context.Context, in RegisterUnitInput) (*domain.Unit, error)
	Get(ctx context.Context, serialNo string) (*domain.Unit, error)
	List(ctx context.Context) ([]*domain.Unit, error)
}
