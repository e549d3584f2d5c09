package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/core/ports"
)

// UnitService provides registry reads and unit provisioning.
type UnitService struct {
	repo ports.UnitRepository
	log  zerolog.Logger
}

func NewUnitService(repo ports.UnitRepository, log zerolog.Logger) *UnitService {
	return &UnitService{repo: repo, log: log}
}

// Register provisions a new unit. Units never come into existence from telemetry.
func (s *UnitService) Register(ctx context.Context, in ports.RegisterUnitInput) (*domain.Unit, error) {
	serial := strings.TrimSpace(in.SerialNo)
	if serial == "" {
		return nil, fmt.Errorf("register unit: %w: serial number is required", domain.ErrInvalidUnit)
	}
	status := in.Status
	if status == "" {
		status = domain.UnitActive
	}
	if !status.Valid() {
		return nil, fmt.Errorf("register unit: %w: unknown status %q", domain.ErrInvalidUnit, status)
	}

	now := time.Now().UTC()
	u := &domain.Unit{
		SerialNo:    serial,
		Location:    in.Location,
		Coordinates: in.Coordinates,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, u); err != nil {
		return nil, err
	}
	s.log.Info().Str("serial_no", serial).Msg("unit registered")
	return u, nil
}

func (s *UnitService) Get(ctx context.Context, serialNo string) (*domain.Unit, error) {
	return s.repo.FindBySerial(ctx, serialNo)
}

// List returns the full fleet state; dashboards call it on connect and after a resync.
func (s *UnitService) List(ctx context.Context) ([]*domain.Unit, error) {
	return s.repo.List(ctx)
}
