// Package memory provides process-local repositories for development and tests.
// They honour the same compare-and-set contracts as the Mongo repositories.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
)

type UnitRepository struct {
	mu    sync.RWMutex
	units map[string]*domain.Unit
}

func NewUnitRepository() *UnitRepository {
	return &UnitRepository{units: make(map[string]*domain.Unit)}
}

func (r *UnitRepository) Create(_ context.Context, u *domain.Unit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.units[u.SerialNo]; exists {
		return domain.ErrUnitExists
	}
	r.units[u.SerialNo] = u.Clone()
	return nil
}

func (r *UnitRepository) FindBySerial(_ context.Context, serialNo string) (*domain.Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.units[serialNo]
	if !ok {
		return nil, domain.ErrUnknownUnit
	}
	return u.Clone(), nil
}

func (r *UnitRepository) List(_ context.Context) ([]*domain.Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Unit, 0, len(r.units))
	for _, u := range r.units {
		out = append(out, u.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SerialNo < out[j].SerialNo })
	return out, nil
}

func (r *UnitRepository) ApplyTelemetry(_ context.Context, u *domain.Unit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.units[u.SerialNo]
	if !ok {
		return domain.ErrUnknownUnit
	}
	if !cur.LastTelemetryAt.Before(u.LastTelemetryAt) {
		return domain.ErrStaleWrite
	}
	r.units[u.SerialNo] = u.Clone()
	return nil
}

func (r *UnitRepository) UpdateStatus(_ context.Context, serialNo string, from, to domain.UnitStatus, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.units[serialNo]
	if !ok {
		return domain.ErrUnknownUnit
	}
	if cur.Status != from {
		return domain.ErrStaleWrite
	}
	next := cur.Clone()
	next.Status = to
	next.UpdatedAt = at
	next.Version++
	r.units[serialNo] = next
	return nil
}

func (r *UnitRepository) ListSilentSince(_ context.Context, status domain.UnitStatus, before time.Time) ([]*domain.Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Unit
	for _, u := range r.units {
		if u.Status == status && u.LastTelemetryAt.Before(before) {
			out = append(out, u.Clone())
		}
	}
	return out, nil
}
