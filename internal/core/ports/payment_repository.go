package ports

import (
	"context"
	"time"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
)

// ListPaymentsFilter carries the query parameters for the admin listing.
type ListPaymentsFilter struct {
	Provider string // optional
	Status   string // optional
	Page     int    // 1-based
	Limit    int
}

// PaymentRepository defines persistence operations for payment attempts.
// Attempts are never deleted.
type PaymentRepository interface {
	// Create returns domain.ErrDuplicateAttempt when the idempotency key or
	// provider reference is already taken.
	Create(ctx context.Context, p *domain.PaymentAttempt) error
	FindByID(ctx context.Context, id string) (*domain.PaymentAttempt, error)
	FindByExternalReference(ctx context.Context, provider domain.Provider, ref string) (*domain.PaymentAttempt, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentAttempt, error)
	// Transition replaces the stored attempt with p, but only while its stored
	// status still equals from. Returns domain.ErrStaleWrite otherwise.
	Transition(ctx context.Context, p *domain.PaymentAttempt, from domain.PaymentStatus) error
	// ListOpenBefore returns non-terminal attempts of provider created before the cutoff.
	ListOpenBefore(ctx context.Context, provider domain.Provider, before time.Time) ([]*domain.PaymentAttempt, error)
	List(ctx context.Context, filter ListPaymentsFilter) ([]*domain.PaymentAttempt, int64, error)
}
