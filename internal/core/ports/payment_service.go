package ports

import (
	"context"
	"time"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
)

// InitiatePaymentInput carries a client payment request.
type InitiatePaymentInput struct {
	Provider       domain.Provider
	Amount         float64
	Currency       string
	Phone          string
	Email          string
	BookingRef     string
	IdempotencyKey string
}

// InitiatePaymentResult is returned synchronously; it never waits for the final outcome.
type InitiatePaymentResult struct {
	Attempt *domain.PaymentAttempt
	// AlreadyExisted is true when the Idempotency-Key matched an existing attempt.
	AlreadyExisted bool
}

// ResolveInput is a normalized provider callback.
type ResolveInput struct {
	Provider          domain.Provider
	ExternalReference string
	Outcome           domain.Outcome
	Reason            string
	RawPayload        []byte
}

// ResolveResult reports what a callback did.
type ResolveResult struct {
	Attempt *domain.PaymentAttempt
	// Applied is false when the attempt was already terminal.
	Applied bool
}

// ListPaymentsResult is returned by List.
type ListPaymentsResult struct {
	Items      []*domain.PaymentAttempt
	Total      int64
	Page       int
	Limit      int
	TotalPages int
}

// PaymentService is the payment state machine.
type PaymentService interface {
	Initiate(ctx context.Context, in InitiatePaymentInput) (*InitiatePaymentResult, error)
	Resolve(ctx context.Context, in ResolveInput) (*ResolveResult, error)
	SweepExpired(ctx context.Context, provider domain.Provider, now time.Time, ttl time.Duration) (int, error)
	Get(ctx context.Context, id string) (*domain.PaymentAttempt, error)
	List(ctx context.Context, filter ListPaymentsFilter) (*ListPaymentsResult, error)
}
