package ports

import (
	"context"
	"errors"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
)

// ErrAdapter marks a failure of an outbound provider call (network, rejection,
// timeout, open breaker). Adapters wrap it so callers can use errors.Is.
var ErrAdapter = errors.New("payment adapter error")

// ErrInvalidSignature is returned by NormalizeCallback when the payload is not authentic.
var ErrInvalidSignature = errors.New("invalid callback signature")

// ErrIgnoredCallback is returned for well-formed callbacks that carry no outcome
// (informational provider events). They are acknowledged and dropped.
var ErrIgnoredCallback = errors.New("callback carries no payment outcome")

// ErrMalformedCallback is returned when a payload cannot be parsed at all.
var ErrMalformedCallback = errors.New("malformed callback payload")

// InitiateRequest carries everything an adapter needs for an outbound initiation.
type InitiateRequest struct {
	AttemptID string
	Amount    float64
	Currency  string
	Phone     string
	Email     string
}

// InitiateResult is the provider acknowledgement of an initiation.
type InitiateResult struct {
	ExternalReference string
	CheckoutURL       string // card gateways only
}

// CallbackRequest is a raw inbound provider notification.
type CallbackRequest struct {
	Body      []byte
	Signature string
}

// CallbackResult is a callback normalized into internal terms.
type CallbackResult struct {
	ExternalReference string
	Outcome           domain.Outcome
	Reason            string
}

// PaymentGateway is the boundary contract every provider adapter satisfies.
// InitiatePayment is fallible and slow; callers apply a timeout.
// NormalizeCallback must not block on credential refresh.
type PaymentGateway interface {
	Provider() domain.Provider
	InitiatePayment(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	NormalizeCallback(ctx context.Context, req CallbackRequest) (*CallbackResult, error)
}

// ReferencePresetter is implemented by adapters whose external reference is
// chosen by us rather than issued by the provider. The reference is stored on
// the attempt before the outbound call, so a callback that arrives first can
// still be matched.
type ReferencePresetter interface {
	PresetReference(attemptID string) string
}
