package domain

import (
	"errors"
	"time"
)

// Provider identifies an external payment provider family.
type Provider string

const (
	ProviderMobileMoney Provider = "mobile-money"
	ProviderCardGateway Provider = "card-gateway"
)

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	return p == ProviderMobileMoney || p == ProviderCardGateway
}

// PaymentStatus represents the lifecycle state of a payment attempt.
type PaymentStatus string

const (
	PaymentInitiated PaymentStatus = "INITIATED"
	PaymentPending   PaymentStatus = "PENDING"
	PaymentSucceeded PaymentStatus = "SUCCEEDED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentExpired   PaymentStatus = "EXPIRED"
)

// validPaymentTransitions defines the allowed state machine transitions.
// Terminal states have no entry.
var validPaymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentInitiated: {PaymentPending, PaymentSucceeded, PaymentFailed, PaymentExpired},
	PaymentPending:   {PaymentSucceeded, PaymentFailed, PaymentExpired},
}

var ErrUnknownReference = errors.New("unknown external reference")
var ErrAttemptNotFound = errors.New("payment attempt not found")
var ErrUnsupportedProvider = errors.New("unsupported payment provider")
var ErrInvalidPayment = errors.New("invalid payment request")

// ErrDuplicateAttempt is returned by a store when an attempt with the same
// idempotency key or provider reference already exists.
var ErrDuplicateAttempt = errors.New("payment attempt already exists")

// Terminal reports whether no further transition is permitted from s.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentSucceeded || s == PaymentFailed || s == PaymentExpired
}

// CanTransitionTo reports whether a transition from current status to next is valid.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range validPaymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Outcome is the normalized result a provider reports for an attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
)

// Status maps an outcome onto the terminal payment status it produces.
func (o Outcome) Status() PaymentStatus {
	if o == OutcomeSucceeded {
		return PaymentSucceeded
	}
	return PaymentFailed
}

// PaymentAttempt is one lifecycle instance of a payment request to a provider.
type PaymentAttempt struct {
	ID                string        `json:"id" bson:"_id"`
	Provider          Provider      `json:"provider" bson:"provider"`
	ExternalReference string        `json:"external_reference,omitempty" bson:"external_reference,omitempty"`
	Amount            float64       `json:"amount" bson:"amount"`
	Currency          string        `json:"currency,omitempty" bson:"currency,omitempty"`
	Phone             string        `json:"phone,omitempty" bson:"phone,omitempty"`
	Email             string        `json:"email,omitempty" bson:"email,omitempty"`
	BookingRef        string        `json:"booking_ref,omitempty" bson:"booking_ref,omitempty"`
	IdempotencyKey    string        `json:"-" bson:"idempotency_key,omitempty"`
	CheckoutURL       string        `json:"checkout_url,omitempty" bson:"checkout_url,omitempty"`
	Status            PaymentStatus `json:"status" bson:"status"`
	FailureReason     string        `json:"failure_reason,omitempty" bson:"failure_reason,omitempty"`
	RawCallback       []byte        `json:"-" bson:"raw_callback,omitempty"`
	CreatedAt         time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at" bson:"updated_at"`
	ResolvedAt        *time.Time    `json:"resolved_at,omitempty" bson:"resolved_at,omitempty"`
}

// Clone returns a deep copy of the attempt.
func (p *PaymentAttempt) Clone() *PaymentAttempt {
	c := *p
	if p.RawCallback != nil {
		c.RawCallback = append([]byte(nil), p.RawCallback...)
	}
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}
