package domain

import "time"

// EntityKind names the type of record a ChangeEvent describes.
type EntityKind string

const (
	EntityUnit    EntityKind = "unit"
	EntityPayment EntityKind = "payment"
)

// ChangeEvent is emitted once per accepted mutation and fanned out to live subscribers.
// Seq is assigned by the broadcaster on publish.
type ChangeEvent struct {
	Kind     EntityKind `json:"kind"`
	EntityID string     `json:"entity_id"`
	Seq      uint64     `json:"seq"`
	At       time.Time  `json:"at"`
	Snapshot any        `json:"snapshot"`
}

// NewUnitEvent builds a change event carrying a copy of u.
func NewUnitEvent(u *Unit, at time.Time) ChangeEvent {
	return ChangeEvent{Kind: EntityUnit, EntityID: u.SerialNo, At: at, Snapshot: u.Clone()}
}

// NewPaymentEvent builds a change event carrying a copy of p.
func NewPaymentEvent(p *PaymentAttempt, at time.Time) ChangeEvent {
	return ChangeEvent{Kind: EntityPayment, EntityID: p.ID, At: at, Snapshot: p.Clone()}
}
