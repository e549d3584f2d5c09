package ports

import "github.com/smartsanitation/fleet-core/internal/core/domain"

// EventPublisher is the write side of the broadcaster seen by the core services.
// Publish must never block.
type EventPublisher interface {
	Publish(event domain.ChangeEvent)
}
