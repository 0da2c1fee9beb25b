package store

import (
	"context"

	"github.com/BTreeMap/Lockstep/internal/models"
)

// EventRepo persists events.
type EventRepo interface {
	// CreateEvent inserts an event. An empty ID is filled in.
	CreateEvent(ctx context.Context, e *models.Event) error

	// GetEvent returns the event, or nil without error if it does not exist.
	GetEvent(ctx context.Context, id string) (*models.Event, error)

	// CountEventsByOwner returns how many events a user owns.
	CountEventsByOwner(ctx context.Context, ownerID string) (int, error)
}
