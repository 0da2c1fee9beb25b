package store

import (
	"context"

	"github.com/BTreeMap/Lockstep/internal/models"
)

// GuestDirectory persists guests and their RSVP lifecycle status.
type GuestDirectory interface {
	// AddGuest inserts a guest. Empty ID and status default to a new id and
	// pending. A magic token collision returns ErrDuplicate.
	AddGuest(ctx context.Context, g *models.Guest) error

	// GetGuest returns the guest, or nil without error if it does not exist.
	GetGuest(ctx context.Context, id string) (*models.Guest, error)

	// ListGuests returns the event's guests whose status is not in excludeStatus.
	ListGuests(ctx context.Context, eventID string, excludeStatus ...models.GuestStatus) ([]models.Guest, error)

	// ListGuestsByPhone returns every guest, across events, with the given E.164 phone.
	ListGuestsByPhone(ctx context.Context, phone string) ([]models.Guest, error)

	// UpdateGuestStatus sets the guest's status. When expected is non-empty the
	// update only applies if the current status is one of them (compare-and-set).
	// Moving to opted_out stamps opted_out_at; any other status clears it.
	// Returns whether a row changed.
	UpdateGuestStatus(ctx context.Context, id string, newStatus models.GuestStatus, expected ...models.GuestStatus) (bool, error)

	// CountGuests returns how many guests the event has.
	CountGuests(ctx context.Context, eventID string) (int, error)
}
