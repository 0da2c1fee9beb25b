package store

import (
	"context"

	"github.com/BTreeMap/Lockstep/internal/models"
)

// UsageRepo persists plan records read by the usage tracker.
type UsageRepo interface {
	UpsertSubscription(ctx context.Context, s models.Subscription) error

	// GetSubscription returns the user's subscription, or nil if they have none.
	GetSubscription(ctx context.Context, userID string) (*models.Subscription, error)

	RecordEventPurchase(ctx context.Context, p models.EventPurchase) error

	// GetEventPurchase returns the event's purchase record, or nil if none exists.
	GetEventPurchase(ctx context.Context, eventID string) (*models.EventPurchase, error)
}
