package store

import (
	"context"
	"time"

	"github.com/BTreeMap/Lockstep/internal/models"
)

// NudgeRepo persists the outbound message log. The idempotency key is unique.
type NudgeRepo interface {
	// ReserveNudge atomically inserts n (status sending) unless a nudge with
	// the same idempotency key exists. It returns the id of the stored row and
	// whether this call inserted it.
	ReserveNudge(ctx context.Context, n *models.Nudge) (id string, reserved bool, err error)

	// GetNudge returns the nudge, or nil without error if it does not exist.
	GetNudge(ctx context.Context, id string) (*models.Nudge, error)

	// GetNudgeByKey returns the nudge with the idempotency key, or nil.
	GetNudgeByKey(ctx context.Context, key string) (*models.Nudge, error)

	// CompleteNudge records the provider outcome of a reserved nudge.
	CompleteNudge(ctx context.Context, id string, status models.NudgeStatus, externalID, errMsg string) error

	// RetryFailedNudge flips a nudge back to sending with a new message body.
	// It applies to failed nudges and to sending nudges last touched before
	// staleBefore, whose sender died mid-call. Returns false otherwise.
	RetryFailedNudge(ctx context.Context, id, message string, staleBefore time.Time) (bool, error)

	// UpdateNudgeStatusByExternalID applies a provider delivery callback.
	// Delivered nudges are never moved back. Returns whether a row changed.
	UpdateNudgeStatusByExternalID(ctx context.Context, externalID string, status models.NudgeStatus) (bool, error)

	// ListNudges returns all nudges for an event, oldest first.
	ListNudges(ctx context.Context, eventID string) ([]models.Nudge, error)

	// CountSentNudges counts the event's nudges in sent or delivered state.
	CountSentNudges(ctx context.Context, eventID string) (int, error)
}
