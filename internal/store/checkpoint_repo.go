package store

import (
	"context"
	"time"

	"github.com/BTreeMap/Lockstep/internal/models"
)

// CheckpointStore persists checkpoints and their single-execution state.
type CheckpointStore interface {
	// CreateCheckpoint inserts a checkpoint. An empty ID is filled in.
	CreateCheckpoint(ctx context.Context, c *models.Checkpoint) error

	// GetCheckpoint returns the checkpoint, or nil without error if it does not exist.
	GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error)

	// FindDueUnexecuted returns checkpoints with executed = false and trigger_at <= now.
	FindDueUnexecuted(ctx context.Context, now time.Time) ([]models.Checkpoint, error)

	// ClaimCheckpoint leases an unexecuted checkpoint for one runner. It succeeds
	// if the checkpoint is unclaimed or its claim is older than staleBefore.
	ClaimCheckpoint(ctx context.Context, id string, now, staleBefore time.Time) (bool, error)

	// ReleaseCheckpoint drops the claim on an unexecuted checkpoint so a later
	// run can retry it.
	ReleaseCheckpoint(ctx context.Context, id string) error

	// MarkExecuted flips executed from false to true. Returns false if the
	// checkpoint was already executed or does not exist.
	MarkExecuted(ctx context.Context, id string, at time.Time) (bool, error)
}
