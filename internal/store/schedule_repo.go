package store

import (
	"context"

	"github.com/BTreeMap/Lockstep/internal/models"
)

// ScheduleStore persists blocks, questions and the guests' responses and answers.
type ScheduleStore interface {
	AddBlock(ctx context.Context, b *models.Block) error
	AddQuestion(ctx context.Context, q *models.Question) error

	// RecordResponse writes a guest's own RSVP for a block, replacing any previous
	// value, and moves a pending guest to responded.
	RecordResponse(ctx context.Context, r *models.Response) error

	// RecordAnswer writes a guest's answer to a question, replacing any previous
	// value, and moves a pending guest to responded.
	RecordAnswer(ctx context.Context, a *models.Answer) error

	// GetResponse returns the response for (guest, block), or nil if none exists.
	GetResponse(ctx context.Context, guestID, blockID string) (*models.Response, error)

	// ListAnsweredQuestionIDs returns the subset of restrictedTo the guest has answered.
	ListAnsweredQuestionIDs(ctx context.Context, guestID string, restrictedTo []string) (map[string]bool, error)

	// ListRespondedBlockIDs returns the subset of restrictedTo the guest has responded to.
	ListRespondedBlockIDs(ctx context.Context, guestID string, restrictedTo []string) (map[string]bool, error)

	// InsertResponseIfAbsent inserts a response only if none exists for
	// (guest, block). Returns true if a row was inserted.
	InsertResponseIfAbsent(ctx context.Context, guestID, blockID string, value models.RSVPValue) (bool, error)
}
