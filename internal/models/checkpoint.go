package models

import "time"

// Checkpoint is a scheduled evaluation point for an event. It fires at most once.
type Checkpoint struct {
	ID                  string     `json:"id"`
	EventID             string     `json:"event_id"`
	TriggerAt           time.Time  `json:"trigger_at"`
	Executed            bool       `json:"executed"`
	ExecutedAt          *time.Time `json:"executed_at,omitempty"`
	ClaimedAt           *time.Time `json:"claimed_at,omitempty"`
	RequiredQuestionIDs []string   `json:"required_question_ids,omitempty"`
	ApplicableBlockIDs  []string   `json:"applicable_block_ids,omitempty"`
	AutoResolveTo       *RSVPValue `json:"auto_resolve_to,omitempty"`
	Message             string     `json:"message,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// CompletionPolicy decides which guests still owe something at a checkpoint.
// It is one of RequiresAnswers, RequiresBlockResponses or PendingOnly.
type CompletionPolicy interface {
	completionPolicy()
}

// RequiresAnswers marks a guest missing if any of QuestionIDs is unanswered.
type RequiresAnswers struct {
	QuestionIDs []string
}

// RequiresBlockResponses marks a guest missing if any of BlockIDs has no response.
type RequiresBlockResponses struct {
	BlockIDs []string
}

// PendingOnly marks a guest missing iff their status is still pending.
type PendingOnly struct{}

func (RequiresAnswers) completionPolicy()        {}
func (RequiresBlockResponses) completionPolicy() {}
func (PendingOnly) completionPolicy()            {}

// Policy selects the completion policy from the populated fields. Required
// questions take precedence over applicable blocks; the two are never combined.
func (c Checkpoint) Policy() CompletionPolicy {
	switch {
	case len(c.RequiredQuestionIDs) > 0:
		return RequiresAnswers{QuestionIDs: c.RequiredQuestionIDs}
	case len(c.ApplicableBlockIDs) > 0:
		return RequiresBlockResponses{BlockIDs: c.ApplicableBlockIDs}
	default:
		return PendingOnly{}
	}
}

// AutoResolves reports whether unanswered blocks are filled in after nudging.
func (c Checkpoint) AutoResolves() bool {
	return c.AutoResolveTo != nil && *c.AutoResolveTo != ""
}
