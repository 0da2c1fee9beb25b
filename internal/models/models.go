// Package models defines the core data structures for Lockstep.
//
// It includes events, blocks, guests, responses, checkpoints, nudges and plan
// tiers, which are shared across the store, messaging, checkpoint and API modules.
package models

import (
	"strings"
	"time"
)

// GuestStatus is the RSVP lifecycle state of a guest.
type GuestStatus string

const (
	// GuestStatusPending means the guest has not responded yet.
	GuestStatusPending GuestStatus = "pending"
	// GuestStatusResponded means a qualifying response was recorded or auto-resolved.
	GuestStatusResponded GuestStatus = "responded"
	// GuestStatusOptedOut means the guest replied STOP and must not be messaged.
	GuestStatusOptedOut GuestStatus = "opted_out"
)

// IsValidGuestStatus checks if the given guest status is supported.
func IsValidGuestStatus(s GuestStatus) bool {
	switch s {
	case GuestStatusPending, GuestStatusResponded, GuestStatusOptedOut:
		return true
	default:
		return false
	}
}

// RSVPValue is a guest's answer for one block.
type RSVPValue string

const (
	RSVPIn    RSVPValue = "in"
	RSVPMaybe RSVPValue = "maybe"
	RSVPOut   RSVPValue = "out"
)

// IsValidRSVPValue checks if the given value is one of in, maybe or out.
func IsValidRSVPValue(v RSVPValue) bool {
	switch v {
	case RSVPIn, RSVPMaybe, RSVPOut:
		return true
	default:
		return false
	}
}

// Event is the container organisers create. Blocks, guests, questions and
// checkpoints all belong to exactly one event.
type Event struct {
	ID        string     `json:"id" db:"id"`
	OwnerID   string     `json:"owner_id" db:"owner_id"`
	Title     string     `json:"title" db:"title"`
	StartsAt  *time.Time `json:"starts_at,omitempty" db:"starts_at"`
	EndsAt    *time.Time `json:"ends_at,omitempty" db:"ends_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// Block is a named sub-interval of an event that guests respond to independently.
type Block struct {
	ID         string     `json:"id" db:"id"`
	EventID    string     `json:"event_id" db:"event_id"`
	Name       string     `json:"name" db:"name"`
	StartsAt   *time.Time `json:"starts_at,omitempty" db:"starts_at"`
	EndsAt     *time.Time `json:"ends_at,omitempty" db:"ends_at"`
	OrderIndex int        `json:"order_index" db:"order_index"`
}

// Question is a custom question an organiser attaches to an event.
type Question struct {
	ID         string `json:"id" db:"id"`
	EventID    string `json:"event_id" db:"event_id"`
	Prompt     string `json:"prompt" db:"prompt"`
	Required   bool   `json:"required" db:"required"`
	OrderIndex int    `json:"order_index" db:"order_index"`
}

// Guest belongs to one event and reaches their RSVP page via MagicToken.
type Guest struct {
	ID         string      `json:"id" db:"id"`
	EventID    string      `json:"event_id" db:"event_id"`
	Name       string      `json:"name" db:"name"`
	Email      string      `json:"email,omitempty" db:"email"`
	Phone      string      `json:"phone,omitempty" db:"phone"` // E.164
	Status     GuestStatus `json:"status" db:"status"`
	MagicToken string      `json:"magic_token" db:"magic_token"`
	OptedOutAt *time.Time  `json:"opted_out_at,omitempty" db:"opted_out_at"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at" db:"updated_at"`
}

// FirstName returns the first word of the guest's name, or "" if unnamed.
func (g Guest) FirstName() string {
	fields := strings.Fields(g.Name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// HasPhone reports whether the guest can be reached by SMS or WhatsApp at all.
func (g Guest) HasPhone() bool {
	return strings.TrimSpace(g.Phone) != ""
}

// Response is a guest's RSVP for one block. At most one exists per (guest, block).
type Response struct {
	ID        string    `json:"id" db:"id"`
	GuestID   string    `json:"guest_id" db:"guest_id"`
	BlockID   string    `json:"block_id" db:"block_id"`
	Value     RSVPValue `json:"response" db:"response"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Answer is a guest's answer to a custom question.
type Answer struct {
	ID         string    `json:"id" db:"id"`
	GuestID    string    `json:"guest_id" db:"guest_id"`
	QuestionID string    `json:"question_id" db:"question_id"`
	Value      string    `json:"answer" db:"answer"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
