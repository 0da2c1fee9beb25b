package models

import (
	"fmt"
	"time"
)

// Channel is the outbound transport for a nudge.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

// IsValidChannel checks if the given channel is supported.
func IsValidChannel(c Channel) bool {
	return c == ChannelSMS || c == ChannelWhatsApp
}

// NudgeStatus represents the delivery status of a nudge.
type NudgeStatus string

const (
	// NudgeStatusSending marks a reserved nudge whose provider call is in flight.
	NudgeStatusSending NudgeStatus = "sending"
	// NudgeStatusSent indicates the provider accepted the message.
	NudgeStatusSent NudgeStatus = "sent"
	// NudgeStatusFailed indicates the provider rejected the message.
	NudgeStatusFailed NudgeStatus = "failed"
	// NudgeStatusDelivered indicates the provider confirmed delivery.
	NudgeStatusDelivered NudgeStatus = "delivered"
	// NudgeStatusUnconfirmed marks a provider call abandoned at the send
	// timeout. The message may still have gone out, so it is never retried.
	NudgeStatusUnconfirmed NudgeStatus = "unconfirmed"
)

// Succeeded reports whether the provider accepted the nudge.
func (s NudgeStatus) Succeeded() bool {
	return s == NudgeStatusSent || s == NudgeStatusDelivered
}

// ManualCheckpointKey stands in for the checkpoint id of organiser-initiated sends.
const ManualCheckpointKey = "manual"

// Nudge is the log record of one outbound message attempt.
type Nudge struct {
	ID             string      `json:"id" db:"id"`
	EventID        string      `json:"event_id" db:"event_id"`
	GuestID        string      `json:"guest_id" db:"guest_id"`
	CheckpointID   string      `json:"checkpoint_id,omitempty" db:"checkpoint_id"` // empty for manual sends
	Channel        Channel     `json:"channel" db:"channel"`
	Status         NudgeStatus `json:"status" db:"status"`
	IdempotencyKey string      `json:"idempotency_key" db:"idempotency_key"`
	ExternalID     string      `json:"external_id,omitempty" db:"external_id"`
	Message        string      `json:"message" db:"message"`
	SentAt         time.Time   `json:"sent_at" db:"sent_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
	ErrorMessage   string      `json:"error_message,omitempty" db:"error_message"`
}

// IdempotencyKey builds the unique key for one logical nudge occasion:
// event:checkpoint-or-"manual":guest:channel.
func IdempotencyKey(eventID, checkpointID, guestID string, channel Channel) string {
	if checkpointID == "" {
		checkpointID = ManualCheckpointKey
	}
	return fmt.Sprintf("%s:%s:%s:%s", eventID, checkpointID, guestID, channel)
}
