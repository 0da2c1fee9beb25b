// Package messaging delivers single-recipient nudges over SMS and WhatsApp.
//
// The Gateway enforces opt-out suppression and at-most-once delivery per
// idempotency key. InboundHandler and StatusHandler apply provider callbacks
// (STOP/START replies and delivery receipts) to the guest and nudge records.
package messaging

import (
	"context"

	"github.com/BTreeMap/Lockstep/internal/models"
)

// Provider is an external message transport such as Twilio or a linked
// WhatsApp device. to is already formatted for the channel.
type Provider interface {
	Send(ctx context.Context, to, body string) (externalID string, err error)
}

// Providers routes each channel to its transport. A missing entry means the
// channel is not configured.
type Providers map[models.Channel]Provider
