package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/Lockstep/internal/models"
	"github.com/BTreeMap/Lockstep/internal/store"
)

// InboundAction is what an inbound reply did.
type InboundAction string

const (
	InboundOptOut  InboundAction = "opt_out"
	InboundOptIn   InboundAction = "opt_in"
	InboundIgnored InboundAction = "ignored"
)

var (
	optOutKeywords = map[string]bool{"STOP": true, "STOPALL": true, "UNSUBSCRIBE": true, "CANCEL": true, "END": true, "QUIT": true}
	optInKeywords  = map[string]bool{"START": true, "SUBSCRIBE": true, "UNSTOP": true}
)

// ClassifyReply maps a reply body onto an opt-out/opt-in action. Only a bare
// keyword counts; case and surrounding whitespace are ignored.
func ClassifyReply(body string) InboundAction {
	word := strings.ToUpper(strings.Trim(strings.TrimSpace(body), ".!"))
	switch {
	case optOutKeywords[word]:
		return InboundOptOut
	case optInKeywords[word]:
		return InboundOptIn
	default:
		return InboundIgnored
	}
}

// InboundHandler applies STOP/START replies to every guest with the sender's phone.
type InboundHandler struct {
	guests store.GuestDirectory
}

// NewInboundHandler creates an InboundHandler.
func NewInboundHandler(guests store.GuestDirectory) *InboundHandler {
	return &InboundHandler{guests: guests}
}

// HandleInbound processes one reply from the phone number from (E.164, with
// or without the whatsapp: scheme). It returns the action taken and how many
// guests changed status.
func (h *InboundHandler) HandleInbound(ctx context.Context, from, body string) (InboundAction, int, error) {
	action := ClassifyReply(body)
	if action == InboundIgnored {
		slog.Debug("InboundHandler.HandleInbound: ignoring reply", "from", from)
		return action, 0, nil
	}
	phone, err := NormalizePhone(from)
	if err != nil {
		return action, 0, fmt.Errorf("inbound sender %q: %w", from, err)
	}
	guests, err := h.guests.ListGuestsByPhone(ctx, phone)
	if err != nil {
		return action, 0, fmt.Errorf("failed to look up guests for %s: %w", phone, err)
	}

	newStatus := models.GuestStatusOptedOut
	expected := []models.GuestStatus{models.GuestStatusPending, models.GuestStatusResponded}
	if action == InboundOptIn {
		newStatus = models.GuestStatusPending
		expected = []models.GuestStatus{models.GuestStatusOptedOut}
	}

	changed := 0
	for _, g := range guests {
		ok, err := h.guests.UpdateGuestStatus(ctx, g.ID, newStatus, expected...)
		if err != nil {
			return action, changed, fmt.Errorf("failed to update guest %s: %w", g.ID, err)
		}
		if ok {
			changed++
		}
	}
	slog.Info("InboundHandler.HandleInbound: applied reply", "phone", phone, "action", action, "guests", len(guests), "changed", changed)
	return action, changed, nil
}

// StatusHandler applies provider delivery callbacks to nudge rows.
type StatusHandler struct {
	nudges store.NudgeRepo
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(nudges store.NudgeRepo) *StatusHandler {
	return &StatusHandler{nudges: nudges}
}

// MapProviderStatus translates a Twilio or WhatsApp status onto a nudge
// status. In-flight states such as queued or sending map to false.
func MapProviderStatus(providerStatus string) (models.NudgeStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "sent":
		return models.NudgeStatusSent, true
	case "delivered", "read":
		return models.NudgeStatusDelivered, true
	case "failed", "undelivered":
		return models.NudgeStatusFailed, true
	default:
		return "", false
	}
}

// HandleStatus updates the nudge sent as externalID. It reports whether a row changed.
func (h *StatusHandler) HandleStatus(ctx context.Context, externalID, providerStatus string) (bool, error) {
	status, ok := MapProviderStatus(providerStatus)
	if !ok || externalID == "" {
		slog.Debug("StatusHandler.HandleStatus: ignoring callback", "externalID", externalID, "status", providerStatus)
		return false, nil
	}
	changed, err := h.nudges.UpdateNudgeStatusByExternalID(ctx, externalID, status)
	if err != nil {
		return false, fmt.Errorf("failed to apply status %s to %s: %w", status, externalID, err)
	}
	slog.Debug("StatusHandler.HandleStatus", "externalID", externalID, "status", status, "changed", changed)
	return changed, nil
}
