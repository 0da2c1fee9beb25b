// Package usage computes plan consumption and decides whether an organiser
// action (adding guests, sending nudges, creating events) is allowed.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/Lockstep/internal/models"
	"github.com/BTreeMap/Lockstep/internal/store"
)

// ErrInvalidLimitType is returned for a limit type CheckLimit does not handle.
var ErrInvalidLimitType = errors.New("invalid limit type")

// Store is the read surface the Tracker needs.
type Store interface {
	store.UsageRepo
	store.EventRepo
	CountGuests(ctx context.Context, eventID string) (int, error)
	CountSentNudges(ctx context.Context, eventID string) (int, error)
}

// Tracker evaluates tier quotas against usage counters.
type Tracker struct {
	store Store
}

// NewTracker creates a Tracker reading from st.
func NewTracker(st Store) *Tracker {
	return &Tracker{store: st}
}

// EffectiveTier resolves the plan for an event: an event purchase wins over
// the user's subscription, and absence of both means free. An empty userID
// falls back to the event's owner.
func (t *Tracker) EffectiveTier(ctx context.Context, eventID, userID string) (models.Tier, error) {
	if eventID != "" {
		p, err := t.store.GetEventPurchase(ctx, eventID)
		if err != nil {
			return "", fmt.Errorf("failed to load event purchase: %w", err)
		}
		if p != nil && models.IsValidTier(p.Tier) {
			return p.Tier, nil
		}
	}
	if userID == "" && eventID != "" {
		e, err := t.store.GetEvent(ctx, eventID)
		if err != nil {
			return "", fmt.Errorf("failed to load event: %w", err)
		}
		if e != nil {
			userID = e.OwnerID
		}
	}
	if userID != "" {
		sub, err := t.store.GetSubscription(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("failed to load subscription: %w", err)
		}
		if sub != nil && models.IsValidTier(sub.Tier) {
			return sub.Tier, nil
		}
	}
	return models.TierFree, nil
}

// CheckLimit reports whether one more guest or nudge fits the event's plan.
func (t *Tracker) CheckLimit(ctx context.Context, eventID, userID string, limitType models.LimitType) (models.LimitResult, error) {
	tier, err := t.EffectiveTier(ctx, eventID, userID)
	if err != nil {
		return models.LimitResult{}, err
	}

	var limit, used int
	switch limitType {
	case models.LimitGuests:
		limit = tier.Limits().Guests
		used, err = t.store.CountGuests(ctx, eventID)
	case models.LimitNudges:
		limit = tier.Limits().Nudges
		used, err = t.store.CountSentNudges(ctx, eventID)
	default:
		return models.LimitResult{}, fmt.Errorf("%w: %q", ErrInvalidLimitType, limitType)
	}
	if err != nil {
		return models.LimitResult{}, fmt.Errorf("failed to count %s for %s: %w", limitType, eventID, err)
	}

	res := evaluate(tier, limitType, limit, used)
	slog.Debug("Tracker.CheckLimit", "eventID", eventID, "tier", tier, "type", limitType, "used", used, "limit", limit, "allowed", res.Allowed)
	return res, nil
}

// CanCreateEvent gates the user's total event count. An explicit events limit
// on the subscription overrides the tier default.
func (t *Tracker) CanCreateEvent(ctx context.Context, userID string) (models.LimitResult, error) {
	sub, err := t.store.GetSubscription(ctx, userID)
	if err != nil {
		return models.LimitResult{}, fmt.Errorf("failed to load subscription: %w", err)
	}
	tier := models.TierFree
	limit := tier.Limits().Events
	if sub != nil {
		if models.IsValidTier(sub.Tier) {
			tier = sub.Tier
		}
		limit = tier.Limits().Events
		if sub.EventsLimit != 0 {
			limit = sub.EventsLimit
		}
		if sub.UnlimitedEvents {
			limit = models.Unlimited
		}
	}
	used, err := t.store.CountEventsByOwner(ctx, userID)
	if err != nil {
		return models.LimitResult{}, fmt.Errorf("failed to count events for %s: %w", userID, err)
	}
	return evaluate(tier, models.LimitEvents, limit, used), nil
}

func evaluate(tier models.Tier, limitType models.LimitType, limit, used int) models.LimitResult {
	res := models.LimitResult{Limit: limit, Used: used, Tier: tier, Type: limitType}
	if limit == models.Unlimited {
		res.Allowed = true
		res.Unlimited = true
		res.Remaining = models.Unlimited
		return res
	}
	res.Allowed = used < limit
	res.Remaining = max(0, limit-used)
	if !res.Allowed {
		res.UpgradeRequired = true
		if next, ok := tier.Next(); ok {
			res.SuggestedTier = next
		}
	}
	return res
}
