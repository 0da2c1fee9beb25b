package models

import "time"

// Tier is an effective plan for an event or user.
type Tier string

const (
	TierFree      Tier = "free"
	TierPro       Tier = "pro"
	TierWedding   Tier = "wedding"
	TierBusiness  Tier = "business"
	TierAnnualPro Tier = "annual_pro"
)

// Unlimited is the limit value meaning "no cap".
const Unlimited = -1

// TierLimits holds the quotas of one tier.
type TierLimits struct {
	Guests int `json:"guests"`
	Nudges int `json:"nudges"`
	Events int `json:"events"`
}

var tierLimits = map[Tier]TierLimits{
	TierFree:      {Guests: 15, Nudges: 3, Events: 1},
	TierPro:       {Guests: 75, Nudges: 50, Events: 5},
	TierAnnualPro: {Guests: 75, Nudges: 50, Events: Unlimited},
	TierWedding:   {Guests: 300, Nudges: 500, Events: 1},
	TierBusiness:  {Guests: Unlimited, Nudges: Unlimited, Events: Unlimited},
}

var nextTier = map[Tier]Tier{
	TierFree:      TierPro,
	TierPro:       TierWedding,
	TierAnnualPro: TierWedding,
	TierWedding:   TierBusiness,
}

// IsValidTier checks if the given tier is known.
func IsValidTier(t Tier) bool {
	_, ok := tierLimits[t]
	return ok
}

// Limits returns the quotas for t. Unknown tiers get the free limits.
func (t Tier) Limits() TierLimits {
	if l, ok := tierLimits[t]; ok {
		return l
	}
	return tierLimits[TierFree]
}

// Next returns the suggested upgrade for t, or false when there is none.
func (t Tier) Next() (Tier, bool) {
	n, ok := nextTier[t]
	return n, ok
}

// LimitType is the quota being checked.
type LimitType string

const (
	LimitGuests LimitType = "guests"
	LimitNudges LimitType = "nudges"
	LimitEvents LimitType = "events"
)

// Subscription is a user's standing plan.
type Subscription struct {
	UserID          string    `json:"user_id" db:"user_id"`
	Tier            Tier      `json:"tier" db:"tier"`
	EventsLimit     int       `json:"events_limit" db:"events_limit"` // 0 means the tier default
	UnlimitedEvents bool      `json:"unlimited_events" db:"unlimited_events"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// EventPurchase is a one-off plan bought for a single event.
type EventPurchase struct {
	EventID     string    `json:"event_id" db:"event_id"`
	Tier        Tier      `json:"tier" db:"tier"`
	PurchasedAt time.Time `json:"purchased_at" db:"purchased_at"`
}

// LimitResult is the outcome of a quota check.
type LimitResult struct {
	Allowed         bool      `json:"allowed"`
	Remaining       int       `json:"remaining"` // -1 when unlimited
	Limit           int       `json:"limit"`
	Used            int       `json:"used"`
	Unlimited       bool      `json:"unlimited"`
	UpgradeRequired bool      `json:"upgradeRequired"`
	SuggestedTier   Tier      `json:"suggestedTier,omitempty"`
	Tier            Tier      `json:"tier"`
	Type            LimitType `json:"type"`
}
