package usage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/BTreeMap/Lockstep/internal/models"
	"github.com/BTreeMap/Lockstep/internal/store"
	"github.com/BTreeMap/Lockstep/internal/testutil"
)

func addSentNudges(t *testing.T, st *store.InMemoryStore, eventID, guestID string, n int, status models.NudgeStatus) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		cpID := fmt.Sprintf("cp-%s-%d", status, i)
		nudge := &models.Nudge{
			EventID:        eventID,
			GuestID:        guestID,
			CheckpointID:   cpID,
			Channel:        models.ChannelSMS,
			IdempotencyKey: models.IdempotencyKey(eventID, cpID, guestID, models.ChannelSMS),
		}
		id, _, err := st.ReserveNudge(ctx, nudge)
		if err != nil {
			t.Fatal(err)
		}
		if err := st.CompleteNudge(ctx, id, status, "SM", ""); err != nil {
			t.Fatal(err)
		}
	}
}

// Free tier event with all three nudges used.
func TestCheckLimit_FreeNudgesExhausted(t *testing.T) {
	st := store.NewInMemoryStore()
	e := testutil.MustCreateEvent(t, st, "owner", "Party")
	g := testutil.MustAddGuest(t, st, e.ID, "Ada", "+15551234567")
	addSentNudges(t, st, e.ID, g.ID, 2, models.NudgeStatusSent)
	addSentNudges(t, st, e.ID, g.ID, 1, models.NudgeStatusDelivered)
	addSentNudges(t, st, e.ID, g.ID, 2, models.NudgeStatusFailed)

	res, err := NewTracker(st).CheckLimit(context.Background(), e.ID, "owner", models.LimitNudges)
	if err != nil {
		t.Fatalf("CheckLimit: %v", err)
	}
	if res.Allowed || res.Remaining != 0 || res.Used != 3 || res.Limit != 3 {
		t.Errorf("result = %+v", res)
	}
	if !res.UpgradeRequired || res.SuggestedTier != models.TierPro {
		t.Errorf("upgrade = %v, suggested = %q; want pro", res.UpgradeRequired, res.SuggestedTier)
	}
}

func TestCheckLimit_GuestsWithinLimit(t *testing.T) {
	st := store.NewInMemoryStore()
	e := testutil.MustCreateEvent(t, st, "owner", "Party")
	for i := 0; i < 4; i++ {
		testutil.MustAddGuest(t, st, e.ID, "Guest", "")
	}
	res, err := NewTracker(st).CheckLimit(context.Background(), e.ID, "owner", models.LimitGuests)
	if err != nil {
		t.Fatalf("CheckLimit: %v", err)
	}
	if !res.Allowed || res.Used != 4 || res.Limit != 15 || res.Remaining != 11 || res.SuggestedTier != "" {
		t.Errorf("result = %+v", res)
	}
}

func TestEffectiveTier_Precedence(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	e := testutil.MustCreateEvent(t, st, "owner", "Wedding")
	tr := NewTracker(st)

	if tier, _ := tr.EffectiveTier(ctx, e.ID, "owner"); tier != models.TierFree {
		t.Errorf("no records: tier = %q, want free", tier)
	}
	if err := st.UpsertSubscription(ctx, models.Subscription{UserID: "owner", Tier: models.TierPro}); err != nil {
		t.Fatal(err)
	}
	if tier, _ := tr.EffectiveTier(ctx, e.ID, "owner"); tier != models.TierPro {
		t.Errorf("subscription: tier = %q, want pro", tier)
	}
	if tier, _ := tr.EffectiveTier(ctx, e.ID, ""); tier != models.TierPro {
		t.Errorf("owner fallback: tier = %q, want pro", tier)
	}
	if err := st.RecordEventPurchase(ctx, models.EventPurchase{EventID: e.ID, Tier: models.TierWedding}); err != nil {
		t.Fatal(err)
	}
	if tier, _ := tr.EffectiveTier(ctx, e.ID, "owner"); tier != models.TierWedding {
		t.Errorf("purchase: tier = %q, want wedding", tier)
	}
}

func TestCheckLimit_BusinessUnlimited(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	e := testutil.MustCreateEvent(t, st, "owner", "Conference")
	if err := st.RecordEventPurchase(ctx, models.EventPurchase{EventID: e.ID, Tier: models.TierBusiness}); err != nil {
		t.Fatal(err)
	}
	res, err := NewTracker(st).CheckLimit(ctx, e.ID, "owner", models.LimitNudges)
	if err != nil {
		t.Fatalf("CheckLimit: %v", err)
	}
	if !res.Allowed || !res.Unlimited || res.Remaining != models.Unlimited || res.UpgradeRequired {
		t.Errorf("result = %+v", res)
	}
}

func TestCheckLimit_InvalidType(t *testing.T) {
	st := store.NewInMemoryStore()
	_, err := NewTracker(st).CheckLimit(context.Background(), "e", "u", models.LimitEvents)
	if !errors.Is(err, ErrInvalidLimitType) {
		t.Errorf("error = %v, want ErrInvalidLimitType", err)
	}
}

func TestEscalationTable(t *testing.T) {
	tests := []struct {
		tier models.Tier
		next models.Tier
	}{
		{models.TierFree, models.TierPro},
		{models.TierPro, models.TierWedding},
		{models.TierAnnualPro, models.TierWedding},
		{models.TierWedding, models.TierBusiness},
	}
	for _, tt := range tests {
		res := evaluate(tt.tier, models.LimitGuests, 1, 1)
		if res.SuggestedTier != tt.next {
			t.Errorf("%s exhausted: suggested %q, want %q", tt.tier, res.SuggestedTier, tt.next)
		}
	}
	res := evaluate(models.TierBusiness, models.LimitGuests, 5, 5)
	if res.SuggestedTier != "" || !res.UpgradeRequired {
		t.Errorf("business with an explicit cap: %+v", res)
	}
}

func TestCanCreateEvent(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	tr := NewTracker(st)

	res, err := tr.CanCreateEvent(ctx, "u1")
	if err != nil || !res.Allowed || res.Limit != 1 {
		t.Fatalf("first free event = %+v, %v", res, err)
	}
	testutil.MustCreateEvent(t, st, "u1", "First")
	res, _ = tr.CanCreateEvent(ctx, "u1")
	if res.Allowed || res.SuggestedTier != models.TierPro {
		t.Errorf("second free event = %+v", res)
	}

	if err := st.UpsertSubscription(ctx, models.Subscription{UserID: "u1", Tier: models.TierPro, EventsLimit: 2}); err != nil {
		t.Fatal(err)
	}
	res, _ = tr.CanCreateEvent(ctx, "u1")
	if !res.Allowed || res.Limit != 2 || res.Remaining != 1 {
		t.Errorf("explicit events limit = %+v", res)
	}

	if err := st.UpsertSubscription(ctx, models.Subscription{UserID: "u1", Tier: models.TierPro, EventsLimit: 1, UnlimitedEvents: true}); err != nil {
		t.Fatal(err)
	}
	res, _ = tr.CanCreateEvent(ctx, "u1")
	if !res.Allowed || !res.Unlimited {
		t.Errorf("unlimited events = %+v", res)
	}

	if err := st.UpsertSubscription(ctx, models.Subscription{UserID: "u1", Tier: models.TierAnnualPro}); err != nil {
		t.Fatal(err)
	}
	res, _ = tr.CanCreateEvent(ctx, "u1")
	if !res.Allowed || !res.Unlimited {
		t.Errorf("annual pro default = %+v", res)
	}
}
