package messaging

import (
	"context"
	"testing"

	"github.com/BTreeMap/Lockstep/internal/models"
	"github.com/BTreeMap/Lockstep/internal/store"
	"github.com/BTreeMap/Lockstep/internal/testutil"
)

func TestClassifyReply(t *testing.T) {
	tests := map[string]InboundAction{
		"STOP":         InboundOptOut,
		" stop ":       InboundOptOut,
		"Unsubscribe":  InboundOptOut,
		"quit!":        InboundOptOut,
		"START":        InboundOptIn,
		"unstop":       InboundOptIn,
		"subscribe":    InboundOptIn,
		"stop texting": InboundIgnored,
		"yes":          InboundIgnored,
		"":             InboundIgnored,
	}
	for body, want := range tests {
		if got := ClassifyReply(body); got != want {
			t.Errorf("ClassifyReply(%q) = %q, want %q", body, got, want)
		}
	}
}

func TestInboundHandler_StopThenStart(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	e1 := testutil.MustCreateEvent(t, st, "owner", "Event one")
	e2 := testutil.MustCreateEvent(t, st, "owner", "Event two")
	g1 := testutil.MustAddGuest(t, st, e1.ID, "Ada", "+15551234567")
	g2 := testutil.MustAddGuest(t, st, e2.ID, "Ada", "+15551234567")
	other := testutil.MustAddGuest(t, st, e1.ID, "Bob", "+15559999999")

	h := NewInboundHandler(st)
	action, changed, err := h.HandleInbound(ctx, "whatsapp:+15551234567", "STOP")
	if err != nil || action != InboundOptOut || changed != 2 {
		t.Fatalf("STOP = %q, %d, %v", action, changed, err)
	}
	for _, id := range []string{g1.ID, g2.ID} {
		g := testutil.AssertGuestStatus(t, st, id, models.GuestStatusOptedOut)
		if g.OptedOutAt == nil {
			t.Errorf("guest %s: opted_out_at not set", id)
		}
	}
	testutil.AssertGuestStatus(t, st, other.ID, models.GuestStatusPending)

	// A repeated STOP leaves the original timestamp alone.
	_, changed, _ = h.HandleInbound(ctx, "+15551234567", "stop")
	if changed != 0 {
		t.Errorf("repeated STOP changed %d guests", changed)
	}

	action, changed, err = h.HandleInbound(ctx, "+15551234567", "START")
	if err != nil || action != InboundOptIn || changed != 2 {
		t.Fatalf("START = %q, %d, %v", action, changed, err)
	}
	g := testutil.AssertGuestStatus(t, st, g1.ID, models.GuestStatusPending)
	if g.OptedOutAt != nil {
		t.Error("opted_out_at should be cleared on START")
	}
}

func TestInboundHandler_IgnoresOtherReplies(t *testing.T) {
	st := store.NewInMemoryStore()
	e := testutil.MustCreateEvent(t, st, "owner", "Event")
	g := testutil.MustAddGuest(t, st, e.ID, "Ada", "+15551234567")

	action, changed, err := NewInboundHandler(st).HandleInbound(context.Background(), "+15551234567", "see you there")
	if err != nil || action != InboundIgnored || changed != 0 {
		t.Errorf("HandleInbound = %q, %d, %v", action, changed, err)
	}
	testutil.AssertGuestStatus(t, st, g.ID, models.GuestStatusPending)
}

func TestInboundHandler_InvalidSender(t *testing.T) {
	_, _, err := NewInboundHandler(store.NewInMemoryStore()).HandleInbound(context.Background(), "not-a-number", "STOP")
	if err == nil {
		t.Error("expected error for an invalid sender")
	}
}

func TestMapProviderStatus(t *testing.T) {
	tests := []struct {
		in   string
		want models.NudgeStatus
		ok   bool
	}{
		{"sent", models.NudgeStatusSent, true},
		{"delivered", models.NudgeStatusDelivered, true},
		{"read", models.NudgeStatusDelivered, true},
		{"failed", models.NudgeStatusFailed, true},
		{"undelivered", models.NudgeStatusFailed, true},
		{"queued", "", false},
		{"sending", "", false},
	}
	for _, tt := range tests {
		got, ok := MapProviderStatus(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("MapProviderStatus(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestStatusHandler_AppliesCallbacks(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t)
	res, err := f.gw.Send(ctx, f.request())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	h := NewStatusHandler(f.st)
	if changed, err := h.HandleStatus(ctx, res.ExternalID, "queued"); err != nil || changed {
		t.Errorf("queued callback = %v, %v; want ignored", changed, err)
	}
	if changed, err := h.HandleStatus(ctx, res.ExternalID, "delivered"); err != nil || !changed {
		t.Fatalf("delivered callback = %v, %v", changed, err)
	}
	if changed, _ := h.HandleStatus(ctx, res.ExternalID, "sent"); changed {
		t.Error("a late sent callback must not downgrade delivered")
	}
	n, _ := f.st.GetNudge(ctx, res.NudgeID)
	if n.Status != models.NudgeStatusDelivered {
		t.Errorf("status = %q, want delivered", n.Status)
	}
}
