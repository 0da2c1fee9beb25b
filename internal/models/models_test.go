package models

import (
	"testing"
)

func TestCheckpointPolicySelection(t *testing.T) {
	tests := []struct {
		name string
		cp   Checkpoint
		want string
	}{
		{"questions win", Checkpoint{RequiredQuestionIDs: []string{"q1"}, ApplicableBlockIDs: []string{"b1"}}, "answers"},
		{"blocks only", Checkpoint{ApplicableBlockIDs: []string{"b1", "b2"}}, "blocks"},
		{"neither", Checkpoint{}, "pending"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			switch p := tt.cp.Policy().(type) {
			case RequiresAnswers:
				got = "answers"
				if len(p.QuestionIDs) == 0 {
					t.Error("RequiresAnswers carried no question ids")
				}
			case RequiresBlockResponses:
				got = "blocks"
				if len(p.BlockIDs) == 0 {
					t.Error("RequiresBlockResponses carried no block ids")
				}
			case PendingOnly:
				got = "pending"
			}
			if got != tt.want {
				t.Errorf("Policy() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCheckpointAutoResolves(t *testing.T) {
	out := RSVPOut
	empty := RSVPValue("")
	if (Checkpoint{}).AutoResolves() {
		t.Error("nil auto_resolve_to should not auto-resolve")
	}
	if (Checkpoint{AutoResolveTo: &empty}).AutoResolves() {
		t.Error("empty auto_resolve_to should not auto-resolve")
	}
	if !(Checkpoint{AutoResolveTo: &out}).AutoResolves() {
		t.Error("auto_resolve_to=out should auto-resolve")
	}
}

func TestIdempotencyKey(t *testing.T) {
	if got := IdempotencyKey("e1", "c1", "g1", ChannelSMS); got != "e1:c1:g1:sms" {
		t.Errorf("unexpected key %q", got)
	}
	if got := IdempotencyKey("e1", "", "g1", ChannelWhatsApp); got != "e1:manual:g1:whatsapp" {
		t.Errorf("unexpected manual key %q", got)
	}
}

func TestTierNextAndLimits(t *testing.T) {
	cases := map[Tier]Tier{
		TierFree:    TierPro,
		TierPro:     TierWedding,
		TierWedding: TierBusiness,
	}
	for from, want := range cases {
		got, ok := from.Next()
		if !ok || got != want {
			t.Errorf("%s.Next() = %q, %v; want %q", from, got, ok, want)
		}
	}
	if _, ok := TierBusiness.Next(); ok {
		t.Error("business should have no upgrade suggestion")
	}
	if TierFree.Limits().Nudges != 3 {
		t.Errorf("free nudge limit = %d, want 3", TierFree.Limits().Nudges)
	}
	if TierBusiness.Limits().Guests != Unlimited {
		t.Error("business guests should be unlimited")
	}
	if Tier("bogus").Limits() != TierFree.Limits() {
		t.Error("unknown tier should fall back to free limits")
	}
}

func TestGuestFirstName(t *testing.T) {
	if got := (Guest{Name: "  Ada  Lovelace "}).FirstName(); got != "Ada" {
		t.Errorf("FirstName() = %q", got)
	}
	if got := (Guest{}).FirstName(); got != "" {
		t.Errorf("FirstName() of unnamed guest = %q", got)
	}
}

func TestErrorEnvelope(t *testing.T) {
	r := Error("boom")
	if r.Status != string(APIStatusError) || r.Error != "boom" {
		t.Errorf("unexpected error envelope: %+v", r)
	}
}
