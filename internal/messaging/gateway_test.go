package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/Lockstep/internal/models"
	"github.com/BTreeMap/Lockstep/internal/store"
	"github.com/BTreeMap/Lockstep/internal/testutil"
	"github.com/BTreeMap/Lockstep/internal/twilioclient"
)

type gatewayFixture struct {
	st    *store.InMemoryStore
	sms   *twilioclient.MockClient
	gw    *Gateway
	event models.Event
	guest models.Guest
}

func newGatewayFixture(t *testing.T, opts ...GatewayOption) *gatewayFixture {
	t.Helper()
	st := store.NewInMemoryStore()
	sms := twilioclient.NewMockClient()
	e := testutil.MustCreateEvent(t, st, "owner", "Cabin Weekend")
	g := testutil.MustAddGuest(t, st, e.ID, "Ada Lovelace", "+1 (555) 123-4567")
	return &gatewayFixture{
		st:    st,
		sms:   sms,
		gw:    NewGateway(st, Providers{models.ChannelSMS: sms}, opts...),
		event: e,
		guest: g,
	}
}

func (f *gatewayFixture) request() SendRequest {
	return SendRequest{EventID: f.event.ID, GuestID: f.guest.ID, Channel: models.ChannelSMS, Message: "Hi Ada, please RSVP"}
}

func TestGateway_SendRecordsNudge(t *testing.T) {
	f := newGatewayFixture(t)
	res, err := f.gw.Send(context.Background(), f.request())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.NudgeID == "" || res.ExternalID == "" || res.AlreadySent {
		t.Errorf("unexpected result %+v", res)
	}
	sent := f.sms.Sent()
	if len(sent) != 1 || sent[0].To != "+15551234567" {
		t.Fatalf("provider calls = %+v", sent)
	}
	nudges := testutil.AssertNudgeCount(t, f.st, f.event.ID, 1, "after send")
	n := nudges[0]
	if n.Status != models.NudgeStatusSent || n.ExternalID != res.ExternalID || n.CheckpointID != "" {
		t.Errorf("stored nudge = %+v", n)
	}
	if want := f.event.ID + ":manual:" + f.guest.ID + ":sms"; n.IdempotencyKey != want {
		t.Errorf("key = %q, want %q", n.IdempotencyKey, want)
	}
}

func TestGateway_IdempotentSecondSend(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	first, err := f.gw.Send(ctx, f.request())
	if err != nil {
		t.Fatalf("first Send: %v", err)
	}
	second, err := f.gw.Send(ctx, f.request())
	if err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if !second.AlreadySent || second.NudgeID != first.NudgeID {
		t.Errorf("second = %+v, want AlreadySent with id %s", second, first.NudgeID)
	}
	if f.sms.Count() != 1 {
		t.Errorf("provider calls = %d, want 1", f.sms.Count())
	}
	testutil.AssertNudgeCount(t, f.st, f.event.ID, 1, "after duplicate")
}

func TestGateway_ConcurrentSendsDispatchOnce(t *testing.T) {
	f := newGatewayFixture(t)
	var wg sync.WaitGroup
	ids := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.gw.Send(context.Background(), f.request())
			if err != nil {
				t.Errorf("Send: %v", err)
				return
			}
			ids <- res.NudgeID
		}()
	}
	wg.Wait()
	close(ids)
	distinct := map[string]bool{}
	for id := range ids {
		distinct[id] = true
	}
	if len(distinct) != 1 {
		t.Errorf("distinct nudge ids = %d, want 1", len(distinct))
	}
	if f.sms.Count() != 1 {
		t.Errorf("provider calls = %d, want 1", f.sms.Count())
	}
}

func TestGateway_CheckpointScopedKeysAreIndependent(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	req := f.request()
	if _, err := f.gw.Send(ctx, req); err != nil {
		t.Fatalf("manual Send: %v", err)
	}
	req.CheckpointID = "cp-1"
	res, err := f.gw.Send(ctx, req)
	if err != nil || res.AlreadySent {
		t.Fatalf("checkpoint Send = %+v, %v", res, err)
	}
	if f.sms.Count() != 2 {
		t.Errorf("provider calls = %d, want 2", f.sms.Count())
	}
}

func TestGateway_ValidationWritesNothing(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	optedOut := testutil.MustAddGuest(t, f.st, f.event.ID, "Opted", "+15557654321")
	if _, err := f.st.UpdateGuestStatus(ctx, optedOut.ID, models.GuestStatusOptedOut); err != nil {
		t.Fatal(err)
	}
	noPhone := testutil.MustAddGuest(t, f.st, f.event.ID, "Nophone", "")
	badPhone := testutil.MustAddGuest(t, f.st, f.event.ID, "Badphone", "555")

	tests := []struct {
		name    string
		mutate  func(r *SendRequest)
		wantErr error
	}{
		{"guest not found", func(r *SendRequest) { r.GuestID = "missing" }, models.ErrGuestNotFound},
		{"opted out", func(r *SendRequest) { r.GuestID = optedOut.ID }, models.ErrGuestOptedOut},
		{"no phone", func(r *SendRequest) { r.GuestID = noPhone.ID }, models.ErrGuestNoPhone},
		{"invalid phone", func(r *SendRequest) { r.GuestID = badPhone.ID }, models.ErrInvalidPhone},
		{"unsupported channel", func(r *SendRequest) { r.Channel = "email" }, models.ErrUnsupportedChannel},
		{"empty message", func(r *SendRequest) { r.Message = "  " }, models.ErrEmptyMessage},
		{"channel without provider", func(r *SendRequest) { r.Channel = models.ChannelWhatsApp }, models.ErrProviderNotConfigured},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.request()
			tt.mutate(&req)
			if _, err := f.gw.Send(ctx, req); !errors.Is(err, tt.wantErr) {
				t.Errorf("Send error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	testutil.AssertNudgeCount(t, f.st, f.event.ID, 0, "after rejected sends")
	if f.sms.Count() != 0 {
		t.Errorf("provider calls = %d, want 0", f.sms.Count())
	}
}

func TestGateway_WhatsAppRecipient(t *testing.T) {
	f := newGatewayFixture(t)
	wa := twilioclient.NewMockClient()
	f.gw = NewGateway(f.st, Providers{models.ChannelSMS: f.sms, models.ChannelWhatsApp: wa})
	req := f.request()
	req.Channel = models.ChannelWhatsApp
	if _, err := f.gw.Send(context.Background(), req); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent := wa.Sent(); len(sent) != 1 || sent[0].To != "whatsapp:+15551234567" {
		t.Errorf("whatsapp provider calls = %+v", sent)
	}
	if f.sms.Count() != 0 {
		t.Error("SMS provider must not be used for WhatsApp")
	}
}

func TestGateway_ProviderFailureThenRetry(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	fail := true
	f.sms.SendFunc = func(ctx context.Context, to, body string) (string, error) {
		if fail {
			return "", errors.New("carrier unavailable")
		}
		return "SM-retry", nil
	}

	res, err := f.gw.Send(ctx, f.request())
	if !errors.Is(err, models.ErrProviderFailed) {
		t.Fatalf("Send error = %v, want ErrProviderFailed", err)
	}
	if res.NudgeID == "" {
		t.Fatal("failed send should still return the nudge id")
	}
	n, _ := f.st.GetNudge(ctx, res.NudgeID)
	if n.Status != models.NudgeStatusFailed || !strings.Contains(n.ErrorMessage, "carrier unavailable") {
		t.Errorf("failed nudge = %+v", n)
	}

	// A plain resend short-circuits on the failed row.
	again, err := f.gw.Send(ctx, f.request())
	if err != nil || !again.AlreadySent || again.NudgeID != res.NudgeID {
		t.Errorf("resend = %+v, %v", again, err)
	}

	fail = false
	req := f.request()
	req.RetryFailed = true
	retried, err := f.gw.Send(ctx, req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.NudgeID != res.NudgeID || retried.ExternalID != "SM-retry" {
		t.Errorf("retry = %+v", retried)
	}
	testutil.AssertNudgeCount(t, f.st, f.event.ID, 1, "after retry")
	n, _ = f.st.GetNudge(ctx, res.NudgeID)
	if n.Status != models.NudgeStatusSent || n.ErrorMessage != "" {
		t.Errorf("retried nudge = %+v", n)
	}

	// Retrying a sent nudge is a no-op.
	once, err := f.gw.Send(ctx, req)
	if err != nil || !once.AlreadySent {
		t.Errorf("retry of sent nudge = %+v, %v", once, err)
	}
}

func TestGateway_ProviderTimeout(t *testing.T) {
	f := newGatewayFixture(t, WithSendTimeout(50*time.Millisecond))
	release := make(chan struct{})
	defer close(release)
	var calls atomic.Int32
	f.sms.SendFunc = func(ctx context.Context, to, body string) (string, error) {
		calls.Add(1)
		<-release
		return "late", nil
	}

	start := time.Now()
	res, err := f.gw.Send(context.Background(), f.request())
	if !errors.Is(err, models.ErrProviderFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send error = %v, want provider failure from deadline", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Send took %v, want it bounded by the timeout", elapsed)
	}
	n, _ := f.st.GetNudge(context.Background(), res.NudgeID)
	if n == nil || n.Status != models.NudgeStatusUnconfirmed || res.Status != models.NudgeStatusUnconfirmed {
		t.Errorf("timed-out nudge = %+v, result = %+v", n, res)
	}

	// The provider may still deliver, so an explicit retry must not send again.
	req := f.request()
	req.RetryFailed = true
	again, err := f.gw.Send(context.Background(), req)
	if err != nil || !again.AlreadySent || again.Status != models.NudgeStatusUnconfirmed {
		t.Errorf("retry of unconfirmed nudge = %+v, %v", again, err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
}

func TestGateway_StaleSendingReopened(t *testing.T) {
	f := newGatewayFixture(t, WithSendTimeout(20*time.Millisecond))
	ctx := context.Background()
	req := f.request()
	key := models.IdempotencyKey(req.EventID, req.CheckpointID, req.GuestID, req.Channel)

	// A sender that reserved the key and died before calling the provider.
	orphan := &models.Nudge{EventID: req.EventID, GuestID: req.GuestID, Channel: req.Channel, IdempotencyKey: key, Message: req.Message}
	id, reserved, err := f.st.ReserveNudge(ctx, orphan)
	if err != nil || !reserved {
		t.Fatalf("ReserveNudge = %v, %v", reserved, err)
	}

	inFlight, err := f.gw.Send(ctx, req)
	if err != nil || !inFlight.AlreadySent || inFlight.Status != models.NudgeStatusSending {
		t.Fatalf("send during reservation = %+v, %v; want in-flight short-circuit", inFlight, err)
	}
	if f.sms.Count() != 0 {
		t.Fatalf("provider called while the reservation was fresh")
	}

	time.Sleep(100 * time.Millisecond)
	res, err := f.gw.Send(ctx, req)
	if err != nil {
		t.Fatalf("Send after stale reservation: %v", err)
	}
	if res.AlreadySent || res.NudgeID != id || res.Status != models.NudgeStatusSent {
		t.Errorf("Send = %+v, want the orphaned row dispatched", res)
	}
	if f.sms.Count() != 1 {
		t.Errorf("provider calls = %d, want 1", f.sms.Count())
	}
	testutil.AssertNudgeCount(t, f.st, f.event.ID, 1, "after reopening")
}

func TestIsValidationError(t *testing.T) {
	if !IsValidationError(models.ErrGuestOptedOut) || !IsValidationError(models.ErrInvalidPhone) {
		t.Error("opt-out and invalid phone are validation errors")
	}
	if IsValidationError(models.ErrGuestNotFound) || IsValidationError(models.ErrProviderFailed) {
		t.Error("not-found and provider failures are not validation errors")
	}
}
