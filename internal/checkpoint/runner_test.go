package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/Lockstep/internal/messaging"
	"github.com/BTreeMap/Lockstep/internal/models"
	"github.com/BTreeMap/Lockstep/internal/testutil"
)

func (f *fixture) runner(opts ...RunnerOption) *Runner {
	return NewRunner(f.st, f.evaluator(), opts...)
}

func (f *fixture) mustCheckpoint(t *testing.T, cp models.Checkpoint) models.Checkpoint {
	t.Helper()
	cp.EventID = f.event.ID
	if cp.TriggerAt.IsZero() {
		cp.TriggerAt = time.Now().Add(-time.Minute)
	}
	if err := f.st.CreateCheckpoint(context.Background(), &cp); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	return cp
}

func (f *fixture) loadCheckpoint(t *testing.T, id string) *models.Checkpoint {
	t.Helper()
	cp, err := f.st.GetCheckpoint(context.Background(), id)
	if err != nil || cp == nil {
		t.Fatalf("GetCheckpoint(%s) = %v, %v", id, cp, err)
	}
	return cp
}

func TestProcess_DueCheckpointExecuted(t *testing.T) {
	f := newFixture(t)
	b1 := testutil.MustAddBlock(t, f.st, f.event.ID, "Day 1")
	b2 := testutil.MustAddBlock(t, f.st, f.event.ID, "Day 2")
	g := testutil.MustAddGuest(t, f.st, f.event.ID, "Gus", "+15550001001")
	mustRespond(t, f.st, g.ID, b1.ID, models.RSVPMaybe)
	cp := f.mustCheckpoint(t, models.Checkpoint{ApplicableBlockIDs: []string{b1.ID, b2.ID}, AutoResolveTo: rsvp(models.RSVPOut)})

	res, err := f.runner().Process(context.Background(), "")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res != (Result{Processed: 1, NudgesSent: 1}) {
		t.Errorf("Process() = %+v, want {1 1}", res)
	}
	stored := f.loadCheckpoint(t, cp.ID)
	if !stored.Executed || stored.ExecutedAt == nil || stored.ClaimedAt != nil {
		t.Errorf("checkpoint after run = %+v", stored)
	}
	assertResponse(t, f.st, g.ID, b1.ID, models.RSVPMaybe)
	assertResponse(t, f.st, g.ID, b2.ID, models.RSVPOut)
	testutil.AssertGuestStatus(t, f.st, g.ID, models.GuestStatusResponded)
}

func TestProcess_ExactlyOnce(t *testing.T) {
	f := newFixture(t)
	testutil.MustAddGuest(t, f.st, f.event.ID, "Una", "+15550001002")
	cp := f.mustCheckpoint(t, models.Checkpoint{})
	r := f.runner()

	first, err := r.Process(context.Background(), "")
	if err != nil || first.Processed != 1 {
		t.Fatalf("first Process = %+v, %v", first, err)
	}
	second, err := r.Process(context.Background(), "")
	if err != nil || second != (Result{}) {
		t.Fatalf("second Process = %+v, %v; want zero", second, err)
	}
	targeted, err := r.Process(context.Background(), cp.ID)
	if err != nil || targeted != (Result{}) {
		t.Fatalf("targeted rerun = %+v, %v; want zero", targeted, err)
	}
	if f.mock.Count() != 1 {
		t.Errorf("provider calls = %d, want 1", f.mock.Count())
	}
}

func TestProcess_ConcurrentRunnersSendOnce(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		testutil.MustAddGuest(t, f.st, f.event.ID, fmt.Sprintf("Guest %d", i), fmt.Sprintf("+1555000%04d", 2000+i))
	}
	cp := f.mustCheckpoint(t, models.Checkpoint{})

	runners := []*Runner{f.runner(), NewRunner(f.st, NewEvaluator(f.st, messaging.NewGateway(f.st, messaging.Providers{models.ChannelSMS: f.mock})))}
	results := make([]Result, len(runners))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, r := range runners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := r.Process(context.Background(), cp.ID)
			if err != nil {
				t.Errorf("runner %d: %v", i, err)
			}
			results[i] = res
		}()
	}
	close(start)
	wg.Wait()

	testutil.AssertNudgeCount(t, f.st, f.event.ID, 10, "concurrent runners")
	if f.mock.Count() != 10 {
		t.Errorf("provider calls = %d, want 10", f.mock.Count())
	}
	if total := results[0].Processed + results[1].Processed; total != 1 {
		t.Errorf("processed across runners = %d, want 1", total)
	}
	if !f.loadCheckpoint(t, cp.ID).Executed {
		t.Error("checkpoint should be executed")
	}
}

func TestProcess_TargetIgnoresTriggerTime(t *testing.T) {
	f := newFixture(t)
	testutil.MustAddGuest(t, f.st, f.event.ID, "Fay", "+15550001003")
	cp := f.mustCheckpoint(t, models.Checkpoint{TriggerAt: time.Now().Add(24 * time.Hour)})
	r := f.runner()

	res, err := r.Process(context.Background(), "")
	if err != nil || res != (Result{}) {
		t.Fatalf("scan before trigger = %+v, %v; want zero", res, err)
	}
	res, err = r.Process(context.Background(), cp.ID)
	if err != nil || res != (Result{Processed: 1, NudgesSent: 1}) {
		t.Fatalf("targeted = %+v, %v; want {1 1}", res, err)
	}
}

func TestProcess_TargetNotFound(t *testing.T) {
	f := newFixture(t)
	res, err := f.runner().Process(context.Background(), "no-such-checkpoint")
	if err != nil || res != (Result{}) {
		t.Errorf("Process = %+v, %v; want zero result", res, err)
	}
}

func TestProcess_NoDueCheckpoints(t *testing.T) {
	f := newFixture(t)
	res, err := f.runner().Process(context.Background(), "")
	if err != nil || res != (Result{}) {
		t.Errorf("Process = %+v, %v; want zero result", res, err)
	}
}

func TestProcess_MissingEventSkipped(t *testing.T) {
	f := newFixture(t)
	orphan := models.Checkpoint{EventID: "deleted-event", TriggerAt: time.Now().Add(-time.Minute)}
	if err := f.st.CreateCheckpoint(context.Background(), &orphan); err != nil {
		t.Fatal(err)
	}
	testutil.MustAddGuest(t, f.st, f.event.ID, "Ivy", "+15550001004")
	healthy := f.mustCheckpoint(t, models.Checkpoint{})

	res, err := f.runner().Process(context.Background(), "")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res != (Result{Processed: 1, NudgesSent: 1}) {
		t.Errorf("Process() = %+v, want {1 1}", res)
	}
	stored := f.loadCheckpoint(t, orphan.ID)
	if stored.Executed || stored.ClaimedAt != nil {
		t.Errorf("orphan checkpoint should stay unexecuted and unclaimed: %+v", stored)
	}
	if !f.loadCheckpoint(t, healthy.ID).Executed {
		t.Error("healthy checkpoint should be executed")
	}
}

// scriptedEvaluator fails for the checkpoints listed in failFor.
type scriptedEvaluator struct {
	mu      sync.Mutex
	failFor map[string]bool
	calls   int
}

func (s *scriptedEvaluator) Evaluate(ctx context.Context, cp models.Checkpoint, ev models.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failFor[cp.ID] {
		return 0, errors.New("store unavailable")
	}
	return 2, nil
}

func TestProcess_EvaluationFailureReleasesClaim(t *testing.T) {
	f := newFixture(t)
	bad := f.mustCheckpoint(t, models.Checkpoint{ID: "cp-bad"})
	f.mustCheckpoint(t, models.Checkpoint{ID: "cp-good"})
	eval := &scriptedEvaluator{failFor: map[string]bool{bad.ID: true}}
	r := NewRunner(f.st, eval)

	res, err := r.Process(context.Background(), "")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res != (Result{Processed: 1, NudgesSent: 2}) {
		t.Errorf("Process() = %+v, want {1 2}", res)
	}
	stored := f.loadCheckpoint(t, bad.ID)
	if stored.Executed || stored.ClaimedAt != nil {
		t.Errorf("failed checkpoint = %+v, want unexecuted and released", stored)
	}

	delete(eval.failFor, bad.ID)
	res, err = r.Process(context.Background(), "")
	if err != nil || res.Processed != 1 {
		t.Errorf("retry = %+v, %v; want the failed checkpoint processed", res, err)
	}
}

func TestProcess_ClaimLease(t *testing.T) {
	f := newFixture(t)
	cp := f.mustCheckpoint(t, models.Checkpoint{})
	now := time.Now().UTC()
	if ok, err := f.st.ClaimCheckpoint(context.Background(), cp.ID, now, now.Add(-time.Minute)); err != nil || !ok {
		t.Fatalf("ClaimCheckpoint = %v, %v", ok, err)
	}
	eval := &scriptedEvaluator{failFor: map[string]bool{}}

	held := NewRunner(f.st, eval, WithClaimTTL(10*time.Minute))
	if res, _ := held.Process(context.Background(), ""); res.Processed != 0 || eval.calls != 0 {
		t.Fatalf("live claim should block: %+v, calls %d", res, eval.calls)
	}

	later := NewRunner(f.st, eval, WithClaimTTL(10*time.Minute), WithClock(func() time.Time { return now.Add(time.Hour) }))
	if res, _ := later.Process(context.Background(), ""); res.Processed != 1 {
		t.Fatalf("stale claim should be taken over: %+v", res)
	}
}

func TestProcess_StopExcludesUntilStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	g := testutil.MustAddGuest(t, f.st, f.event.ID, "Sam", "+15550001005")
	inbound := messaging.NewInboundHandler(f.st)

	if _, changed, err := inbound.HandleInbound(ctx, "+15550001005", "STOP"); err != nil || changed != 1 {
		t.Fatalf("STOP = %d, %v", changed, err)
	}
	stopped := testutil.AssertGuestStatus(t, f.st, g.ID, models.GuestStatusOptedOut)
	if stopped.OptedOutAt == nil {
		t.Error("opted_out_at should be set")
	}

	first := f.mustCheckpoint(t, models.Checkpoint{ID: "cp-stop"})
	res, err := f.runner().Process(ctx, first.ID)
	if err != nil || res != (Result{Processed: 1}) {
		t.Fatalf("run while opted out = %+v, %v; want {1 0}", res, err)
	}
	testutil.AssertNudgeCount(t, f.st, f.event.ID, 0, "opted out")

	if _, changed, err := inbound.HandleInbound(ctx, "whatsapp:+15550001005", " start "); err != nil || changed != 1 {
		t.Fatalf("START = %d, %v", changed, err)
	}
	restored := testutil.AssertGuestStatus(t, f.st, g.ID, models.GuestStatusPending)
	if restored.OptedOutAt != nil {
		t.Error("opted_out_at should be cleared")
	}

	second := f.mustCheckpoint(t, models.Checkpoint{ID: "cp-start"})
	res, err = f.runner().Process(ctx, second.ID)
	if err != nil || res != (Result{Processed: 1, NudgesSent: 1}) {
		t.Fatalf("run after START = %+v, %v; want {1 1}", res, err)
	}
}

func TestProcess_NoProviderAbortsBatch(t *testing.T) {
	f := newFixture(t)
	b := testutil.MustAddBlock(t, f.st, f.event.ID, "Picnic")
	g := testutil.MustAddGuest(t, f.st, f.event.ID, "Kit", "+15550005001")
	first := f.mustCheckpoint(t, models.Checkpoint{ID: "cp-1", ApplicableBlockIDs: []string{b.ID}, AutoResolveTo: rsvp(models.RSVPOut)})
	second := f.mustCheckpoint(t, models.Checkpoint{ID: "cp-2"})
	r := NewRunner(f.st, NewEvaluator(f.st, messaging.NewGateway(f.st, messaging.Providers{})))

	res, err := r.Process(context.Background(), "")
	if !errors.Is(err, models.ErrProviderNotConfigured) {
		t.Fatalf("Process error = %v, want ErrProviderNotConfigured", err)
	}
	if res != (Result{}) {
		t.Errorf("Process() = %+v, want zero", res)
	}
	for _, id := range []string{first.ID, second.ID} {
		if stored := f.loadCheckpoint(t, id); stored.Executed || stored.ClaimedAt != nil {
			t.Errorf("checkpoint %s = %+v, want unexecuted and unclaimed", id, stored)
		}
	}
	assertResponse(t, f.st, g.ID, b.ID, "")
	testutil.AssertGuestStatus(t, f.st, g.ID, models.GuestStatusPending)

	// Once SMS is configured the same checkpoints run normally.
	res, err = f.runner().Process(context.Background(), "")
	if err != nil || res.Processed != 2 || res.NudgesSent == 0 {
		t.Errorf("after configuring SMS: %+v, %v; want both processed", res, err)
	}
}
