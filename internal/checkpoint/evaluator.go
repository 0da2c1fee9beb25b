// Package checkpoint runs due checkpoints: it finds guests who still owe a
// response, nudges them through the messaging gateway and optionally fills in
// unanswered blocks with a default RSVP.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/Lockstep/internal/messaging"
	"github.com/BTreeMap/Lockstep/internal/models"
	"github.com/BTreeMap/Lockstep/internal/store"
)

const tracerName = "github.com/BTreeMap/Lockstep/internal/checkpoint"

// Evaluator defaults.
const (
	DefaultConcurrency      = 4
	DefaultOperationTimeout = 15 * time.Second
)

const defaultReminder = "friendly reminder to RSVP for {event}."

// Sender delivers a nudge. *messaging.Gateway implements it.
type Sender interface {
	Send(ctx context.Context, req messaging.SendRequest) (messaging.SendResult, error)
}

// EvaluatorStore is the persistence the Evaluator reads and writes.
type EvaluatorStore interface {
	store.GuestDirectory
	store.ScheduleStore
}

// EvaluatorOpts holds configuration options for the Evaluator.
type EvaluatorOpts struct {
	Concurrency      int
	OperationTimeout time.Duration
	PublicBaseURL    string
}

// EvaluatorOption defines a configuration option for the Evaluator.
type EvaluatorOption func(*EvaluatorOpts)

// WithConcurrency bounds how many guests are processed at once.
func WithConcurrency(n int) EvaluatorOption {
	return func(o *EvaluatorOpts) { o.Concurrency = n }
}

// WithOperationTimeout bounds the work done for a single guest.
func WithOperationTimeout(d time.Duration) EvaluatorOption {
	return func(o *EvaluatorOpts) { o.OperationTimeout = d }
}

// WithPublicBaseURL appends each guest's RSVP link to their nudge.
func WithPublicBaseURL(u string) EvaluatorOption {
	return func(o *EvaluatorOpts) { o.PublicBaseURL = strings.TrimRight(u, "/") }
}

// Evaluator decides which guests a checkpoint nudges and auto-resolves.
type Evaluator struct {
	store  EvaluatorStore
	sender Sender
	opts   EvaluatorOpts
	tracer trace.Tracer
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(st EvaluatorStore, sender Sender, opts ...EvaluatorOption) *Evaluator {
	cfg := EvaluatorOpts{Concurrency: DefaultConcurrency, OperationTimeout: DefaultOperationTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Evaluator{store: st, sender: sender, opts: cfg, tracer: otel.Tracer(tracerName)}
}

// Evaluate nudges every reachable guest who has not satisfied cp and returns
// how many new nudges went out. Per-guest failures are logged and skipped. A
// failure to list the guests or a missing SMS provider fails the evaluation;
// the latter stops the remaining guests before anything is auto-resolved.
func (e *Evaluator) Evaluate(ctx context.Context, cp models.Checkpoint, ev models.Event) (int, error) {
	ctx, span := e.tracer.Start(ctx, "checkpoint.evaluate",
		trace.WithAttributes(attribute.String("checkpoint.id", cp.ID), attribute.String("event.id", ev.ID)))
	defer span.End()

	guests, err := e.store.ListGuests(ctx, ev.ID, models.GuestStatusOptedOut)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list guests")
		return 0, fmt.Errorf("failed to list guests for event %s: %w", ev.ID, err)
	}

	policy := cp.Policy()
	var sent atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	reachable := 0
	for _, guest := range guests {
		if !guest.HasPhone() {
			continue
		}
		reachable++
		g.Go(func() error {
			fresh, err := e.processGuest(gctx, cp, ev, guest, policy)
			if fresh {
				sent.Add(1)
			}
			return err
		})
	}
	err = g.Wait()

	n := int(sent.Load())
	span.SetAttributes(attribute.Int("guests.reachable", reachable), attribute.Int("nudges.sent", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "messaging not configured")
		return n, fmt.Errorf("checkpoint %s: %w", cp.ID, err)
	}
	slog.Info("Evaluator.Evaluate: checkpoint evaluated", "checkpointID", cp.ID, "eventID", ev.ID, "guests", len(guests), "reachable", reachable, "nudgesSent", n)
	return n, nil
}

// processGuest handles one guest and reports whether a fresh nudge was sent.
// The only error it returns is a missing provider, which no other guest can
// get past either.
func (e *Evaluator) processGuest(ctx context.Context, cp models.Checkpoint, ev models.Event, guest models.Guest, policy models.CompletionPolicy) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	opCtx, cancel := e.withTimeout(ctx)
	missing, err := e.isMissing(opCtx, policy, guest)
	if err != nil {
		cancel()
		slog.Warn("Evaluator.Evaluate: failed to check completion", "checkpointID", cp.ID, "guestID", guest.ID, "error", err)
		return false, nil
	}
	if !missing {
		cancel()
		return false, nil
	}

	fresh := false
	res, err := e.sender.Send(opCtx, messaging.SendRequest{
		EventID:      ev.ID,
		GuestID:      guest.ID,
		CheckpointID: cp.ID,
		Channel:      models.ChannelSMS,
		Message:      e.composeMessage(cp, ev, guest),
	})
	cancel()
	switch {
	case errors.Is(err, models.ErrProviderNotConfigured):
		slog.Error("Evaluator.Evaluate: no provider for nudges", "checkpointID", cp.ID, "channel", models.ChannelSMS, "error", err)
		return false, err
	case err != nil:
		slog.Warn("Evaluator.Evaluate: nudge failed", "checkpointID", cp.ID, "guestID", guest.ID, "error", err)
	case res.AlreadySent:
		slog.Debug("Evaluator.Evaluate: nudge already sent", "checkpointID", cp.ID, "guestID", guest.ID, "nudgeID", res.NudgeID)
	default:
		fresh = true
	}

	if cp.AutoResolves() && ctx.Err() == nil {
		resolveCtx, cancel := e.withTimeout(ctx)
		defer cancel()
		if err := e.autoResolve(resolveCtx, cp, guest); err != nil {
			slog.Warn("Evaluator.Evaluate: auto-resolve failed", "checkpointID", cp.ID, "guestID", guest.ID, "error", err)
		}
	}
	return fresh, nil
}

func (e *Evaluator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.opts.OperationTimeout)
}

// isMissing reports whether guest still owes something under policy.
func (e *Evaluator) isMissing(ctx context.Context, policy models.CompletionPolicy, guest models.Guest) (bool, error) {
	switch p := policy.(type) {
	case models.RequiresAnswers:
		answered, err := e.store.ListAnsweredQuestionIDs(ctx, guest.ID, p.QuestionIDs)
		if err != nil {
			return false, err
		}
		return !coversAll(answered, p.QuestionIDs), nil
	case models.RequiresBlockResponses:
		responded, err := e.store.ListRespondedBlockIDs(ctx, guest.ID, p.BlockIDs)
		if err != nil {
			return false, err
		}
		return !coversAll(responded, p.BlockIDs), nil
	case models.PendingOnly:
		return guest.Status == models.GuestStatusPending, nil
	default:
		return false, fmt.Errorf("unknown completion policy %T", policy)
	}
}

func coversAll(have map[string]bool, ids []string) bool {
	for _, id := range ids {
		if !have[id] {
			return false
		}
	}
	return true
}

// autoResolve fills every applicable block the guest left empty, then moves
// the guest from pending to responded. Existing responses are never touched.
func (e *Evaluator) autoResolve(ctx context.Context, cp models.Checkpoint, guest models.Guest) error {
	value := *cp.AutoResolveTo
	inserted := 0
	for _, blockID := range cp.ApplicableBlockIDs {
		ok, err := e.store.InsertResponseIfAbsent(ctx, guest.ID, blockID, value)
		if err != nil {
			return fmt.Errorf("failed to auto-resolve block %s: %w", blockID, err)
		}
		if ok {
			inserted++
		}
	}
	changed, err := e.store.UpdateGuestStatus(ctx, guest.ID, models.GuestStatusResponded, models.GuestStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark guest responded: %w", err)
	}
	slog.Debug("Evaluator.autoResolve", "guestID", guest.ID, "value", value, "inserted", inserted, "statusChanged", changed)
	return nil
}

// composeMessage builds "Hi <first name>, <body>" with {name}, {event} and
// {link} substituted. When a public base URL is set and the body has no
// {link}, the RSVP link is appended.
func (e *Evaluator) composeMessage(cp models.Checkpoint, ev models.Event, guest models.Guest) string {
	body := strings.TrimSpace(cp.Message)
	if body == "" {
		body = defaultReminder
	}
	link := e.rsvpLink(guest)
	first := guest.FirstName()
	title := ev.Title
	if title == "" {
		title = "your event"
	}
	r := strings.NewReplacer("{name}", first, "{event}", title, "{link}", link)
	msg := r.Replace(body)

	salutation := "Hi,"
	if first != "" {
		salutation = "Hi " + first + ","
	}
	msg = salutation + " " + msg
	if link != "" && !strings.Contains(body, "{link}") {
		msg += " " + link
	}
	return msg
}

func (e *Evaluator) rsvpLink(guest models.Guest) string {
	if e.opts.PublicBaseURL == "" || guest.MagicToken == "" {
		return ""
	}
	return e.opts.PublicBaseURL + "/rsvp/" + guest.MagicToken
}
