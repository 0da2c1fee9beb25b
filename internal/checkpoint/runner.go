package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BTreeMap/Lockstep/internal/models"
	"github.com/BTreeMap/Lockstep/internal/store"
)

// DefaultClaimTTL is how long a runner's claim on a checkpoint blocks others.
// A runner that dies mid-evaluation leaves a claim that expires after this.
const DefaultClaimTTL = 10 * time.Minute

// CheckpointEvaluator evaluates one checkpoint. *Evaluator implements it.
type CheckpointEvaluator interface {
	Evaluate(ctx context.Context, cp models.Checkpoint, ev models.Event) (int, error)
}

// RunnerStore is the persistence the Runner needs.
type RunnerStore interface {
	store.CheckpointStore
	store.EventRepo
}

// Result summarises one Process call.
type Result struct {
	Processed  int `json:"processed"`
	NudgesSent int `json:"nudgesSent"`
}

// RunnerOpts holds configuration options for the Runner.
type RunnerOpts struct {
	ClaimTTL time.Duration
	Now      func() time.Time
}

// RunnerOption defines a configuration option for the Runner.
type RunnerOption func(*RunnerOpts)

// WithClaimTTL sets how long a claim is honoured before another runner may take over.
func WithClaimTTL(d time.Duration) RunnerOption {
	return func(o *RunnerOpts) { o.ClaimTTL = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RunnerOption {
	return func(o *RunnerOpts) { o.Now = now }
}

// Runner drives the Evaluator over due checkpoints, executing each at most once.
type Runner struct {
	store     RunnerStore
	evaluator CheckpointEvaluator
	claimTTL  time.Duration
	now       func() time.Time
	tracer    trace.Tracer
}

// NewRunner creates a Runner.
func NewRunner(st RunnerStore, evaluator CheckpointEvaluator, opts ...RunnerOption) *Runner {
	cfg := RunnerOpts{ClaimTTL: DefaultClaimTTL, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	return &Runner{store: st, evaluator: evaluator, claimTTL: cfg.ClaimTTL, now: cfg.Now, tracer: otel.Tracer(tracerName)}
}

// Process runs one bounded batch. With a targetID it runs exactly that
// checkpoint regardless of its trigger time; otherwise it runs every
// unexecuted checkpoint that is due. A failing checkpoint is logged and left
// for a later run without affecting the others. A missing messaging provider
// stops the batch: every remaining checkpoint would fail the same way.
func (r *Runner) Process(ctx context.Context, targetID string) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "checkpoint.process_batch")
	defer span.End()

	var candidates []models.Checkpoint
	if targetID != "" {
		span.SetAttributes(attribute.String("checkpoint.target", targetID))
		cp, err := r.store.GetCheckpoint(ctx, targetID)
		if err != nil {
			span.RecordError(err)
			return Result{}, fmt.Errorf("failed to load checkpoint %s: %w", targetID, err)
		}
		if cp == nil {
			slog.Warn("Runner.Process: checkpoint not found", "checkpointID", targetID)
			return Result{}, nil
		}
		candidates = []models.Checkpoint{*cp}
	} else {
		due, err := r.store.FindDueUnexecuted(ctx, r.now().UTC())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "find due checkpoints")
			return Result{}, fmt.Errorf("failed to find due checkpoints: %w", err)
		}
		candidates = due
	}

	var res Result
	for _, cp := range candidates {
		sent, executed, err := r.processOne(ctx, cp.ID)
		res.NudgesSent += sent
		if executed {
			res.Processed++
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "batch aborted")
			slog.Error("Runner.Process: batch aborted", "checkpointID", cp.ID, "processed", res.Processed, "error", err)
			return res, err
		}
	}
	span.SetAttributes(attribute.Int("checkpoints.candidates", len(candidates)),
		attribute.Int("checkpoints.processed", res.Processed), attribute.Int("nudges.sent", res.NudgesSent))
	slog.Info("Runner.Process: batch complete", "target", targetID, "candidates", len(candidates), "processed", res.Processed, "nudgesSent", res.NudgesSent)
	return res, nil
}

// processOne claims, evaluates and marks a single checkpoint. It returns the
// nudges sent and whether this call executed the checkpoint. The error is
// set only when the batch cannot continue.
func (r *Runner) processOne(ctx context.Context, id string) (int, bool, error) {
	ctx, span := r.tracer.Start(ctx, "checkpoint.process", trace.WithAttributes(attribute.String("checkpoint.id", id)))
	defer span.End()

	cp, err := r.store.GetCheckpoint(ctx, id)
	if err != nil {
		r.fail(span, "Runner.processOne: failed to reload checkpoint", id, err)
		return 0, false, nil
	}
	if cp == nil || cp.Executed {
		slog.Debug("Runner.processOne: checkpoint already executed", "checkpointID", id)
		return 0, false, nil
	}

	now := r.now().UTC()
	claimed, err := r.store.ClaimCheckpoint(ctx, id, now, now.Add(-r.claimTTL))
	if err != nil {
		r.fail(span, "Runner.processOne: failed to claim checkpoint", id, err)
		return 0, false, nil
	}
	if !claimed {
		slog.Debug("Runner.processOne: checkpoint claimed by another runner", "checkpointID", id)
		span.SetAttributes(attribute.Bool("checkpoint.skipped", true))
		return 0, false, nil
	}

	ev, err := r.store.GetEvent(ctx, cp.EventID)
	if err != nil {
		r.fail(span, "Runner.processOne: failed to load event", id, err)
		r.release(ctx, id)
		return 0, false, nil
	}
	if ev == nil {
		r.fail(span, "Runner.processOne: event not found", id, fmt.Errorf("%w: %s", models.ErrEventNotFound, cp.EventID))
		r.release(ctx, id)
		return 0, false, nil
	}

	sent, err := r.evaluator.Evaluate(ctx, *cp, *ev)
	if err != nil {
		r.fail(span, "Runner.processOne: evaluation failed", id, err)
		r.release(ctx, id)
		if errors.Is(err, models.ErrProviderNotConfigured) {
			return sent, false, err
		}
		return sent, false, nil
	}

	marked, err := r.store.MarkExecuted(context.WithoutCancel(ctx), id, r.now().UTC())
	if err != nil {
		r.fail(span, "Runner.processOne: failed to mark executed", id, err)
		r.release(ctx, id)
		return sent, false, nil
	}
	if !marked {
		slog.Warn("Runner.processOne: checkpoint executed concurrently", "checkpointID", id)
		return sent, false, nil
	}
	span.SetAttributes(attribute.Int("nudges.sent", sent))
	slog.Info("Runner.processOne: checkpoint executed", "checkpointID", id, "eventID", cp.EventID, "nudgesSent", sent)
	return sent, true, nil
}

func (r *Runner) release(ctx context.Context, id string) {
	if err := r.store.ReleaseCheckpoint(context.WithoutCancel(ctx), id); err != nil {
		slog.Error("Runner.release: failed to release checkpoint", "checkpointID", id, "error", err)
	}
}

func (r *Runner) fail(span trace.Span, msg, id string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	slog.Error(msg, "checkpointID", id, "error", err)
}
