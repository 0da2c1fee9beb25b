package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/Lockstep/internal/models"
	"github.com/BTreeMap/Lockstep/internal/store"
)

// DefaultSendTimeout bounds a single provider call.
const DefaultSendTimeout = 20 * time.Second

// staleSendingFactor times the send timeout is how long a sending row may sit
// before it is taken to belong to a sender that died mid-call.
const staleSendingFactor = 2

// errAbandoned marks a provider call that was still running when the send
// timeout or the caller gave up.
var errAbandoned = errors.New("provider call abandoned")

// GatewayStore is the persistence the Gateway needs.
type GatewayStore interface {
	store.GuestDirectory
	store.NudgeRepo
}

// SendRequest describes one logical nudge occasion.
type SendRequest struct {
	EventID      string
	GuestID      string
	CheckpointID string // empty for organiser-initiated sends
	Channel      models.Channel
	Message      string

	// RetryFailed re-dispatches when the existing nudge for the key failed.
	// The same row is reused, so the key stays unique. Unconfirmed nudges are
	// never retried.
	RetryFailed bool
}

// SendResult reports the nudge row backing a send.
type SendResult struct {
	NudgeID     string
	ExternalID  string
	Status      models.NudgeStatus
	AlreadySent bool // an earlier attempt owns the key; nothing was dispatched
}

// GatewayOpts holds configuration options for the Gateway.
type GatewayOpts struct {
	SendTimeout time.Duration
}

// GatewayOption defines a configuration option for the Gateway.
type GatewayOption func(*GatewayOpts)

// WithSendTimeout bounds each provider call.
func WithSendTimeout(d time.Duration) GatewayOption {
	return func(o *GatewayOpts) { o.SendTimeout = d }
}

// Gateway sends nudges with opt-out suppression and idempotency.
type Gateway struct {
	store       GatewayStore
	providers   Providers
	sendTimeout time.Duration
}

// NewGateway builds a Gateway over st with one provider per channel.
func NewGateway(st GatewayStore, providers Providers, opts ...GatewayOption) *Gateway {
	cfg := GatewayOpts{SendTimeout: DefaultSendTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if providers == nil {
		providers = Providers{}
	}
	return &Gateway{store: st, providers: providers, sendTimeout: cfg.SendTimeout}
}

// HasProvider reports whether channel is configured.
func (g *Gateway) HasProvider(channel models.Channel) bool {
	return g.providers[channel] != nil
}

// Send delivers req.Message to the guest unless the idempotency key was
// already used. Validation failures return a sentinel from models and write
// nothing. A provider failure is recorded as a failed nudge and returned as
// models.ErrProviderFailed together with the nudge id.
func (g *Gateway) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if !models.IsValidChannel(req.Channel) {
		return SendResult{}, models.ErrUnsupportedChannel
	}
	if strings.TrimSpace(req.Message) == "" {
		return SendResult{}, models.ErrEmptyMessage
	}
	key := models.IdempotencyKey(req.EventID, req.CheckpointID, req.GuestID, req.Channel)

	existing, err := g.store.GetNudgeByKey(ctx, key)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to look up nudge %s: %w", key, err)
	}
	retrying := false
	if existing != nil {
		if !g.reopenable(req, existing) {
			slog.Debug("Gateway.Send: idempotency hit", "key", key, "nudgeID", existing.ID, "status", existing.Status)
			return alreadySent(existing), nil
		}
		retrying = true
	}

	guest, err := g.store.GetGuest(ctx, req.GuestID)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to load guest %s: %w", req.GuestID, err)
	}
	if guest == nil {
		return SendResult{}, models.ErrGuestNotFound
	}
	if guest.Status == models.GuestStatusOptedOut {
		return SendResult{}, models.ErrGuestOptedOut
	}
	if !guest.HasPhone() {
		return SendResult{}, models.ErrGuestNoPhone
	}
	to, err := FormatRecipient(guest.Phone, req.Channel)
	if err != nil {
		return SendResult{}, err
	}
	provider := g.providers[req.Channel]
	if provider == nil {
		return SendResult{}, fmt.Errorf("%w: no provider for channel %s", models.ErrProviderNotConfigured, req.Channel)
	}

	nudgeID, err := g.reserve(ctx, req, key, existing, retrying)
	if err != nil {
		return SendResult{}, err
	}
	if nudgeID == "" {
		// Lost the race to a concurrent sender.
		winner, err := g.store.GetNudgeByKey(ctx, key)
		if err != nil {
			return SendResult{}, fmt.Errorf("failed to load nudge %s after conflict: %w", key, err)
		}
		if winner == nil {
			return SendResult{}, fmt.Errorf("nudge %s vanished after conflict", key)
		}
		return alreadySent(winner), nil
	}

	externalID, sendErr := g.dispatch(ctx, provider, to, req.Message)
	// Record the outcome even if ctx was cancelled mid-send.
	recordCtx := context.WithoutCancel(ctx)
	if sendErr != nil {
		status := models.NudgeStatusFailed
		if errors.Is(sendErr, errAbandoned) {
			status = models.NudgeStatusUnconfirmed
		}
		if err := g.store.CompleteNudge(recordCtx, nudgeID, status, "", sendErr.Error()); err != nil {
			slog.Error("Gateway.Send: failed to record failed nudge", "nudgeID", nudgeID, "status", status, "error", err)
		}
		slog.Warn("Gateway.Send: provider failed", "nudgeID", nudgeID, "guestID", req.GuestID, "channel", req.Channel, "status", status, "error", sendErr)
		return SendResult{NudgeID: nudgeID, Status: status}, fmt.Errorf("%w: %w", models.ErrProviderFailed, sendErr)
	}
	if err := g.store.CompleteNudge(recordCtx, nudgeID, models.NudgeStatusSent, externalID, ""); err != nil {
		return SendResult{NudgeID: nudgeID, ExternalID: externalID, Status: models.NudgeStatusSent}, fmt.Errorf("failed to record sent nudge %s: %w", nudgeID, err)
	}
	slog.Info("Gateway.Send: nudge sent", "nudgeID", nudgeID, "guestID", req.GuestID, "channel", req.Channel, "externalID", externalID)
	return SendResult{NudgeID: nudgeID, ExternalID: externalID, Status: models.NudgeStatusSent}, nil
}

// reopenable reports whether an existing nudge for the key may be dispatched
// again. A stale sending row is reopened for any caller; a failed row only on
// an explicit retry.
func (g *Gateway) reopenable(req SendRequest, existing *models.Nudge) bool {
	switch existing.Status {
	case models.NudgeStatusSending:
		return existing.UpdatedAt.Before(g.staleBefore())
	case models.NudgeStatusFailed:
		return req.RetryFailed
	default:
		return false
	}
}

// staleBefore is the cut-off for sending rows whose sender is presumed dead.
func (g *Gateway) staleBefore() time.Time {
	timeout := g.sendTimeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return time.Now().Add(-staleSendingFactor * timeout)
}

func alreadySent(n *models.Nudge) SendResult {
	return SendResult{NudgeID: n.ID, ExternalID: n.ExternalID, Status: n.Status, AlreadySent: true}
}

// reserve claims the key for this call. It returns "" when another sender
// already holds it.
func (g *Gateway) reserve(ctx context.Context, req SendRequest, key string, existing *models.Nudge, retrying bool) (string, error) {
	if retrying {
		ok, err := g.store.RetryFailedNudge(ctx, existing.ID, req.Message, g.staleBefore())
		if err != nil {
			return "", fmt.Errorf("failed to reopen nudge %s: %w", existing.ID, err)
		}
		if !ok {
			return "", nil
		}
		slog.Debug("Gateway.Send: reopening nudge", "nudgeID", existing.ID, "previousStatus", existing.Status)
		return existing.ID, nil
	}
	n := &models.Nudge{
		EventID:        req.EventID,
		GuestID:        req.GuestID,
		CheckpointID:   req.CheckpointID,
		Channel:        req.Channel,
		IdempotencyKey: key,
		Message:        req.Message,
	}
	id, reserved, err := g.store.ReserveNudge(ctx, n)
	if err != nil {
		return "", fmt.Errorf("failed to reserve nudge %s: %w", key, err)
	}
	if !reserved {
		return "", nil
	}
	return id, nil
}

// dispatch calls the provider under the send timeout. The call runs in its own
// goroutine so a provider that ignores ctx cannot hold the caller past the deadline.
func (g *Gateway) dispatch(ctx context.Context, p Provider, to, body string) (string, error) {
	if g.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.sendTimeout)
		defer cancel()
	}
	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := p.Send(ctx, to, body)
		done <- result{id: id, err: err}
	}()
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", errAbandoned, ctx.Err())
	case r := <-done:
		return r.id, r.err
	}
}

// IsValidationError reports whether err rejects a send before anything was written.
func IsValidationError(err error) bool {
	return errors.Is(err, models.ErrGuestOptedOut) ||
		errors.Is(err, models.ErrGuestNoPhone) ||
		errors.Is(err, models.ErrInvalidPhone) ||
		errors.Is(err, models.ErrUnsupportedChannel) ||
		errors.Is(err, models.ErrEmptyMessage)
}
