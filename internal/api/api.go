// Package api provides the HTTP server for Lockstep.
//
// It exposes the checkpoint trigger used by cron, the organiser nudge
// endpoint, usage lookups, guest creation and the Twilio webhooks that feed
// STOP/START replies and delivery receipts back into the store.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/Lockstep/internal/checkpoint"
	"github.com/BTreeMap/Lockstep/internal/messaging"
	"github.com/BTreeMap/Lockstep/internal/models"
	"github.com/BTreeMap/Lockstep/internal/store"
	"github.com/BTreeMap/Lockstep/internal/twilioclient"
)

// Default server constants
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	maxBodyBytes           = 1 << 20
)

// CheckpointProcessor runs a checkpoint batch. *checkpoint.Runner implements it.
type CheckpointProcessor interface {
	Process(ctx context.Context, targetID string) (checkpoint.Result, error)
}

// channelChecker is implemented by senders that know which channels have a
// provider, such as *messaging.Gateway.
type channelChecker interface {
	HasProvider(channel models.Channel) bool
}

// LimitChecker answers plan quota questions. *usage.Tracker implements it.
type LimitChecker interface {
	CheckLimit(ctx context.Context, eventID, userID string, limitType models.LimitType) (models.LimitResult, error)
	CanCreateEvent(ctx context.Context, userID string) (models.LimitResult, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	CronSecret    string
	EnforceLimits bool
	Validator     *twilioclient.WebhookValidator
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithCronSecret requires "Authorization: Bearer <secret>" on the checkpoint trigger.
func WithCronSecret(secret string) Option {
	return func(o *Opts) { o.CronSecret = secret }
}

// WithLimitEnforcement rejects nudges and guests beyond the plan quota with 402.
func WithLimitEnforcement(enforce bool) Option {
	return func(o *Opts) { o.EnforceLimits = enforce }
}

// WithWebhookValidator rejects Twilio webhooks without a valid signature.
func WithWebhookValidator(v *twilioclient.WebhookValidator) Option {
	return func(o *Opts) { o.Validator = v }
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	st      store.Store
	runner  CheckpointProcessor
	sender  checkpoint.Sender
	limits  LimitChecker
	inbound *messaging.InboundHandler
	status  *messaging.StatusHandler
	opts    Opts
}

// NewServer creates a Server. runner, sender and limits may be nil, in which
// case the endpoints depending on them answer 500.
func NewServer(st store.Store, runner CheckpointProcessor, sender checkpoint.Sender, limits LimitChecker, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		st:      st,
		runner:  runner,
		sender:  sender,
		limits:  limits,
		inbound: messaging.NewInboundHandler(st),
		status:  messaging.NewStatusHandler(st),
		opts:    cfg,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/process-checkpoints", s.processCheckpointsHandler)
	mux.HandleFunc("/send-nudge", s.sendNudgeHandler)
	mux.HandleFunc("/webhooks/twilio/inbound", s.twilioInboundHandler)
	mux.HandleFunc("/webhooks/twilio/status", s.twilioStatusHandler)
	mux.HandleFunc("/usage", s.usageHandler)
	mux.HandleFunc("/usage/events", s.eventUsageHandler)
	mux.HandleFunc("/guests", s.createGuestHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API server listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
