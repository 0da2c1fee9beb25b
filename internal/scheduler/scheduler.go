// Package scheduler drives periodic checkpoint batches for Lockstep.
//
// The API server runs no loop of its own; a Scheduler fires a Trigger on a
// cron expression and each firing is one bounded batch on the server.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Opts holds configuration options for the Scheduler.
type Opts struct {
	Location *time.Location
}

// Option defines a configuration option for the Scheduler.
type Option func(*Opts)

// WithLocation sets the time zone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// Scheduler runs checkpoint triggers on cron expressions.
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser
	loc    *time.Location
}

// NewScheduler creates and starts a scheduler evaluating expressions in UTC
// unless WithLocation says otherwise. Expressions are five-field or a
// descriptor such as @every 30s. A job still running when its next tick
// arrives is skipped for that tick, and a panicking job is logged.
func NewScheduler(opts ...Option) *Scheduler {
	cfg := Opts{Location: time.UTC}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := slogCronLogger{}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(cfg.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Start()
	return &Scheduler{cron: c, parser: parser, loc: cfg.Location}
}

// AddJob schedules task on expr and returns the time of its first run.
func (s *Scheduler) AddJob(expr string, task func()) (time.Time, error) {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	s.cron.Schedule(sched, cron.FuncJob(task))
	next := sched.Next(time.Now().In(s.loc))
	slog.Debug("Scheduler.AddJob: job scheduled", "schedule", expr, "next", next)
	return next, nil
}

// Stop halts the scheduler and waits for a running batch to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Debug("Scheduler.Stop: stopped")
}

// slogCronLogger routes cron's logging through slog.
type slogCronLogger struct{}

func (slogCronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
