// Command lockstep-cron periodically asks a Lockstep API server to process due
// checkpoints. Each tick is one POST /process-checkpoints.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BTreeMap/Lockstep/internal/config"
	"github.com/BTreeMap/Lockstep/internal/scheduler"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	apiURL := flag.String("api-url", cfg.APIURL, "Lockstep API base URL (overrides $LOCKSTEP_API_URL)")
	schedule := flag.String("schedule", cfg.CronSpec, "cron expression for checkpoint batches (overrides $LOCKSTEP_CRON_SCHEDULE)")
	once := flag.Bool("once", false, "run a single batch and exit")
	target := flag.String("checkpoint", "", "with -once, process only this checkpoint id")
	flag.Parse()

	trigger := scheduler.NewTrigger(*apiURL, cfg.CronSecret, nil)

	if *once {
		ctx, cancel := context.WithTimeout(context.Background(), scheduler.DefaultTriggerTimeout)
		defer cancel()
		res, err := trigger.Fire(ctx, *target)
		if err != nil {
			slog.Error("Checkpoint batch failed", "error", err)
			os.Exit(1)
		}
		slog.Info("Checkpoint batch complete", "processed", res.Processed, "nudgesSent", res.NudgesSent)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.NewScheduler()
	next, err := sched.AddJob(*schedule, trigger.Job(scheduler.DefaultTriggerTimeout))
	if err != nil {
		slog.Error("Invalid cron schedule", "schedule", *schedule, "error", err)
		sched.Stop()
		os.Exit(1)
	}
	slog.Info("lockstep-cron started", "apiURL", *apiURL, "schedule", *schedule, "secret_set", cfg.CronSecret != "", "next", next)

	<-ctx.Done()
	slog.Info("lockstep-cron stopping")
	sched.Stop()
}
