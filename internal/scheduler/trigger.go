package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/Lockstep/internal/checkpoint"
)

// DefaultTriggerTimeout bounds one call to the checkpoint endpoint.
const DefaultTriggerTimeout = 2 * time.Minute

// ProcessPath is the API route that runs a checkpoint batch.
const ProcessPath = "/process-checkpoints"

// Trigger calls POST /process-checkpoints on a Lockstep API server.
type Trigger struct {
	endpoint string
	secret   string
	client   *http.Client
}

// NewTrigger creates a Trigger for the server at apiURL. A non-empty secret
// is sent as a bearer token. A nil client uses one with DefaultTriggerTimeout.
func NewTrigger(apiURL, secret string, client *http.Client) *Trigger {
	if client == nil {
		client = &http.Client{Timeout: DefaultTriggerTimeout}
	}
	return &Trigger{endpoint: strings.TrimRight(apiURL, "/") + ProcessPath, secret: secret, client: client}
}

// Fire runs one batch. A non-empty checkpointID targets that checkpoint only.
func (t *Trigger) Fire(ctx context.Context, checkpointID string) (checkpoint.Result, error) {
	payload, err := json.Marshal(map[string]string{"checkpointId": checkpointID})
	if err != nil {
		return checkpoint.Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return checkpoint.Result{}, fmt.Errorf("failed to build trigger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.secret != "" {
		req.Header.Set("Authorization", "Bearer "+t.secret)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return checkpoint.Result{}, fmt.Errorf("trigger request failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return checkpoint.Result{}, fmt.Errorf("trigger returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var res checkpoint.Result
	if err := json.Unmarshal(body, &res); err != nil {
		return checkpoint.Result{}, fmt.Errorf("failed to decode trigger response: %w", err)
	}
	slog.Debug("Trigger.Fire: batch complete", "endpoint", t.endpoint, "processed", res.Processed, "nudgesSent", res.NudgesSent)
	return res, nil
}

// Job returns a cron task that fires the trigger once per tick in scan mode.
func (t *Trigger) Job(timeout time.Duration) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		res, err := t.Fire(ctx, "")
		if err != nil {
			slog.Error("Trigger.Job: checkpoint batch failed", "error", err)
			return
		}
		slog.Info("Trigger.Job: checkpoint batch complete", "processed", res.Processed, "nudgesSent", res.NudgesSent)
	}
}
