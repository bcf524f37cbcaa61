// Package executorclient is the RPC boundary to the out-of-scope Executor:
// the coordinator dispatches a task over Redis, and an out-of-process
// Executor calls back with a result on a per-run queue the coordinator's
// engine drains and re-serializes as an event.
package executorclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redisWrapper "github.com/lyzr/wonder-coordinator/common/redis"
)

// Correlation carries routing/observability identifiers the executor echoes
// back on its callback so the coordinator can re-attach the result to the
// right run/token without a lookup.
type Correlation struct {
	RunID       string `json:"runId"`
	WorkspaceID string `json:"workspaceId"`
	ProjectID   string `json:"projectId"`
}

// DispatchRequest is sent to the executor to run one task to completion.
type DispatchRequest struct {
	RunID       string         `json:"runId"`
	TokenID     string         `json:"tokenId"`
	TaskID      string         `json:"taskId"`
	TaskVersion string         `json:"taskVersion"`
	Input       map[string]any `json:"input"`
	Correlation Correlation    `json:"correlation"`
}

// ResultError is the executor's advisory error report; the coordinator is
// the sole authority on whether to retry.
type ResultError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Callback is what the executor reports back for one dispatched token.
type Callback struct {
	RunID   string         `json:"runId"`
	TokenID string         `json:"tokenId"`
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   *ResultError   `json:"error,omitempty"`
}

const dispatchQueueKey = "wonder:executor:dispatch"

func callbackQueueKey(runID string) string {
	return "wonder:executor:callback:" + runID
}

// Client dispatches tasks to the executor queue and listens for callbacks on
// a per-run queue.
type Client struct {
	redis *redisWrapper.Client
}

// New constructs a Client.
func New(redis *redisWrapper.Client) *Client {
	return &Client{redis: redis}
}

// Dispatch enqueues req for an executor to pick up. It does not block on
// execution; the coordinator returns to its event queue immediately
// (spec.md §5's no-blocking-on-executor suspension point).
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("executorclient: marshal dispatch request: %w", err)
	}
	if err := c.redis.PushToList(ctx, dispatchQueueKey, string(raw)); err != nil {
		return fmt.Errorf("executorclient: enqueue dispatch: %w", err)
	}
	return nil
}

// AwaitCallback blocks up to timeout for the next callback on runID's queue.
// Returns (nil, nil) on timeout with no callback — the caller's polling loop
// decides whether to keep waiting. The engine's per-run goroutine is the
// only caller; this is the one place the coordinator's process legitimately
// blocks, since it blocks a dedicated listener goroutine, not the run's
// serialized event-processing goroutine.
func (c *Client) AwaitCallback(ctx context.Context, runID string, timeout time.Duration) (*Callback, error) {
	results, err := c.redis.BlockingPopList(ctx, timeout, callbackQueueKey(runID))
	if err != nil {
		return nil, fmt.Errorf("executorclient: await callback: %w", err)
	}
	if len(results) < 2 {
		return nil, nil
	}
	var cb Callback
	if err := json.Unmarshal([]byte(results[1]), &cb); err != nil {
		return nil, fmt.Errorf("executorclient: decode callback: %w", err)
	}
	return &cb, nil
}
