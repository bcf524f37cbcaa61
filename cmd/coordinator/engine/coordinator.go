// Package coordinator is the Wonder Coordinator's engine: the multi-run
// supervisor (Coordinator) and the single-writer-per-run actor (run) that
// together drive token routing, fan-out/fan-in, and lifecycle completion
// for every active workflow run.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/lyzr/wonder-coordinator/cmd/coordinator/definitions"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/executorclient"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/trace"
	"github.com/lyzr/wonder-coordinator/common/logger"
	"github.com/lyzr/wonder-coordinator/common/ratelimit"
	redisWrapper "github.com/lyzr/wonder-coordinator/common/redis"
)

const runRequestQueueKey = "wonder:coordinator:run_requests"

// RunRequest is what an external caller (gateway, CLI, scheduler — all out
// of scope for this module) enqueues to start a new workflow run. Mirrors
// the shape of a dispatch request one level up: one record in, one Run
// actor out.
type RunRequest struct {
	RunID           string         `json:"runId"`
	WorkspaceID     string         `json:"workspaceId"`
	ProjectID       string         `json:"projectId"`
	WorkflowID      string         `json:"workflowId"`
	WorkflowVersion string         `json:"workflowVersion"`
	Input           map[string]any `json:"input"`
}

// Coordinator owns every active run in this process and the shared
// resources (definition cache, trace sink, executor client, store
// directory) each new run is built from.
type Coordinator struct {
	cache       *definitions.Cache
	sink        trace.Sink
	executor    taskDispatcher
	storeDir    string
	log         *logger.Logger
	redis       *redisWrapper.Client
	rateLimiter *ratelimit.RateLimiter

	mu   sync.Mutex
	runs map[string]*run
}

// New constructs a Coordinator. storeDir is the base directory under which
// each run gets its own embedded SQLite file, named by run ID. rateLimiter
// may be nil, in which case StartRun admits every request unconditionally.
func New(cache *definitions.Cache, sink trace.Sink, executor *executorclient.Client, redis *redisWrapper.Client, rateLimiter *ratelimit.RateLimiter, storeDir string, log *logger.Logger) *Coordinator {
	return &Coordinator{
		cache: cache, sink: sink, executor: executor, redis: redis, rateLimiter: rateLimiter, storeDir: storeDir, log: log,
		runs: map[string]*run{},
	}
}

// Start drains the run-request queue until ctx is cancelled, launching one
// run actor per request. Grounded on the teacher's completion-signal BLPOP
// loop (cmd/workflow-runner/coordinator/coordinator.go Start), adapted from
// a completion-signal consumer into a run-request consumer: the equivalent
// per-token completion loop now lives inside each run's own
// listenForCallbacks goroutine instead of the top-level Coordinator.
func (c *Coordinator) Start(ctx context.Context) error {
	c.log.Info("coordinator starting", "queue", runRequestQueueKey)
	for {
		select {
		case <-ctx.Done():
			c.log.Info("coordinator shutting down")
			return ctx.Err()
		default:
		}

		raw, err := c.redis.BlockingPopList(ctx, 5*time.Second, runRequestQueueKey)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("failed to read run request", "error", err)
			continue
		}
		if len(raw) < 2 {
			continue
		}

		var req RunRequest
		if err := json.Unmarshal([]byte(raw[1]), &req); err != nil {
			c.log.Error("failed to parse run request", "error", err)
			continue
		}
		go func() {
			if _, err := c.StartRun(ctx, req); err != nil {
				c.log.Error("failed to start run", "run_id", req.RunID, "error", err)
			}
		}()
	}
}

// StartRun loads and compiles req's workflow definition, builds a fresh run
// actor over its own embedded store, and launches its serialized event loop
// and callback listener. The run is registered immediately so a racing
// callback for its first dispatched token is never dropped.
func (c *Coordinator) StartRun(ctx context.Context, req RunRequest) (*run, error) {
	def, err := c.cache.WorkflowDef(ctx, req.WorkflowID, req.WorkflowVersion)
	if err != nil {
		return nil, fmt.Errorf("coordinator: load workflow %s@%s: %w", req.WorkflowID, req.WorkflowVersion, err)
	}

	if err := c.admit(ctx, req, def); err != nil {
		return nil, err
	}

	storePath := filepath.Join(c.storeDir, req.RunID+".db")
	r, err := newRun(ctx, storePath, def, c.cache, req.RunID, req.WorkspaceID, req.ProjectID, req.Input, c.sink, c.executor, c.log)
	if err != nil {
		return nil, fmt.Errorf("coordinator: create run %s: %w", req.RunID, err)
	}

	c.mu.Lock()
	c.runs[req.RunID] = r
	c.mu.Unlock()

	go r.loop(ctx)

	go func() {
		<-r.done
		c.mu.Lock()
		delete(c.runs, req.RunID)
		c.mu.Unlock()
	}()

	return r, nil
}

// ErrRateLimited is returned by StartRun when the global or per-workspace
// tiered rate limit rejects a run request.
var ErrRateLimited = fmt.Errorf("coordinator: rate limit exceeded")

// admit checks req against the global service limit and the per-workspace
// limit for def's complexity tier. A nil rate limiter (disabled via config)
// admits unconditionally.
func (c *Coordinator) admit(ctx context.Context, req RunRequest, def *definitions.WorkflowDef) error {
	if c.rateLimiter == nil {
		return nil
	}

	global, err := c.rateLimiter.CheckGlobalLimit(ctx, ratelimit.DefaultGlobalConfig.Limit)
	if err != nil {
		return fmt.Errorf("coordinator: check global rate limit: %w", err)
	}
	if !global.Allowed {
		return fmt.Errorf("%w: global limit (retry after %ds)", ErrRateLimited, global.RetryAfterSeconds)
	}

	tier := ratelimit.TierFromNodeCount(len(def.Nodes))
	tiered, err := c.rateLimiter.CheckTieredLimit(ctx, req.WorkspaceID, tier)
	if err != nil {
		return fmt.Errorf("coordinator: check tiered rate limit: %w", err)
	}
	if !tiered.Allowed {
		return fmt.Errorf("%w: %s tier (retry after %ds)", ErrRateLimited, tier, tiered.RetryAfterSeconds)
	}
	return nil
}

// Shutdown asks runID's actor to stop after draining pending events. A
// no-op if runID is not (or no longer) active. This is process-level
// teardown, not the spec's cancel(runId) operation — see Cancel for that.
func (c *Coordinator) Shutdown(ctx context.Context, runID string) {
	c.mu.Lock()
	r, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return
	}
	r.enqueue(ctx, shutdown{})
}

// Cancel implements spec.md §6's cancel(runId): every non-terminal token in
// runID is cancelled and the run emits workflow.failed with cause Cancelled.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	c.mu.Lock()
	r, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("coordinator: run %s is not active", runID)
	}

	reply := make(chan error, 1)
	r.enqueue(ctx, cancelRun{reply: reply})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return fmt.Errorf("coordinator: run %s stopped before cancel was applied", runID)
	}
}

// Resume implements spec.md §6's resume(runId, tokenId, output): delivers an
// external signal to a token suspended at a human-gate node, exactly once.
func (c *Coordinator) Resume(ctx context.Context, runID, tokenID string, output map[string]any) error {
	c.mu.Lock()
	r, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("coordinator: run %s is not active", runID)
	}

	reply := make(chan error, 1)
	r.enqueue(ctx, resumeSignal{tokenID: tokenID, output: output, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return fmt.Errorf("coordinator: run %s stopped before resume was applied", runID)
	}
}

// ActiveRunCount reports how many runs this process is currently driving.
func (c *Coordinator) ActiveRunCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs)
}
