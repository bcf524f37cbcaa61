package coordinator

import (
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/executorclient"
)

// event is the sum type a run's serialized loop consumes. Exactly one
// goroutine drains a run's channel, so handlers never need to guard against
// concurrent state mutation — the single-writer-per-run model spec.md
// requires, with concurrency instead coming from many parallel runs.
type event interface{ isEvent() }

// tokenCompleted carries an executor's successful callback for one token.
type tokenCompleted struct {
	tokenID string
	output  map[string]any
}

func (tokenCompleted) isEvent() {}

// tokenFailed carries an executor's failure callback for one token.
type tokenFailed struct {
	tokenID string
	errInfo *executorclient.ResultError
}

func (tokenFailed) isEvent() {}

// syncTimeout is raised by the run's synchronization.Ticker when a
// registered fan-in deadline elapses unresolved.
type syncTimeout struct {
	siblingGroup string
}

func (syncTimeout) isEvent() {}

// resumeSignal carries an external resume(runId, tokenId, output) call for a
// token suspended at a human-gate node. reply is optional — nil when no
// caller is waiting on the result (not currently used that way, but kept
// consistent with enqueue's fire-and-forget callers).
type resumeSignal struct {
	tokenID string
	output  map[string]any
	reply   chan error
}

func (resumeSignal) isEvent() {}

// cancelRun carries an external cancel(runId) call: every non-terminal
// token is cancelled and the run fails with cause Cancelled.
type cancelRun struct {
	reply chan error
}

func (cancelRun) isEvent() {}

// shutdown asks the run's loop to stop after draining pending events.
type shutdown struct{}

func (shutdown) isEvent() {}
