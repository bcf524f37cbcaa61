// Package trace emits the coordinator's structured observability channel:
// trace events (operation detail) and workflow events (business-level
// milestones), sharing sequence space and a write-only sink.
package trace

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Category classifies an event for the sink and downstream consumers.
type Category string

const (
	CategoryDecision Category = "decision"
	CategoryOperation Category = "operation"
	CategoryDispatch Category = "dispatch"
	CategorySQL      Category = "sql"
)

// Event is one record on the trace/event channel. Sequence is assigned by
// the Emitter at emit time and is unique and strictly positive within a run.
type Event struct {
	ID            string
	RunID         string
	WorkspaceID   string
	ProjectID     string
	Sequence      int64
	Timestamp     time.Time
	Category      Category
	Type          string
	TokenID       string
	NodeID        string
	DurationMs    int64
	Payload       map[string]any
}

// Sink is the write-only RPC boundary to the out-of-scope event store.
// Events are append-only; the sink deduplicates by ID.
type Sink interface {
	Write(ctx context.Context, event Event) error
}

// Emitter assigns sequence numbers for one run and forwards events to Sink
// immediately — no client-side batching, per spec.md §4.7.
type Emitter struct {
	sink        Sink
	runID       string
	workspaceID string
	projectID   string
	seq         int64 // accessed via atomic; next sequence to assign minus the pre-increment
	now         func() time.Time
}

// NewEmitter constructs an Emitter for one run. now defaults to time.Now if nil;
// tests supply a deterministic clock.
func NewEmitter(sink Sink, runID, workspaceID, projectID string, now func() time.Time) *Emitter {
	if now == nil {
		now = time.Now
	}
	return &Emitter{sink: sink, runID: runID, workspaceID: workspaceID, projectID: projectID, now: now}
}

// nextSequence returns the next strictly-positive, unique sequence number
// for this run.
func (e *Emitter) nextSequence() int64 {
	return atomic.AddInt64(&e.seq, 1)
}

// Emit assigns a sequence number, an ID, and a timestamp, then writes
// immediately to the sink.
func (e *Emitter) Emit(ctx context.Context, category Category, eventType string, tokenID, nodeID string, durationMs int64, payload map[string]any) error {
	event := Event{
		ID:          uuid.NewString(),
		RunID:       e.runID,
		WorkspaceID: e.workspaceID,
		ProjectID:   e.projectID,
		Sequence:    e.nextSequence(),
		Timestamp:   e.now(),
		Category:    category,
		Type:        eventType,
		TokenID:     tokenID,
		NodeID:      nodeID,
		DurationMs:  durationMs,
		Payload:     payload,
	}
	if err := e.sink.Write(ctx, event); err != nil {
		return fmt.Errorf("trace: write event %s: %w", eventType, err)
	}
	return nil
}

// Decision emits a decision-category event with no duration — the trace
// record of a planner's output before dispatch applies it.
func (e *Emitter) Decision(ctx context.Context, decisionType string, tokenID, nodeID string, payload map[string]any) error {
	return e.Emit(ctx, CategoryDecision, decisionType, tokenID, nodeID, 0, payload)
}

// Operation emits an operation-category event carrying how long the
// instrumented operation took.
func (e *Emitter) Operation(ctx context.Context, opType string, tokenID, nodeID string, duration time.Duration, payload map[string]any) error {
	return e.Emit(ctx, CategoryOperation, opType, tokenID, nodeID, duration.Milliseconds(), payload)
}

// WorkflowEvent emits a business-level milestone (token.created, workflow.completed, ...).
func (e *Emitter) WorkflowEvent(ctx context.Context, eventType string, tokenID, nodeID string, payload map[string]any) error {
	return e.Emit(ctx, CategoryDispatch, eventType, tokenID, nodeID, 0, payload)
}
