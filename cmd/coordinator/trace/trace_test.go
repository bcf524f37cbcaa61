package trace

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeSink) Write(ctx context.Context, event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func TestEmit_SequenceNumbersAreUniqueAndPositive(t *testing.T) {
	sink := &fakeSink{}
	e := NewEmitter(sink, "run-1", "ws", "proj", func() time.Time { return time.Unix(0, 0) })

	for i := 0; i < 5; i++ {
		require.NoError(t, e.Decision(context.Background(), "token.created", "tok", "node", nil))
	}

	seen := map[int64]bool{}
	for _, ev := range sink.events {
		require.Greater(t, ev.Sequence, int64(0))
		require.False(t, seen[ev.Sequence], "duplicate sequence %d", ev.Sequence)
		seen[ev.Sequence] = true
	}
	require.Len(t, seen, 5)
}

func TestOperation_CarriesDuration(t *testing.T) {
	sink := &fakeSink{}
	e := NewEmitter(sink, "run-1", "ws", "proj", nil)

	require.NoError(t, e.Operation(context.Background(), "schema.write", "tok", "node", 42*time.Millisecond, nil))
	require.Equal(t, int64(42), sink.events[0].DurationMs)
	require.Equal(t, CategoryOperation, sink.events[0].Category)
}

func TestWorkflowEvent_Category(t *testing.T) {
	sink := &fakeSink{}
	e := NewEmitter(sink, "run-1", "ws", "proj", nil)

	require.NoError(t, e.WorkflowEvent(context.Background(), "workflow.completed", "", "", map[string]any{"output": 1}))
	require.Equal(t, CategoryDispatch, sink.events[0].Category)
}
