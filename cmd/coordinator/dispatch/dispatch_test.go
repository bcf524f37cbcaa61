package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lyzr/wonder-coordinator/cmd/coordinator/branch"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/planning"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/runcontext"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/runstore"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/tokenstore"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/trace"
)

const testStateSchema = `{
	"type": "object",
	"properties": {
		"flag": {"type": "boolean"},
		"collected": {"type": "array", "items": {"type": "integer"}},
		"note": {"type": "string"}
	}
}`

type fakeSink struct {
	events []trace.Event
}

func (f *fakeSink) Write(ctx context.Context, event trace.Event) error {
	f.events = append(f.events, event)
	return nil
}

type harness struct {
	applier *Applier
	tokens  *tokenstore.Store
	ctxMgr  *runcontext.Manager
	branches *branch.Store
	sink    *fakeSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rs, err := runstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })

	tokens := tokenstore.New(rs)
	require.NoError(t, tokens.Migrate(context.Background()))

	ctxMgr, err := runcontext.New(rs, nil, []byte(testStateSchema), nil)
	require.NoError(t, err)
	require.NoError(t, ctxMgr.Migrate(context.Background()))

	branches := branch.New(rs)
	sink := &fakeSink{}
	emitter := trace.NewEmitter(sink, "run-1", "ws-1", "proj-1", nil)

	return &harness{
		applier:  New("run-1", tokens, ctxMgr, branches, emitter),
		tokens:   tokens,
		ctxMgr:   ctxMgr,
		branches: branches,
		sink:     sink,
	}
}

func TestApply_CreateTokens(t *testing.T) {
	h := newHarness(t)
	result := &planning.Result{
		Decisions: []planning.Decision{
			{Kind: planning.KindBatchCreateTokens, NewTokens: []planning.NewTokenSpec{
				{NodeID: "A", PathID: "root.A"},
				{NodeID: "B", PathID: "root.B"},
			}},
		},
		Events: []planning.TraceEvent{{Type: "token.created", Payload: map[string]any{"count": 2}}},
	}
	out, err := h.applier.Apply(context.Background(), result)
	require.NoError(t, err)
	require.False(t, out.Completed)
	require.False(t, out.Failed)
	require.Len(t, h.sink.events, 1)
	require.Equal(t, "token.created", h.sink.events[0].Type)
}

func TestApply_SetContextAndApplyOutputMapping(t *testing.T) {
	h := newHarness(t)
	result := &planning.Result{
		Decisions: []planning.Decision{
			{Kind: planning.KindSetContext, ContextPath: "state.flag", ContextValue: true},
			{Kind: planning.KindApplyOutputMapping,
				OutputMapping: map[string]string{"state.note": "message"},
				TaskOutput:    map[string]any{"message": "hello"}},
		},
	}
	_, err := h.applier.Apply(context.Background(), result)
	require.NoError(t, err)

	v, err := h.ctxMgr.Get(context.Background(), "state.flag")
	require.NoError(t, err)
	require.Equal(t, true, v)

	v, err = h.ctxMgr.Get(context.Background(), "state.note")
	require.NoError(t, err)
	require.Equal(t, "hello", v)
}

func TestApply_MergeBranchesWritesTargetAndDropsTables(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	outputSchema := []byte(`{"type":"object","properties":{"value":{"type":"integer"}}}`)

	a, err := h.tokens.Create(ctx, tokenstore.CreateParams{RunID: "run-1", NodeID: "n", PathID: "root.0", BranchIndex: 0, BranchTotal: 2})
	require.NoError(t, err)
	b, err := h.tokens.Create(ctx, tokenstore.CreateParams{RunID: "run-1", NodeID: "n", PathID: "root.1", BranchIndex: 1, BranchTotal: 2})
	require.NoError(t, err)

	require.NoError(t, h.branches.InitializeBranchTable(ctx, a.ID, outputSchema))
	require.NoError(t, h.branches.InitializeBranchTable(ctx, b.ID, outputSchema))
	require.NoError(t, h.branches.ApplyBranchOutput(ctx, a.ID, map[string]any{"value": 1}))
	require.NoError(t, h.branches.ApplyBranchOutput(ctx, b.ID, map[string]any{"value": 2}))

	result := &planning.Result{
		Decisions: []planning.Decision{
			{Kind: planning.KindMergeBranches,
				SiblingGroup:    "G",
				SiblingTokenIDs: []string{a.ID, b.ID},
				Merge:           &branch.MergeDescriptor{Source: "_branch.output.value", Target: "state.collected", Strategy: branch.StrategyCollect}},
			{Kind: planning.KindDropBranchTables, TokenIDs: []string{a.ID, b.ID}},
		},
	}
	_, err = h.applier.Apply(ctx, result)
	require.NoError(t, err)

	v, err := h.ctxMgr.Get(ctx, "state.collected")
	require.NoError(t, err)
	collected, ok := v.([]any)
	require.True(t, ok)
	require.Len(t, collected, 2)
	require.EqualValues(t, 1, collected[0])
	require.EqualValues(t, 2, collected[1])

	outputs, err := h.branches.GetBranchOutputs(ctx, []string{a.ID, b.ID}, map[string]int{a.ID: 0, b.ID: 1})
	require.NoError(t, err)
	require.Empty(t, outputs)
}

func TestApply_TryActivateFanInLoserSkipsRemainingDecisions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	won, err := h.tokens.TryActivateFanIn(ctx, "G", "winner")
	require.NoError(t, err)
	require.True(t, won)

	result := &planning.Result{
		Decisions: []planning.Decision{
			{Kind: planning.KindTryActivateFanIn, SiblingGroup: "G", ActivatorTokenID: "late-arriver"},
			{Kind: planning.KindSetContext, ContextPath: "state.flag", ContextValue: true},
		},
	}
	_, err = h.applier.Apply(ctx, result)
	require.NoError(t, err)

	v, err := h.ctxMgr.Get(ctx, "state.flag")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestApply_CompleteAndFailOutcomes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.applier.Apply(ctx, &planning.Result{Decisions: []planning.Decision{{Kind: planning.KindCompleteWorkflow}}})
	require.NoError(t, err)
	require.True(t, out.Completed)

	out, err = h.applier.Apply(ctx, &planning.Result{Decisions: []planning.Decision{{Kind: planning.KindFailWorkflow, FailureCause: "TokenFailed"}}})
	require.NoError(t, err)
	require.True(t, out.Failed)
	require.Equal(t, "TokenFailed", out.FailureCause)
}

func TestApply_CancelTokensTransitionsToCancelled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tok, err := h.tokens.Create(ctx, tokenstore.CreateParams{RunID: "run-1", NodeID: "n", PathID: "root.0"})
	require.NoError(t, err)

	result := &planning.Result{Decisions: []planning.Decision{{Kind: planning.KindCancelTokens, TokenIDs: []string{tok.ID}}}}
	_, err = h.applier.Apply(ctx, result)
	require.NoError(t, err)

	reloaded, err := h.tokens.Get(ctx, tok.ID)
	require.NoError(t, err)
	require.Equal(t, tokenstore.StatusCancelled, reloaded.Status)
}
