package planning

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lyzr/wonder-coordinator/cmd/coordinator/condition"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/definitions"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/runcontext"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/tokenstore"
)

func boolCond(path string, value bool) *condition.Condition {
	return &condition.Condition{
		Kind: condition.KindComparison,
		Left: &condition.Operand{Field: path},
		Op:   condition.OpEq,
		Right: &condition.Operand{Literal: value},
	}
}

func completedToken() *tokenstore.Token {
	return &tokenstore.Token{ID: "t-1", PathID: "root", Status: tokenstore.StatusCompleted}
}

// TestDecideRouting_PriorityTiers exercises spec.md §8 Scenario B's routing
// table: two same-priority transitions to A/B gated on state.flag/state.other,
// and a lower-priority fallback to C.
func TestDecideRouting_PriorityTiers(t *testing.T) {
	transitions := []*definitions.Transition{
		{From: "n", To: "A", Priority: 0, Condition: boolCond("state.flag", true)},
		{From: "n", To: "B", Priority: 0, Condition: boolCond("state.other", true)},
		{From: "n", To: "C", Priority: 1},
	}
	evaluator := condition.NewEvaluator()

	t.Run("only flag true yields A", func(t *testing.T) {
		snap := &runcontext.Snapshot{State: map[string]any{"flag": true, "other": false}}
		res, err := DecideRouting(evaluator, completedToken(), transitions, snap)
		require.NoError(t, err)
		require.Len(t, res.Decisions, 1)
		require.Equal(t, KindBatchCreateTokens, res.Decisions[0].Kind)
		require.Len(t, res.Decisions[0].NewTokens, 1)
		require.Equal(t, "A", res.Decisions[0].NewTokens[0].NodeID)
	})

	t.Run("both true yields A and B, not C", func(t *testing.T) {
		snap := &runcontext.Snapshot{State: map[string]any{"flag": true, "other": true}}
		res, err := DecideRouting(evaluator, completedToken(), transitions, snap)
		require.NoError(t, err)
		require.Len(t, res.Decisions, 2)
		var targets []string
		for _, d := range res.Decisions {
			targets = append(targets, d.NewTokens[0].NodeID)
		}
		require.ElementsMatch(t, []string{"A", "B"}, targets)
	})

	t.Run("both false falls through to lower priority tier C", func(t *testing.T) {
		snap := &runcontext.Snapshot{State: map[string]any{"flag": false, "other": false}}
		res, err := DecideRouting(evaluator, completedToken(), transitions, snap)
		require.NoError(t, err)
		require.Len(t, res.Decisions, 1)
		require.Equal(t, "C", res.Decisions[0].NewTokens[0].NodeID)
	})
}

func TestDecideRouting_UnconditionalTransitionAlwaysMatches(t *testing.T) {
	transitions := []*definitions.Transition{
		{From: "n", To: "end", Priority: 0},
	}
	evaluator := condition.NewEvaluator()
	snap := &runcontext.Snapshot{State: map[string]any{}}
	res, err := DecideRouting(evaluator, completedToken(), transitions, snap)
	require.NoError(t, err)
	require.Len(t, res.Decisions, 1)
	require.Equal(t, "end", res.Decisions[0].NewTokens[0].NodeID)
}

func TestDecideRouting_StaticSpawnCountCreatesMultipleBranchIndices(t *testing.T) {
	transitions := []*definitions.Transition{
		{From: "n", To: "fanout", Priority: 0, SpawnCount: 3, SiblingGroup: "g1"},
	}
	evaluator := condition.NewEvaluator()
	snap := &runcontext.Snapshot{State: map[string]any{}}
	res, err := DecideRouting(evaluator, completedToken(), transitions, snap)
	require.NoError(t, err)
	require.Len(t, res.Decisions, 1)
	specs := res.Decisions[0].NewTokens
	require.Len(t, specs, 3)
	for i, s := range specs {
		require.Equal(t, i, s.BranchIndex)
		require.Equal(t, 3, s.BranchTotal)
		require.Equal(t, "g1", s.SiblingGroup)
	}
}

func TestDecideRouting_ForeachOverEmptyArraySpawnsNoTokens(t *testing.T) {
	transitions := []*definitions.Transition{
		{From: "n", To: "fanout", Priority: 0, Foreach: "state.items", SiblingGroup: "g1"},
	}
	evaluator := condition.NewEvaluator()
	snap := &runcontext.Snapshot{State: map[string]any{"items": []any{}}}
	res, err := DecideRouting(evaluator, completedToken(), transitions, snap)
	require.NoError(t, err)
	require.Empty(t, res.Decisions)
}

func TestDecideRouting_ForeachOverAbsentPathSpawnsNoTokens(t *testing.T) {
	transitions := []*definitions.Transition{
		{From: "n", To: "fanout", Priority: 0, Foreach: "state.missing", SiblingGroup: "g1"},
	}
	evaluator := condition.NewEvaluator()
	snap := &runcontext.Snapshot{State: map[string]any{}}
	res, err := DecideRouting(evaluator, completedToken(), transitions, snap)
	require.NoError(t, err)
	require.Empty(t, res.Decisions)
}

func TestDecideRouting_ForeachNonArrayErrors(t *testing.T) {
	transitions := []*definitions.Transition{
		{From: "n", To: "fanout", Priority: 0, Foreach: "state.items", SiblingGroup: "g1"},
	}
	evaluator := condition.NewEvaluator()
	snap := &runcontext.Snapshot{State: map[string]any{"items": "not-an-array"}}
	_, err := DecideRouting(evaluator, completedToken(), transitions, snap)
	require.Error(t, err)
}

func TestDecideSynchronization_AnyDoesNotCancelSiblings(t *testing.T) {
	sync := &definitions.Synchronization{Strategy: definitions.SyncAny, SiblingGroup: "g1"}
	snap := SiblingSnapshot{
		CompletedTokenIDs:   []string{"t-1"},
		NonTerminalTokenIDs: []string{"t-2", "t-3"},
	}
	res := DecideSynchronization(sync, snap, "root.cont", "t-1", "join")
	var sawCancel bool
	for _, d := range res.Decisions {
		if d.Kind == KindCancelTokens {
			sawCancel = true
		}
	}
	require.False(t, sawCancel)
}

func TestDecideSynchronization_AllCancelsNonTerminalSiblings(t *testing.T) {
	sync := &definitions.Synchronization{Strategy: definitions.SyncAll, SiblingGroup: "g1"}
	snap := SiblingSnapshot{
		CompletedTokenIDs:   []string{"t-1", "t-2"},
		NonTerminalTokenIDs: []string{"t-3"},
	}
	res := DecideSynchronization(sync, snap, "root.cont", "t-1", "join")
	var cancelled []string
	for _, d := range res.Decisions {
		if d.Kind == KindCancelTokens {
			cancelled = d.TokenIDs
		}
	}
	require.Equal(t, []string{"t-3"}, cancelled)
}

func TestDecideSynchronization_TimeoutElapsedFailPolicyFailsWorkflow(t *testing.T) {
	sync := &definitions.Synchronization{Strategy: definitions.SyncAll, SiblingGroup: "g1", OnTimeout: definitions.OnTimeoutFail}
	snap := SiblingSnapshot{DeadlineElapsed: true}
	res := DecideSynchronization(sync, snap, "root.cont", "t-1", "join")
	require.Len(t, res.Decisions, 1)
	require.Equal(t, KindFailWorkflow, res.Decisions[0].Kind)
}

func TestDecideSynchronization_TimeoutElapsedProceedPolicyContinues(t *testing.T) {
	sync := &definitions.Synchronization{Strategy: definitions.SyncAll, SiblingGroup: "g1", OnTimeout: definitions.OnTimeoutProceedWithAvail}
	snap := SiblingSnapshot{DeadlineElapsed: true, CompletedTokenIDs: []string{"t-1"}}
	res := DecideSynchronization(sync, snap, "root.cont", "t-1", "join")
	var sawActivate, sawCreate bool
	for _, d := range res.Decisions {
		switch d.Kind {
		case KindTryActivateFanIn:
			sawActivate = true
		case KindBatchCreateTokens:
			sawCreate = true
		}
	}
	require.True(t, sawActivate)
	require.True(t, sawCreate)
}

func TestDecideSynchronization_MergeDescriptorEmitsMergeBranches(t *testing.T) {
	sync := &definitions.Synchronization{
		Strategy: definitions.SyncAll, SiblingGroup: "g1",
		Merge: &definitions.MergeDescriptor{Source: "output.result", Target: "state.collected", Strategy: "collect"},
	}
	snap := SiblingSnapshot{CompletedTokenIDs: []string{"t-1", "t-2"}}
	res := DecideSynchronization(sync, snap, "root.cont", "t-1", "join")
	var found bool
	for _, d := range res.Decisions {
		if d.Kind == KindMergeBranches {
			found = true
			require.Equal(t, []string{"t-1", "t-2"}, d.SiblingTokenIDs)
		}
	}
	require.True(t, found)
}

func TestDecideCompletion_NoFailuresCompletes(t *testing.T) {
	tokens := []*tokenstore.Token{
		{ID: "t-1", Status: tokenstore.StatusCompleted},
		{ID: "t-2", Status: tokenstore.StatusCompleted},
	}
	res := DecideCompletion(tokens, false)
	require.Len(t, res.Decisions, 1)
	require.Equal(t, KindCompleteWorkflow, res.Decisions[0].Kind)
}

func TestDecideCompletion_FailedTokenNoErrorRouteFailsWorkflow(t *testing.T) {
	tokens := []*tokenstore.Token{
		{ID: "t-1", Status: tokenstore.StatusCompleted},
		{ID: "t-2", Status: tokenstore.StatusFailed},
	}
	res := DecideCompletion(tokens, false)
	require.Len(t, res.Decisions, 1)
	require.Equal(t, KindFailWorkflow, res.Decisions[0].Kind)
}

func TestDecideCompletion_FailedTokenWithErrorRouteStillCompletes(t *testing.T) {
	tokens := []*tokenstore.Token{
		{ID: "t-1", Status: tokenstore.StatusFailed},
	}
	res := DecideCompletion(tokens, true)
	require.Len(t, res.Decisions, 1)
	require.Equal(t, KindCompleteWorkflow, res.Decisions[0].Kind)
}

// TestDecideRouting_LoopBelowMaxIterationsCarriesCountForward covers the
// back-edge case spec.md's Data Model describes: a bounded loop transition
// increments its edge's count and keeps routing while under the limit.
func TestDecideRouting_LoopBelowMaxIterationsCarriesCountForward(t *testing.T) {
	transitions := []*definitions.Transition{
		{From: "n", To: "retry", Priority: 0, Loop: &definitions.Loop{MaxIterations: 3}},
	}
	evaluator := condition.NewEvaluator()
	snap := &runcontext.Snapshot{State: map[string]any{}}
	tok := &tokenstore.Token{ID: "t-1", PathID: "root", Status: tokenstore.StatusCompleted, IterationCounts: map[string]int{"n->retry": 1}}

	res, err := DecideRouting(evaluator, tok, transitions, snap)
	require.NoError(t, err)
	require.Len(t, res.Decisions, 1)
	require.Equal(t, KindBatchCreateTokens, res.Decisions[0].Kind)
	require.Equal(t, 2, res.Decisions[0].NewTokens[0].IterationCounts["n->retry"])
}

// TestDecideRouting_LoopAtMaxIterationsFailsWorkflow covers spec.md §9's
// "emits FAIL_WORKFLOW with cause LoopLimitExceeded when the configured
// maximum is reached" behavior for a transition's back edge.
func TestDecideRouting_LoopAtMaxIterationsFailsWorkflow(t *testing.T) {
	transitions := []*definitions.Transition{
		{From: "n", To: "retry", Priority: 0, Loop: &definitions.Loop{MaxIterations: 3}},
	}
	evaluator := condition.NewEvaluator()
	snap := &runcontext.Snapshot{State: map[string]any{}}
	tok := &tokenstore.Token{ID: "t-1", PathID: "root", Status: tokenstore.StatusCompleted, IterationCounts: map[string]int{"n->retry": 3}}

	res, err := DecideRouting(evaluator, tok, transitions, snap)
	require.NoError(t, err)
	require.Len(t, res.Decisions, 1)
	require.Equal(t, KindFailWorkflow, res.Decisions[0].Kind)
	require.Equal(t, "LoopLimitExceeded", res.Decisions[0].FailureCause)
}

func TestDecideResume_BuildsResumeSignalThenCompletion(t *testing.T) {
	res := DecideResume("tok-1", map[string]any{"approved": true}, map[string]string{"output.approved": "state.approved"})
	require.Len(t, res.Decisions, 3)
	require.Equal(t, KindResumeSignal, res.Decisions[0].Kind)
	require.Equal(t, "resume:tok-1", res.Decisions[0].SiblingGroup)
	require.Equal(t, KindApplyOutputMapping, res.Decisions[1].Kind)
	require.Equal(t, KindUpdateTokenStatus, res.Decisions[2].Kind)
	require.Equal(t, tokenstore.StatusCompleted, res.Decisions[2].ToStatus)
}

func TestDecideCancel_CancelsNonTerminalAndFailsWorkflow(t *testing.T) {
	res := DecideCancel([]string{"t-1", "t-2"})
	require.Len(t, res.Decisions, 2)
	require.Equal(t, KindCancelTokens, res.Decisions[0].Kind)
	require.Equal(t, []string{"t-1", "t-2"}, res.Decisions[0].TokenIDs)
	require.Equal(t, KindFailWorkflow, res.Decisions[1].Kind)
	require.Equal(t, "Cancelled", res.Decisions[1].FailureCause)
}

func TestDecideCancel_NoNonTerminalTokensStillFailsWorkflow(t *testing.T) {
	res := DecideCancel(nil)
	require.Len(t, res.Decisions, 1)
	require.Equal(t, KindFailWorkflow, res.Decisions[0].Kind)
}
