// Package planning implements the coordinator's pure decision functions:
// routing, synchronization, and lifecycle. Every function here is a pure
// transform from (token, definitions, snapshot, counts) to a Decision
// slice plus trace events — no I/O, no direct state mutation. Dispatch is
// the only component that interprets and applies decisions.
package planning

import (
	"fmt"

	"github.com/lyzr/wonder-coordinator/cmd/coordinator/branch"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/condition"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/definitions"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/resolver"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/runcontext"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/tokenstore"
)

// foreachResolver is stateless; package-level to avoid reallocating per call.
var foreachResolver = resolver.New()

// Kind tags a Decision's variant.
type Kind string

const (
	KindCreateToken        Kind = "CREATE_TOKEN"
	KindBatchCreateTokens  Kind = "BATCH_CREATE_TOKENS"
	KindUpdateTokenStatus  Kind = "UPDATE_TOKEN_STATUS"
	KindMarkWaiting        Kind = "MARK_WAITING"
	KindMarkForDispatch    Kind = "MARK_FOR_DISPATCH"
	KindSetContext         Kind = "SET_CONTEXT"
	KindApplyOutputMapping Kind = "APPLY_OUTPUT_MAPPING"
	KindInitBranchTable    Kind = "INIT_BRANCH_TABLE"
	KindApplyBranchOutput  Kind = "APPLY_BRANCH_OUTPUT"
	KindMergeBranches      Kind = "MERGE_BRANCHES"
	KindDropBranchTables   Kind = "DROP_BRANCH_TABLES"
	KindTryActivateFanIn   Kind = "TRY_ACTIVATE_FAN_IN"
	KindResumeSignal       Kind = "RESUME_SIGNAL"
	KindCancelTokens       Kind = "CANCEL_TOKENS"
	KindCompleteWorkflow   Kind = "COMPLETE_WORKFLOW"
	KindFailWorkflow       Kind = "FAIL_WORKFLOW"
)

// NewTokenSpec describes one token to create; used by both CREATE_TOKEN and
// BATCH_CREATE_TOKENS decisions.
type NewTokenSpec struct {
	NodeID          string
	PathID          string
	ParentTokenID   string
	SiblingGroup    string
	BranchIndex     int
	BranchTotal     int
	Transition      *definitions.Transition
	IterationCounts map[string]int
}

// Decision is the declarative output of every planner. Only the fields
// relevant to Kind are populated.
type Decision struct {
	Kind Kind

	// CREATE_TOKEN / BATCH_CREATE_TOKENS
	NewTokens []NewTokenSpec

	// UPDATE_TOKEN_STATUS / MARK_WAITING / MARK_FOR_DISPATCH / CANCEL_TOKENS
	TokenIDs []string
	ToStatus tokenstore.Status

	// SET_CONTEXT
	ContextPath  string
	ContextValue any

	// APPLY_OUTPUT_MAPPING
	OutputMapping map[string]string
	TaskOutput    map[string]any

	// INIT_BRANCH_TABLE / APPLY_BRANCH_OUTPUT
	TokenID      string
	OutputSchema []byte
	BranchOutput map[string]any

	// MERGE_BRANCHES
	SiblingGroup string
	Merge        *branch.MergeDescriptor
	SiblingTokenIDs []string

	// TRY_ACTIVATE_FAN_IN
	ActivatorTokenID string

	// COMPLETE_WORKFLOW / FAIL_WORKFLOW
	FailureCause string
	FailureToken string
	FailurePath  string
	FailureMsg   string
}

// TraceEvent is a planner's trace record, emitted by dispatch as-is (the
// planner doesn't talk to the trace emitter directly; that would be I/O).
type TraceEvent struct {
	Type    string
	TokenID string
	NodeID  string
	Payload map[string]any
}

// Result bundles a planner's decisions and trace events.
type Result struct {
	Decisions []Decision
	Events    []TraceEvent
}

func (r *Result) add(d Decision, events ...TraceEvent) {
	r.Decisions = append(r.Decisions, d)
	r.Events = append(r.Events, events...)
}

// DecideRouting implements spec.md §4.5.1: priority-tiered transition
// evaluation and token spawning. completedToken has just reached a
// terminal status (the engine routes failed tokens as well as completed
// ones); transitions are def.OutgoingTransitions(node),
// already sorted by priority then definition order.
func DecideRouting(evaluator *condition.Evaluator, completedToken *tokenstore.Token, transitions []*definitions.Transition, snapshot *runcontext.Snapshot) (*Result, error) {
	result := &Result{}

	snapshotMap := map[string]any{
		"input":  snapshot.Input,
		"state":  snapshot.State,
		"output": snapshot.Output,
	}

	tiers := groupByPriority(transitions)
	for _, tier := range tiers {
		var matches []*definitions.Transition
		for _, t := range tier {
			ok, err := evaluator.Evaluate(t.Condition, snapshotMap)
			if err != nil {
				// A raising condition is a non-match, trace-logged, not propagated.
				result.Events = append(result.Events, TraceEvent{
					Type: "condition.evaluation_error", NodeID: t.From,
					Payload: map[string]any{"error": err.Error(), "to": t.To},
				})
				continue
			}
			if ok {
				matches = append(matches, t)
			}
		}
		if len(matches) == 0 {
			continue
		}
		for _, t := range matches {
			spec, loopExceeded, err := spawnSpecsForTransition(t, completedToken, snapshot)
			if err != nil {
				return nil, err
			}
			if loopExceeded {
				return &Result{
					Decisions: []Decision{{Kind: KindFailWorkflow, FailureCause: "LoopLimitExceeded", FailurePath: t.From + "->" + t.To}},
					Events: []TraceEvent{{Type: "workflow.failed", NodeID: t.From, Payload: map[string]any{
						"cause": "LoopLimitExceeded", "from": t.From, "to": t.To, "maxIterations": t.Loop.MaxIterations,
					}}},
				}, nil
			}
			if len(spec) == 0 {
				continue
			}
			result.add(Decision{Kind: KindBatchCreateTokens, NewTokens: spec},
				TraceEvent{Type: "token.created", NodeID: t.To, Payload: map[string]any{"count": len(spec), "from": t.From}})
		}
		break // tier matched: do not evaluate lower-priority tiers
	}
	return result, nil
}

func groupByPriority(transitions []*definitions.Transition) [][]*definitions.Transition {
	var tiers [][]*definitions.Transition
	var currentPriority int
	var current []*definitions.Transition
	first := true
	for _, t := range transitions {
		if first || t.Priority != currentPriority {
			if len(current) > 0 {
				tiers = append(tiers, current)
			}
			current = nil
			currentPriority = t.Priority
			first = false
		}
		current = append(current, t)
	}
	if len(current) > 0 {
		tiers = append(tiers, current)
	}
	return tiers
}

// spawnSpecsForTransition resolves a matched transition's spawn count
// (static, foreach, or singleton) and builds one NewTokenSpec per position,
// in branch-index order. When t carries a Loop descriptor, the edge's
// iteration count (keyed off completedToken's own IterationCounts, carried
// forward from its ancestors) is incremented first; exceeding the configured
// maximum reports loopExceeded instead of returning specs, so the caller can
// fail the run rather than spawn another trip around the back edge.
func spawnSpecsForTransition(t *definitions.Transition, completedToken *tokenstore.Token, snapshot *runcontext.Snapshot) (specs []NewTokenSpec, loopExceeded bool, err error) {
	count := 1
	switch {
	case t.SpawnCount > 0:
		count = t.SpawnCount
	case t.Foreach != "":
		arr, ferr := resolveForeachArray(t.Foreach, snapshot)
		if ferr != nil {
			return nil, false, ferr
		}
		count = len(arr)
	}
	if count == 0 {
		return nil, false, nil
	}

	iterationCounts := make(map[string]int, len(completedToken.IterationCounts)+1)
	for edge, n := range completedToken.IterationCounts {
		iterationCounts[edge] = n
	}
	if t.Loop != nil {
		edge := t.From + "->" + t.To
		iterationCounts[edge]++
		if iterationCounts[edge] > t.Loop.MaxIterations {
			return nil, true, nil
		}
	}

	basePathID := completedToken.PathID + "." + t.From
	specs = make([]NewTokenSpec, 0, count)
	for i := 0; i < count; i++ {
		pathID := basePathID
		if count > 1 || t.SiblingGroup != "" {
			pathID = fmt.Sprintf("%s.%d", basePathID, i)
		}
		specs = append(specs, NewTokenSpec{
			NodeID:          t.To,
			PathID:          pathID,
			ParentTokenID:   completedToken.ID,
			SiblingGroup:    t.SiblingGroup,
			BranchIndex:     i,
			BranchTotal:     count,
			Transition:      t,
			IterationCounts: iterationCounts,
		})
	}
	return specs, false, nil
}

func resolveForeachArray(path string, snapshot *runcontext.Snapshot) ([]any, error) {
	doc := map[string]any{"input": snapshot.Input, "state": snapshot.State, "output": snapshot.Output}
	v, ok := foreachResolver.Get(doc, path)
	if !ok {
		return nil, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("planning: foreach path %q does not resolve to an array", path)
	}
	return arr, nil
}

// SiblingSnapshot is the already-fetched sibling-group state the
// synchronization driver hands to DecideSynchronization — counts plus the
// token IDs needed to build CANCEL_TOKENS/MERGE_BRANCHES decisions. Fetching
// it is I/O (synchronization.Evaluate); deciding what to do with it is not.
type SiblingSnapshot struct {
	Counts              *tokenstore.SiblingCounts
	CompletedTokenIDs   []string // in branch-index order
	NonTerminalTokenIDs []string
	DeadlineElapsed     bool
}

// DecideSynchronization implements spec.md §4.5.3. It assumes the condition
// for sync.Strategy has already been checked true by the caller (or that
// snap.DeadlineElapsed is true), and decides the activation sequence: try to
// win the race, and if winning, merge + create continuation + cancel/drop as
// the strategy requires.
func DecideSynchronization(sync *definitions.Synchronization, snap SiblingSnapshot, newContinuationPathID, continuationParentTokenID, continuationNodeID string) *Result {
	result := &Result{}

	if snap.DeadlineElapsed && sync.OnTimeout == definitions.OnTimeoutFail {
		result.add(Decision{Kind: KindFailWorkflow, FailureCause: "SynchronizationTimeout", FailurePath: sync.SiblingGroup},
			TraceEvent{Type: "workflow.failed", Payload: map[string]any{"cause": "SynchronizationTimeout", "siblingGroup": sync.SiblingGroup}})
		return result
	}

	result.add(Decision{Kind: KindTryActivateFanIn, SiblingGroup: sync.SiblingGroup, ActivatorTokenID: continuationParentTokenID},
		TraceEvent{Type: "fan_in.attempt", Payload: map[string]any{"siblingGroup": sync.SiblingGroup}})

	if sync.Merge != nil {
		result.add(Decision{
			Kind:            KindMergeBranches,
			SiblingGroup:    sync.SiblingGroup,
			Merge:           &branch.MergeDescriptor{Source: sync.Merge.Source, Target: sync.Merge.Target, Strategy: branch.Strategy(sync.Merge.Strategy)},
			SiblingTokenIDs: snap.CompletedTokenIDs,
		}, TraceEvent{Type: "fan_in.merged", Payload: map[string]any{"siblingGroup": sync.SiblingGroup, "strategy": sync.Merge.Strategy}})
	}

	if sync.Strategy == definitions.SyncAll && len(snap.NonTerminalTokenIDs) > 0 {
		result.add(Decision{Kind: KindCancelTokens, TokenIDs: snap.NonTerminalTokenIDs},
			TraceEvent{Type: "tokens.cancelled", Payload: map[string]any{"siblingGroup": sync.SiblingGroup, "count": len(snap.NonTerminalTokenIDs)}})
	}

	result.add(Decision{
		Kind: KindBatchCreateTokens,
		NewTokens: []NewTokenSpec{{
			NodeID:        continuationNodeID,
			PathID:        newContinuationPathID,
			ParentTokenID: continuationParentTokenID,
		}},
	}, TraceEvent{Type: "token.created", NodeID: continuationNodeID})

	result.add(Decision{Kind: KindDropBranchTables, TokenIDs: snap.CompletedTokenIDs},
		TraceEvent{Type: "branch_tables.dropped", Payload: map[string]any{"siblingGroup": sync.SiblingGroup}})

	return result
}

// DecideCompletion implements spec.md §4.5.4: called when no token in the
// run has a non-terminal status. allTokens is the full, already-fetched
// token list for the run; hasErrorRoute reports whether the workflow graph
// has a transition that would have handled a failed token (the caller
// determines this from the definition, since it's graph-shape, not state).
func DecideCompletion(allTokens []*tokenstore.Token, hasErrorRoute bool) *Result {
	result := &Result{}

	var anyFailed bool
	for _, t := range allTokens {
		if t.Status == tokenstore.StatusFailed {
			anyFailed = true
			break
		}
	}

	if anyFailed && !hasErrorRoute {
		result.add(Decision{Kind: KindFailWorkflow, FailureCause: "TokenFailed"},
			TraceEvent{Type: "workflow.failed", Payload: map[string]any{"cause": "TokenFailed"}})
		return result
	}

	result.add(Decision{Kind: KindCompleteWorkflow}, TraceEvent{Type: "workflow.completed"})
	return result
}

// DecideResume implements the resume(runId, tokenId, output) operation from
// spec.md §6: a token suspended at a human-gate node (status
// waiting_for_subworkflow) is released by an external signal. RESUME_SIGNAL
// races exactly like TRY_ACTIVATE_FAN_IN — one winner per token, via the
// same fan_in_activations uniqueness mechanism, keyed by a "resume:"-prefixed
// pseudo sibling-group so a duplicate or concurrent resume call is a no-op.
// The output-mapping and completion decisions are appended unconditionally;
// dispatch.Applier only applies them if RESUME_SIGNAL actually won.
func DecideResume(tokenID string, output map[string]any, outputMapping map[string]string) *Result {
	result := &Result{}

	result.add(Decision{Kind: KindResumeSignal, SiblingGroup: "resume:" + tokenID, ActivatorTokenID: tokenID},
		TraceEvent{Type: "resume.attempt", TokenID: tokenID})

	if len(outputMapping) > 0 {
		result.add(Decision{Kind: KindApplyOutputMapping, OutputMapping: outputMapping, TaskOutput: output})
	}

	result.add(Decision{Kind: KindUpdateTokenStatus, TokenIDs: []string{tokenID}, ToStatus: tokenstore.StatusCompleted},
		TraceEvent{Type: "token.resumed", TokenID: tokenID})

	return result
}

// DecideCancel implements spec.md §6's cancel(runId) operation: every
// non-terminal token is cancelled, unconditionally, and the run fails with
// cause Cancelled — regardless of graph shape or any error route.
func DecideCancel(nonTerminalTokenIDs []string) *Result {
	result := &Result{}

	if len(nonTerminalTokenIDs) > 0 {
		result.add(Decision{Kind: KindCancelTokens, TokenIDs: nonTerminalTokenIDs},
			TraceEvent{Type: "tokens.cancelled", Payload: map[string]any{"count": len(nonTerminalTokenIDs), "cause": "Cancelled"}})
	}

	result.add(Decision{Kind: KindFailWorkflow, FailureCause: "Cancelled"},
		TraceEvent{Type: "workflow.failed", Payload: map[string]any{"cause": "Cancelled"}})

	return result
}
