// Package dispatch is the coordinator's only impure interpreter of planning
// decisions: it takes the Decision slice a pure planner returned and applies
// each one against tokenstore/runcontext/branch, emitting the planner's
// trace events first. The engine also writes some run state itself: it
// records executor results and dispatch marks on tokens and applies output
// mappings directly.
package dispatch

import (
	"context"
	"fmt"

	"github.com/lyzr/wonder-coordinator/cmd/coordinator/branch"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/planning"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/runcontext"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/tokenstore"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/trace"
)

// Outcome summarizes the terminal decisions (if any) a dispatch batch
// produced, so the engine knows whether the run just completed or failed.
type Outcome struct {
	Completed    bool
	Failed       bool
	FailureCause string
	ResumeWon    bool
}

// Applier interprets planning.Decision values for one run.
type Applier struct {
	runID    string
	tokens   *tokenstore.Store
	ctxMgr   *runcontext.Manager
	branches *branch.Store
	emitter  *trace.Emitter
}

// New constructs an Applier for one run's stores.
func New(runID string, tokens *tokenstore.Store, ctxMgr *runcontext.Manager, branches *branch.Store, emitter *trace.Emitter) *Applier {
	return &Applier{runID: runID, tokens: tokens, ctxMgr: ctxMgr, branches: branches, emitter: emitter}
}

// Apply emits all of result's trace events first, then interprets every
// decision in result, in order; the events are emitted even for decisions
// that end up skipped. If a TRY_ACTIVATE_FAN_IN decision loses its race,
// the remaining decisions in this result are skipped — they were built on
// the assumption this call would win, and only the winner drives the
// continuation (spec.md §4.4's single-activator guarantee).
func (a *Applier) Apply(ctx context.Context, result *planning.Result) (Outcome, error) {
	for _, ev := range result.Events {
		if err := a.emitter.WorkflowEvent(ctx, ev.Type, ev.TokenID, ev.NodeID, ev.Payload); err != nil {
			return Outcome{}, fmt.Errorf("dispatch: emit trace event %s: %w", ev.Type, err)
		}
	}

	var out Outcome
	for _, d := range result.Decisions {
		proceed, err := a.applyOne(ctx, d, &out)
		if err != nil {
			return Outcome{}, err
		}
		if !proceed {
			break
		}
	}
	return out, nil
}

func (a *Applier) applyOne(ctx context.Context, d planning.Decision, out *Outcome) (bool, error) {
	switch d.Kind {
	case planning.KindCreateToken, planning.KindBatchCreateTokens:
		return true, a.createTokens(ctx, d.NewTokens)

	case planning.KindMarkWaiting:
		return true, a.forEachToken(ctx, d.TokenIDs, a.tokens.MarkWaiting)

	case planning.KindMarkForDispatch:
		return true, a.forEachToken(ctx, d.TokenIDs, a.tokens.MarkDispatched)

	case planning.KindCancelTokens:
		return true, a.forEachToken(ctx, d.TokenIDs, a.tokens.Cancel)

	case planning.KindUpdateTokenStatus:
		return true, a.updateTokenStatus(ctx, d.TokenIDs, d.ToStatus)

	case planning.KindSetContext:
		if err := a.ctxMgr.SetField(ctx, d.ContextPath, d.ContextValue); err != nil {
			return false, fmt.Errorf("dispatch: set context %s: %w", d.ContextPath, err)
		}
		return true, nil

	case planning.KindApplyOutputMapping:
		if err := a.ctxMgr.ApplyOutputMapping(ctx, d.OutputMapping, d.TaskOutput); err != nil {
			return false, fmt.Errorf("dispatch: apply output mapping: %w", err)
		}
		return true, nil

	case planning.KindInitBranchTable:
		if err := a.branches.InitializeBranchTable(ctx, d.TokenID, d.OutputSchema); err != nil {
			return false, fmt.Errorf("dispatch: init branch table for %s: %w", d.TokenID, err)
		}
		return true, nil

	case planning.KindApplyBranchOutput:
		if err := a.branches.ApplyBranchOutput(ctx, d.TokenID, d.BranchOutput); err != nil {
			return false, fmt.Errorf("dispatch: apply branch output for %s: %w", d.TokenID, err)
		}
		return true, nil

	case planning.KindMergeBranches:
		if err := a.mergeBranches(ctx, d); err != nil {
			return false, fmt.Errorf("dispatch: merge branches for %s: %w", d.SiblingGroup, err)
		}
		return true, nil

	case planning.KindDropBranchTables:
		if err := a.branches.DropBranchTables(ctx, d.TokenIDs); err != nil {
			return false, fmt.Errorf("dispatch: drop branch tables: %w", err)
		}
		return true, nil

	case planning.KindTryActivateFanIn:
		won, err := a.tokens.TryActivateFanIn(ctx, d.SiblingGroup, d.ActivatorTokenID)
		if err != nil {
			return false, fmt.Errorf("dispatch: try activate fan-in for %s: %w", d.SiblingGroup, err)
		}
		return won, nil

	case planning.KindResumeSignal:
		won, err := a.tokens.TryActivateFanIn(ctx, d.SiblingGroup, d.ActivatorTokenID)
		if err != nil {
			return false, fmt.Errorf("dispatch: resume signal for %s: %w", d.ActivatorTokenID, err)
		}
		out.ResumeWon = won
		return won, nil

	case planning.KindCompleteWorkflow:
		out.Completed = true
		return true, nil

	case planning.KindFailWorkflow:
		out.Failed = true
		out.FailureCause = d.FailureCause
		return true, nil

	default:
		return false, fmt.Errorf("dispatch: unknown decision kind %q", d.Kind)
	}
}

func (a *Applier) createTokens(ctx context.Context, specs []planning.NewTokenSpec) error {
	for _, spec := range specs {
		_, err := a.tokens.Create(ctx, tokenstore.CreateParams{
			RunID:           a.runID,
			NodeID:          spec.NodeID,
			PathID:          spec.PathID,
			ParentTokenID:   spec.ParentTokenID,
			SiblingGroup:    spec.SiblingGroup,
			BranchIndex:     spec.BranchIndex,
			BranchTotal:     spec.BranchTotal,
			IterationCounts: spec.IterationCounts,
		})
		if err != nil {
			return fmt.Errorf("dispatch: create token at %s: %w", spec.NodeID, err)
		}
	}
	return nil
}

func (a *Applier) forEachToken(ctx context.Context, tokenIDs []string, fn func(context.Context, string) (bool, error)) error {
	for _, id := range tokenIDs {
		if _, err := fn(ctx, id); err != nil {
			return fmt.Errorf("dispatch: update token %s: %w", id, err)
		}
	}
	return nil
}

// updateTokenStatus dispatches a generic status decision to the matching
// conditional-transition method; tokenstore never accepts an arbitrary
// target status because every transition enforces its own from-set guard.
func (a *Applier) updateTokenStatus(ctx context.Context, tokenIDs []string, to tokenstore.Status) error {
	var fn func(context.Context, string) (bool, error)
	switch to {
	case tokenstore.StatusCompleted:
		fn = a.tokens.Complete
	case tokenstore.StatusFailed:
		fn = a.tokens.Fail
	case tokenstore.StatusTimedOut:
		fn = a.tokens.TimeOut
	case tokenstore.StatusCancelled:
		fn = a.tokens.Cancel
	case tokenstore.StatusDispatched:
		fn = a.tokens.MarkDispatched
	case tokenstore.StatusExecuting:
		fn = a.tokens.MarkExecuting
	case tokenstore.StatusWaitingForSiblings:
		fn = a.tokens.MarkWaiting
	default:
		return fmt.Errorf("dispatch: unsupported target status %q", to)
	}
	return a.forEachToken(ctx, tokenIDs, fn)
}

func (a *Applier) mergeBranches(ctx context.Context, d planning.Decision) error {
	branchIndices := make(map[string]int, len(d.SiblingTokenIDs))
	for _, id := range d.SiblingTokenIDs {
		tok, err := a.tokens.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("load sibling token %s: %w", id, err)
		}
		branchIndices[id] = tok.BranchIndex
	}
	outputs, err := a.branches.GetBranchOutputs(ctx, d.SiblingTokenIDs, branchIndices)
	if err != nil {
		return fmt.Errorf("load branch outputs: %w", err)
	}
	merged, err := a.branches.MergeBranches(*d.Merge, outputs)
	if err != nil {
		return fmt.Errorf("compute merge: %w", err)
	}
	if err := a.ctxMgr.SetField(ctx, d.Merge.Target, merged); err != nil {
		return fmt.Errorf("write merge target %s: %w", d.Merge.Target, err)
	}
	return nil
}
