package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/wonder-coordinator/cmd/coordinator/branch"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/condition"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/definitions"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/dispatch"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/executorclient"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/planning"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/resolver"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/runcontext"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/runstore"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/synchronization"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/tokenstore"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/trace"
	"github.com/lyzr/wonder-coordinator/common/logger"
)

// taskDispatcher is the subset of *executorclient.Client a run needs: hand
// off work, and block a dedicated listener goroutine waiting for its
// results. Kept as an interface so tests can supply an in-memory fake
// instead of a real Redis-backed client.
type taskDispatcher interface {
	Dispatch(ctx context.Context, req executorclient.DispatchRequest) error
	AwaitCallback(ctx context.Context, runID string, timeout time.Duration) (*executorclient.Callback, error)
}

// run is the single-writer actor for one workflow run: exactly one goroutine
// (loop) drains its event channel and mutates its state, so every store
// method below is called without further locking. Concurrency comes from
// many runs, never from within one.
type run struct {
	id          string
	workspaceID string
	projectID   string

	def   *definitions.WorkflowDef
	cache *definitions.Cache

	rs       *runstore.Store
	tokens   *tokenstore.Store
	ctxMgr   *runcontext.Manager
	branches *branch.Store
	applier  *dispatch.Applier

	evaluator *condition.Evaluator
	resolver  *resolver.Resolver
	emitter   *trace.Emitter
	executor  taskDispatcher
	ticker    *synchronization.Ticker

	log *logger.Logger

	events chan event
	done   chan struct{}
}

// newRun opens a fresh embedded store at storePath, migrates every section,
// validates and stores the initial input, and seeds the graph's root token
// at def.InitialNodeID — but does not start the loop or dispatch anything;
// callers do that once the run is registered with the coordinator.
func newRun(ctx context.Context, storePath string, def *definitions.WorkflowDef, cache *definitions.Cache,
	runID, workspaceID, projectID string, input map[string]any,
	sink trace.Sink, executor taskDispatcher, log *logger.Logger) (*run, error) {

	rs, err := runstore.Open(storePath)
	if err != nil {
		return nil, fmt.Errorf("engine: open run store for %s: %w", runID, err)
	}

	tokens := tokenstore.New(rs)
	if err := tokens.Migrate(ctx); err != nil {
		rs.Close()
		return nil, fmt.Errorf("engine: migrate tokens for %s: %w", runID, err)
	}

	ctxMgr, err := runcontext.New(rs, def.InputSchema, def.StateSchema, def.OutputSchema)
	if err != nil {
		rs.Close()
		return nil, fmt.Errorf("engine: build context manager for %s: %w", runID, err)
	}
	if err := ctxMgr.Migrate(ctx); err != nil {
		rs.Close()
		return nil, fmt.Errorf("engine: migrate context for %s: %w", runID, err)
	}
	if err := ctxMgr.Initialize(ctx, input); err != nil {
		rs.Close()
		return nil, fmt.Errorf("engine: initialize input for %s: %w", runID, err)
	}

	branches := branch.New(rs)
	emitter := trace.NewEmitter(sink, runID, workspaceID, projectID, nil)
	applier := dispatch.New(runID, tokens, ctxMgr, branches, emitter)

	r := &run{
		id: runID, workspaceID: workspaceID, projectID: projectID,
		def: def, cache: cache,
		rs: rs, tokens: tokens, ctxMgr: ctxMgr, branches: branches, applier: applier,
		evaluator: condition.NewEvaluator(), resolver: resolver.New(),
		emitter: emitter, executor: executor,
		log:    log.WithRunID(runID),
		events: make(chan event, 256),
		done:   make(chan struct{}),
	}
	r.ticker = synchronization.NewTicker(r.enqueueTimeout, 2*time.Second)

	if _, err := tokens.Create(ctx, tokenstore.CreateParams{RunID: runID, NodeID: def.InitialNodeID, PathID: "root"}); err != nil {
		rs.Close()
		return nil, fmt.Errorf("engine: seed root token for %s: %w", runID, err)
	}

	return r, nil
}

func (r *run) enqueueTimeout(runID, siblingGroup string, _ *definitions.Transition) {
	if runID != r.id {
		return
	}
	select {
	case r.events <- syncTimeout{siblingGroup: siblingGroup}:
	default:
		r.log.Warn("event queue full, dropping sync timeout", "sibling_group", siblingGroup)
	}
}

// enqueue hands an event to the run's loop. Safe to call from any goroutine
// (the executor callback listener, the ticker) — it never touches state
// directly.
func (r *run) enqueue(ctx context.Context, e event) {
	select {
	case r.events <- e:
	case <-ctx.Done():
	case <-r.done:
	}
}

// listenForCallbacks is the one place this run's process legitimately
// blocks: a dedicated goroutine parked in taskDispatcher.AwaitCallback,
// translating executor results into events for the serialized loop to
// process. It never touches run state directly.
func (r *run) listenForCallbacks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}
		cb, err := r.executor.AwaitCallback(ctx, r.id, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Error("await callback failed", "error", err)
			continue
		}
		if cb == nil {
			continue
		}
		if cb.Success {
			r.enqueue(ctx, tokenCompleted{tokenID: cb.TokenID, output: cb.Output})
		} else {
			r.enqueue(ctx, tokenFailed{tokenID: cb.TokenID, errInfo: cb.Error})
		}
	}
}

// loop is the run's only state-mutating goroutine. It drains events.go's
// event channel serially until a shutdown event or context cancellation.
func (r *run) loop(ctx context.Context) {
	defer close(r.done)
	defer r.rs.Close()

	go r.ticker.Run(ctx)
	go r.listenForCallbacks(ctx)

	if err := r.dispatchPendingTokens(ctx); err != nil {
		r.log.Error("initial dispatch failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-r.events:
			if _, isShutdown := e.(shutdown); isShutdown {
				return
			}
			if err := r.handle(ctx, e); err != nil {
				r.log.Error("event handling failed", "error", err)
			}
		}
	}
}

func (r *run) handle(ctx context.Context, e event) error {
	switch ev := e.(type) {
	case tokenCompleted:
		return r.handleTokenResult(ctx, ev.tokenID, true, ev.output, nil)
	case tokenFailed:
		return r.handleTokenResult(ctx, ev.tokenID, false, nil, ev.errInfo)
	case syncTimeout:
		return r.handleSyncTimeout(ctx, ev.siblingGroup)
	case resumeSignal:
		err := r.handleResume(ctx, ev.tokenID, ev.output)
		if ev.reply != nil {
			ev.reply <- err
		}
		return nil
	case cancelRun:
		err := r.handleCancel(ctx)
		if ev.reply != nil {
			ev.reply <- err
		}
		return nil
	default:
		return fmt.Errorf("engine: unrecognized event %T", e)
	}
}

// handleResume implements resume(runId, tokenId, output) for a token
// suspended at a human-gate node. Delivery is exactly-once: a second resume
// call for the same token loses the RESUME_SIGNAL race and reports an error
// instead of re-completing or re-routing the token.
func (r *run) handleResume(ctx context.Context, tokenID string, output map[string]any) error {
	tok, err := r.tokens.Get(ctx, tokenID)
	if err != nil {
		return fmt.Errorf("engine: load token %s: %w", tokenID, err)
	}
	if tok.Status != tokenstore.StatusWaitingForSubworkflow {
		return fmt.Errorf("engine: token %s is not waiting for resume (status %s)", tokenID, tok.Status)
	}

	var outputMapping map[string]string
	if node, ok := r.def.Nodes[tok.NodeID]; ok {
		outputMapping = node.OutputMapping
	}

	result := planning.DecideResume(tokenID, output, outputMapping)
	outcome, err := r.applier.Apply(ctx, result)
	if err != nil {
		return err
	}
	if !outcome.ResumeWon {
		return fmt.Errorf("engine: token %s was already resumed", tokenID)
	}

	if err := r.route(ctx, tok); err != nil {
		return err
	}
	if err := r.dispatchPendingTokens(ctx); err != nil {
		return err
	}
	return r.checkCompletion(ctx)
}

// handleCancel implements spec.md §6's cancel(runId) operation: every
// non-terminal token is cancelled and the run fails with cause Cancelled,
// then the loop is asked to shut down — mirroring checkCompletion's
// shutdown-on-terminal-outcome pattern.
func (r *run) handleCancel(ctx context.Context) error {
	nonTerminal, err := r.tokens.ListNonTerminal(ctx, r.id)
	if err != nil {
		return fmt.Errorf("engine: list non-terminal tokens for cancel: %w", err)
	}
	ids := make([]string, len(nonTerminal))
	for i, t := range nonTerminal {
		ids[i] = t.ID
	}

	result := planning.DecideCancel(ids)
	outcome, err := r.applier.Apply(ctx, result)
	if err != nil {
		return err
	}
	if outcome.Failed {
		select {
		case r.events <- shutdown{}:
		default:
		}
	}
	return nil
}

// handleTokenResult is the single path both success and failure callbacks
// take: mark the token terminal, apply its output mapping, then either
// settle its sibling group (if it has one) or route from its node, dispatch
// whatever became newly pending, and check for run completion.
func (r *run) handleTokenResult(ctx context.Context, tokenID string, success bool, output map[string]any, errInfo *executorclient.ResultError) error {
	tok, err := r.tokens.Get(ctx, tokenID)
	if err != nil {
		return fmt.Errorf("engine: load token %s: %w", tokenID, err)
	}

	// A result means the executor picked the token up: move it dispatched →
	// executing first. A token in any other status is left as it is.
	if _, err := r.tokens.MarkExecuting(ctx, tokenID); err != nil {
		return fmt.Errorf("engine: mark token %s executing: %w", tokenID, err)
	}

	if success {
		if _, err := r.tokens.Complete(ctx, tokenID); err != nil {
			return fmt.Errorf("engine: complete token %s: %w", tokenID, err)
		}
		node, ok := r.def.Nodes[tok.NodeID]
		if ok && len(node.OutputMapping) > 0 && output != nil {
			if err := r.ctxMgr.ApplyOutputMapping(ctx, node.OutputMapping, output); err != nil {
				return fmt.Errorf("engine: apply output mapping for %s: %w", tokenID, err)
			}
		}
	} else {
		if _, err := r.tokens.Fail(ctx, tokenID); err != nil {
			return fmt.Errorf("engine: fail token %s: %w", tokenID, err)
		}
		if errInfo != nil {
			_ = r.emitter.WorkflowEvent(ctx, "token.failed", tokenID, tok.NodeID, map[string]any{"kind": errInfo.Kind, "message": errInfo.Message})
		}
	}

	if tok.SiblingGroup != "" {
		if err := r.evaluateSynchronization(ctx, tok.SiblingGroup); err != nil {
			return err
		}
	} else {
		if err := r.route(ctx, tok); err != nil {
			return err
		}
	}

	if err := r.dispatchPendingTokens(ctx); err != nil {
		return err
	}
	return r.checkCompletion(ctx)
}

// route runs the pure routing planner for completedToken and applies its
// decisions — used for tokens with no sibling group, which route directly
// without waiting on a fan-in.
func (r *run) route(ctx context.Context, completedToken *tokenstore.Token) error {
	snapshot, err := r.ctxMgr.GetSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("engine: snapshot for routing: %w", err)
	}
	transitions := r.def.OutgoingTransitions(completedToken.NodeID)
	result, err := planning.DecideRouting(r.evaluator, completedToken, transitions, snapshot)
	if err != nil {
		return fmt.Errorf("engine: decide routing from %s: %w", completedToken.NodeID, err)
	}
	if _, err := r.applier.Apply(ctx, result); err != nil {
		return err
	}
	r.registerSyncDeadlines(result, time.Now())
	return nil
}

// registerSyncDeadlines scans a routing result's spawned tokens for
// sibling groups with a timeout and arms the ticker for each one; called
// after the tokens are already persisted, since Register only needs the
// transition's descriptor and an arrival time.
func (r *run) registerSyncDeadlines(result *planning.Result, arrivedAt time.Time) {
	for _, d := range result.Decisions {
		for _, spec := range d.NewTokens {
			if spec.SiblingGroup == "" || spec.Transition == nil || spec.Transition.Sync == nil {
				continue
			}
			r.ticker.Register(r.id, spec.SiblingGroup, spec.Transition, arrivedAt)
		}
	}
}

// findSyncDescriptor locates the Synchronization descriptor for a sibling
// group by scanning every transition; a workflow rarely has more than a
// handful of synchronized transitions, so a linear scan per fan-in is cheap
// relative to the I/O it triggers.
func (r *run) findSyncDescriptor(siblingGroup string) *definitions.Synchronization {
	for _, t := range r.def.Transitions {
		if t.Sync != nil && t.Sync.SiblingGroup == siblingGroup {
			return t.Sync
		}
	}
	return nil
}

func (r *run) evaluateSynchronization(ctx context.Context, siblingGroup string) error {
	sync := r.findSyncDescriptor(siblingGroup)
	if sync == nil {
		return fmt.Errorf("engine: no synchronization descriptor for sibling group %s", siblingGroup)
	}
	outcome, err := synchronization.Evaluate(ctx, r.tokens, r.id, sync)
	if err != nil {
		return fmt.Errorf("engine: evaluate synchronization for %s: %w", siblingGroup, err)
	}
	if !outcome.ConditionMet {
		return nil
	}
	return r.activateFanIn(ctx, sync, false)
}

func (r *run) handleSyncTimeout(ctx context.Context, siblingGroup string) error {
	sync := r.findSyncDescriptor(siblingGroup)
	if sync == nil {
		return nil
	}
	return r.activateFanIn(ctx, sync, true)
}

// activateFanIn is only reached once a sibling group's synchronization
// strategy has actually resolved — either evaluateSynchronization found its
// condition met, or the group's deadline elapsed — so this is the right
// place to retire the group's ticker deadline, not the per-token-completion
// path that runs before the strategy condition is even checked.
func (r *run) activateFanIn(ctx context.Context, sync *definitions.Synchronization, deadlineElapsed bool) error {
	r.ticker.Clear(sync.SiblingGroup)

	siblings, err := r.tokens.ListByStatus(ctx, r.id, []tokenstore.Status{
		tokenstore.StatusPending, tokenstore.StatusDispatched, tokenstore.StatusExecuting,
		tokenstore.StatusWaitingForSiblings, tokenstore.StatusCompleted,
	})
	if err != nil {
		return fmt.Errorf("engine: list siblings for %s: %w", sync.SiblingGroup, err)
	}

	var completedIDs, nonTerminalIDs []string
	var joinNodeID, parentTokenID string
	for _, t := range siblings {
		if t.SiblingGroup != sync.SiblingGroup {
			continue
		}
		if t.Status == tokenstore.StatusCompleted {
			completedIDs = append(completedIDs, t.ID)
			parentTokenID = t.ID
		} else {
			nonTerminalIDs = append(nonTerminalIDs, t.ID)
		}
	}
	if joinTransition := r.joinTransitionFor(sync.SiblingGroup); joinTransition != nil {
		joinNodeID = joinTransition.To
	}

	snap := planning.SiblingSnapshot{
		CompletedTokenIDs:   completedIDs,
		NonTerminalTokenIDs: nonTerminalIDs,
		DeadlineElapsed:     deadlineElapsed,
	}
	result := planning.DecideSynchronization(sync, snap, "root."+sync.SiblingGroup+".join", parentTokenID, joinNodeID)
	_, err = r.applier.Apply(ctx, result)
	return err
}

// joinTransitionFor returns the transition whose Sync descriptor carries
// siblingGroup — the same lookup as findSyncDescriptor, but returning the
// transition itself so activateFanIn can read its destination node.
func (r *run) joinTransitionFor(siblingGroup string) *definitions.Transition {
	for _, t := range r.def.Transitions {
		if t.Sync != nil && t.Sync.SiblingGroup == siblingGroup {
			return t
		}
	}
	return nil
}

// dispatchPendingTokens finds every token still in pending status, resolves
// its task input from the current context, and hands it to the executor.
func (r *run) dispatchPendingTokens(ctx context.Context) error {
	pending, err := r.tokens.ListByStatus(ctx, r.id, []tokenstore.Status{tokenstore.StatusPending})
	if err != nil {
		return fmt.Errorf("engine: list pending tokens: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	snapshot, err := r.ctxMgr.GetSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("engine: snapshot for dispatch: %w", err)
	}
	snapshotMap := map[string]any{"input": snapshot.Input, "state": snapshot.State, "output": snapshot.Output}

	for _, tok := range pending {
		node, ok := r.def.Nodes[tok.NodeID]
		if !ok {
			r.log.Warn("pending token references unknown node", "node_id", tok.NodeID)
			continue
		}

		if node.HumanGate {
			if _, err := r.tokens.MarkWaitingForSubworkflow(ctx, tok.ID); err != nil {
				return fmt.Errorf("engine: mark waiting for subworkflow %s: %w", tok.ID, err)
			}
			if err := r.emitter.WorkflowEvent(ctx, "token.waiting_for_subworkflow", tok.ID, tok.NodeID, nil); err != nil {
				r.log.Error("emit waiting-for-subworkflow event failed", "error", err)
			}
			continue
		}

		taskInput := r.resolver.ResolveInputMapping(node.InputMapping, snapshotMap)
		req := executorclient.DispatchRequest{
			RunID: r.id, TokenID: tok.ID, TaskID: node.TaskID, TaskVersion: node.TaskVersion,
			Input:       taskInput,
			Correlation: executorclient.Correlation{RunID: r.id, WorkspaceID: r.workspaceID, ProjectID: r.projectID},
		}
		if err := r.executor.Dispatch(ctx, req); err != nil {
			return fmt.Errorf("engine: dispatch token %s: %w", tok.ID, err)
		}
		if _, err := r.tokens.MarkDispatched(ctx, tok.ID); err != nil {
			return fmt.Errorf("engine: mark dispatched %s: %w", tok.ID, err)
		}
		if err := r.emitter.WorkflowEvent(ctx, "token.dispatched", tok.ID, tok.NodeID, nil); err != nil {
			r.log.Error("emit dispatch event failed", "error", err)
		}
	}
	return nil
}

// checkCompletion runs the lifecycle planner once no token remains
// non-terminal, per the run's current token population.
func (r *run) checkCompletion(ctx context.Context) error {
	nonTerminal, err := r.tokens.ListNonTerminal(ctx, r.id)
	if err != nil {
		return fmt.Errorf("engine: list non-terminal tokens: %w", err)
	}
	if len(nonTerminal) > 0 {
		return nil
	}

	all, err := r.tokens.ListAll(ctx, r.id)
	if err != nil {
		return fmt.Errorf("engine: list all tokens: %w", err)
	}

	hasErrorRoute := r.anyFailedNodeHasOutgoingRoute(all)
	result := planning.DecideCompletion(all, hasErrorRoute)
	outcome, err := r.applier.Apply(ctx, result)
	if err != nil {
		return err
	}
	if outcome.Completed || outcome.Failed {
		select {
		case r.events <- shutdown{}:
		default:
		}
	}
	return nil
}

// anyFailedNodeHasOutgoingRoute reports whether any failed token's node has
// an outgoing transition in the graph — i.e. the workflow defines a route
// that could handle the failure, regardless of whether its condition ended
// up matching. Graph shape, not run state, per DecideCompletion's contract.
func (r *run) anyFailedNodeHasOutgoingRoute(all []*tokenstore.Token) bool {
	for _, t := range all {
		if t.Status == tokenstore.StatusFailed && !r.def.IsTerminal(t.NodeID) {
			return true
		}
	}
	return false
}
