// Package definitions models the immutable, versioned workflow definition
// tree (WorkflowDef/Node/Transition/Task) the coordinator routes against,
// and compiles/validates it once at load time.
package definitions

import (
	"fmt"

	"github.com/lyzr/wonder-coordinator/cmd/coordinator/condition"
)

// SyncStrategy names a fan-in synchronization strategy.
type SyncStrategy string

const (
	SyncAny  SyncStrategy = "any"
	SyncAll  SyncStrategy = "all"
	SyncMofN SyncStrategy = "m_of_n"
)

// OnTimeoutPolicy names what happens when a synchronization deadline elapses
// without meeting its strategy condition.
type OnTimeoutPolicy string

const (
	OnTimeoutFail             OnTimeoutPolicy = "fail"
	OnTimeoutProceedWithAvail OnTimeoutPolicy = "proceed_with_available"
)

// MergeStrategy names how sibling branch outputs combine at fan-in. Re-typed
// here (rather than importing branch.Strategy) to keep definitions free of a
// dependency on the runtime branch store; planning.DecideSynchronization
// converts it to branch.Strategy.
type MergeStrategy string

// Synchronization is a transition's fan-in descriptor.
type Synchronization struct {
	Strategy     SyncStrategy
	M            int // only meaningful when Strategy == SyncMofN
	SiblingGroup string
	TimeoutMs    int64 // 0 means no timeout
	OnTimeout    OnTimeoutPolicy
	Merge        *MergeDescriptor
}

// MergeDescriptor combines every sibling's branch output into one continuation value.
type MergeDescriptor struct {
	Source   string
	Target   string
	Strategy MergeStrategy
}

// Loop bounds how many times a transition may be taken along the same edge
// before the run fails with LoopLimitExceeded.
type Loop struct {
	MaxIterations int
}

// Transition connects two nodes with a priority tier, an optional condition,
// and optional fan-out/fan-in descriptors.
type Transition struct {
	From         string
	To           string
	Priority     int
	Condition    *condition.Condition
	SpawnCount   int    // 0 means "not static"; resolved at routing time
	Foreach      string // dotted context path to an array; mutually exclusive with SpawnCount
	ForeachVar   string
	SiblingGroup string
	Sync         *Synchronization
	Loop         *Loop
}

// Node is immutable: an identifier, a reference to a Task, and dotted-path
// input/output mappings. No branching logic lives on the node; that's the
// transition's job.
type Node struct {
	ID            string
	TaskID        string
	TaskVersion   string
	InputMapping  map[string]string // context path -> task input key
	OutputMapping map[string]string // context path -> task output path

	// HumanGate marks a node that suspends on arrival instead of dispatching
	// to the executor: its token moves to waiting_for_subworkflow and stays
	// there until an external resume(runId, tokenId, output) signal arrives.
	HumanGate bool
}

// Task is the coordinator's view of a task definition: only its schemas
// matter here, since step execution is an executor concern.
type Task struct {
	ID           string
	Version      string
	InputSchema  []byte
	OutputSchema []byte
}

// WorkflowDef is the immutable, versioned root of a workflow.
type WorkflowDef struct {
	ID            string
	Version       string
	InputSchema   []byte
	StateSchema   []byte
	OutputSchema  []byte
	InitialNodeID string
	Nodes         map[string]*Node
	Transitions   []*Transition

	// outgoing indexes Transitions by From node, sorted by priority then
	// definition order, for fast routing-planner lookup.
	outgoing map[string][]*Transition
}

// Compile validates a WorkflowDef's structural integrity and builds its
// routing index. It must be called once, right after load, before the
// definition is handed to any run.
func Compile(def *WorkflowDef) (*WorkflowDef, error) {
	if def.InitialNodeID == "" {
		return nil, fmt.Errorf("definitions: workflow %s has no initial node", def.ID)
	}
	if _, ok := def.Nodes[def.InitialNodeID]; !ok {
		return nil, fmt.Errorf("definitions: workflow %s initial node %q does not exist", def.ID, def.InitialNodeID)
	}

	for _, t := range def.Transitions {
		if _, ok := def.Nodes[t.From]; !ok {
			return nil, fmt.Errorf("definitions: transition references non-existent from-node %q", t.From)
		}
		if _, ok := def.Nodes[t.To]; !ok {
			return nil, fmt.Errorf("definitions: transition references non-existent to-node %q", t.To)
		}
		if t.SpawnCount != 0 && t.Foreach != "" {
			return nil, fmt.Errorf("definitions: transition %s->%s declares both spawnCount and foreach", t.From, t.To)
		}
		if t.Sync != nil && t.Sync.Strategy == SyncMofN && t.Sync.M <= 0 {
			return nil, fmt.Errorf("definitions: transition %s->%s m_of_n requires M > 0", t.From, t.To)
		}
		if t.Loop != nil && t.Loop.MaxIterations <= 0 {
			return nil, fmt.Errorf("definitions: transition %s->%s loop requires maxIterations > 0", t.From, t.To)
		}
	}

	if err := detectUnboundedCycles(def); err != nil {
		return nil, err
	}

	def.outgoing = map[string][]*Transition{}
	for _, t := range def.Transitions {
		def.outgoing[t.From] = append(def.outgoing[t.From], t)
	}
	for from := range def.outgoing {
		sortByPriorityThenOrder(def.outgoing[from])
	}

	return def, nil
}

// sortByPriorityThenOrder is a stable insertion sort: ascending priority,
// ties broken by original (definition) order, which the routing planner's
// tie-break rule depends on.
func sortByPriorityThenOrder(ts []*Transition) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j].Priority < ts[j-1].Priority; j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
}

// OutgoingTransitions returns nodeID's transitions sorted by priority tier,
// ties broken by definition order.
func (def *WorkflowDef) OutgoingTransitions(nodeID string) []*Transition {
	return def.outgoing[nodeID]
}

// IsTerminal reports whether nodeID has no outgoing transitions.
func (def *WorkflowDef) IsTerminal(nodeID string) bool {
	return len(def.outgoing[nodeID]) == 0
}

// detectUnboundedCycles runs a DFS cycle search over the transition graph;
// a cycle that passes through at least one loop-bounded transition is
// permitted (that's what Loop.MaxIterations is for), any other cycle means
// the workflow would route forever and is rejected at compile time.
func detectUnboundedCycles(def *WorkflowDef) error {
	adjacency := map[string][]*Transition{}
	for _, t := range def.Transitions {
		if t.Loop != nil {
			continue // a cycle through this edge is bounded, so only the rest must be acyclic
		}
		adjacency[t.From] = append(adjacency[t.From], t)
	}

	visited := map[string]bool{}
	onStack := map[string]bool{}

	var visit func(nodeID string) error
	visit = func(nodeID string) error {
		visited[nodeID] = true
		onStack[nodeID] = true
		for _, t := range adjacency[nodeID] {
			if !visited[t.To] {
				if err := visit(t.To); err != nil {
					return err
				}
			} else if onStack[t.To] && t.Loop == nil {
				return fmt.Errorf("definitions: workflow %s contains an unbounded cycle through %s -> %s (no loop descriptor)", def.ID, t.From, t.To)
			}
		}
		onStack[nodeID] = false
		return nil
	}

	for nodeID := range def.Nodes {
		if !visited[nodeID] {
			if err := visit(nodeID); err != nil {
				return err
			}
		}
	}
	return nil
}
