// Package condition evaluates transition conditions against a context
// snapshot. Structured conditions are the primary representation; an
// optional CEL expression serves as an escape hatch for cases the
// structured shapes can't express.
package condition

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/lyzr/wonder-coordinator/cmd/coordinator/resolver"
)

// Kind is a recognized structured condition shape.
type Kind string

const (
	KindComparison  Kind = "comparison"
	KindExists      Kind = "exists"
	KindInSet       Kind = "in_set"
	KindArrayLength Kind = "array_length"
	KindAnd         Kind = "and"
	KindOr          Kind = "or"
	KindNot         Kind = "not"
	KindExpression  Kind = "expression"
)

// Op is a comparison operator.
type Op string

const (
	OpEq Op = "=="
	OpNe Op = "!="
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

// Operand is either a context field reference or a literal value. Exactly
// one of Field/Literal should be set; Field takes precedence if both are.
type Operand struct {
	Field   string `json:"field,omitempty"`
	Literal any    `json:"literal,omitempty"`
}

// Condition is a structured condition node. Only the fields relevant to Kind
// are populated; this mirrors how the definition compiler deserializes
// condition JSON from a workflow definition.
type Condition struct {
	Kind Kind `json:"kind"`

	// comparison
	Left  *Operand `json:"left,omitempty"`
	Op    Op       `json:"op,omitempty"`
	Right *Operand `json:"right,omitempty"`

	// exists, array_length
	Field string `json:"field,omitempty"`

	// in_set
	Values []any `json:"values,omitempty"`

	// array_length additionally reuses Op and a scalar comparand
	Value any `json:"value,omitempty"`

	// and, or
	Conditions []*Condition `json:"conditions,omitempty"`

	// not
	Inner *Condition `json:"inner,omitempty"`

	// expression (CEL escape hatch)
	Expression string   `json:"expression,omitempty"`
	Reads      []string `json:"reads,omitempty"`
}

// Evaluator evaluates structured conditions (and, via the escape hatch,
// compiled-and-cached CEL programs) against a context snapshot.
type Evaluator struct {
	resolver *resolver.Resolver

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		resolver: resolver.New(),
		cache:    make(map[string]cel.Program),
	}
}

// Evaluate evaluates cond against a context snapshot (input/state/output).
// Evaluation is deterministic and side-effect-free; it never mutates
// snapshot. A nil condition is treated as an unconditional match.
func (e *Evaluator) Evaluate(cond *Condition, snapshot map[string]any) (bool, error) {
	if cond == nil {
		return true, nil
	}

	switch cond.Kind {
	case KindComparison:
		return e.evaluateComparison(cond, snapshot)
	case KindExists:
		_, ok := e.resolver.Get(snapshot, cond.Field)
		return ok, nil
	case KindInSet:
		return e.evaluateInSet(cond, snapshot)
	case KindArrayLength:
		return e.evaluateArrayLength(cond, snapshot)
	case KindAnd:
		for _, c := range cond.Conditions {
			ok, err := e.Evaluate(c, snapshot)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case KindOr:
		for _, c := range cond.Conditions {
			ok, err := e.Evaluate(c, snapshot)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case KindNot:
		ok, err := e.Evaluate(cond.Inner, snapshot)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case KindExpression:
		return e.evaluateCEL(cond.Expression, snapshot)
	default:
		return false, fmt.Errorf("condition: unsupported kind %q", cond.Kind)
	}
}

// resolveOperand yields (value, present). A literal operand is always
// present; a field operand is present only if the path resolves.
func (e *Evaluator) resolveOperand(op *Operand, snapshot map[string]any) (any, bool) {
	if op.Field != "" {
		return e.resolver.Get(snapshot, op.Field)
	}
	return op.Literal, true
}

func (e *Evaluator) evaluateComparison(cond *Condition, snapshot map[string]any) (bool, error) {
	left, leftOK := e.resolveOperand(cond.Left, snapshot)
	right, rightOK := e.resolveOperand(cond.Right, snapshot)
	// A comparison with an absent operand never matches.
	if !leftOK || !rightOK {
		return false, nil
	}
	return compare(left, cond.Op, right)
}

func (e *Evaluator) evaluateInSet(cond *Condition, snapshot map[string]any) (bool, error) {
	v, ok := e.resolver.Get(snapshot, cond.Field)
	if !ok {
		return false, nil
	}
	for _, candidate := range cond.Values {
		eq, err := compare(v, OpEq, candidate)
		if err != nil {
			continue
		}
		if eq {
			return true, nil
		}
	}
	return false, nil
}

func (e *Evaluator) evaluateArrayLength(cond *Condition, snapshot map[string]any) (bool, error) {
	v, ok := e.resolver.Get(snapshot, cond.Field)
	if !ok {
		return false, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return false, nil
	}
	return compare(float64(len(arr)), cond.Op, cond.Value)
}

// compare implements the six comparison operators over JSON-decoded scalars
// (float64, string, bool). Mismatched or unorderable types return false
// rather than an error, consistent with the "absent operand -> no match"
// rule for malformed comparisons.
func compare(left any, op Op, right any) (bool, error) {
	lf, lIsNum := asFloat(left)
	rf, rIsNum := asFloat(right)
	if lIsNum && rIsNum {
		switch op {
		case OpEq:
			return lf == rf, nil
		case OpNe:
			return lf != rf, nil
		case OpLt:
			return lf < rf, nil
		case OpLe:
			return lf <= rf, nil
		case OpGt:
			return lf > rf, nil
		case OpGe:
			return lf >= rf, nil
		}
	}

	switch op {
	case OpEq:
		return fmt.Sprint(left) == fmt.Sprint(right), nil
	case OpNe:
		return fmt.Sprint(left) != fmt.Sprint(right), nil
	default:
		// Ordering operators on non-numeric operands never match.
		return false, nil
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// evaluateCEL compiles (and caches) expr, then evaluates it with the
// snapshot's three sections bound as CEL variables.
func (e *Evaluator) evaluateCEL(expr string, snapshot map[string]any) (bool, error) {
	e.mu.RLock()
	prg, cached := e.cache[expr]
	e.mu.RUnlock()

	if !cached {
		var err error
		prg, err = e.compileCEL(expr)
		if err != nil {
			return false, fmt.Errorf("condition: compile expression: %w", err)
		}
		e.mu.Lock()
		e.cache[expr] = prg
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{
		"input":  snapshot["input"],
		"state":  snapshot["state"],
		"output": snapshot["output"],
	})
	if err != nil {
		// The error goes back to the caller; planning.DecideRouting treats
		// it as a non-match and records a condition.evaluation_error event.
		return false, fmt.Errorf("condition: evaluate expression: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition: expression did not return a boolean, got %T", out.Value())
	}
	return result, nil
}

func (e *Evaluator) compileCEL(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("state", cel.DynType),
		cel.Variable("output", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("create program: %w", err)
	}
	return prg, nil
}

// ClearCache discards all compiled CEL programs.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}
