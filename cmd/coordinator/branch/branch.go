// Package branch owns per-fan-out-token isolated output tables and the
// merge strategies that fold them back into the run's context at fan-in.
package branch

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/lyzr/wonder-coordinator/cmd/coordinator/resolver"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/runstore"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/schema"
)

// Strategy is a merge strategy name from spec.md §4.3.
type Strategy string

const (
	StrategyAppend        Strategy = "append"
	StrategyCollect       Strategy = "collect"
	StrategyMergeObject   Strategy = "merge_object"
	StrategyKeyedByBranch Strategy = "keyed_by_branch"
	StrategyLastWins      Strategy = "last_wins"
)

// MergeDescriptor pairs a branch-output source expression with a context
// target path and the strategy that combines sibling outputs.
type MergeDescriptor struct {
	Source   string
	Target   string
	Strategy Strategy
}

// Output is one sibling's reconstructed branch output.
type Output struct {
	TokenID     string
	BranchIndex int
	Output      map[string]any
}

// Store owns the per-token branch output tables for one run.
type Store struct {
	rs       *runstore.Store
	resolver *resolver.Resolver
	layouts  map[string]*schema.Layout // tokenID -> compiled layout for its table
}

// New wraps a per-run runstore.Store.
func New(rs *runstore.Store) *Store {
	return &Store{rs: rs, resolver: resolver.New(), layouts: map[string]*schema.Layout{}}
}

// TableName derives a deterministic, unique, SQLite-identifier-safe table
// name from a token id. Token ids are UUIDv4 strings; hyphens are the only
// character they contain that an identifier disallows.
func TableName(tokenID string) string {
	return "branch_output_" + strings.ReplaceAll(tokenID, "-", "_")
}

// InitializeBranchTable compiles outputSchema for tokenID and creates its
// table(s). Must be called before ApplyBranchOutput for that token.
func (s *Store) InitializeBranchTable(ctx context.Context, tokenID string, outputSchema []byte) error {
	layout, err := schema.Compile(TableName(tokenID), outputSchema)
	if err != nil {
		return fmt.Errorf("branch: compile output schema for %s: %w", tokenID, err)
	}
	if err := s.rs.ApplyDDL(ctx, layout.DDL()); err != nil {
		return fmt.Errorf("branch: create branch table for %s: %w", tokenID, err)
	}
	s.layouts[tokenID] = layout
	return nil
}

// ApplyBranchOutput validates output against the token's output schema and
// inserts it into the token's branch table.
func (s *Store) ApplyBranchOutput(ctx context.Context, tokenID string, output map[string]any) error {
	layout, ok := s.layouts[tokenID]
	if !ok {
		return fmt.Errorf("branch: no branch table initialized for token %s", tokenID)
	}
	if err := layout.ValidateDocument(output); err != nil {
		return err
	}
	return s.rs.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := schema.WriteObject(ctx, tx, layout.Root, nil, nil, output)
		return err
	})
}

// GetBranchOutputs reconstructs the branch output for each (tokenID,
// branchIndex) pair whose table still exists. Entries for tokens whose
// table has already been dropped (or was never initialized) are omitted;
// callers filter by token status before acting on the result.
func (s *Store) GetBranchOutputs(ctx context.Context, tokenIDs []string, branchIndices map[string]int) ([]Output, error) {
	outputs := make([]Output, 0, len(tokenIDs))
	for _, tokenID := range tokenIDs {
		layout, ok := s.layouts[tokenID]
		if !ok {
			continue
		}
		var rootID sql.NullInt64
		row := s.rs.QueryRow(ctx, fmt.Sprintf(`SELECT MIN(rowid) FROM %s`, layout.RootTable))
		if err := row.Scan(&rootID); err != nil {
			return nil, fmt.Errorf("branch: root row for %s: %w", tokenID, err)
		}
		if !rootID.Valid {
			continue
		}
		v, err := schema.ReadNode(ctx, s.rs.DB(), layout.Root, rootID.Int64)
		if err != nil {
			return nil, fmt.Errorf("branch: read output for %s: %w", tokenID, err)
		}
		asMap, _ := v.(map[string]any)
		if asMap == nil {
			continue
		}
		outputs = append(outputs, Output{TokenID: tokenID, BranchIndex: branchIndices[tokenID], Output: asMap})
	}
	sort.Slice(outputs, func(i, j int) bool { return outputs[i].BranchIndex < outputs[j].BranchIndex })
	return outputs, nil
}

// MergeBranches computes the merged value for a set of sibling branch
// outputs according to desc.Strategy. It does not write the result; callers
// (dispatch) write it via the context manager's SetField, since branch does
// not own the context layout. SetField type-checks a scalar target only; an
// array or object merge result is written without schema validation.
func (s *Store) MergeBranches(desc MergeDescriptor, outputs []Output) (any, error) {
	// Already sorted by branch index ascending by GetBranchOutputs.
	projected := make([]any, 0, len(outputs))
	for _, o := range outputs {
		v, err := s.resolver.ProjectMergeSource(desc.Source, o.Output)
		if err != nil {
			return nil, fmt.Errorf("branch: merge source for token %s: %w", o.TokenID, err)
		}
		projected = append(projected, v)
	}

	switch desc.Strategy {
	case StrategyAppend:
		return appendFlattenIfAllArrays(projected), nil
	case StrategyCollect:
		return projected, nil
	case StrategyMergeObject:
		merged := map[string]any{}
		for _, v := range projected {
			obj, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("branch: merge_object requires object sources, got %T", v)
			}
			for k, val := range obj {
				merged[k] = val
			}
		}
		return merged, nil
	case StrategyKeyedByBranch:
		keyed := map[string]any{}
		for i, o := range outputs {
			keyed[fmt.Sprintf("%d", o.BranchIndex)] = projected[i]
		}
		return keyed, nil
	case StrategyLastWins:
		if len(projected) == 0 {
			return nil, nil
		}
		return projected[len(projected)-1], nil
	default:
		return nil, fmt.Errorf("branch: unknown merge strategy %q", desc.Strategy)
	}
}

// appendFlattenIfAllArrays implements spec.md's "append" rule: flatten one
// level only if every element is itself an array; otherwise (including the
// heterogeneous mixed case) no flattening occurs.
func appendFlattenIfAllArrays(values []any) []any {
	if len(values) == 0 {
		return values
	}
	allArrays := true
	for _, v := range values {
		if _, ok := v.([]any); !ok {
			allArrays = false
			break
		}
	}
	if !allArrays {
		return values
	}
	flattened := make([]any, 0, len(values))
	for _, v := range values {
		flattened = append(flattened, v.([]any)...)
	}
	return flattened
}

// DropBranchTables drops every table belonging to the given tokens' branch
// output layouts, in reverse creation order (children before parents).
func (s *Store) DropBranchTables(ctx context.Context, tokenIDs []string) error {
	var stmts []string
	for _, tokenID := range tokenIDs {
		layout, ok := s.layouts[tokenID]
		if !ok {
			continue
		}
		for i := len(layout.Tables) - 1; i >= 0; i-- {
			stmts = append(stmts, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, layout.Tables[i].Name))
		}
		delete(s.layouts, tokenID)
	}
	if len(stmts) == 0 {
		return nil
	}
	return s.rs.WithTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("branch: drop table: %w", err)
			}
		}
		return nil
	})
}
