// Package runcontext owns the generated context tables for one run — the
// input/state/output sections described in spec.md's Data Model — and
// exposes typed dotted-path access over them.
package runcontext

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lyzr/wonder-coordinator/cmd/coordinator/runstore"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/schema"
)

// Section is one of the three logical context sections.
type Section string

const (
	SectionInput  Section = "input"
	SectionState  Section = "state"
	SectionOutput Section = "output"
)

// Manager owns the three compiled layouts for one run's context and the
// store they're materialized in.
type Manager struct {
	rs      *runstore.Store
	layouts map[Section]*schema.Layout
}

// New compiles the three section schemas into layouts. Any schema may be nil
// (an empty object schema is assumed), since not every workflow defines all
// three sections explicitly.
func New(rs *runstore.Store, inputSchema, stateSchema, outputSchema []byte) (*Manager, error) {
	m := &Manager{rs: rs, layouts: map[Section]*schema.Layout{}}
	specs := map[Section][]byte{
		SectionInput:  orEmptyObject(inputSchema),
		SectionState:  orEmptyObject(stateSchema),
		SectionOutput: orEmptyObject(outputSchema),
	}
	for section, raw := range specs {
		layout, err := schema.Compile("ctx_"+string(section), raw)
		if err != nil {
			return nil, fmt.Errorf("runcontext: compile %s schema: %w", section, err)
		}
		m.layouts[section] = layout
	}
	return m, nil
}

func orEmptyObject(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte(`{"type":"object","properties":{}}`)
	}
	return raw
}

// Migrate creates every section's generated tables and seeds the state and
// output root rows (empty); the input root row is created by Initialize,
// since it must be validated against submitted input first.
func (m *Manager) Migrate(ctx context.Context) error {
	for _, section := range []Section{SectionInput, SectionState, SectionOutput} {
		if err := m.rs.ApplyDDL(ctx, m.layouts[section].DDL()); err != nil {
			return fmt.Errorf("runcontext: migrate %s: %w", section, err)
		}
	}
	for _, section := range []Section{SectionState, SectionOutput} {
		layout := m.layouts[section]
		err := m.rs.WithTx(ctx, func(tx *sql.Tx) error {
			_, err := schema.WriteObject(ctx, tx, layout.Root, nil, nil, map[string]any{})
			return err
		})
		if err != nil {
			return fmt.Errorf("runcontext: seed %s root row: %w", section, err)
		}
	}
	return nil
}

// Initialize validates input against the input schema and populates the
// input section. Fails with a *schema.ValidationError if invalid.
func (m *Manager) Initialize(ctx context.Context, input map[string]any) error {
	layout := m.layouts[SectionInput]
	if err := layout.ValidateDocument(input); err != nil {
		return err
	}
	return m.rs.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := schema.WriteObject(ctx, tx, layout.Root, nil, nil, input)
		return err
	})
}

// splitPath separates the leading section segment from the remainder of a
// dotted context path (e.g. "state.results" -> SectionState, "results").
func splitPath(path string) (Section, string, error) {
	idx := strings.IndexByte(path, '.')
	var head, rest string
	if idx < 0 {
		head, rest = path, ""
	} else {
		head, rest = path[:idx], path[idx+1:]
	}
	switch Section(head) {
	case SectionInput, SectionState, SectionOutput:
		return Section(head), rest, nil
	default:
		return "", "", fmt.Errorf("runcontext: path %q does not start with input/state/output", path)
	}
}

// Get resolves a full dotted path ("state.results") and returns its current
// value, reconstructing nested arrays/objects as needed.
func (m *Manager) Get(ctx context.Context, path string) (any, error) {
	section, rest, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	layout := m.layouts[section]
	rootID, err := m.rootRowID(ctx, layout.RootTable)
	if err != nil {
		return nil, err
	}
	if rest == "" {
		return schema.ReadNode(ctx, m.rs.DB(), layout.Root, rootID)
	}
	resolved, err := layout.Resolve(rest)
	if err != nil {
		return nil, err
	}
	return schema.ReadNode(ctx, m.rs.DB(), resolved.Node, rootID)
}

// GetSection returns the full reconstructed value of one section.
func (m *Manager) GetSection(ctx context.Context, section Section) (map[string]any, error) {
	v, err := m.Get(ctx, string(section))
	if err != nil {
		return nil, err
	}
	asMap, _ := v.(map[string]any)
	return asMap, nil
}

// Snapshot is a deep, read-only copy of the addressable value tree rooted at
// input/state/output, suitable for handing to pure planning functions.
type Snapshot struct {
	Input  map[string]any
	State  map[string]any
	Output map[string]any
}

// GetSnapshot captures a moment-in-time view of all three sections.
func (m *Manager) GetSnapshot(ctx context.Context) (*Snapshot, error) {
	input, err := m.GetSection(ctx, SectionInput)
	if err != nil {
		return nil, err
	}
	state, err := m.GetSection(ctx, SectionState)
	if err != nil {
		return nil, err
	}
	output, err := m.GetSection(ctx, SectionOutput)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Input: input, State: state, Output: output}, nil
}

// SetField validates and writes a single dotted path. Array assignments
// replace the child table contents for that path atomically.
func (m *Manager) SetField(ctx context.Context, path string, value any) error {
	section, rest, err := splitPath(path)
	if err != nil {
		return err
	}
	layout := m.layouts[section]
	if rest == "" {
		return fmt.Errorf("runcontext: SetField requires a leaf path under %q", section)
	}
	if err := layout.ValidateValue(rest, value); err != nil {
		return err
	}
	resolved, err := layout.Resolve(rest)
	if err != nil {
		return err
	}
	return m.rs.WithTx(ctx, func(tx *sql.Tx) error {
		rootID, err := rootRowIDTx(ctx, tx, layout.RootTable)
		if err != nil {
			return err
		}
		switch resolved.Node.Kind {
		case schema.KindScalar:
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s = ? WHERE rowid = ?`, resolved.Table, resolved.Column),
				schema.ConvertForStorage(resolved.Node.Type, value), rootID)
			return err
		case schema.KindArray:
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE parent_rowid = ?`, resolved.Node.ChildTable), rootID); err != nil {
				return err
			}
			return schema.WriteArray(ctx, tx, resolved.Node, rootID, value)
		case schema.KindObject:
			asMap, ok := value.(map[string]any)
			if !ok {
				return fmt.Errorf("runcontext: SetField at %q: expected object value, got %T", path, value)
			}
			return schema.ReplaceObjectFields(ctx, tx, resolved.Node, rootID, asMap)
		}
		return nil
	})
}

// ReplaceSection overwrites an entire section, after validating data as a
// whole document against the section's schema.
func (m *Manager) ReplaceSection(ctx context.Context, section Section, data map[string]any) error {
	layout := m.layouts[section]
	if err := layout.ValidateDocument(data); err != nil {
		return err
	}
	return m.rs.WithTx(ctx, func(tx *sql.Tx) error {
		rootID, err := rootRowIDTx(ctx, tx, layout.RootTable)
		if err != nil {
			return err
		}
		return schema.ReplaceObjectFields(ctx, tx, layout.Root, rootID, data)
	})
}

// ApplyOutputMapping reads each (contextPath -> taskPath) pair from
// taskOutput and writes it to context. Used for tokens on transitions
// without a sibling group (spec.md §4.2).
func (m *Manager) ApplyOutputMapping(ctx context.Context, mapping map[string]string, taskOutput map[string]any) error {
	for contextPath, taskPath := range mapping {
		value, ok := lookupDotted(taskOutput, taskPath)
		if !ok {
			continue
		}
		if err := m.SetField(ctx, contextPath, value); err != nil {
			return fmt.Errorf("runcontext: apply output mapping %s <- %s: %w", contextPath, taskPath, err)
		}
	}
	return nil
}

func lookupDotted(doc map[string]any, path string) (any, bool) {
	if path == "" {
		return doc, true
	}
	segs := strings.Split(path, ".")
	var cur any = doc
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (m *Manager) rootRowID(ctx context.Context, table string) (int64, error) {
	var id sql.NullInt64
	row := m.rs.QueryRow(ctx, fmt.Sprintf(`SELECT MIN(rowid) FROM %s`, table))
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("runcontext: root row for %s: %w", table, err)
	}
	if !id.Valid {
		return 0, fmt.Errorf("runcontext: section table %s has not been initialized", table)
	}
	return id.Int64, nil
}

func rootRowIDTx(ctx context.Context, tx *sql.Tx, table string) (int64, error) {
	var id sql.NullInt64
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT MIN(rowid) FROM %s`, table))
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("runcontext: root row for %s: %w", table, err)
	}
	if !id.Valid {
		return 0, fmt.Errorf("runcontext: section table %s has not been initialized", table)
	}
	return id.Int64, nil
}
