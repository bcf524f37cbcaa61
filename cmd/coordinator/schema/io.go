package schema

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// Execer is satisfied by both *sql.Tx and *sql.DB; the recursive read/write
// helpers below don't care which one they're handed.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WriteObject inserts a new row for an object node (and recursively for any
// array properties it owns), returning the new row id. When parentRowID is
// non-nil the row is linked as a child at the given idx (used for array
// elements that are themselves objects).
func WriteObject(ctx context.Context, ex Execer, node *Node, parentRowID *int64, idx *int, value map[string]any) (int64, error) {
	cols := map[string]any{}
	type pendingArray struct {
		node  *Node
		value any
	}
	var arrays []pendingArray

	var gather func(n *Node, v map[string]any)
	gather = func(n *Node, v map[string]any) {
		for _, prop := range n.PropertyOrder {
			child := n.Properties[prop]
			val, present := v[prop]
			if !present {
				continue
			}
			switch child.Kind {
			case KindScalar:
				cols[child.Column] = ConvertForStorage(child.Type, val)
			case KindObject:
				if sub, ok := val.(map[string]any); ok {
					gather(child, sub)
				}
			case KindArray:
				arrays = append(arrays, pendingArray{node: child, value: val})
			}
		}
	}
	gather(node, value)

	colNames := make([]string, 0, len(cols)+2)
	placeholders := make([]string, 0, len(cols)+2)
	args := make([]any, 0, len(cols)+2)
	if parentRowID != nil {
		colNames = append(colNames, "parent_rowid", "idx")
		placeholders = append(placeholders, "?", "?")
		args = append(args, *parentRowID, *idx)
	}
	// Deterministic column order for readable SQL and stable test output.
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		colNames = append(colNames, name)
		placeholders = append(placeholders, "?")
		args = append(args, cols[name])
	}

	var query string
	if len(colNames) == 0 {
		query = fmt.Sprintf(`INSERT INTO %s DEFAULT VALUES`, node.Table)
	} else {
		query = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, node.Table, strings.Join(colNames, ", "), strings.Join(placeholders, ", "))
	}
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("schema: insert into %s: %w", node.Table, err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("schema: last insert id for %s: %w", node.Table, err)
	}

	for _, pa := range arrays {
		if err := WriteArray(ctx, ex, pa.node, rowID, pa.value); err != nil {
			return 0, err
		}
	}
	return rowID, nil
}

// WriteArray inserts one row per element into node.ChildTable, linked to
// parentRowID in index order.
func WriteArray(ctx context.Context, ex Execer, node *Node, parentRowID int64, value any) error {
	elems, err := toSlice(value)
	if err != nil {
		return fmt.Errorf("schema: array at %s: %w", node.ChildTable, err)
	}
	for i, elem := range elems {
		idx := i
		switch node.Element.Kind {
		case KindScalar:
			_, err := ex.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (parent_rowid, idx, %s) VALUES (?, ?, ?)`, node.ChildTable, node.Element.Column),
				parentRowID, idx, ConvertForStorage(node.Element.Type, elem))
			if err != nil {
				return fmt.Errorf("schema: insert array element into %s: %w", node.ChildTable, err)
			}
		case KindObject:
			sub, ok := elem.(map[string]any)
			if !ok {
				return fmt.Errorf("schema: array element at %s: expected object, got %T", node.ChildTable, elem)
			}
			if _, err := WriteObject(ctx, ex, node.Element, &parentRowID, &idx, sub); err != nil {
				return err
			}
		case KindArray:
			return fmt.Errorf("schema: array of arrays is not supported at %s", node.ChildTable)
		}
	}
	return nil
}

// ReplaceObjectFields overwrites the scalar columns and array child rows of
// an existing row in place (used for whole-object/whole-section writes that
// must not change the row's identity).
func ReplaceObjectFields(ctx context.Context, ex Execer, node *Node, rowID int64, value map[string]any) error {
	cols := map[string]any{}
	type pendingArray struct {
		node  *Node
		value any
	}
	var arrays []pendingArray

	var gather func(n *Node, v map[string]any)
	gather = func(n *Node, v map[string]any) {
		for _, prop := range n.PropertyOrder {
			child := n.Properties[prop]
			val, present := v[prop]
			if !present {
				continue
			}
			switch child.Kind {
			case KindScalar:
				cols[child.Column] = ConvertForStorage(child.Type, val)
			case KindObject:
				if sub, ok := val.(map[string]any); ok {
					gather(child, sub)
				}
			case KindArray:
				arrays = append(arrays, pendingArray{node: child, value: val})
			}
		}
	}
	gather(node, value)

	if len(cols) > 0 {
		names := make([]string, 0, len(cols))
		for name := range cols {
			names = append(names, name)
		}
		sort.Strings(names)
		sets := make([]string, 0, len(names))
		args := make([]any, 0, len(names)+1)
		for _, name := range names {
			sets = append(sets, name+" = ?")
			args = append(args, cols[name])
		}
		args = append(args, rowID)
		query := fmt.Sprintf(`UPDATE %s SET %s WHERE rowid = ?`, node.Table, strings.Join(sets, ", "))
		if _, err := ex.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("schema: update %s: %w", node.Table, err)
		}
	}
	for _, pa := range arrays {
		if _, err := ex.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE parent_rowid = ?`, pa.node.ChildTable), rowID); err != nil {
			return fmt.Errorf("schema: clear array %s: %w", pa.node.ChildTable, err)
		}
		if err := WriteArray(ctx, ex, pa.node, rowID, pa.value); err != nil {
			return err
		}
	}
	return nil
}

// ReadNode reconstructs the value at node for the row identified by rowID
// (for object/scalar nodes) or the parent row (for array nodes).
func ReadNode(ctx context.Context, ex Execer, node *Node, rowID int64) (any, error) {
	switch node.Kind {
	case KindScalar:
		row := ex.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE rowid = ?`, node.Column, node.Table), rowID)
		var raw any
		if err := row.Scan(&raw); err != nil {
			if err == sql.ErrNoRows {
				return nil, nil
			}
			return nil, fmt.Errorf("schema: read %s.%s: %w", node.Table, node.Column, err)
		}
		return convertFromStorage(node.Type, raw), nil

	case KindObject:
		out := map[string]any{}
		for _, prop := range node.PropertyOrder {
			v, err := ReadNode(ctx, ex, node.Properties[prop], rowID)
			if err != nil {
				return nil, err
			}
			out[prop] = v
		}
		return out, nil

	case KindArray:
		rows, err := ex.QueryContext(ctx, fmt.Sprintf(`SELECT rowid FROM %s WHERE parent_rowid = ? ORDER BY idx ASC`, node.ChildTable), rowID)
		if err != nil {
			return nil, fmt.Errorf("schema: read array %s: %w", node.ChildTable, err)
		}
		defer rows.Close()
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return nil, fmt.Errorf("schema: scan array row id for %s: %w", node.ChildTable, err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		out := make([]any, 0, len(ids))
		for _, id := range ids {
			v, err := ReadNode(ctx, ex, node.Element, id)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	return nil, fmt.Errorf("schema: unknown node kind")
}

// ConvertForStorage coerces a decoded JSON value into the Go type the
// database/sql driver expects for ft (booleans become 0/1 integers).
func ConvertForStorage(ft FieldType, v any) any {
	if v == nil {
		return nil
	}
	if ft == FieldBoolean {
		if b, ok := v.(bool); ok {
			if b {
				return int64(1)
			}
			return int64(0)
		}
	}
	return v
}

func convertFromStorage(ft FieldType, v any) any {
	if v == nil {
		return nil
	}
	if ft == FieldInteger {
		// Hand numbers back in decoded-JSON form, as they were written.
		if n, ok := v.(int64); ok {
			return float64(n)
		}
	}
	if ft == FieldBoolean {
		switch n := v.(type) {
		case int64:
			return n != 0
		case float64:
			return n != 0
		}
	}
	return v
}

func toSlice(v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.([]any); ok {
		return s, nil
	}
	return nil, fmt.Errorf("expected array value, got %T", v)
}
