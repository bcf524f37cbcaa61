// Package schema compiles JSONSchema documents into relational table layouts:
// CREATE TABLE statements, parameterized read/write paths, and value validators.
// Nested objects flatten into `_`-joined columns on their owning table; arrays
// become child tables keyed by a generated parent row id and element index.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// FieldType is the scalar SQL type a leaf JSONSchema property maps to.
type FieldType string

const (
	FieldString  FieldType = "TEXT"
	FieldInteger FieldType = "INTEGER"
	FieldNumber  FieldType = "REAL"
	FieldBoolean FieldType = "BOOLEAN" // declared INTEGER in DDL, stored as 0/1
)

// Kind classifies a schema node for layout purposes.
type Kind int

const (
	KindScalar Kind = iota
	KindObject
	KindArray
)

// Node is one position in the compiled schema tree, annotated with its
// physical table placement.
type Node struct {
	Kind Kind

	// Scalar fields.
	Type     FieldType
	Enum     []string
	Required bool

	// Object fields.
	Properties    map[string]*Node
	PropertyOrder []string
	Table         string // table holding this object's flattened scalar columns
	ColumnPrefix  string // `_`-joined prefix applied to descend scalar columns
	Column        string // for a scalar node: the resolved column name within Table

	// Array fields.
	ChildTable string // table holding one row per element
	Element    *Node  // element schema (scalar or object)
}

// Column describes one physical column of a generated table.
type Column struct {
	Name     string
	Type     FieldType
	NotNull  bool
	Enum     []string // non-empty => CHECK (name IN (...))
	IsObject bool     // reserved for future nested-object-as-JSON fallback
}

// Table describes one generated table.
type Table struct {
	Name        string
	Columns     []Column
	IsRoot      bool
	ParentTable string // "" for root tables
}

// Layout is the compiled result of a JSONSchema document: its table set (in
// creation order, parents before children), the root node for path
// resolution, and a full-document validator.
type Layout struct {
	RootTable string
	Tables    []*Table
	tableIdx  map[string]*Table
	Root      *Node
	validator *jsonschema.Schema
	raw       []byte
}

// ResolvedPath is the result of resolving a dotted context/branch path
// against a Layout.
type ResolvedPath struct {
	Node   *Node
	Table  string
	Column string // set when Node.Kind == KindScalar
}

// Compile parses a JSONSchema document and produces its table Layout. The
// schema must describe a top-level object; rootTable names the table that
// holds its top-level scalar/flattened-object columns.
func Compile(rootTable string, rawSchema []byte) (*Layout, error) {
	var doc map[string]any
	if err := json.Unmarshal(rawSchema, &doc); err != nil {
		return nil, fmt.Errorf("schema: parse document: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	resourceName := rootTable + ".json"
	if err := compiler.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("schema: add resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("schema: compile: %w", err)
	}

	l := &Layout{
		RootTable: sanitizeIdent(rootTable),
		tableIdx:  map[string]*Table{},
		validator: compiled,
		raw:       rawSchema,
	}
	root, err := l.buildNode(doc, l.RootTable, "")
	if err != nil {
		return nil, err
	}
	if root.Kind != KindObject {
		return nil, fmt.Errorf("schema: root schema for %q must be an object", rootTable)
	}
	l.Root = root
	return l, nil
}

// buildNode recursively walks a JSONSchema node, registering tables/columns
// as it descends and returning the annotated Node.
func (l *Layout) buildNode(doc map[string]any, table, prefix string) (*Node, error) {
	typ, _ := doc["type"].(string)

	switch typ {
	case "object", "":
		if _, hasProps := doc["properties"]; !hasProps && typ == "" {
			// Untyped leaf with no properties: treat as an opaque string column.
			return l.buildScalar(doc, FieldString, table, prefix)
		}
		node := &Node{
			Kind:       KindObject,
			Table:      table,
			Properties: map[string]*Node{},
			Column:     strings.TrimSuffix(prefix, "_"),
		}
		l.ensureTable(table, "")
		required := map[string]bool{}
		for _, r := range asStringSlice(doc["required"]) {
			required[r] = true
		}
		props, _ := doc["properties"].(map[string]any)
		for name := range props {
			node.PropertyOrder = append(node.PropertyOrder, name)
		}
		sort.Strings(node.PropertyOrder)
		for _, name := range node.PropertyOrder {
			propDoc, _ := props[name].(map[string]any)
			childPrefix := prefix + sanitizeIdent(name) + "_"
			child, err := l.buildNode(propDoc, table, childPrefix)
			if err != nil {
				return nil, fmt.Errorf("schema: property %q: %w", name, err)
			}
			if child.Kind != KindObject {
				child.Required = required[name]
			}
			node.Properties[name] = child
		}
		return node, nil

	case "array":
		itemsDoc, _ := doc["items"].(map[string]any)
		childTable := table + "_" + strings.TrimSuffix(prefix, "_")
		childTable = sanitizeIdent(childTable)
		l.ensureTable(childTable, table)
		elem, err := l.buildNode(itemsDoc, childTable, "")
		if err != nil {
			return nil, fmt.Errorf("schema: array items: %w", err)
		}
		return &Node{
			Kind:       KindArray,
			ChildTable: childTable,
			Element:    elem,
			Column:     strings.TrimSuffix(prefix, "_"),
		}, nil

	case "string", "integer", "number", "boolean":
		var ft FieldType
		switch typ {
		case "string":
			ft = FieldString
		case "integer":
			ft = FieldInteger
		case "number":
			ft = FieldNumber
		case "boolean":
			ft = FieldBoolean
		}
		return l.buildScalar(doc, ft, table, prefix)

	default:
		return nil, fmt.Errorf("schema: unsupported type %q", typ)
	}
}

func (l *Layout) buildScalar(doc map[string]any, ft FieldType, table, prefix string) (*Node, error) {
	colName := strings.TrimSuffix(prefix, "_")
	if colName == "" {
		// A bare scalar with no property prefix only occurs as an array
		// element's own schema (`items: {type: "string"}`); spec.md names
		// that column "value" in its child-table layout.
		colName = "value"
	}
	node := &Node{
		Kind:   KindScalar,
		Type:   ft,
		Table:  table,
		Column: colName,
		Enum:   asStringSlice(doc["enum"]),
	}
	t := l.ensureTable(table, "")
	t.Columns = append(t.Columns, Column{
		Name: colName,
		Type: ft,
		Enum: node.Enum,
	})
	return node, nil
}

func (l *Layout) ensureTable(name, parent string) *Table {
	if t, ok := l.tableIdx[name]; ok {
		return t
	}
	t := &Table{Name: name, IsRoot: parent == "", ParentTable: parent}
	l.tableIdx[name] = t
	l.Tables = append(l.Tables, t)
	return t
}

// DDL returns CREATE TABLE statements for every table in the layout, parents
// before children, suitable for execution inside a single transaction.
func (l *Layout) DDL() []string {
	stmts := make([]string, 0, len(l.Tables))
	for _, t := range l.Tables {
		var b strings.Builder
		fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", t.Name)
		b.WriteString("\trowid INTEGER PRIMARY KEY AUTOINCREMENT")
		if !t.IsRoot {
			fmt.Fprintf(&b, ",\n\tparent_rowid INTEGER NOT NULL REFERENCES %s(rowid)", t.ParentTable)
			b.WriteString(",\n\tidx INTEGER NOT NULL")
		}
		for _, c := range dedupColumns(t.Columns) {
			b.WriteString(",\n\t")
			b.WriteString(c.Name)
			b.WriteString(" ")
			colType := c.Type
			if colType == FieldBoolean {
				colType = FieldInteger
			}
			b.WriteString(string(colType))
			if len(c.Enum) > 0 {
				fmt.Fprintf(&b, " CHECK (%s IN (%s))", c.Name, quotedList(c.Enum))
			}
		}
		b.WriteString("\n)")
		stmts = append(stmts, b.String())
	}
	return stmts
}

func dedupColumns(cols []Column) []Column {
	seen := map[string]bool{}
	out := make([]Column, 0, len(cols))
	for _, c := range cols {
		if seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		out = append(out, c)
	}
	return out
}

func quotedList(vals []string) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
	}
	return strings.Join(parts, ", ")
}

// Resolve walks a dotted path relative to the layout's root node
// ("metadata.timestamp") and returns its physical placement.
func (l *Layout) Resolve(path string) (*ResolvedPath, error) {
	segments := strings.Split(path, ".")
	node := l.Root
	for i, seg := range segments {
		if node == nil {
			return nil, fmt.Errorf("schema: path %q: segment %q has no schema", path, seg)
		}
		switch node.Kind {
		case KindObject:
			next, ok := node.Properties[seg]
			if !ok {
				return nil, fmt.Errorf("schema: path %q: unknown property %q", path, seg)
			}
			node = next
		case KindArray:
			return nil, fmt.Errorf("schema: path %q: cannot descend into array at segment %q (arrays are addressed as whole values)", path, segments[i-1])
		default:
			return nil, fmt.Errorf("schema: path %q: %q is a scalar, cannot descend further", path, seg)
		}
	}
	switch node.Kind {
	case KindScalar:
		return &ResolvedPath{Node: node, Table: node.Table, Column: node.Column}, nil
	case KindArray:
		return &ResolvedPath{Node: node, Table: node.ChildTable}, nil
	case KindObject:
		return &ResolvedPath{Node: node, Table: node.Table}, nil
	}
	return nil, fmt.Errorf("schema: path %q: unresolvable", path)
}

// ValidateDocument validates a full document against the compiled schema.
func (l *Layout) ValidateDocument(doc any) error {
	if err := l.validator.Validate(doc); err != nil {
		return &ValidationError{Path: "", Reason: err.Error()}
	}
	return nil
}

// ValidateValue validates a single scalar value against the leaf schema
// resolved at path, without invoking full-document JSONSchema validation
// (cheap per-field check used on every setField call).
func (l *Layout) ValidateValue(path string, value any) error {
	resolved, err := l.Resolve(path)
	if err != nil {
		return err
	}
	if resolved.Node.Kind != KindScalar {
		return nil // object and array values are not checked here or by runcontext.SetField
	}
	if value == nil {
		if resolved.Node.Required {
			return &ValidationError{Path: path, Reason: "required field is null"}
		}
		return nil
	}
	if len(resolved.Node.Enum) > 0 {
		s := fmt.Sprintf("%v", value)
		found := false
		for _, e := range resolved.Node.Enum {
			if e == s {
				found = true
				break
			}
		}
		if !found {
			return &ValidationError{Path: path, Reason: fmt.Sprintf("value %q not in enum %v", s, resolved.Node.Enum)}
		}
	}
	switch resolved.Node.Type {
	case FieldInteger:
		switch value.(type) {
		case int, int64, float64:
		default:
			return &ValidationError{Path: path, Reason: fmt.Sprintf("expected integer, got %T", value)}
		}
	case FieldNumber:
		switch value.(type) {
		case int, int64, float64:
		default:
			return &ValidationError{Path: path, Reason: fmt.Sprintf("expected number, got %T", value)}
		}
	case FieldBoolean:
		if _, ok := value.(bool); !ok {
			return &ValidationError{Path: path, Reason: fmt.Sprintf("expected boolean, got %T", value)}
		}
	case FieldString:
		if _, ok := value.(string); !ok {
			return &ValidationError{Path: path, Reason: fmt.Sprintf("expected string, got %T", value)}
		}
	}
	return nil
}

// ValidationError reports a schema validation failure at a specific path.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("schema: validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("schema: validation failed at %q: %s", e.Path, e.Reason)
}

func asStringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		out = append(out, fmt.Sprintf("%v", e))
	}
	return out
}

// sanitizeIdent makes s safe for use as a SQLite identifier: only
// alphanumerics and underscores, never starting with a digit.
func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" {
		return "_"
	}
	if out[0] >= '0' && out[0] <= '9' {
		return "_" + out
	}
	return out
}
