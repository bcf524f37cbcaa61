// Package resolver resolves dotted context paths against JSON-shaped
// snapshots: node input mapping (context -> task input) and merge-source
// projection (_branch.output[.subpath]).
package resolver

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Resolver is stateless; it exists to group the related path operations and
// leave room for a future cache should projection become hot.
type Resolver struct{}

// New constructs a Resolver.
func New() *Resolver {
	return &Resolver{}
}

// Get extracts the value at a dotted path from doc. Missing fields return
// (nil, false), never an error — spec.md requires conditions and mappings to
// treat absent fields as an absent value.
func (r *Resolver) Get(doc map[string]any, path string) (any, bool) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, false
	}
	result := gjson.GetBytes(raw, path)
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

// ResolveInputMapping builds a task input object from a node's input
// mapping (dotted context path -> task input key) against a context
// snapshot. Entries whose context path is absent are omitted.
func (r *Resolver) ResolveInputMapping(mapping map[string]string, snapshot map[string]any) map[string]any {
	out := map[string]any{}
	for contextPath, taskKey := range mapping {
		if v, ok := r.Get(snapshot, contextPath); ok {
			out[taskKey] = v
		}
	}
	return out
}

const branchOutputPrefix = "_branch.output"

// ProjectMergeSource projects a merge descriptor's source expression against
// one sibling's branch output. The source must be exactly "_branch.output"
// (the whole output) or "_branch.output.<subpath>"; spec.md fixes this
// prefix form over the "*" form found in earlier drafts of the source
// material.
func (r *Resolver) ProjectMergeSource(source string, branchOutput map[string]any) (any, error) {
	if source == branchOutputPrefix {
		return branchOutput, nil
	}
	withDot := branchOutputPrefix + "."
	if !strings.HasPrefix(source, withDot) {
		return nil, fmt.Errorf("resolver: merge source %q must start with %q", source, branchOutputPrefix)
	}
	subpath := strings.TrimPrefix(source, withDot)
	v, _ := r.Get(branchOutput, subpath)
	return v, nil
}
