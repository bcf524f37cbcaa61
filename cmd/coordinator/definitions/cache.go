package definitions

import (
	"context"
	"fmt"
	"sync"
)

// Loader fetches WorkflowDef/Task from the Resources store. Implemented by
// resourcesclient; kept as an interface here so planning/engine tests can
// supply an in-memory fake.
type Loader interface {
	GetWorkflowDef(ctx context.Context, id, version string) (*WorkflowDef, error)
	GetTask(ctx context.Context, id, version string) (*Task, error)
}

type key struct {
	id      string
	version string
}

// Cache is a read-only, run-lifetime cache of WorkflowDef/Task keyed by
// (id, version). Definitions are immutable for the lifetime of a run
// (spec invariant), so once loaded an entry never needs invalidation; the
// cache is shared safely across concurrent runs.
type Cache struct {
	loader Loader

	mu    sync.RWMutex
	defs  map[key]*WorkflowDef
	tasks map[key]*Task
}

// NewCache wraps loader with the definition cache.
func NewCache(loader Loader) *Cache {
	return &Cache{
		loader: loader,
		defs:   map[key]*WorkflowDef{},
		tasks:  map[key]*Task{},
	}
}

// WorkflowDef returns the compiled definition for (id, version), loading and
// compiling it on first use.
func (c *Cache) WorkflowDef(ctx context.Context, id, version string) (*WorkflowDef, error) {
	k := key{id, version}

	c.mu.RLock()
	if def, ok := c.defs[k]; ok {
		c.mu.RUnlock()
		return def, nil
	}
	c.mu.RUnlock()

	def, err := c.loader.GetWorkflowDef(ctx, id, version)
	if err != nil {
		return nil, fmt.Errorf("definitions: load workflow %s@%s: %w", id, version, err)
	}
	compiled, err := Compile(def)
	if err != nil {
		return nil, fmt.Errorf("definitions: compile workflow %s@%s: %w", id, version, err)
	}

	c.mu.Lock()
	c.defs[k] = compiled
	c.mu.Unlock()
	return compiled, nil
}

// Task returns the task definition for (id, version), loading it on first use.
func (c *Cache) Task(ctx context.Context, id, version string) (*Task, error) {
	k := key{id, version}

	c.mu.RLock()
	if task, ok := c.tasks[k]; ok {
		c.mu.RUnlock()
		return task, nil
	}
	c.mu.RUnlock()

	task, err := c.loader.GetTask(ctx, id, version)
	if err != nil {
		return nil, fmt.Errorf("definitions: load task %s@%s: %w", id, version, err)
	}

	c.mu.Lock()
	c.tasks[k] = task
	c.mu.Unlock()
	return task, nil
}
