// Package resourcesclient loads WorkflowDef/Task from the out-of-scope
// Resources store over HTTP. It implements definitions.Loader.
package resourcesclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/lyzr/wonder-coordinator/cmd/coordinator/condition"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/definitions"
	"github.com/lyzr/wonder-coordinator/common/clients"
)

// wireTransition mirrors the JSON shape Resources serves for a transition;
// Condition is decoded into the structured condition.Condition directly
// since conditions are just data.
type wireTransition struct {
	From         string               `json:"from"`
	To           string               `json:"to"`
	Priority     int                  `json:"priority"`
	Condition    *condition.Condition `json:"condition,omitempty"`
	SpawnCount   int                  `json:"spawnCount,omitempty"`
	Foreach      string               `json:"foreach,omitempty"`
	ForeachVar   string               `json:"foreachVar,omitempty"`
	SiblingGroup string               `json:"siblingGroup,omitempty"`
	Sync         *wireSync            `json:"sync,omitempty"`
	Loop         *definitions.Loop    `json:"loop,omitempty"`
}

type wireSync struct {
	Strategy     definitions.SyncStrategy     `json:"strategy"`
	M            int                          `json:"m,omitempty"`
	SiblingGroup string                       `json:"siblingGroup"`
	TimeoutMs    int64                        `json:"timeoutMs,omitempty"`
	OnTimeout    definitions.OnTimeoutPolicy  `json:"onTimeout,omitempty"`
	Merge        *definitions.MergeDescriptor `json:"merge,omitempty"`
}

type wireNode struct {
	ID            string            `json:"id"`
	TaskID        string            `json:"taskId"`
	TaskVersion   string            `json:"taskVersion"`
	InputMapping  map[string]string `json:"inputMapping,omitempty"`
	OutputMapping map[string]string `json:"outputMapping,omitempty"`
}

type wireWorkflowDef struct {
	ID            string            `json:"id"`
	Version       string            `json:"version"`
	InputSchema   json.RawMessage   `json:"inputSchema"`
	StateSchema   json.RawMessage   `json:"stateSchema"`
	OutputSchema  json.RawMessage   `json:"outputSchema"`
	InitialNodeID string            `json:"initialNodeId"`
	Nodes         []wireNode        `json:"nodes"`
	Transitions   []wireTransition  `json:"transitions"`
}

type wireTask struct {
	ID           string          `json:"id"`
	Version      string          `json:"version"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema"`
}

// Client loads workflow/task definitions from the Resources service.
type Client struct {
	http    *clients.HTTPClient
	baseURL string
}

// New constructs a Client against baseURL (e.g. "http://resources.internal").
func New(http *clients.HTTPClient, baseURL string) *Client {
	return &Client{http: http, baseURL: baseURL}
}

// GetWorkflowDef fetches and shapes a workflow definition; it does not
// compile it — Cache.WorkflowDef does that once, on first load.
func (c *Client) GetWorkflowDef(ctx context.Context, id, version string) (*definitions.WorkflowDef, error) {
	url := fmt.Sprintf("%s/workflow-defs/%s/versions/%s", c.baseURL, id, version)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	var wire wireWorkflowDef
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("resourcesclient: decode workflow def %s@%s: %w", id, version, err)
	}

	def := &definitions.WorkflowDef{
		ID:            wire.ID,
		Version:       wire.Version,
		InputSchema:   wire.InputSchema,
		StateSchema:   wire.StateSchema,
		OutputSchema:  wire.OutputSchema,
		InitialNodeID: wire.InitialNodeID,
		Nodes:         map[string]*definitions.Node{},
	}
	for _, n := range wire.Nodes {
		def.Nodes[n.ID] = &definitions.Node{
			ID:            n.ID,
			TaskID:        n.TaskID,
			TaskVersion:   n.TaskVersion,
			InputMapping:  n.InputMapping,
			OutputMapping: n.OutputMapping,
		}
	}
	for _, t := range wire.Transitions {
		transition := &definitions.Transition{
			From:         t.From,
			To:           t.To,
			Priority:     t.Priority,
			Condition:    t.Condition,
			SpawnCount:   t.SpawnCount,
			Foreach:      t.Foreach,
			ForeachVar:   t.ForeachVar,
			SiblingGroup: t.SiblingGroup,
			Loop:         t.Loop,
		}
		if t.Sync != nil {
			transition.Sync = &definitions.Synchronization{
				Strategy:     t.Sync.Strategy,
				M:            t.Sync.M,
				SiblingGroup: t.Sync.SiblingGroup,
				TimeoutMs:    t.Sync.TimeoutMs,
				OnTimeout:    t.Sync.OnTimeout,
				Merge:        t.Sync.Merge,
			}
		}
		def.Transitions = append(def.Transitions, transition)
	}
	return def, nil
}

// GetTask fetches a task's input/output schemas.
func (c *Client) GetTask(ctx context.Context, id, version string) (*definitions.Task, error) {
	url := fmt.Sprintf("%s/tasks/%s/versions/%s", c.baseURL, id, version)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	var wire wireTask
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("resourcesclient: decode task %s@%s: %w", id, version, err)
	}
	return &definitions.Task{
		ID:           wire.ID,
		Version:      wire.Version,
		InputSchema:  wire.InputSchema,
		OutputSchema: wire.OutputSchema,
	}, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.http.DoRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("resourcesclient: request %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resourcesclient: %s returned status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("resourcesclient: read response from %s: %w", url, err)
	}
	return body, nil
}
