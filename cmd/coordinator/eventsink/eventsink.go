// Package eventsink is the write-only RPC boundary to the out-of-scope
// event persistence service. It implements trace.Sink over a Redis stream,
// matching the teacher's append-and-forget dispatch convention.
package eventsink

import (
	"context"
	"encoding/json"
	"fmt"

	redisWrapper "github.com/lyzr/wonder-coordinator/common/redis"

	"github.com/lyzr/wonder-coordinator/cmd/coordinator/trace"
)

// Client writes trace/workflow events to a Redis stream for the event sink
// service to consume and persist. Writes are immediate and unbatched; the
// sink owns batching and deduplication by event ID.
type Client struct {
	redis  *redisWrapper.Client
	stream string
}

// New constructs a Client writing to the given stream name.
func New(redis *redisWrapper.Client, stream string) *Client {
	return &Client{redis: redis, stream: stream}
}

// Write satisfies trace.Sink.
func (c *Client) Write(ctx context.Context, event trace.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("eventsink: marshal payload: %w", err)
	}
	_, err = c.redis.AddToStream(ctx, c.stream, map[string]any{
		"id":           event.ID,
		"run_id":       event.RunID,
		"workspace_id": event.WorkspaceID,
		"project_id":   event.ProjectID,
		"sequence":     event.Sequence,
		"timestamp":    event.Timestamp.UnixMilli(),
		"category":     string(event.Category),
		"type":         event.Type,
		"token_id":     event.TokenID,
		"node_id":      event.NodeID,
		"duration_ms":  event.DurationMs,
		"payload":      string(payload),
	})
	if err != nil {
		return fmt.Errorf("eventsink: write event %s: %w", event.ID, err)
	}
	return nil
}
