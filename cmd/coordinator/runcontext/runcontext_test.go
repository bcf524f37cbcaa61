package runcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lyzr/wonder-coordinator/cmd/coordinator/runstore"
)

func newTestManager(t *testing.T, inputSchema, stateSchema, outputSchema string) *Manager {
	t.Helper()
	rs, err := runstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })

	var in, st, out []byte
	if inputSchema != "" {
		in = []byte(inputSchema)
	}
	if stateSchema != "" {
		st = []byte(stateSchema)
	}
	if outputSchema != "" {
		out = []byte(outputSchema)
	}
	m, err := New(rs, in, st, out)
	require.NoError(t, err)
	require.NoError(t, m.Migrate(context.Background()))
	return m
}

func TestInitializeAndGet(t *testing.T) {
	m := newTestManager(t, `{"type":"object","properties":{"value":{"type":"integer"}},"required":["value"]}`, "", "")
	ctx := context.Background()

	require.NoError(t, m.Initialize(ctx, map[string]any{"value": float64(42)}))

	v, err := m.Get(ctx, "input.value")
	require.NoError(t, err)
	require.Equal(t, float64(42), v)
}

func TestSetFieldThenGet_RoundTrip(t *testing.T) {
	m := newTestManager(t, "", `{"type":"object","properties":{"x":{"type":"integer"}}}`, "")
	ctx := context.Background()

	require.NoError(t, m.SetField(ctx, "state.x", float64(168)))
	v, err := m.Get(ctx, "state.x")
	require.NoError(t, err)
	require.Equal(t, float64(168), v)
}

func TestSetField_ArrayReplace(t *testing.T) {
	m := newTestManager(t, "", `{"type":"object","properties":{"results":{"type":"array","items":{"type":"object","properties":{"v":{"type":"integer"}}}}}}`, "")
	ctx := context.Background()

	results := []any{
		map[string]any{"v": float64(0)},
		map[string]any{"v": float64(1)},
		map[string]any{"v": float64(2)},
	}
	require.NoError(t, m.SetField(ctx, "state.results", results))

	v, err := m.Get(ctx, "state.results")
	require.NoError(t, err)
	asSlice, ok := v.([]any)
	require.True(t, ok)
	require.Len(t, asSlice, 3)
	require.Equal(t, float64(1), asSlice[1].(map[string]any)["v"])

	// Replacing again must fully overwrite, not append.
	require.NoError(t, m.SetField(ctx, "state.results", []any{map[string]any{"v": float64(9)}}))
	v, err = m.Get(ctx, "state.results")
	require.NoError(t, err)
	asSlice = v.([]any)
	require.Len(t, asSlice, 1)
}

func TestApplyOutputMapping(t *testing.T) {
	m := newTestManager(t, "", `{"type":"object","properties":{"x":{"type":"integer"}}}`, "")
	ctx := context.Background()

	taskOutput := map[string]any{"doubled": float64(84)}
	require.NoError(t, m.ApplyOutputMapping(ctx, map[string]string{"state.x": "doubled"}, taskOutput))

	v, err := m.Get(ctx, "state.x")
	require.NoError(t, err)
	require.Equal(t, float64(84), v)
}

func TestGetSnapshot(t *testing.T) {
	m := newTestManager(t,
		`{"type":"object","properties":{"value":{"type":"integer"}}}`,
		`{"type":"object","properties":{"x":{"type":"integer"}}}`,
		`{"type":"object","properties":{"result":{"type":"integer"}}}`,
	)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx, map[string]any{"value": float64(1)}))
	require.NoError(t, m.SetField(ctx, "state.x", float64(2)))
	require.NoError(t, m.SetField(ctx, "output.result", float64(3)))

	snap, err := m.GetSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, float64(1), snap.Input["value"])
	require.Equal(t, float64(2), snap.State["x"])
	require.Equal(t, float64(3), snap.Output["result"])
}
