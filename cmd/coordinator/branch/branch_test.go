package branch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lyzr/wonder-coordinator/cmd/coordinator/runstore"
)

func newTestStore(t *testing.T) (*Store, *runstore.Store) {
	t.Helper()
	rs, err := runstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })
	return New(rs), rs
}

const scalarOutputSchema = `{"type":"object","properties":{"choice":{"type":"string"}},"required":["choice"]}`

const arrayOutputSchema = `{"type":"object","properties":{"items":{"type":"array","items":{"type":"integer"}}}}`

func TestInitializeApplyGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InitializeBranchTable(ctx, "tok-1", []byte(scalarOutputSchema)))
	require.NoError(t, s.ApplyBranchOutput(ctx, "tok-1", map[string]any{"choice": "left"}))

	outputs, err := s.GetBranchOutputs(ctx, []string{"tok-1"}, map[string]int{"tok-1": 0})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.Equal(t, "left", outputs[0].Output["choice"])
}

func TestGetBranchOutputs_OmitsUninitializedTokens(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InitializeBranchTable(ctx, "tok-1", []byte(scalarOutputSchema)))
	require.NoError(t, s.ApplyBranchOutput(ctx, "tok-1", map[string]any{"choice": "left"}))

	outputs, err := s.GetBranchOutputs(ctx, []string{"tok-1", "tok-2"}, map[string]int{"tok-1": 0, "tok-2": 1})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.Equal(t, "tok-1", outputs[0].TokenID)
}

func TestMergeBranches_AppendFlattensHomogeneousArrays(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i, tok := range []string{"tok-1", "tok-2"} {
		require.NoError(t, s.InitializeBranchTable(ctx, tok, []byte(arrayOutputSchema)))
		require.NoError(t, s.ApplyBranchOutput(ctx, tok, map[string]any{
			"items": []any{float64(i*10 + 1), float64(i*10 + 2)},
		}))
	}
	outputs, err := s.GetBranchOutputs(ctx, []string{"tok-1", "tok-2"}, map[string]int{"tok-1": 0, "tok-2": 1})
	require.NoError(t, err)

	merged, err := s.MergeBranches(MergeDescriptor{Source: "_branch.output.items", Target: "state.all", Strategy: StrategyAppend}, outputs)
	require.NoError(t, err)
	asSlice, ok := merged.([]any)
	require.True(t, ok)
	require.Equal(t, []any{float64(1), float64(2), float64(11), float64(12)}, asSlice)
}

func TestMergeBranches_AppendDoesNotFlattenHeterogeneous(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InitializeBranchTable(ctx, "tok-1", []byte(arrayOutputSchema)))
	require.NoError(t, s.ApplyBranchOutput(ctx, "tok-1", map[string]any{"items": []any{float64(1)}}))
	require.NoError(t, s.InitializeBranchTable(ctx, "tok-2", []byte(scalarOutputSchema)))
	require.NoError(t, s.ApplyBranchOutput(ctx, "tok-2", map[string]any{"choice": "left"}))

	outputs, err := s.GetBranchOutputs(ctx, []string{"tok-1", "tok-2"}, map[string]int{"tok-1": 0, "tok-2": 1})
	require.NoError(t, err)

	merged, err := s.MergeBranches(MergeDescriptor{Source: "_branch.output", Target: "state.all", Strategy: StrategyAppend}, outputs)
	require.NoError(t, err)
	asSlice, ok := merged.([]any)
	require.True(t, ok)
	require.Len(t, asSlice, 2)
	// Not flattened: the first element is still the whole branch-output map.
	_, isMap := asSlice[0].(map[string]any)
	require.True(t, isMap)
}

func TestMergeBranches_Collect(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i, tok := range []string{"tok-1", "tok-2"} {
		require.NoError(t, s.InitializeBranchTable(ctx, tok, []byte(scalarOutputSchema)))
		choice := "left"
		if i == 1 {
			choice = "right"
		}
		require.NoError(t, s.ApplyBranchOutput(ctx, tok, map[string]any{"choice": choice}))
	}
	outputs, err := s.GetBranchOutputs(ctx, []string{"tok-1", "tok-2"}, map[string]int{"tok-1": 0, "tok-2": 1})
	require.NoError(t, err)

	merged, err := s.MergeBranches(MergeDescriptor{Source: "_branch.output.choice", Target: "state.choices", Strategy: StrategyCollect}, outputs)
	require.NoError(t, err)
	require.Equal(t, []any{"left", "right"}, merged)
}

func TestMergeBranches_MergeObject(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	objSchema := []byte(`{"type":"object","properties":{"a":{"type":"integer"},"b":{"type":"integer"}}}`)
	require.NoError(t, s.InitializeBranchTable(ctx, "tok-1", objSchema))
	require.NoError(t, s.ApplyBranchOutput(ctx, "tok-1", map[string]any{"a": float64(1)}))
	require.NoError(t, s.InitializeBranchTable(ctx, "tok-2", objSchema))
	require.NoError(t, s.ApplyBranchOutput(ctx, "tok-2", map[string]any{"b": float64(2)}))

	outputs, err := s.GetBranchOutputs(ctx, []string{"tok-1", "tok-2"}, map[string]int{"tok-1": 0, "tok-2": 1})
	require.NoError(t, err)

	merged, err := s.MergeBranches(MergeDescriptor{Source: "_branch.output", Target: "state.combined", Strategy: StrategyMergeObject}, outputs)
	require.NoError(t, err)
	asMap, ok := merged.(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(1), asMap["a"])
	require.Equal(t, float64(2), asMap["b"])
}

func TestMergeBranches_KeyedByBranch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i, tok := range []string{"tok-1", "tok-2"} {
		require.NoError(t, s.InitializeBranchTable(ctx, tok, []byte(scalarOutputSchema)))
		choice := "left"
		if i == 1 {
			choice = "right"
		}
		require.NoError(t, s.ApplyBranchOutput(ctx, tok, map[string]any{"choice": choice}))
	}
	outputs, err := s.GetBranchOutputs(ctx, []string{"tok-1", "tok-2"}, map[string]int{"tok-1": 0, "tok-2": 1})
	require.NoError(t, err)

	merged, err := s.MergeBranches(MergeDescriptor{Source: "_branch.output.choice", Target: "state.byBranch", Strategy: StrategyKeyedByBranch}, outputs)
	require.NoError(t, err)
	asMap, ok := merged.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "left", asMap["0"])
	require.Equal(t, "right", asMap["1"])
}

func TestMergeBranches_LastWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i, tok := range []string{"tok-1", "tok-2", "tok-3"} {
		require.NoError(t, s.InitializeBranchTable(ctx, tok, []byte(scalarOutputSchema)))
		choices := []string{"left", "middle", "right"}
		require.NoError(t, s.ApplyBranchOutput(ctx, tok, map[string]any{"choice": choices[i]}))
	}
	outputs, err := s.GetBranchOutputs(ctx, []string{"tok-1", "tok-2", "tok-3"}, map[string]int{"tok-1": 0, "tok-2": 1, "tok-3": 2})
	require.NoError(t, err)

	merged, err := s.MergeBranches(MergeDescriptor{Source: "_branch.output.choice", Target: "state.final", Strategy: StrategyLastWins}, outputs)
	require.NoError(t, err)
	require.Equal(t, "right", merged)
}

func TestDropBranchTables_RemovesFromCache(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InitializeBranchTable(ctx, "tok-1", []byte(scalarOutputSchema)))
	require.NoError(t, s.ApplyBranchOutput(ctx, "tok-1", map[string]any{"choice": "left"}))

	require.NoError(t, s.DropBranchTables(ctx, []string{"tok-1"}))

	outputs, err := s.GetBranchOutputs(ctx, []string{"tok-1"}, map[string]int{"tok-1": 0})
	require.NoError(t, err)
	require.Empty(t, outputs)
}
