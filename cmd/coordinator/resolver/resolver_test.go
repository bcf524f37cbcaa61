package resolver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGet_MissingFieldIsAbsentNotError(t *testing.T) {
	r := New()
	v, ok := r.Get(map[string]any{"state": map[string]any{"x": 1}}, "state.y")
	require.False(t, ok)
	require.Nil(t, v)
}

func TestResolveInputMapping_OmitsAbsentEntries(t *testing.T) {
	r := New()
	snapshot := map[string]any{"state": map[string]any{"x": float64(84)}}
	out := r.ResolveInputMapping(map[string]string{
		"state.x": "doubled",
		"state.z": "missing",
	}, snapshot)

	require.Equal(t, float64(84), out["doubled"])
	_, present := out["missing"]
	require.False(t, present)
}

func TestProjectMergeSource_WholeOutput(t *testing.T) {
	r := New()
	out := map[string]any{"v": float64(1)}
	v, err := r.ProjectMergeSource("_branch.output", out)
	require.NoError(t, err)
	require.Equal(t, out, v)
}

func TestProjectMergeSource_Subpath(t *testing.T) {
	r := New()
	out := map[string]any{"choice": "left"}
	v, err := r.ProjectMergeSource("_branch.output.choice", out)
	require.NoError(t, err)
	require.Equal(t, "left", v)
}

func TestProjectMergeSource_RejectsOtherPrefix(t *testing.T) {
	r := New()
	_, err := r.ProjectMergeSource("*.choice", map[string]any{})
	require.Error(t, err)
}
