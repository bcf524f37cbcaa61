package tokenstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lyzr/wonder-coordinator/cmd/coordinator/runstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	rs, err := runstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })
	ts := New(rs)
	require.NoError(t, ts.Migrate(context.Background()))
	return ts
}

func TestCreateAndGet(t *testing.T) {
	ts := newTestStore(t)
	ctx := context.Background()

	tok, err := ts.Create(ctx, CreateParams{RunID: "run1", NodeID: "start", PathID: "root"})
	require.NoError(t, err)
	require.Equal(t, StatusPending, tok.Status)

	loaded, err := ts.Get(ctx, tok.ID)
	require.NoError(t, err)
	require.Equal(t, tok.PathID, loaded.PathID)
}

func TestStatusTransitions_RejectFromTerminal(t *testing.T) {
	ts := newTestStore(t)
	ctx := context.Background()

	tok, err := ts.Create(ctx, CreateParams{RunID: "run1", NodeID: "n", PathID: "root"})
	require.NoError(t, err)

	ok, err := ts.MarkDispatched(ctx, tok.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ts.MarkExecuting(ctx, tok.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ts.Complete(ctx, tok.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// terminal -> anything is rejected
	ok, err = ts.Cancel(ctx, tok.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTryActivateFanIn_ExactlyOneWinner(t *testing.T) {
	ts := newTestStore(t)
	ctx := context.Background()

	wins := 0
	for i := 0; i < 5; i++ {
		won, err := ts.TryActivateFanIn(ctx, "group-1", "token-x")
		require.NoError(t, err)
		if won {
			wins++
		}
	}
	require.Equal(t, 1, wins)
}

func TestSiblingCounts(t *testing.T) {
	ts := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tok, err := ts.Create(ctx, CreateParams{
			RunID: "run1", NodeID: "fanout", PathID: "root.fanout." + string(rune('0'+i)),
			SiblingGroup: "G", BranchIndex: i, BranchTotal: 3,
		})
		require.NoError(t, err)
		if i < 2 {
			_, err = ts.MarkDispatched(ctx, tok.ID)
			require.NoError(t, err)
			_, err = ts.MarkExecuting(ctx, tok.ID)
			require.NoError(t, err)
			_, err = ts.Complete(ctx, tok.ID)
			require.NoError(t, err)
		}
	}

	counts, err := ts.SiblingCounts(ctx, "run1", "G")
	require.NoError(t, err)
	require.Equal(t, 3, counts.Total)
	require.Equal(t, 2, counts.Completed)
	require.Equal(t, 1, counts.InFlight)
}

func TestListNonTerminalAndListAll(t *testing.T) {
	ts := newTestStore(t)
	ctx := context.Background()

	pending, err := ts.Create(ctx, CreateParams{RunID: "run1", NodeID: "a", PathID: "root.a"})
	require.NoError(t, err)
	done, err := ts.Create(ctx, CreateParams{RunID: "run1", NodeID: "b", PathID: "root.b"})
	require.NoError(t, err)
	_, err = ts.MarkDispatched(ctx, done.ID)
	require.NoError(t, err)
	_, err = ts.MarkExecuting(ctx, done.ID)
	require.NoError(t, err)
	_, err = ts.Complete(ctx, done.ID)
	require.NoError(t, err)

	nonTerminalTokens, err := ts.ListNonTerminal(ctx, "run1")
	require.NoError(t, err)
	require.Len(t, nonTerminalTokens, 1)
	require.Equal(t, pending.ID, nonTerminalTokens[0].ID)

	all, err := ts.ListAll(ctx, "run1")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestListByStatus_FiltersToRequestedRun(t *testing.T) {
	ts := newTestStore(t)
	ctx := context.Background()

	_, err := ts.Create(ctx, CreateParams{RunID: "run1", NodeID: "a", PathID: "root.a"})
	require.NoError(t, err)
	_, err = ts.Create(ctx, CreateParams{RunID: "run2", NodeID: "a", PathID: "root.a"})
	require.NoError(t, err)

	pending, err := ts.ListByStatus(ctx, "run1", []Status{StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "run1", pending[0].RunID)
}
