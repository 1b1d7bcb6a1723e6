package checkpoint

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/statekit/pkg/store"
)

func newTestCheckpointer(t *testing.T, opts ...Option) *Checkpointer {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	return New(st, opts...)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	c := newTestCheckpointer(t)
	ctx := context.Background()

	position := []byte(`{"position":2}`)
	agentState := []byte{0x00, 0x01, 0xFF, 0x7F, 0x80} // arbitrary binary

	idx, err := c.Save(ctx, "app", "alice", "sid", "inv", position, agentState)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), idx)

	cp, err := c.Load(ctx, "app", "alice", "sid", "inv", idx)
	require.NoError(t, err)
	assert.Equal(t, "sid", cp.SessionID)
	assert.Equal(t, "inv", cp.InvocationID)
	assert.Equal(t, uint64(1), cp.Index)
	// Byte-for-byte identity, the restore contract.
	assert.True(t, bytes.Equal(position, cp.AgentPosition))
	assert.True(t, bytes.Equal(agentState, cp.AgentState))
	assert.False(t, cp.CreatedAt.IsZero())
}

func TestSaveIncrementsIndex(t *testing.T) {
	c := newTestCheckpointer(t)
	ctx := context.Background()

	for want := uint64(1); want <= 3; want++ {
		idx, err := c.Save(ctx, "app", "alice", "sid", "inv", []byte("p"), nil)
		require.NoError(t, err)
		assert.Equal(t, want, idx)
	}

	latest, err := c.LoadLatest(ctx, "app", "alice", "sid", "inv")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), latest.Index)
}

func TestLoadLatest_Empty(t *testing.T) {
	c := newTestCheckpointer(t)
	_, err := c.LoadLatest(context.Background(), "app", "alice", "sid", "inv")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestLoad_MissingIndex(t *testing.T) {
	c := newTestCheckpointer(t)
	_, err := c.Load(context.Background(), "app", "alice", "sid", "inv", 42)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestRewind(t *testing.T) {
	c := newTestCheckpointer(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		_, err := c.Save(ctx, "app", "alice", "sid", "inv", []byte{byte(i)}, nil)
		require.NoError(t, err)
	}

	require.NoError(t, c.Rewind(ctx, "app", "alice", "sid", "inv", 2))

	latest, err := c.LoadLatest(ctx, "app", "alice", "sid", "inv")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest.Index)
	assert.Equal(t, []byte{2}, latest.AgentPosition)

	// Later checkpoints are gone.
	_, err = c.Load(ctx, "app", "alice", "sid", "inv", 3)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
	_, err = c.Load(ctx, "app", "alice", "sid", "inv", 4)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)

	// Saving resumes from the rewound index.
	idx, err := c.Save(ctx, "app", "alice", "sid", "inv", []byte{9}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), idx)
}

func TestRewind_MissingTarget(t *testing.T) {
	c := newTestCheckpointer(t)
	ctx := context.Background()

	_, err := c.Save(ctx, "app", "alice", "sid", "inv", []byte("p"), nil)
	require.NoError(t, err)

	err = c.Rewind(ctx, "app", "alice", "sid", "inv", 7)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestPrune(t *testing.T) {
	c := newTestCheckpointer(t)
	ctx := context.Background()

	_, err := c.Save(ctx, "app", "alice", "sid", "inv", []byte("p"), nil)
	require.NoError(t, err)

	require.NoError(t, c.Prune(ctx, "app", "alice", "sid", "inv"))
	_, err = c.LoadLatest(ctx, "app", "alice", "sid", "inv")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestPrune_RetainOnComplete(t *testing.T) {
	c := newTestCheckpointer(t, WithRetainOnComplete())
	ctx := context.Background()

	_, err := c.Save(ctx, "app", "alice", "sid", "inv", []byte("p"), nil)
	require.NoError(t, err)

	require.NoError(t, c.Prune(ctx, "app", "alice", "sid", "inv"))
	cp, err := c.LoadLatest(ctx, "app", "alice", "sid", "inv")
	require.NoError(t, err, "retained checkpoints must survive Prune")
	assert.Equal(t, uint64(1), cp.Index)

	// Drop removes them regardless.
	require.NoError(t, c.Drop(ctx, "app", "alice", "sid", "inv"))
	_, err = c.LoadLatest(ctx, "app", "alice", "sid", "inv")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestCurrentInvocationPointer(t *testing.T) {
	c := newTestCheckpointer(t)
	ctx := context.Background()

	_, err := c.Current(ctx, "app", "alice", "sid")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)

	require.NoError(t, c.SetCurrent(ctx, "app", "alice", "sid", "inv-1"))
	got, err := c.Current(ctx, "app", "alice", "sid")
	require.NoError(t, err)
	assert.Equal(t, "inv-1", got)

	require.NoError(t, c.ClearCurrent(ctx, "app", "alice", "sid"))
	_, err = c.Current(ctx, "app", "alice", "sid")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestCheckpointIsolationAcrossInvocations(t *testing.T) {
	c := newTestCheckpointer(t)
	ctx := context.Background()

	_, err := c.Save(ctx, "app", "alice", "sid", "inv-a", []byte("a"), nil)
	require.NoError(t, err)

	_, err = c.LoadLatest(ctx, "app", "alice", "sid", "inv-b")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)

	idx, err := c.Save(ctx, "app", "alice", "sid", "inv-b", []byte("b"), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), idx, "each invocation has its own index space")
}
