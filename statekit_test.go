package statekit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/statekit/pkg/checkpoint"
	"github.com/aixgo-dev/statekit/pkg/config"
	"github.com/aixgo-dev/statekit/pkg/runner"
	"github.com/aixgo-dev/statekit/pkg/session"
	"github.com/aixgo-dev/statekit/pkg/store"
)

func deltaFor(key string, value any) session.StateDelta {
	return session.StateDelta{
		Scope:     session.ScopeInvocation,
		Key:       key,
		Value:     value,
		Timestamp: time.Now().UTC(),
	}
}

func TestOpen_WiresSharedBackend(t *testing.T) {
	sys, err := Open("memory://")
	require.NoError(t, err)
	defer sys.Close()

	ctx := context.Background()
	sess, err := sys.Sessions.Create(ctx, "app", "alice", "")
	require.NoError(t, err)

	// Log and manager share the store: deltas appended through the log
	// surface in the materialized session.
	_, err = sys.Log.Append(ctx, "app", "alice", sess.ID, deltaFor("topic", "go"))
	require.NoError(t, err)

	got, err := sys.Sessions.Get(ctx, "app", "alice", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "go", got.State["topic"])
	assert.Equal(t, uint64(1), got.LastSequence)
}

func TestOpen_UnsupportedScheme(t *testing.T) {
	_, err := Open("bolt://data")
	var ube *store.UnsupportedBackendError
	require.ErrorAs(t, err, &ube)
	assert.Equal(t, "bolt", ube.Scheme)
}

func TestFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Checkpoint.RetainOnComplete = true

	sys, err := FromConfig(cfg)
	require.NoError(t, err)
	defer sys.Close()

	// Retained checkpoints survive Prune.
	ctx := context.Background()
	_, err = sys.Ckpt.Save(ctx, "app", "alice", "s1", "inv-1", []byte(`{"position":0}`), nil)
	require.NoError(t, err)
	require.NoError(t, sys.Ckpt.Prune(ctx, "app", "alice", "s1", "inv-1"))
	_, err = sys.Ckpt.LoadLatest(ctx, "app", "alice", "s1", "inv-1")
	assert.NoError(t, err)
}

func TestFromConfig_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Backend = ""
	_, err := FromConfig(cfg)
	assert.ErrorContains(t, err, "invalid config")
}

func TestRunnerFromConfig_EndToEnd(t *testing.T) {
	cfg := config.DefaultConfig()
	sys, err := FromConfig(cfg)
	require.NoError(t, err)
	defer sys.Close()

	agent := runner.StepperFunc(func(ctx context.Context, req runner.StepRequest) (*runner.StepResult, error) {
		res := &runner.StepResult{Delta: map[string]any{"step": req.Position}}
		if req.Position == 2 {
			res.Done = true
		}
		return res, nil
	})

	events, err := sys.RunnerFromConfig(cfg, agent).Run(context.Background(), "app", "alice", "", nil)
	require.NoError(t, err)

	var last runner.Event
	for ev := range events {
		last = ev
	}
	require.Equal(t, runner.EventStatus, last.Type)
	assert.Equal(t, checkpoint.StateCompleted, last.Status)

	sess, err := sys.Sessions.Get(context.Background(), "app", "alice", last.SessionID)
	require.NoError(t, err)
	assert.Equal(t, float64(2), sess.State["step"])
}

func TestClose_Idempotent(t *testing.T) {
	sys, err := Open("memory://")
	require.NoError(t, err)
	require.NoError(t, sys.Close())
	// A second close is harmless; subsequent operations fail closed.
	require.NoError(t, sys.Close())
	_, err = sys.Sessions.Get(context.Background(), "app", "alice", "s1")
	assert.True(t, errors.Is(err, store.ErrStoreClosed))
}
