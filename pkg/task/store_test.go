package task

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datahive/personal-server/pkg/errdefs"
	"github.com/datahive/personal-server/pkg/types"
)

func newTestStore() *Store {
	return NewStore(Config{LogCap: 10, TTL: time.Hour})
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore()

	snap, err := s.Create("qwen_abc", types.OperationAgentQwen, 7, "0xaa", "0xbb", nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, snap.Status)

	require.NoError(t, s.MarkRunning("qwen_abc"))
	snap, err = s.Get("qwen_abc")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, snap.Status)
	assert.False(t, snap.StartedAt.IsZero())

	s.Finish("qwen_abc", types.StatusSucceeded, &types.ExecResult{Status: types.ExecOK}, "")
	snap, err = s.Get("qwen_abc")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSucceeded, snap.Status)
	require.NotNil(t, snap.Result)
}

func TestCreateDuplicateReturnsExisting(t *testing.T) {
	s := newTestStore()

	_, err := s.Create("op1", types.OperationRemoteLLM, 1, "0xaa", "0xbb", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning("op1"))

	snap, err := s.Create("op1", types.OperationAgentQwen, 2, "0xcc", "0xdd", nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, snap.Status)
	assert.Equal(t, types.OperationRemoteLLM, snap.Operation)
}

func TestGetUnknown(t *testing.T) {
	s := newTestStore()

	_, err := s.Get("missing")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestCancel(t *testing.T) {
	s := newTestStore()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := s.Create("op1", types.OperationRemoteLLM, 1, "0xaa", "0xbb", cancel)
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning("op1"))

	cancelled, err := s.Cancel("op1")
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Error(t, ctx.Err())

	snap, err := s.Get("op1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, snap.Status)

	// Second cancel is a no-op
	cancelled, err = s.Cancel("op1")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestCancelAfterTerminal(t *testing.T) {
	s := newTestStore()

	_, err := s.Create("op1", types.OperationRemoteLLM, 1, "0xaa", "0xbb", nil)
	require.NoError(t, err)
	s.Finish("op1", types.StatusFailed, nil, "boom")

	cancelled, err := s.Cancel("op1")
	require.NoError(t, err)
	assert.False(t, cancelled)

	snap, err := s.Get("op1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, snap.Status)
}

func TestFinishAfterCancelKeepsCancelled(t *testing.T) {
	s := newTestStore()

	_, err := s.Create("op1", types.OperationRemoteLLM, 1, "0xaa", "0xbb", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning("op1"))

	_, err = s.Cancel("op1")
	require.NoError(t, err)

	// A worker finishing after cancellation must not clobber the state
	s.Finish("op1", types.StatusSucceeded, &types.ExecResult{}, "")

	snap, err := s.Get("op1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, snap.Status)
	assert.Nil(t, snap.Result)
}

func TestFinishReleasesCancelHandle(t *testing.T) {
	s := newTestStore()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := s.Create("op1", types.OperationRemoteLLM, 1, "0xaa", "0xbb", cancel)
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning("op1"))

	// The terminal transition releases the worker context
	s.Finish("op1", types.StatusSucceeded, &types.ExecResult{Status: types.ExecOK}, "")
	assert.Error(t, ctx.Err())
}

func TestMarkRunningTwice(t *testing.T) {
	s := newTestStore()

	_, err := s.Create("op1", types.OperationRemoteLLM, 1, "0xaa", "0xbb", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning("op1"))
	require.Error(t, s.MarkRunning("op1"))
}

func TestLogRing(t *testing.T) {
	s := newTestStore()

	_, err := s.Create("op1", types.OperationAgentGemini, 1, "0xaa", "0xbb", nil)
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		s.AppendLog("op1", fmt.Sprintf("line %d", i))
	}

	snap, err := s.Get("op1")
	require.NoError(t, err)
	require.Len(t, snap.Logs, 10)
	assert.Equal(t, "line 15", snap.Logs[0])
	assert.Equal(t, "line 24", snap.Logs[9])
}

func TestCleanup(t *testing.T) {
	s := NewStore(Config{LogCap: 10, TTL: time.Millisecond})

	_, err := s.Create("old", types.OperationRemoteLLM, 1, "0xaa", "0xbb", nil)
	require.NoError(t, err)
	s.Finish("old", types.StatusSucceeded, nil, "")

	_, err = s.Create("live", types.OperationRemoteLLM, 2, "0xaa", "0xbb", nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	removed := s.Cleanup()
	assert.Equal(t, 1, removed)

	_, err = s.Get("old")
	assert.Error(t, err)
	_, err = s.Get("live")
	assert.NoError(t, err)
}

func TestSnapshotIsolation(t *testing.T) {
	s := newTestStore()

	_, err := s.Create("op1", types.OperationRemoteLLM, 1, "0xaa", "0xbb", nil)
	require.NoError(t, err)
	s.AppendLog("op1", "first")

	snap, err := s.Get("op1")
	require.NoError(t, err)
	snap.Logs[0] = "mutated"

	again, err := s.Get("op1")
	require.NoError(t, err)
	assert.Equal(t, "first", again.Logs[0])
}
