package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datahive/personal-server/pkg/sandbox"
	"github.com/datahive/personal-server/pkg/task"
	"github.com/datahive/personal-server/pkg/types"
)

// fakeRuntime returns a canned result and records the request
type fakeRuntime struct {
	mu     sync.Mutex
	req    sandbox.Request
	result *types.ExecResult
	err    error
	block  chan struct{} // When set, Execute waits for close or ctx
}

func (f *fakeRuntime) Execute(ctx context.Context, req sandbox.Request, sink sandbox.LogSink) (*types.ExecResult, error) {
	f.mu.Lock()
	f.req = req
	f.mu.Unlock()

	if sink != nil {
		sink.AppendLog(req.OperationID, "agent starting")
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return &types.ExecResult{Status: types.ExecError, ReturnCode: -1}, nil
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeWriter struct {
	mu      sync.Mutex
	execCtx types.ExecContext
	names   []string
}

func (f *fakeWriter) Write(_ context.Context, execCtx types.ExecContext, artifacts []types.ExecArtifact) (*types.ArtifactMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCtx = execCtx
	meta := &types.ArtifactMetadata{OperationID: execCtx.OperationID}
	for _, a := range artifacts {
		f.names = append(f.names, a.Name)
		meta.Artifacts = append(meta.Artifacts, types.ArtifactInfo{Name: a.Name, Size: a.Size})
	}
	return meta, nil
}

func qwenSpec() Spec {
	return Spec{
		Kind:            "qwen",
		Operation:       types.OperationAgentQwen,
		IDPrefix:        "qwen",
		Command:         "qwen",
		APIKey:          "sk-agent-key",
		APIKeyEnv:       "DASHSCOPE_API_KEY",
		RequiresNetwork: true,
	}
}

func agentGrant(goal string) *types.Grant {
	return &types.Grant{
		Grantee:    "0x1111111111111111111111111111111111111111",
		Operation:  types.OperationAgentQwen,
		Parameters: map[string]interface{}{"goal": goal},
	}
}

func waitTerminal(t *testing.T, store *task.Store, opID string) *task.Snapshot {
	t.Helper()
	var snap *task.Snapshot
	require.Eventually(t, func() bool {
		s, err := store.Get(opID)
		if err != nil {
			return false
		}
		snap = s
		return s.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return snap
}

func TestExecuteSuccess(t *testing.T) {
	store := task.NewStore(task.Config{})
	runtime := &fakeRuntime{result: &types.ExecResult{
		Status:    types.ExecOK,
		Summary:   "done",
		Artifacts: []types.ExecArtifact{{Name: "report.md", Bytes: []byte("x"), Size: 1}},
	}}
	writer := &fakeWriter{}
	p := NewProvider(qwenSpec(), runtime, store, writer)

	execCtx := types.ExecContext{Grantor: "0xaa", Grantee: "0xbb", PermissionID: 7}
	resp, err := p.Execute(context.Background(), agentGrant("summarize my data"), [][]byte{[]byte("data")}, execCtx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.ID, "qwen_"))

	snap := waitTerminal(t, store, resp.ID)
	assert.Equal(t, types.StatusSucceeded, snap.Status)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "done", snap.Result.Summary)

	// Artifacts handed off with the operation context, raw bytes dropped
	writer.mu.Lock()
	assert.Equal(t, "0xbb", writer.execCtx.Grantee)
	assert.Equal(t, []string{"report.md"}, writer.names)
	writer.mu.Unlock()
	assert.Nil(t, snap.Result.Artifacts[0].Bytes)
}

func TestExecuteBuildsSandboxRequest(t *testing.T) {
	store := task.NewStore(task.Config{})
	runtime := &fakeRuntime{result: &types.ExecResult{Status: types.ExecOK}}
	p := NewProvider(qwenSpec(), runtime, store, &fakeWriter{})

	resp, err := p.Execute(context.Background(), agentGrant("analyze"), [][]byte{[]byte("file content")}, types.ExecContext{})
	require.NoError(t, err)
	waitTerminal(t, store, resp.ID)

	runtime.mu.Lock()
	req := runtime.req
	runtime.mu.Unlock()

	assert.Equal(t, "qwen", req.Kind)
	assert.True(t, req.RequiresNetwork)
	assert.Equal(t, "sk-agent-key", req.Env["DASHSCOPE_API_KEY"])
	assert.Equal(t, []string{"sk-agent-key"}, req.Secrets)
	assert.Contains(t, req.StdinInput, "analyze")
	assert.Contains(t, req.StdinInput, sandbox.Sentinel)
	assert.Len(t, req.WorkspaceFiles, 1)
}

func TestExecuteAgentError(t *testing.T) {
	store := task.NewStore(task.Config{})
	runtime := &fakeRuntime{result: &types.ExecResult{
		Status:    types.ExecError,
		Summary:   "broke",
		Artifacts: []types.ExecArtifact{{Name: "partial.txt", Bytes: []byte("x")}},
	}}
	writer := &fakeWriter{}
	p := NewProvider(qwenSpec(), runtime, store, writer)

	resp, err := p.Execute(context.Background(), agentGrant("do"), nil, types.ExecContext{})
	require.NoError(t, err)

	snap := waitTerminal(t, store, resp.ID)
	assert.Equal(t, types.StatusFailed, snap.Status)

	// Artifacts from a failed run are discarded, not stored
	writer.mu.Lock()
	assert.Empty(t, writer.names)
	writer.mu.Unlock()
}

func TestExecuteMissingGoal(t *testing.T) {
	p := NewProvider(qwenSpec(), &fakeRuntime{}, task.NewStore(task.Config{}), &fakeWriter{})

	grant := &types.Grant{Operation: types.OperationAgentQwen, Parameters: map[string]interface{}{}}
	_, err := p.Execute(context.Background(), grant, nil, types.ExecContext{})
	require.Error(t, err)
}

func TestExecuteMarksRunningOnFirstLog(t *testing.T) {
	store := task.NewStore(task.Config{})
	runtime := &fakeRuntime{result: &types.ExecResult{Status: types.ExecOK}, block: make(chan struct{})}
	p := NewProvider(qwenSpec(), runtime, store, &fakeWriter{})

	resp, err := p.Execute(context.Background(), agentGrant("do"), nil, types.ExecContext{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := store.Get(resp.ID)
		return err == nil && snap.Status == types.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	close(runtime.block)
	waitTerminal(t, store, resp.ID)
}

func TestCancelRunningAgent(t *testing.T) {
	store := task.NewStore(task.Config{})
	runtime := &fakeRuntime{result: &types.ExecResult{Status: types.ExecOK}, block: make(chan struct{})}
	p := NewProvider(qwenSpec(), runtime, store, &fakeWriter{})

	resp, err := p.Execute(context.Background(), agentGrant("do"), nil, types.ExecContext{})
	require.NoError(t, err)

	accepted, err := p.Cancel(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.True(t, accepted)

	snap := waitTerminal(t, store, resp.ID)
	assert.Equal(t, types.StatusCancelled, snap.Status)
}

func TestGetRendersView(t *testing.T) {
	store := task.NewStore(task.Config{})
	runtime := &fakeRuntime{result: &types.ExecResult{
		Status:           types.ExecOK,
		Summary:          "done",
		StructuredResult: map[string]interface{}{"answer": 42},
	}}
	p := NewProvider(qwenSpec(), runtime, store, &fakeWriter{})

	resp, err := p.Execute(context.Background(), agentGrant("do"), nil, types.ExecContext{})
	require.NoError(t, err)
	waitTerminal(t, store, resp.ID)

	view, err := p.Get(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSucceeded, view.Status)
	require.NotNil(t, view.FinishedAt)

	result, ok := view.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "done", result["summary"])
}

func TestGetUnknown(t *testing.T) {
	p := NewProvider(qwenSpec(), &fakeRuntime{}, task.NewStore(task.Config{}), &fakeWriter{})

	_, err := p.Get(context.Background(), "qwen_unknown")
	require.Error(t, err)
}
