package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/datahive/personal-server/pkg/errdefs"
	"github.com/datahive/personal-server/pkg/log"
	"github.com/datahive/personal-server/pkg/sandbox"
	"github.com/datahive/personal-server/pkg/task"
	"github.com/datahive/personal-server/pkg/types"
)

// ArtifactWriter persists agent artifacts after a run. Implemented by the
// artifact store.
type ArtifactWriter interface {
	Write(ctx context.Context, execCtx types.ExecContext, artifacts []types.ExecArtifact) (*types.ArtifactMetadata, error)
}

// Spec describes one agent CLI and how to launch it
type Spec struct {
	Kind            string // "qwen" or "gemini"
	Operation       string // Grant operation name
	IDPrefix        string
	Command         string
	Args            []string
	APIKey          string
	APIKeyEnv       string
	Model           string
	RequiresNetwork bool
}

// Provider runs one kind of sandboxed agent. It is a singleton: Get and
// Cancel must observe the tasks Execute created.
type Provider struct {
	spec      Spec
	runtime   sandbox.Runtime
	tasks     *task.Store
	artifacts ArtifactWriter
}

// NewProvider creates an agent provider
func NewProvider(spec Spec, runtime sandbox.Runtime, tasks *task.Store, artifacts ArtifactWriter) *Provider {
	return &Provider{
		spec:      spec,
		runtime:   runtime,
		tasks:     tasks,
		artifacts: artifacts,
	}
}

// Execute registers the task and dispatches the agent in the background.
// The request context is deliberately not inherited: the agent outlives
// the HTTP request that created it.
func (p *Provider) Execute(_ context.Context, grant *types.Grant, filesContent [][]byte, execCtx types.ExecContext) (*types.CreateResponse, error) {
	goal, _ := grant.Parameters["goal"].(string)
	if goal == "" {
		if prompt, ok := grant.Parameters["prompt"].(string); ok {
			goal = prompt
		}
	}
	if goal == "" {
		return nil, errdefs.GrantValidation("agent grant missing parameters.goal")
	}

	opID := execCtx.OperationID
	if opID == "" {
		opID = fmt.Sprintf("%s_%d", p.spec.IDPrefix, time.Now().UnixMilli())
	}
	execCtx.OperationID = opID

	runCtx, cancel := context.WithCancel(context.Background())
	snap, err := p.tasks.Create(opID, p.spec.Operation, execCtx.PermissionID, execCtx.Grantor, execCtx.Grantee, cancel)
	if err != nil {
		cancel()
		return nil, err
	}

	files := AssignFilenames(filesContent)
	req := sandbox.Request{
		Kind:            p.spec.Kind,
		Cmd:             p.spec.Command,
		Args:            p.spec.Args,
		WorkspaceFiles:  files,
		Env:             p.agentEnv(),
		OperationID:     opID,
		StdinInput:      BuildPrompt(goal, files),
		RequiresNetwork: p.spec.RequiresNetwork,
		Secrets:         p.secrets(),
	}

	go p.run(runCtx, req, execCtx)

	return &types.CreateResponse{ID: opID, CreatedAt: snap.CreatedAt}, nil
}

// run executes the agent and records the outcome
func (p *Provider) run(ctx context.Context, req sandbox.Request, execCtx types.ExecContext) {
	logger := log.WithOperationID(execCtx.OperationID)

	sink := &runningSink{tasks: p.tasks, opID: execCtx.OperationID}
	result, err := p.runtime.Execute(ctx, req, sink)
	if err != nil {
		logger.Error().Err(err).Msg("agent execution failed")
		p.tasks.Finish(execCtx.OperationID, types.StatusFailed, nil, err.Error())
		return
	}

	// Artifacts from a failed run are discarded, never stored
	if result.Status != types.ExecOK {
		for i := range result.Artifacts {
			result.Artifacts[i].Bytes = nil
		}
		p.tasks.Finish(execCtx.OperationID, types.StatusFailed, result, result.Summary)
		logger.Info().Str("exec_status", string(result.Status)).Msg("agent operation failed")
		return
	}

	// Hand artifacts to the encrypted store before declaring success so
	// clients never see SUCCEEDED with unreadable artifacts.
	if len(result.Artifacts) > 0 {
		meta, err := p.artifacts.Write(ctx, execCtx, result.Artifacts)
		if err != nil {
			logger.Error().Err(err).Msg("artifact persistence failed")
			p.tasks.Finish(execCtx.OperationID, types.StatusFailed, result, err.Error())
			return
		}
		if result.StructuredResult == nil {
			result.StructuredResult = make(map[string]interface{})
		}
		result.StructuredResult["artifacts"] = meta.Artifacts
	}
	// Raw bytes are persisted encrypted; drop them from the in-memory task
	for i := range result.Artifacts {
		result.Artifacts[i].Bytes = nil
	}

	p.tasks.Finish(execCtx.OperationID, types.StatusSucceeded, result, "")
	logger.Info().Str("exec_status", string(result.Status)).Msg("agent operation succeeded")
}

// Get renders the task state for clients
func (p *Provider) Get(_ context.Context, opID string) (*types.OperationView, error) {
	snap, err := p.tasks.Get(opID)
	if err != nil {
		return nil, err
	}

	view := &types.OperationView{
		ID:     snap.ID,
		Status: snap.Status,
		Error:  snap.Error,
	}
	if !snap.StartedAt.IsZero() {
		started := snap.StartedAt
		view.StartedAt = &started
	}
	if !snap.FinishedAt.IsZero() {
		finished := snap.FinishedAt
		view.FinishedAt = &finished
	}
	if snap.Result != nil {
		view.Result = renderResult(snap.Result)
	}
	return view, nil
}

// Cancel delegates to the task store
func (p *Provider) Cancel(_ context.Context, opID string) (bool, error) {
	return p.tasks.Cancel(opID)
}

// agentEnv is the agent's explicit environment overrides
func (p *Provider) agentEnv() map[string]string {
	env := make(map[string]string)
	if p.spec.APIKey != "" && p.spec.APIKeyEnv != "" {
		env[p.spec.APIKeyEnv] = p.spec.APIKey
	}
	if p.spec.Model != "" {
		env["AGENT_MODEL"] = p.spec.Model
	}
	return env
}

// secrets lists values that must never appear in captured output
func (p *Provider) secrets() []string {
	if p.spec.APIKey == "" {
		return nil
	}
	return []string{p.spec.APIKey}
}

// renderResult is the client-visible result shape
func renderResult(result *types.ExecResult) map[string]interface{} {
	out := map[string]interface{}{
		"status":         string(result.Status),
		"summary":        result.Summary,
		"return_code":    result.ReturnCode,
		"execution_time": result.ExecutionTime.Seconds(),
	}
	if result.StructuredResult != nil {
		out["result"] = result.StructuredResult
	}
	if result.StdoutExcerpt != "" {
		out["stdout_excerpt"] = result.StdoutExcerpt
	}
	return out
}

// runningSink forwards log lines to the task store and flips the task to
// RUNNING on the first line.
type runningSink struct {
	tasks *task.Store
	opID  string
	once  sync.Once
}

func (s *runningSink) AppendLog(opID, line string) {
	s.once.Do(func() {
		if err := s.tasks.MarkRunning(s.opID); err != nil {
			log.WithOperationID(s.opID).Debug().Err(err).Msg("task already past pending")
		}
	})
	s.tasks.AppendLog(opID, line)
}
