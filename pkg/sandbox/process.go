package sandbox

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/datahive/personal-server/pkg/errdefs"
	"github.com/datahive/personal-server/pkg/log"
	"github.com/datahive/personal-server/pkg/metrics"
	"github.com/datahive/personal-server/pkg/types"
)

// ProcessRuntime executes agents as host processes inside a private
// workspace. Isolation relies on a minimized environment, a file size
// rlimit and process group kill rather than a container boundary.
type ProcessRuntime struct {
	workspaceParent string
	timeout         time.Duration
	stdoutCap       int64
	fileSizeLimit   uint64
	slots           *semaphore.Weighted
}

// ProcessConfig holds process runtime settings
type ProcessConfig struct {
	WorkspaceParent string
	Timeout         time.Duration
	StdoutCapBytes  int64
	FileSizeLimit   uint64
	MaxConcurrent   int64
}

// NewProcessRuntime creates the process sandbox runtime
func NewProcessRuntime(cfg ProcessConfig) *ProcessRuntime {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	stdoutCap := cfg.StdoutCapBytes
	if stdoutCap == 0 {
		stdoutCap = 1 << 20
	}
	fileLimit := cfg.FileSizeLimit
	if fileLimit == 0 {
		fileLimit = 512 << 20
	}
	return &ProcessRuntime{
		workspaceParent: cfg.WorkspaceParent,
		timeout:         timeout,
		stdoutCap:       stdoutCap,
		fileSizeLimit:   fileLimit,
		slots:           concurrencySlots(cfg.MaxConcurrent),
	}
}

// Execute runs one agent process to completion
func (r *ProcessRuntime) Execute(ctx context.Context, req Request, sink LogSink) (*types.ExecResult, error) {
	if err := r.slots.Acquire(ctx, 1); err != nil {
		return nil, errdefs.Sandbox(err, "cancelled while waiting for an execution slot")
	}
	defer r.slots.Release(1)

	ws, err := newWorkspace(r.workspaceParent, req.Kind)
	if err != nil {
		return nil, errdefs.Sandbox(err, "workspace setup failed")
	}
	defer ws.remove()

	if err := ws.stage(req.WorkspaceFiles); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	outcome, exitCode, runErr := r.run(runCtx, req, ws, sink)
	elapsed := time.Since(start)

	metrics.SandboxExecutionsTotal.WithLabelValues("process", execLabel(runErr)).Inc()
	metrics.SandboxDuration.WithLabelValues("process").Observe(elapsed.Seconds())

	if runErr != nil && outcome == nil {
		return nil, errdefs.Sandbox(runErr, "agent process failed to start")
	}

	artifacts, err := ws.collectArtifacts(true)
	if err != nil {
		log.WithOperationID(req.OperationID).Warn().Err(err).Msg("artifact collection failed")
	}

	structured, _ := parseAgentResult(outcome.lines)
	status := deriveStatus(structured, outcome.sentinelSeen, exitCode)
	summary := summaryFrom(structured)
	if runCtx.Err() == context.DeadlineExceeded {
		status = types.ExecError
		summary = "timeout"
	}
	result := &types.ExecResult{
		Status:           status,
		Summary:          summary,
		StructuredResult: structured,
		Artifacts:        artifacts,
		Logs:             outcome.lines,
		StdoutExcerpt:    stdoutExcerpt(outcome.lines, 4096),
		ReturnCode:       exitCode,
		ExecutionTime:    elapsed,
	}

	log.WithOperationID(req.OperationID).Info().
		Str("status", string(result.Status)).
		Int("return_code", exitCode).
		Dur("elapsed", elapsed).
		Int("artifacts", len(artifacts)).
		Msg("agent process finished")

	return result, nil
}

// run launches the agent in its own process group with rlimits applied,
// streams its output and enforces the wall clock via killpg.
func (r *ProcessRuntime) run(ctx context.Context, req Request, ws *workspace, sink LogSink) (*streamOutcome, int, error) {
	cmd := exec.Command(req.Cmd, req.Args...)
	cmd.Dir = ws.root
	cmd.Env = buildEnv(req, ws)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if req.StdinInput != "" {
		cmd.Stdin = strings.NewReader(req.StdinInput)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, -1, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, -1, fmt.Errorf("failed to start agent: %w", err)
	}

	if err := r.applyLimits(cmd.Process.Pid); err != nil {
		log.WithOperationID(req.OperationID).Warn().Err(err).Msg("failed to apply rlimits")
	}

	// Timeout and cancellation kill the whole process group so shell
	// children cannot outlive the agent.
	killDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		case <-killDone:
		}
	}()

	outcome := streamLines(stdout, req.OperationID, sink, req.Secrets, r.stdoutCap)
	// Sentinel drain may stop the reader early; discard the rest so the
	// pipe does not block the child.
	io.Copy(io.Discard, stdout)

	waitErr := cmd.Wait()
	close(killDone)

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return outcome, -1, fmt.Errorf("failed to wait for agent: %w", waitErr)
		}
	}

	if ctx.Err() != nil {
		return outcome, exitCode, nil
	}
	return outcome, exitCode, nil
}

// applyLimits caps per-write file size on the agent process
func (r *ProcessRuntime) applyLimits(pid int) error {
	limit := unix.Rlimit{Cur: r.fileSizeLimit, Max: r.fileSizeLimit}
	if err := unix.Prlimit(pid, unix.RLIMIT_FSIZE, &limit, nil); err != nil {
		return fmt.Errorf("failed to set RLIMIT_FSIZE: %w", err)
	}
	return nil
}

// execLabel classifies an execution for metrics
func execLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
