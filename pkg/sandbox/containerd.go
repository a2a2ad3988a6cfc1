package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sync/semaphore"

	"github.com/datahive/personal-server/pkg/errdefs"
	"github.com/datahive/personal-server/pkg/log"
	"github.com/datahive/personal-server/pkg/metrics"
	"github.com/datahive/personal-server/pkg/types"
)

const (
	// defaultNamespace is the containerd namespace for agent containers
	defaultNamespace = "pserver"

	// defaultSocketPath is the default containerd socket
	defaultSocketPath = "/run/containerd/containerd.sock"

	// sandboxUID is the non-root uid agents run as inside the image
	sandboxUID = 1000

	containerWorkdir = "/workspace"
	containerHome    = "/workspace/home"
)

// ContainerdRuntime executes agents in single-use containers
type ContainerdRuntime struct {
	client          *containerd.Client
	namespace       string
	image           string
	workspaceParent string
	memoryLimit     int64
	cpuQuota        float64
	timeout         time.Duration
	stdoutCap       int64
	slots           *semaphore.Weighted
}

// ContainerdConfig holds container runtime settings
type ContainerdConfig struct {
	SocketPath      string
	Image           string
	WorkspaceParent string
	MemoryLimit     int64
	CPUQuota        float64
	Timeout         time.Duration
	StdoutCapBytes  int64
	MaxConcurrent   int64
}

// NewContainerdRuntime connects to containerd and prepares the runtime
func NewContainerdRuntime(cfg ContainerdConfig) (*ContainerdRuntime, error) {
	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = defaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	stdoutCap := cfg.StdoutCapBytes
	if stdoutCap == 0 {
		stdoutCap = 1 << 20
	}

	return &ContainerdRuntime{
		client:          client,
		namespace:       defaultNamespace,
		image:           cfg.Image,
		workspaceParent: cfg.WorkspaceParent,
		memoryLimit:     cfg.MemoryLimit,
		cpuQuota:        cfg.CPUQuota,
		timeout:         timeout,
		stdoutCap:       stdoutCap,
		slots:           concurrencySlots(cfg.MaxConcurrent),
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// PullImage pulls the sandbox image so first executions do not pay for it
func (r *ContainerdRuntime) PullImage(ctx context.Context) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	if _, err := r.client.Pull(ctx, r.image, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", r.image, err)
	}
	return nil
}

// Execute runs one agent container to completion. Admission is gated on
// the runtime's own slots; the daemon never sees more than max_concurrent
// agent containers at once.
func (r *ContainerdRuntime) Execute(ctx context.Context, req Request, sink LogSink) (*types.ExecResult, error) {
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

	start := time.Now()
	outcome, exitCode, timedOut, runErr := r.runContainer(ctx, req, ws, sink)
	elapsed := time.Since(start)

	metrics.SandboxExecutionsTotal.WithLabelValues("container", execLabel(runErr)).Inc()
	metrics.SandboxDuration.WithLabelValues("container").Observe(elapsed.Seconds())

	if runErr != nil {
		return nil, errdefs.Sandbox(runErr, "container execution failed")
	}

	artifacts, err := ws.collectArtifacts(false)
	if err != nil {
		log.WithOperationID(req.OperationID).Warn().Err(err).Msg("artifact collection failed")
	}

	structured, _ := parseAgentResult(outcome.lines)
	status := deriveStatus(structured, outcome.sentinelSeen, exitCode)
	summary := summaryFrom(structured)
	if timedOut {
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
		Msg("agent container finished")

	return result, nil
}

// runContainer creates, starts and reaps a single container
func (r *ContainerdRuntime) runContainer(ctx context.Context, req Request, ws *workspace, sink LogSink) (*streamOutcome, int, bool, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, r.image)
	if err != nil {
		return nil, -1, false, fmt.Errorf("failed to get image %s: %w", r.image, err)
	}

	containerID := "agent-" + uuid.New().String()

	container, err := r.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(r.specOpts(req, ws, image)...),
	)
	if err != nil {
		return nil, -1, false, fmt.Errorf("failed to create container: %w", err)
	}
	defer container.Delete(context.WithoutCancel(ctx), containerd.WithSnapshotCleanup)

	stdoutR, stdoutW := io.Pipe()
	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, stdoutW, stdoutW)))
	if err != nil {
		return nil, -1, false, fmt.Errorf("failed to create task: %w", err)
	}
	defer task.Delete(context.WithoutCancel(ctx))

	statusC, err := task.Wait(ctx)
	if err != nil {
		return nil, -1, false, fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return nil, -1, false, fmt.Errorf("failed to start task: %w", err)
	}

	outcomeC := make(chan *streamOutcome, 1)
	go func() {
		outcomeC <- streamLines(stdoutR, req.OperationID, sink, req.Secrets, r.stdoutCap)
		io.Copy(io.Discard, stdoutR)
	}()

	exitCode := 0
	timedOut := false
	select {
	case status := <-statusC:
		exitCode = int(status.ExitCode())
	case <-time.After(r.timeout):
		// Wall clock exceeded; kill forcefully and wait for the exit event
		timedOut = true
		if err := task.Kill(context.WithoutCancel(ctx), syscall.SIGKILL); err != nil {
			log.WithOperationID(req.OperationID).Error().Err(err).Msg("failed to kill timed-out container")
		}
		status := <-statusC
		exitCode = int(status.ExitCode())
	case <-ctx.Done():
		if err := task.Kill(context.WithoutCancel(ctx), syscall.SIGKILL); err == nil {
			<-statusC
		}
		exitCode = -1
	}

	stdoutW.Close()
	outcome := <-outcomeC

	return outcome, exitCode, timedOut, nil
}

// specOpts builds the OCI spec: non-root uid, workspace and home binds,
// scrubbed environment, memory and CPU caps, no network unless requested.
func (r *ContainerdRuntime) specOpts(req Request, ws *workspace, image containerd.Image) []oci.SpecOpts {
	args := append([]string{req.Cmd}, req.Args...)
	if req.StdinInput != "" {
		// Pipe the input through the shell so agents without stdin
		// handling still receive it.
		quoted := "'" + strings.ReplaceAll(req.StdinInput, "'", `'\''`) + "'"
		args = []string{"/bin/sh", "-c", "printf '%s' " + quoted + " | " + shellJoin(req.Cmd, req.Args)}
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs(args...),
		oci.WithProcessCwd(containerWorkdir),
		oci.WithUIDGID(sandboxUID, sandboxUID),
		oci.WithEnv(containerEnv(req)),
		oci.WithMounts([]specs.Mount{
			{
				Source:      ws.root,
				Destination: containerWorkdir,
				Type:        "bind",
				Options:     []string{"rw", "rbind"},
			},
			{
				Source:      ws.home,
				Destination: containerHome,
				Type:        "bind",
				Options:     []string{"rw", "rbind"},
			},
		}),
		oci.WithMemoryLimit(uint64(r.memoryLimit)),
		oci.WithCPUCFS(int64(r.cpuQuota*100_000), 100_000),
	}

	if !req.RequiresNetwork {
		// A fresh, unconfigured network namespace leaves the
		// container with loopback only.
		opts = append(opts, oci.WithLinuxNamespace(specs.LinuxNamespace{Type: specs.NetworkNamespace}))
	} else {
		opts = append(opts, oci.WithHostNamespace(specs.NetworkNamespace))
	}

	return opts
}

// containerEnv is the scrubbed environment plus agent overrides
func containerEnv(req Request) []string {
	env := []string{
		"HOME=" + containerHome,
		"PATH=/usr/local/bin:/usr/bin:/bin",
	}
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// shellJoin quotes a command line for /bin/sh -c
func shellJoin(cmd string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, p := range append([]string{cmd}, args...) {
		parts = append(parts, "'"+strings.ReplaceAll(p, "'", `'\''`)+"'")
	}
	return strings.Join(parts, " ")
}
