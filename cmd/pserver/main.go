package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/datahive/personal-server/pkg/agent"
	"github.com/datahive/personal-server/pkg/api"
	"github.com/datahive/personal-server/pkg/artifact"
	"github.com/datahive/personal-server/pkg/chain"
	"github.com/datahive/personal-server/pkg/config"
	"github.com/datahive/personal-server/pkg/fetch"
	"github.com/datahive/personal-server/pkg/identity"
	"github.com/datahive/personal-server/pkg/llm"
	"github.com/datahive/personal-server/pkg/log"
	"github.com/datahive/personal-server/pkg/metrics"
	"github.com/datahive/personal-server/pkg/ops"
	"github.com/datahive/personal-server/pkg/provider"
	"github.com/datahive/personal-server/pkg/sandbox"
	"github.com/datahive/personal-server/pkg/task"
	"github.com/datahive/personal-server/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pserver",
	Short: "Personal server - permissioned compute over encrypted user data",
	Long: `pserver runs granted operations against a user's encrypted files:
remote LLM inference and sandboxed agent runs, authorized by on-chain
permissions and app signatures, with results stored encrypted per grantee.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"pserver version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("config", "", "Path to YAML config file")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the personal server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return serve(cfg)
	},
}

func serve(cfg *config.Config) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	metrics.Register()

	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Msg("starting personal server")

	deriver, err := identity.NewDeriver(cfg.Identity.Mnemonic, cfg.Identity.Language)
	if err != nil {
		return fmt.Errorf("failed to initialize key derivation: %w", err)
	}
	verifier, err := identity.NewVerifier(cfg.Auth.MockSigner)
	if err != nil {
		return fmt.Errorf("failed to initialize signature verifier: %w", err)
	}
	if cfg.Auth.MockSigner != "" {
		logger.Warn().Str("signer", cfg.Auth.MockSigner).Msg("mock signer enabled, signature verification is bypassed")
	}

	gateway, err := chain.Dial(chain.Config{
		Endpoint:            cfg.Chain.Endpoint,
		PermissionsContract: cfg.Chain.PermissionsContract,
		FilesContract:       cfg.Chain.FilesContract,
		GranteesContract:    cfg.Chain.GranteesContract,
		CallTimeout:         cfg.Chain.CallTimeout,
		CacheTTL:            cfg.Chain.CacheTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to chain: %w", err)
	}

	fetcher := fetch.New(fetch.Config{
		Gateways:       cfg.Fetch.Gateways,
		GatewayTimeout: cfg.Fetch.GatewayTimeout,
		RetryBase:      cfg.Fetch.RetryBase,
		RetryCap:       cfg.Fetch.RetryCap,
	})

	tasks := task.NewStore(task.Config{
		LogCap: cfg.Tasks.LogBufferCap,
		TTL:    cfg.Tasks.CleanupTTL,
	})
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	tasks.StartJanitor(janitorCtx, cfg.Tasks.CleanupInterval)

	runtime, closeRuntime, err := buildRuntime(cfg.Sandbox)
	if err != nil {
		return err
	}
	defer closeRuntime()

	backend, err := buildBackend(cfg.Artifacts)
	if err != nil {
		return err
	}
	defer backend.Close()

	artifacts := artifact.NewStore(artifact.StoreConfig{
		Backend:  backend,
		Deriver:  deriver,
		Verifier: verifier,
		TTL:      cfg.Artifacts.TTL,
	})

	registry := provider.NewRegistry()

	llmProvider := llm.NewProvider(llm.ProviderConfig{
		Client: llm.NewClient(llm.ClientConfig{
			BaseURL:      cfg.LLM.BaseURL,
			APIToken:     cfg.LLM.APIToken,
			ModelVersion: cfg.LLM.ModelVersion,
		}),
		MaxPromptSize: cfg.LLM.MaxPromptSize,
	})
	registry.Register(types.OperationRemoteLLM, "", provider.Singleton(llmProvider))

	for kind, agentCfg := range cfg.Agents {
		operation, ok := agentOperations[kind]
		if !ok {
			logger.Warn().Str("kind", kind).Msg("ignoring unknown agent kind in config")
			continue
		}
		p := agent.NewProvider(agent.Spec{
			Kind:            kind,
			Operation:       operation,
			IDPrefix:        kind,
			Command:         agentCfg.Command,
			Args:            agentCfg.Args,
			APIKey:          agentCfg.APIKey,
			APIKeyEnv:       agentCfg.APIKeyEnv,
			Model:           agentCfg.Model,
			RequiresNetwork: agentCfg.RequiresNetwork,
		}, runtime, tasks, artifacts)
		registry.Register(operation, kind, provider.Singleton(p))
	}

	orchestrator := ops.New(ops.Config{
		Chain:        gateway,
		Fetcher:      fetcher,
		Deriver:      deriver,
		Verifier:     verifier,
		Registry:     registry,
		MaxFileBytes: cfg.Fetch.MaxFileBytes,
	})

	server := api.NewServer(orchestrator, artifacts)

	errCh := make(chan error, 2)
	go func() {
		if err := server.Start(cfg.Server.ListenAddr); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()
	metricsSrv := startMetrics(cfg.Server.MetricsAddr, cfg.Server.ListenAddr, errCh)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API shutdown failed")
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// agentOperations maps configured agent kinds to grant operation names
var agentOperations = map[string]string{
	"qwen":   types.OperationAgentQwen,
	"gemini": types.OperationAgentGemini,
}

// buildRuntime selects the configured sandbox runtime. The returned close
// function is a no-op for the process runtime.
func buildRuntime(cfg config.SandboxConfig) (sandbox.Runtime, func(), error) {
	switch cfg.Runtime {
	case "container":
		runtime, err := sandbox.NewContainerdRuntime(sandbox.ContainerdConfig{
			SocketPath:      cfg.ContainerdSock,
			Image:           cfg.Image,
			WorkspaceParent: cfg.WorkspaceParent,
			MemoryLimit:     cfg.MemoryLimit,
			CPUQuota:        cfg.CPUQuota,
			Timeout:         cfg.Timeout,
			StdoutCapBytes:  cfg.StdoutCapBytes,
			MaxConcurrent:   cfg.MaxConcurrent,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize container runtime: %w", err)
		}

		// Best effort: first execution pulls on demand if this fails
		pullCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := runtime.PullImage(pullCtx); err != nil {
			log.WithComponent("main").Warn().Err(err).Msg("sandbox image pull failed")
		}

		return runtime, func() { _ = runtime.Close() }, nil
	case "process":
		runtime := sandbox.NewProcessRuntime(sandbox.ProcessConfig{
			WorkspaceParent: cfg.WorkspaceParent,
			Timeout:         cfg.Timeout,
			StdoutCapBytes:  cfg.StdoutCapBytes,
			MaxConcurrent:   cfg.MaxConcurrent,
		})
		return runtime, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown sandbox runtime %q", cfg.Runtime)
	}
}

// buildBackend selects object storage: S3 when a bucket is configured,
// otherwise the embedded local store.
func buildBackend(cfg config.ArtifactsConfig) (artifact.Backend, error) {
	if cfg.Bucket != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		backend, err := artifact.NewS3Backend(ctx, artifact.S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 backend: %w", err)
		}
		return backend, nil
	}

	backend, err := artifact.NewLocalBackend(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize local artifact store: %w", err)
	}
	return backend, nil
}

// startMetrics serves /metrics on its own listener when one is configured
func startMetrics(addr, apiAddr string, errCh chan<- error) *http.Server {
	if addr == "" || addr == apiAddr {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()
	return srv
}
