package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration, loaded from a YAML file with
// environment overrides for secret material.
type Config struct {
	Server    ServerConfig           `yaml:"server"`
	Chain     ChainConfig            `yaml:"chain"`
	Identity  IdentityConfig         `yaml:"identity"`
	Fetch     FetchConfig            `yaml:"fetch"`
	Sandbox   SandboxConfig          `yaml:"sandbox"`
	Agents    map[string]AgentConfig `yaml:"agents"`
	LLM       LLMConfig              `yaml:"llm"`
	Artifacts ArtifactsConfig        `yaml:"artifacts"`
	Tasks     TasksConfig            `yaml:"tasks"`
	Auth      AuthConfig             `yaml:"auth"`
	Log       LogConfig              `yaml:"log"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// ChainConfig holds chain endpoint and registry contract addresses
type ChainConfig struct {
	Endpoint            string        `yaml:"endpoint"`
	ChainID             int64         `yaml:"chain_id"`
	PermissionsContract string        `yaml:"permissions_contract"`
	FilesContract       string        `yaml:"files_contract"`
	GranteesContract    string        `yaml:"grantees_contract"`
	CallTimeout         time.Duration `yaml:"call_timeout"`
	CacheTTL            time.Duration `yaml:"cache_ttl"`
}

// IdentityConfig holds the server-wide derivation secret
type IdentityConfig struct {
	Mnemonic string `yaml:"mnemonic"` // Overridden by PSERVER_MNEMONIC
	Language string `yaml:"language"`
}

// FetchConfig holds content download settings
type FetchConfig struct {
	Gateways       []string      `yaml:"gateways"`
	GatewayTimeout time.Duration `yaml:"gateway_timeout"`
	RetryBase      time.Duration `yaml:"retry_base"`
	RetryCap       time.Duration `yaml:"retry_cap"`
	MaxFileBytes   int64         `yaml:"max_file_bytes"`
}

// SandboxConfig selects and bounds the agent sandbox runtime
type SandboxConfig struct {
	Runtime         string        `yaml:"runtime"` // "container" or "process"
	Image           string        `yaml:"image"`
	ContainerdSock  string        `yaml:"containerd_socket"`
	MemoryLimit     int64         `yaml:"memory_limit_bytes"`
	CPUQuota        float64       `yaml:"cpu_quota"`
	Timeout         time.Duration `yaml:"timeout"`
	StdoutCapBytes  int64         `yaml:"stdout_cap_bytes"`
	MaxConcurrent   int64         `yaml:"max_concurrent"`
	WorkspaceParent string        `yaml:"workspace_parent"`
}

// AgentConfig describes one sandboxed agent CLI
type AgentConfig struct {
	Command         string   `yaml:"command"`
	Args            []string `yaml:"args"`
	APIKey          string   `yaml:"api_key"`
	APIKeyEnv       string   `yaml:"api_key_env"`
	Model           string   `yaml:"model"`
	RequiresNetwork bool     `yaml:"requires_network"`
}

// LLMConfig holds remote inference settings
type LLMConfig struct {
	APIToken      string `yaml:"api_token"` // Overridden by PSERVER_LLM_TOKEN
	ModelVersion  string `yaml:"model_version"`
	BaseURL       string `yaml:"base_url"`
	MaxPromptSize int    `yaml:"max_prompt_size"`
}

// ArtifactsConfig holds artifact store settings. When Bucket is empty the
// local bbolt backend under DataDir is used.
type ArtifactsConfig struct {
	Bucket   string        `yaml:"bucket"`
	Region   string        `yaml:"region"`
	Endpoint string        `yaml:"endpoint"`
	DataDir  string        `yaml:"data_dir"`
	TTL      time.Duration `yaml:"ttl"`
}

// TasksConfig holds task store settings
type TasksConfig struct {
	CleanupTTL      time.Duration `yaml:"cleanup_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	LogBufferCap    int           `yaml:"log_buffer_cap"`
}

// AuthConfig holds authentication settings. MockSigner is a testing aid:
// when set, signature verification is skipped and every request is treated
// as signed by this address.
type AuthConfig struct {
	MockSigner string `yaml:"mock_signer"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a config populated with sane defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:  ":8080",
			MetricsAddr: ":9090",
		},
		Chain: ChainConfig{
			CallTimeout: 10 * time.Second,
			CacheTTL:    30 * time.Second,
		},
		Identity: IdentityConfig{
			Language: "english",
		},
		Fetch: FetchConfig{
			Gateways: []string{
				"https://ipfs.io/ipfs/",
				"https://cloudflare-ipfs.com/ipfs/",
				"https://gateway.pinata.cloud/ipfs/",
			},
			GatewayTimeout: 30 * time.Second,
			RetryBase:      time.Second,
			RetryCap:       16 * time.Second,
			MaxFileBytes:   100 << 20, // 100 MiB
		},
		Sandbox: SandboxConfig{
			Runtime:        "process",
			Image:          "docker.io/library/agent-sandbox:latest",
			MemoryLimit:    2 << 30, // 2 GiB
			CPUQuota:       1.0,
			Timeout:        10 * time.Minute,
			StdoutCapBytes: 1 << 20, // 1 MiB
			MaxConcurrent:  2,
		},
		Agents: map[string]AgentConfig{
			"qwen": {
				Command:         "qwen",
				APIKeyEnv:       "DASHSCOPE_API_KEY",
				RequiresNetwork: true,
			},
			"gemini": {
				Command:         "gemini",
				APIKeyEnv:       "GEMINI_API_KEY",
				RequiresNetwork: true,
			},
		},
		LLM: LLMConfig{
			BaseURL:       "https://api.replicate.com/v1",
			MaxPromptSize: 100_000,
		},
		Artifacts: ArtifactsConfig{
			DataDir: "/var/lib/pserver",
			TTL:     7 * 24 * time.Hour,
		},
		Tasks: TasksConfig{
			CleanupTTL:      24 * time.Hour,
			CleanupInterval: time.Hour,
			LogBufferCap:    2000,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
	}
}

// Load reads a YAML config file, applies it over defaults and then applies
// environment overrides for secrets.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides secret material from the environment
func applyEnv(cfg *Config) {
	if v := os.Getenv("PSERVER_MNEMONIC"); v != "" {
		cfg.Identity.Mnemonic = v
	}
	if v := os.Getenv("PSERVER_LLM_TOKEN"); v != "" {
		cfg.LLM.APIToken = v
	}
	if v := os.Getenv("PSERVER_CHAIN_ENDPOINT"); v != "" {
		cfg.Chain.Endpoint = v
	}
	if v := os.Getenv("PSERVER_MOCK_SIGNER"); v != "" {
		cfg.Auth.MockSigner = v
	}
	for kind, agent := range cfg.Agents {
		if v := os.Getenv("PSERVER_" + strings.ToUpper(kind) + "_API_KEY"); v != "" {
			agent.APIKey = v
			cfg.Agents[kind] = agent
		}
	}
}

// Validate checks required fields
func (c *Config) Validate() error {
	if c.Identity.Mnemonic == "" {
		return fmt.Errorf("identity.mnemonic is required (or PSERVER_MNEMONIC)")
	}
	if c.Chain.Endpoint == "" {
		return fmt.Errorf("chain.endpoint is required")
	}
	if c.Sandbox.Runtime != "container" && c.Sandbox.Runtime != "process" {
		return fmt.Errorf("sandbox.runtime must be \"container\" or \"process\", got %q", c.Sandbox.Runtime)
	}
	if len(c.Fetch.Gateways) == 0 {
		return fmt.Errorf("fetch.gateways must not be empty")
	}
	return nil
}
