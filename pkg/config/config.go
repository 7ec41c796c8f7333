// Package config loads orchestratord's configuration from environment
// variables (the default, always-available source) and, optionally, a YAML
// override file layered on top. Unknown keys in the override file are
// rejected at load time.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every setting orchestratord needs to wire its components.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	HealthPort string `yaml:"health_port"`

	// Job queue backend: "memory", "sqlite", or "postgres".
	QueueDriver string `yaml:"queue_driver"`
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`

	DataDir      string `yaml:"data_dir"`
	VaultPath    string `yaml:"vault_path"`
	PluginsDir   string `yaml:"plugins_dir"`
	WorkspaceRoot string `yaml:"workspace_root"`
	PolicyBundleDir string `yaml:"policy_bundle_dir"`

	LLMServiceURL string `yaml:"llm_service_url"`
	LLMModel      string `yaml:"llm_model"`
	ShadowMode    bool   `yaml:"shadow_mode"`

	Workers                   int           `yaml:"workers"`
	LeaseMs                   int64         `yaml:"lease_ms"`
	PollIntervalMs            int64         `yaml:"poll_interval_ms"`
	GracefulShutdownTimeoutMs int64         `yaml:"graceful_shutdown_timeout_ms"`
	MaxRevisionCount          int           `yaml:"max_revision_count"`
	ApprovalTimeoutMs         int64         `yaml:"approval_timeout_ms"`
	DagMaxConcurrency         int           `yaml:"dag_max_concurrency"`
	TrustModeDefault          bool          `yaml:"trust_mode_default"`

	MemoryLimitBytes        uint64  `yaml:"memory_limit_bytes"`
	DailyCostLimitUsd       float64 `yaml:"daily_cost_limit_usd"`
	MaxTransactionAmountUsd float64 `yaml:"max_transaction_amount_usd"`
	NetworkAllowlist        []string `yaml:"network_allowlist"`

	SandboxSigningPolicy    string `yaml:"sandbox_signing_policy"` // "require" | "warn" | "allow"
	SandboxDefaultTimeoutMs int64  `yaml:"sandbox_default_timeout_ms"`
	SandboxKillTimeoutMs    int64  `yaml:"sandbox_kill_timeout_ms"`
	MaxStepAttempts         int    `yaml:"max_step_attempts"`

	// ApprovalTimeout and GracefulShutdownTimeout are derived once at load time so
	// callers never re-parse a millisecond field into a time.Duration.
	ApprovalTimeout         time.Duration `yaml:"-"`
	GracefulShutdownTimeout time.Duration `yaml:"-"`
}

// Load loads configuration from environment variables, applying the
// defaults a local single-operator deployment needs out of the box.
func Load() *Config {
	c := &Config{
		Port:                      getenv("PORT", "8080"),
		LogLevel:                  getenv("LOG_LEVEL", "INFO"),
		HealthPort:                getenv("HEALTH_PORT", "8081"),
		QueueDriver:               getenv("QUEUE_DRIVER", "sqlite"),
		DatabaseURL:               getenv("DATABASE_URL", ""),
		SQLitePath:                getenv("SQLITE_PATH", "data/orchestrator.db"),
		DataDir:                   getenv("DATA_DIR", "data"),
		VaultPath:                 getenv("VAULT_PATH", "data/vault.json"),
		PluginsDir:                getenv("PLUGINS_DIR", "data/plugins"),
		WorkspaceRoot:             getenv("WORKSPACE_ROOT", "data/workspace"),
		PolicyBundleDir:           getenv("POLICY_BUNDLE_DIR", "data/policies"),
		LLMServiceURL:             getenv("LLM_SERVICE_URL", "http://host.docker.internal:1234/v1/chat/completions"),
		LLMModel:                  getenv("LLM_MODEL", "local-model"),
		ShadowMode:                getenv("SHADOW_MODE", "false") == "true",
		Workers:                   getenvInt("WORKERS", 4),
		LeaseMs:                   getenvInt64("LEASE_MS", 30_000),
		PollIntervalMs:            getenvInt64("POLL_INTERVAL_MS", 200),
		GracefulShutdownTimeoutMs: getenvInt64("GRACEFUL_SHUTDOWN_TIMEOUT_MS", 30_000),
		MaxRevisionCount:          getenvInt("MAX_REVISION_COUNT", 3),
		ApprovalTimeoutMs:         getenvInt64("APPROVAL_TIMEOUT_MS", 30*60_000),
		DagMaxConcurrency:         getenvInt("DAG_MAX_CONCURRENCY", 4),
		TrustModeDefault:          getenv("TRUST_MODE_DEFAULT", "false") == "true",
		MemoryLimitBytes:          uint64(getenvInt64("MEMORY_LIMIT_BYTES", 1<<30)), // 1 GiB
		DailyCostLimitUsd:         getenvFloat("DAILY_COST_LIMIT_USD", 5.0),
		MaxTransactionAmountUsd:   getenvFloat("MAX_TRANSACTION_AMOUNT_USD", 500.0),
		NetworkAllowlist:          splitNonEmpty(getenv("NETWORK_ALLOWLIST", "")),
		SandboxSigningPolicy:      getenv("SANDBOX_SIGNING_POLICY", "warn"),
		SandboxDefaultTimeoutMs:   getenvInt64("SANDBOX_DEFAULT_TIMEOUT_MS", 300_000),
		SandboxKillTimeoutMs:      getenvInt64("SANDBOX_KILL_TIMEOUT_MS", 5_000),
		MaxStepAttempts:           getenvInt("MAX_STEP_ATTEMPTS", 3),
	}
	c.deriveDurations()
	return c
}

// LoadFile layers a YAML override file on top of the environment-derived
// defaults, rejecting any key the Config struct doesn't declare.
func LoadFile(base *Config, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := validateKnownFields(data); err != nil {
		return nil, err
	}
	cp := *base
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cp.deriveDurations()
	return &cp, nil
}

// validateKnownFields decodes with KnownFields(true) so a typo'd override
// key fails loudly instead of being silently ignored.
func validateKnownFields(data []byte) error {
	var probe Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&probe); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c *Config) deriveDurations() {
	c.ApprovalTimeout = time.Duration(c.ApprovalTimeoutMs) * time.Millisecond
	c.GracefulShutdownTimeout = time.Duration(c.GracefulShutdownTimeoutMs) * time.Millisecond
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
