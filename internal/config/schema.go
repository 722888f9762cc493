// Package config provides typed, validated configuration for Reach.
// Configuration resolution order (highest priority first):
// 1. Environment variables (REACH_*)
// 2. Config file (~/.reach/config.json or REACH_CONFIG_PATH)
// 3. Defaults
package config

import (
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	// Execution controls execution behavior
	Execution ExecutionConfig `json:"execution"`

	// Agent controls the agent execution core's defaults
	Agent AgentConfig `json:"agent"`

	// MCPServers lists the outbound MCP tool servers the bridge connects to.
	// Slice-of-struct, file/JSON only — the env-tag walker does not recurse into slices.
	MCPServers []MCPServerConfig `json:"mcp_servers"`

	// Policy controls policy enforcement
	Policy PolicyConfig `json:"policy"`

	// Registry controls registry behavior
	Registry RegistryConfig `json:"registry"`

	// Telemetry controls observability
	Telemetry TelemetryConfig `json:"telemetry"`

	// Security controls security settings
	Security SecurityConfig `json:"security"`

	// Model controls LLM adapter configuration
	Model ModelConfig `json:"model"`
}

// AgentConfig controls the defaults a new session starts with.
type AgentConfig struct {
	// DefaultTokenBudget is the token budget a session gets when the caller omits one
	DefaultTokenBudget int `json:"default_token_budget" env:"REACH_AGENT_DEFAULT_BUDGET" default:"10000"`

	// DefaultIterationLimit caps planner/executor round-trips per session
	DefaultIterationLimit int `json:"default_iteration_limit" env:"REACH_AGENT_ITERATION_LIMIT" default:"20"`

	// DefaultSessionTimeout bounds total session wall-clock time
	DefaultSessionTimeout time.Duration `json:"default_session_timeout" env:"REACH_AGENT_SESSION_TIMEOUT" default:"5m"`

	// WarnThreshold is the budget fraction at which a one-time warning event fires
	WarnThreshold float64 `json:"warn_threshold" env:"REACH_AGENT_WARN_THRESHOLD" default:"0.8"`

	// GraceUnregisterSeconds is the graceful-disconnect window before a disconnected MCP
	// server's tools are unregistered. Nothing in the module passes it to mcpbridge,
	// whose DisconnectAndUnregister takes the window as its graceSeconds argument
	GraceUnregisterSeconds float64 `json:"grace_unregister_seconds" env:"REACH_AGENT_GRACE_UNREGISTER_SECONDS" default:"5.0"`

	// TraceRetentionDays is how long completed session traces are kept before cleanup
	TraceRetentionDays int `json:"trace_retention_days" env:"REACH_AGENT_TRACE_RETENTION_DAYS" default:"30"`

	// RawTruncationBytes caps the raw request/response payload persisted per trace event
	RawTruncationBytes int `json:"raw_truncation_bytes" env:"REACH_AGENT_RAW_TRUNCATION_BYTES" default:"4096"`

	// MaxRetries is passed by reachd to the executor as MaxStepRetries, which bounds
	// backpressure.Retry attempts for a failing tool call
	MaxRetries int `json:"max_retries" env:"REACH_AGENT_MAX_RETRIES" default:"3"`

	// SchemaRetryLimit is validated and defaulted only; the planner does not re-prompt
	// after a schema-validation failure and falls back to its single-step plan at once
	SchemaRetryLimit int `json:"schema_retry_limit" env:"REACH_AGENT_SCHEMA_RETRY_LIMIT" default:"2"`
}

// MCPServerConfig describes one outbound MCP tool server the bridge may connect to.
type MCPServerConfig struct {
	ID        string            `json:"id" yaml:"id"`
	Name      string            `json:"name" yaml:"name"`
	Transport string            `json:"transport" yaml:"transport"` // "stdio" | "http" | "sse"
	Endpoint  string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Trust     string            `json:"trust" yaml:"trust"` // "trusted" | "moderate" | "untrusted"
	Enabled   bool              `json:"enabled" yaml:"enabled"`
}

// ExecutionConfig controls execution behavior.
type ExecutionConfig struct {
	// MaxConcurrentRuns limits concurrent executions (0 = unlimited)
	MaxConcurrentRuns int `json:"max_concurrent_runs" env:"REACH_MAX_CONCURRENT_RUNS" default:"10"`

	// MaxEventBytes warns/fails on large event logs (0 = no limit)
	MaxEventBytes int64 `json:"max_event_bytes" env:"REACH_MAX_EVENT_BYTES" default:"104857600"` // 100MB

	// EventLogMode determines behavior when max is exceeded: "warn" or "fail"
	EventLogMode string `json:"event_log_mode" env:"REACH_EVENT_LOG_MODE" default:"warn"`

	// ExecutionTimeout is the default timeout for executions
	ExecutionTimeout time.Duration `json:"execution_timeout" env:"REACH_EXECUTION_TIMEOUT" default:"5m"`

	// SandboxEnabled controls whether sandboxing is used
	SandboxEnabled bool `json:"sandbox_enabled" env:"REACH_SANDBOX_ENABLED" default:"true"`

	// StreamingReplay enables memory-efficient streaming replay
	StreamingReplay bool `json:"streaming_replay" env:"REACH_STREAMING_REPLAY" default:"false"`

	// MaxEventBufferSize limits in-memory event buffer (0 = unlimited)
	MaxEventBufferSize int `json:"max_event_buffer_size" env:"REACH_MAX_EVENT_BUFFER_SIZE" default:"0"`
}

// PolicyConfig controls approval-gating enforcement.
type PolicyConfig struct {
	// Mode is validated as "enforce" or "warn"; nothing reads it, and approval gating
	// behaves the same in both modes
	Mode string `json:"mode" env:"REACH_POLICY_MODE" default:"enforce"`

	// SimilarityCacheEnabled is validated and defaulted only; approval.New takes no config,
	// and its approve_similar cache is always active
	SimilarityCacheEnabled bool `json:"similarity_cache_enabled" env:"REACH_POLICY_SIMILARITY_CACHE" default:"true"`

	// DestructiveRequiresApproval forces human approval for destructive-tier tools even
	// in a YOLO session (never bypassable, but kept as an explicit config assertion)
	DestructiveRequiresApproval bool `json:"destructive_requires_approval" env:"REACH_POLICY_DESTRUCTIVE_REQUIRES_APPROVAL" default:"true"`

	// PolicyPath is the path to the risk-tier policy file, if any
	PolicyPath string `json:"policy_path" env:"REACH_POLICY_PATH" default:""`
}

// RegistryConfig controls tool registry behavior.
type RegistryConfig struct {
	// WorkspaceRoot bounds the builtin filesystem tools (read_file/write_file); paths
	// that would escape it are rejected
	WorkspaceRoot string `json:"workspace_root" env:"REACH_REGISTRY_WORKSPACE_ROOT" default:""`

	// EnableBuiltins controls whether the built-in tools (echo, read_file, write_file)
	// are registered alongside MCP-bridged tools
	EnableBuiltins bool `json:"enable_builtins" env:"REACH_REGISTRY_ENABLE_BUILTINS" default:"true"`
}

// TelemetryConfig controls observability.
type TelemetryConfig struct {
	// LogLevel is the minimum log level
	LogLevel string `json:"log_level" env:"REACH_LOG_LEVEL" default:"info"`

	// LogDir is where logs are written
	LogDir string `json:"log_dir" env:"REACH_LOG_DIR" default:""`

	// MetricsEnabled controls whether metrics are collected
	MetricsEnabled bool `json:"metrics_enabled" env:"REACH_METRICS_ENABLED" default:"true"`

	// MetricsPath is where metrics are written
	MetricsPath string `json:"metrics_path" env:"REACH_METRICS_PATH" default:""`

	// TracingEnabled controls whether tracing is enabled
	TracingEnabled bool `json:"tracing_enabled" env:"REACH_TRACING_ENABLED" default:"false"`
}

// SecurityConfig controls security settings.
type SecurityConfig struct {
	// SecretScanningEnabled scans for secrets in output
	SecretScanningEnabled bool `json:"secret_scanning_enabled" env:"REACH_SECRET_SCANNING_ENABLED" default:"true"`

	// MaxSecretEntropy is the entropy threshold for secret detection
	MaxSecretEntropy float64 `json:"max_secret_entropy" env:"REACH_MAX_SECRET_ENTROPY" default:"4.5"`

	// AuditLogPath is where audit logs are written
	AuditLogPath string `json:"audit_log_path" env:"REACH_AUDIT_LOG_PATH" default:""`
}

// ModelConfig controls LLM adapter configuration.
type ModelConfig struct {
	// Mode is "auto", "hosted", "local", "edge"
	Mode string `json:"mode" env:"REACH_MODEL_MODE" default:"auto"`

	// HostedEndpoint is the cloud LLM API endpoint
	HostedEndpoint string `json:"hosted_endpoint" env:"REACH_MODEL_HOSTED_ENDPOINT" default:""`

	// HostedAPIKey for authentication
	HostedAPIKey string `json:"hosted_api_key" env:"REACH_MODEL_HOSTED_API_KEY" default:""`

	// HostedModelID is the model to use
	HostedModelID string `json:"hosted_model_id" env:"REACH_MODEL_HOSTED_MODEL_ID" default:""`

	// LocalEndpoint is the local LLM server (Ollama, etc)
	LocalEndpoint string `json:"local_endpoint" env:"REACH_MODEL_LOCAL_ENDPOINT" default:"http://localhost:11434"`

	// LocalModelID is the local model name
	LocalModelID string `json:"local_model_id" env:"REACH_MODEL_LOCAL_MODEL_ID" default:""`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Execution: ExecutionConfig{
			MaxConcurrentRuns: 10,
			MaxEventBytes:     100 * 1024 * 1024, // 100MB
			EventLogMode:      "warn",
			ExecutionTimeout:  5 * time.Minute,
			SandboxEnabled:    true,
		},
		Agent: AgentConfig{
			DefaultTokenBudget:     10000,
			DefaultIterationLimit:  20,
			DefaultSessionTimeout:  5 * time.Minute,
			WarnThreshold:          0.8,
			GraceUnregisterSeconds: 5.0,
			TraceRetentionDays:     30,
			RawTruncationBytes:     4096,
			MaxRetries:             3,
			SchemaRetryLimit:       2,
		},
		Policy: PolicyConfig{
			Mode:                        "enforce",
			SimilarityCacheEnabled:      true,
			DestructiveRequiresApproval: true,
		},
		Registry: RegistryConfig{
			EnableBuiltins: true,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			MetricsEnabled: true,
		},
		Security: SecurityConfig{
			SecretScanningEnabled: true,
			MaxSecretEntropy:      4.5,
		},
	}
}
