package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation error: %s: %s", e.Field, e.Message)
}

// ValidationResult contains validation errors.
type ValidationResult struct {
	Errors []*ValidationError
}

// Valid returns true if there are no validation errors.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Error returns a formatted error string.
func (r *ValidationResult) Error() string {
	if r.Valid() {
		return ""
	}
	var msgs []string
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{
		Errors: make([]*ValidationError, 0),
	}

	result.validateExecution(c)
	result.validateAgent(c)
	result.validateMCPServers(c)
	result.validatePolicy(c)
	result.validateRegistry(c)
	result.validateTelemetry(c)
	result.validateSecurity(c)

	return result
}

func (r *ValidationResult) validateExecution(c *Config) {
	if c.Execution.MaxConcurrentRuns < 0 {
		r.add("execution.max_concurrent_runs", "must be >= 0 (0 = unlimited)")
	}
	if c.Execution.MaxEventBytes < 0 {
		r.add("execution.max_event_bytes", "must be >= 0 (0 = no limit)")
	}
	if c.Execution.EventLogMode != "warn" && c.Execution.EventLogMode != "fail" {
		r.add("execution.event_log_mode", "must be 'warn' or 'fail'")
	}
	if c.Execution.ExecutionTimeout <= 0 {
		r.add("execution.execution_timeout", "must be > 0")
	}
}

func (r *ValidationResult) validateAgent(c *Config) {
	if c.Agent.DefaultTokenBudget <= 0 {
		r.add("agent.default_token_budget", "must be > 0")
	}
	if c.Agent.DefaultIterationLimit <= 0 {
		r.add("agent.default_iteration_limit", "must be > 0")
	}
	if c.Agent.DefaultSessionTimeout <= 0 {
		r.add("agent.default_session_timeout", "must be > 0")
	}
	if c.Agent.WarnThreshold <= 0 || c.Agent.WarnThreshold > 1 {
		r.add("agent.warn_threshold", "must be in (0, 1]")
	}
	if c.Agent.GraceUnregisterSeconds < 0 {
		r.add("agent.grace_unregister_seconds", "must be >= 0")
	}
	if c.Agent.TraceRetentionDays < 0 {
		r.add("agent.trace_retention_days", "must be >= 0 (0 = keep forever)")
	}
	if c.Agent.RawTruncationBytes <= 0 {
		r.add("agent.raw_truncation_bytes", "must be > 0")
	}
	if c.Agent.MaxRetries < 0 {
		r.add("agent.max_retries", "must be >= 0")
	}
	if c.Agent.SchemaRetryLimit < 0 {
		r.add("agent.schema_retry_limit", "must be >= 0")
	}
}

func (r *ValidationResult) validateMCPServers(c *Config) {
	seen := make(map[string]bool, len(c.MCPServers))
	for _, s := range c.MCPServers {
		if s.ID == "" {
			r.add("mcp_servers[].id", "must not be empty")
			continue
		}
		if seen[s.ID] {
			r.add("mcp_servers[].id", fmt.Sprintf("duplicate server id %q", s.ID))
		}
		seen[s.ID] = true

		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				r.add("mcp_servers[].command", fmt.Sprintf("server %q: stdio transport requires command", s.ID))
			}
		case "http", "sse":
			if s.Endpoint == "" {
				r.add("mcp_servers[].endpoint", fmt.Sprintf("server %q: %s transport requires endpoint", s.ID, s.Transport))
			}
		default:
			r.add("mcp_servers[].transport", fmt.Sprintf("server %q: must be one of stdio, http, sse", s.ID))
		}

		switch s.Trust {
		case "trusted", "moderate", "untrusted":
		default:
			r.add("mcp_servers[].trust", fmt.Sprintf("server %q: must be one of trusted, moderate, untrusted", s.ID))
		}
	}
}

func (r *ValidationResult) validatePolicy(c *Config) {
	if c.Policy.Mode != "enforce" && c.Policy.Mode != "warn" {
		r.add("policy.mode", "must be 'enforce' or 'warn'")
	}
	if c.Policy.PolicyPath != "" {
		if !filepath.IsAbs(c.Policy.PolicyPath) {
			r.add("policy.policy_path", "must be an absolute path")
		}
	}
}

func (r *ValidationResult) validateRegistry(c *Config) {
	if c.Registry.WorkspaceRoot != "" {
		if !filepath.IsAbs(c.Registry.WorkspaceRoot) {
			r.add("registry.workspace_root", "must be an absolute path")
		}
	}
}

func (r *ValidationResult) validateTelemetry(c *Config) {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLevels[c.Telemetry.LogLevel] {
		r.add("telemetry.log_level", "must be one of: debug, info, warn, error, fatal")
	}
	if c.Telemetry.LogDir != "" {
		if !filepath.IsAbs(c.Telemetry.LogDir) {
			r.add("telemetry.log_dir", "must be an absolute path")
		}
	}
}

func (r *ValidationResult) validateSecurity(c *Config) {
	if c.Security.MaxSecretEntropy < 0 {
		r.add("security.max_secret_entropy", "must be >= 0")
	}
	if c.Security.AuditLogPath != "" {
		if !filepath.IsAbs(c.Security.AuditLogPath) {
			r.add("security.audit_log_path", "must be an absolute path")
		}
	}
}

func (r *ValidationResult) add(field, message string) {
	r.Errors = append(r.Errors, &ValidationError{
		Field:   field,
		Message: message,
	})
}

// MustValidate validates the config and panics if invalid.
func (c *Config) MustValidate() {
	result := c.Validate()
	if !result.Valid() {
		panic(result.Error())
	}
}

// ValidateWithDefaults validates and applies defaults for missing values.
func (c *Config) ValidateWithDefaults() error {
	defaults := Default()

	if c.Execution.MaxConcurrentRuns == 0 {
		c.Execution.MaxConcurrentRuns = defaults.Execution.MaxConcurrentRuns
	}
	if c.Execution.MaxEventBytes == 0 {
		c.Execution.MaxEventBytes = defaults.Execution.MaxEventBytes
	}
	if c.Execution.EventLogMode == "" {
		c.Execution.EventLogMode = defaults.Execution.EventLogMode
	}
	if c.Execution.ExecutionTimeout == 0 {
		c.Execution.ExecutionTimeout = defaults.Execution.ExecutionTimeout
	}
	if c.Agent.DefaultTokenBudget == 0 {
		c.Agent.DefaultTokenBudget = defaults.Agent.DefaultTokenBudget
	}
	if c.Agent.DefaultIterationLimit == 0 {
		c.Agent.DefaultIterationLimit = defaults.Agent.DefaultIterationLimit
	}
	if c.Agent.DefaultSessionTimeout == 0 {
		c.Agent.DefaultSessionTimeout = defaults.Agent.DefaultSessionTimeout
	}
	if c.Agent.WarnThreshold == 0 {
		c.Agent.WarnThreshold = defaults.Agent.WarnThreshold
	}
	if c.Agent.GraceUnregisterSeconds == 0 {
		c.Agent.GraceUnregisterSeconds = defaults.Agent.GraceUnregisterSeconds
	}
	if c.Agent.TraceRetentionDays == 0 {
		c.Agent.TraceRetentionDays = defaults.Agent.TraceRetentionDays
	}
	if c.Agent.RawTruncationBytes == 0 {
		c.Agent.RawTruncationBytes = defaults.Agent.RawTruncationBytes
	}
	if c.Agent.SchemaRetryLimit == 0 {
		c.Agent.SchemaRetryLimit = defaults.Agent.SchemaRetryLimit
	}
	if c.Policy.Mode == "" {
		c.Policy.Mode = defaults.Policy.Mode
	}
	if c.Telemetry.LogLevel == "" {
		c.Telemetry.LogLevel = defaults.Telemetry.LogLevel
	}

	result := c.Validate()
	if !result.Valid() {
		return fmt.Errorf("configuration validation failed: %s", result.Error())
	}

	return nil
}
