package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from defaults, file, and environment.
// Resolution order (highest priority last):
// 1. Defaults
// 2. Config file
// 3. Environment variables
func Load() (*Config, error) {
	cfg := Default()

	// Load from config file if present
	if path := configFilePath(); path != "" {
		if err := loadFromFile(cfg, path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Load from environment (overrides file)
	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	// MCP server list lives in its own file — it's a slice of structs, outside
	// the env-tag walker's reach, and operators tend to hand-edit it directly
	if path := mcpServersFilePath(); path != "" {
		servers, err := loadMCPServersFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading mcp servers file: %w", err)
		}
		if servers != nil {
			cfg.MCPServers = servers
		}
	}

	return cfg, nil
}

// mcpServersFilePath returns the path to the MCP server list file.
func mcpServersFilePath() string {
	if path := os.Getenv("REACH_MCP_SERVERS_PATH"); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".reach", "mcp_servers.yaml")
}

// loadMCPServersFile reads a YAML list of MCP server definitions.
func loadMCPServersFile(path string) ([]MCPServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Servers []MCPServerConfig `yaml:"servers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	return doc.Servers, nil
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if err := loadFromFile(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile loads configuration from a JSON file.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// loadFromEnv loads configuration from environment variables.
func loadFromEnv(cfg *Config) error {
	return loadStructFromEnv(reflect.ValueOf(cfg).Elem(), "")
}

// loadStructFromEnv recursively loads struct fields from environment.
func loadStructFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// Skip unexported fields
		if !field.CanSet() {
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			// No env tag, check if it's a nested struct
			if field.Kind() == reflect.Struct {
				if err := loadStructFromEnv(field, prefix); err != nil {
					return err
				}
			}
			continue
		}

		// Check environment variable
		if value := os.Getenv(envTag); value != "" {
			if err := setField(field, value); err != nil {
				return fmt.Errorf("setting %s: %w", envTag, err)
			}
		}
	}

	return nil
}

// setField sets a struct field from a string value.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			// Handle duration
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("parsing duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			// Handle int
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("parsing int: %w", err)
			}
			field.SetInt(n)
		}
	case reflect.Int32:
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return fmt.Errorf("parsing int32: %w", err)
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("parsing bool: %w", err)
		}
		field.SetBool(b)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("parsing float64: %w", err)
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// configFilePath returns the path to the config file.
func configFilePath() string {
	// Check environment override
	if path := os.Getenv("REACH_CONFIG_PATH"); path != "" {
		return path
	}

	// Check default locations
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	paths := []string{
		filepath.Join(home, ".reach", "config.json"),
		filepath.Join(home, ".reach.json"),
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// Save saves configuration to a file.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// GetEnvDocs returns documentation for all environment variables.
func GetEnvDocs() map[string]string {
	return map[string]string{
		"REACH_MAX_CONCURRENT_RUNS":                 "Maximum concurrent executions (default: 10)",
		"REACH_MAX_EVENT_BYTES":                      "Maximum event log size in bytes (default: 104857600)",
		"REACH_EVENT_LOG_MODE":                       "Event log overflow mode: warn or fail (default: warn)",
		"REACH_EXECUTION_TIMEOUT":                    "Default execution timeout (default: 5m)",
		"REACH_SANDBOX_ENABLED":                      "Enable sandboxing (default: true)",
		"REACH_AGENT_DEFAULT_BUDGET":                  "Default session token budget (default: 10000)",
		"REACH_AGENT_ITERATION_LIMIT":                 "Default session iteration limit (default: 20)",
		"REACH_AGENT_SESSION_TIMEOUT":                 "Default session wall-clock timeout (default: 5m)",
		"REACH_AGENT_WARN_THRESHOLD":                  "Budget fraction that triggers a warning event (default: 0.8)",
		"REACH_AGENT_GRACE_UNREGISTER_SECONDS":        "Grace period before force-unregistering a connector (default: 5.0)",
		"REACH_AGENT_TRACE_RETENTION_DAYS":            "Days a completed trace is retained (default: 30)",
		"REACH_AGENT_RAW_TRUNCATION_BYTES":            "Max raw payload bytes persisted per trace event (default: 4096)",
		"REACH_AGENT_MAX_RETRIES":                     "Max tool-invocation retries (default: 3)",
		"REACH_AGENT_SCHEMA_RETRY_LIMIT":               "Max planner re-prompts after schema validation failure (default: 2)",
		"REACH_POLICY_MODE":                           "Policy mode: enforce or warn (default: enforce)",
		"REACH_POLICY_SIMILARITY_CACHE":               "Enable approval similarity-fingerprint cache (default: true)",
		"REACH_POLICY_DESTRUCTIVE_REQUIRES_APPROVAL":  "Require human approval for destructive-tier tools (default: true)",
		"REACH_POLICY_PATH":                           "Path to the risk-tier policy file",
		"REACH_REGISTRY_WORKSPACE_ROOT":               "Filesystem root the builtin tools are confined to",
		"REACH_REGISTRY_ENABLE_BUILTINS":              "Register builtin tools alongside MCP-bridged ones (default: true)",
		"REACH_LOG_LEVEL":                             "Log level: debug, info, warn, error, fatal (default: info)",
		"REACH_LOG_DIR":                                "Log directory",
		"REACH_METRICS_ENABLED":                       "Enable metrics (default: true)",
		"REACH_METRICS_PATH":                          "Metrics output path",
		"REACH_TRACING_ENABLED":                       "Enable tracing (default: false)",
		"REACH_SECRET_SCANNING_ENABLED":               "Enable secret scanning (default: true)",
		"REACH_MAX_SECRET_ENTROPY":                    "Secret entropy threshold (default: 4.5)",
		"REACH_AUDIT_LOG_PATH":                        "Audit log path",
		"REACH_CONFIG_PATH":                           "Path to config file",
	}
}

// PrintEnvDocs prints environment variable documentation.
func PrintEnvDocs() {
	fmt.Println("Reach Environment Variables")
	fmt.Println("===========================")
	fmt.Println()

	categories := map[string][]string{
		"Execution": {},
		"Agent":     {},
		"Policy":    {},
		"Registry":  {},
		"Telemetry": {},
		"Security":  {},
		"General":   {},
	}

	docs := GetEnvDocs()
	for env, doc := range docs {
		category := "General"
		switch {
		case strings.Contains(env, "CONCURRENT") || strings.Contains(env, "EVENT") || strings.Contains(env, "EXECUTION") || strings.Contains(env, "SANDBOX"):
			category = "Execution"
		case strings.Contains(env, "AGENT"):
			category = "Agent"
		case strings.Contains(env, "POLICY"):
			category = "Policy"
		case strings.Contains(env, "REGISTRY"):
			category = "Registry"
		case strings.Contains(env, "LOG") || strings.Contains(env, "METRIC") || strings.Contains(env, "TRACING"):
			category = "Telemetry"
		case strings.Contains(env, "SECRET") || strings.Contains(env, "AUDIT") || strings.Contains(env, "ENTROPY"):
			category = "Security"
		}
		categories[category] = append(categories[category], fmt.Sprintf("  %-40s %s", env, doc))
	}

	for category, vars := range categories {
		if len(vars) > 0 {
			fmt.Printf("%s:\n", category)
			for _, v := range vars {
				fmt.Println(v)
			}
			fmt.Println()
		}
	}
}
