// Package config loads the agentloop configuration file.
//
// Files are YAML, or JSON5 when the extension is .json or .json5. ${VAR}
// references are expanded from the environment and $include pulls in other
// files that the including file then overrides. Unknown keys are rejected.
package config

import (
	"fmt"
	"time"

	"github.com/haasonsaas/agentloop/internal/ratelimit"
	"github.com/haasonsaas/agentloop/internal/usage"
)

// Config is the main configuration structure for agentloop.
type Config struct {
	Version       int                 `yaml:"version"`
	LLM           LLMConfig           `yaml:"llm"`
	Agent         AgentConfig         `yaml:"agent"`
	Database      DatabaseConfig      `yaml:"database"`
	RateLimit     RateLimitConfig     `yaml:"ratelimit"`
	Accounting    AccountingConfig    `yaml:"accounting"`
	Tools         ToolsConfig         `yaml:"tools"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// LLMConfig selects the completion backend.
type LLMConfig struct {
	// Provider is "anthropic", "openai", "google" or "bedrock".
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	APIKey      string   `yaml:"api_key"`
	BaseURL     string   `yaml:"base_url"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`

	// Bedrock settings. Without static keys the default AWS credential chain
	// is used.
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig governs retries of the initial provider request.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

type AgentConfig struct {
	Name         string `yaml:"name"`
	Instructions string `yaml:"instructions"`

	MaxIterations     int           `yaml:"max_iterations"`
	ToolTimeout       time.Duration `yaml:"tool_timeout"`
	MaxParallelTools  int           `yaml:"max_parallel_tools"`
	ParallelToolCalls bool          `yaml:"parallel_tool_calls"`

	// HTTPTimeout bounds the per-request HTTP client handed to tools.
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	// RedisURL selects the shared counter store. Empty keeps counters in
	// process memory.
	RedisURL string `yaml:"redis_url"`

	// Routes maps a route name such as "chat" or "tool_call" to its limit.
	Routes map[string]ratelimit.Rule `yaml:"routes"`
}

type AccountingConfig struct {
	// MaxSpendPerRequest is the cost ceiling used to reserve completion
	// tokens before a turn runs.
	MaxSpendPerRequest float64 `yaml:"max_spend_per_request"`

	// Costs are per-token prices keyed by model name, with "default" as
	// the fallback.
	Costs usage.CostTable `yaml:"costs"`
}

type ToolsConfig struct {
	// Builtins lists the local tools to enable. Empty enables all of them.
	Builtins []string `yaml:"builtins"`

	HTTP    []HTTPToolConfig  `yaml:"http"`
	S3      S3ToolConfig      `yaml:"s3"`
	Weather WeatherToolConfig `yaml:"weather"`

	// Toolsets enables switch_toolset with these named tool lists.
	Toolsets map[string][]string `yaml:"toolsets"`
}

// HTTPToolConfig defines a tool that proxies one HTTP endpoint. URL, query,
// header and body values are Go templates over .Args and .Vars.
type HTTPToolConfig struct {
	Name             string            `yaml:"name"`
	Description      string            `yaml:"description"`
	Method           string            `yaml:"method"`
	URL              string            `yaml:"url"`
	Query            map[string]string `yaml:"query"`
	Headers          map[string]string `yaml:"headers"`
	Body             string            `yaml:"body"`
	Schema           map[string]any    `yaml:"schema"`
	RequiresApproval bool              `yaml:"requires_approval"`
	Requires         []string          `yaml:"requires"`
	Select           []string          `yaml:"select"`
	Timeout          time.Duration     `yaml:"timeout"`
	MaxResponseBytes int64             `yaml:"max_response_bytes"`
	MaxResultChars   int               `yaml:"max_result_chars"`
	OnlineURL        string            `yaml:"online_url"`
}

type S3ToolConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	Prefix          string        `yaml:"prefix"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	Expiry          time.Duration `yaml:"expiry"`
}

type WeatherToolConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type ObservabilityConfig struct {
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables tracing.
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
}

// Load reads, merges, decodes, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.Retry.MaxAttempts == 0 {
		cfg.LLM.Retry.MaxAttempts = 3
	}
	if cfg.LLM.Retry.InitialDelay == 0 {
		cfg.LLM.Retry.InitialDelay = 250 * time.Millisecond
	}
	if cfg.LLM.Retry.MaxDelay == 0 {
		cfg.LLM.Retry.MaxDelay = 5 * time.Second
	}

	if cfg.Agent.Name == "" {
		cfg.Agent.Name = "assistant"
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 10
	}
	if cfg.Agent.ToolTimeout == 0 {
		cfg.Agent.ToolTimeout = 30 * time.Second
	}
	if cfg.Agent.MaxParallelTools == 0 {
		cfg.Agent.MaxParallelTools = 4
	}
	if cfg.Agent.HTTPTimeout == 0 {
		cfg.Agent.HTTPTimeout = 30 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.URL == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.URL = "file:agentloop.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 10 * time.Second
	}

	if cfg.RateLimit.Routes == nil {
		cfg.RateLimit.Routes = map[string]ratelimit.Rule{
			"chat":      {Limit: 20, Window: time.Minute},
			"tool_call": {Limit: 60, Window: time.Minute},
		}
	}

	if cfg.Observability.Log.Level == "" {
		cfg.Observability.Log.Level = "info"
	}
	if cfg.Observability.Log.Format == "" {
		cfg.Observability.Log.Format = "json"
	}
	if cfg.Observability.Metrics.Address == "" {
		cfg.Observability.Metrics.Address = ":9090"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "agentloop"
	}
}
