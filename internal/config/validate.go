package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "invalid config"
	}
	return "invalid config:\n  - " + strings.Join(e.Issues, "\n  - ")
}

// Builtin tool names accepted in tools.builtins.
var builtinToolNames = map[string]bool{
	"get_current_time": true,
	"generate_uuid":    true,
	"roll_dice":        true,
}

// Validate checks the configuration and reports all problems at once.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		add("version: %v", err)
	}

	switch c.LLM.Provider {
	case "anthropic", "openai":
		if strings.TrimSpace(c.LLM.APIKey) == "" && strings.TrimSpace(c.LLM.BaseURL) == "" {
			add("llm.api_key is required unless llm.base_url points at a local gateway")
		}
	case "google":
		if strings.TrimSpace(c.LLM.APIKey) == "" {
			add("llm.api_key is required for the google provider")
		}
	case "bedrock":
		if (c.LLM.AccessKeyID == "") != (c.LLM.SecretAccessKey == "") {
			add("llm.access_key_id and llm.secret_access_key must be set together")
		}
	default:
		add("llm.provider must be one of anthropic, openai, google, bedrock; got %q", c.LLM.Provider)
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		add("llm.model is required")
	}
	if t := c.LLM.Temperature; t != nil && (*t < 0 || *t > 2) {
		add("llm.temperature must be between 0 and 2")
	}
	if c.LLM.MaxTokens < 0 {
		add("llm.max_tokens must not be negative")
	}
	if c.LLM.BaseURL != "" {
		if err := checkURL(c.LLM.BaseURL, "http", "https"); err != nil {
			add("llm.base_url: %v", err)
		}
	}

	if c.Agent.MaxIterations < 1 {
		add("agent.max_iterations must be at least 1")
	}
	if c.Agent.ToolTimeout < 0 {
		add("agent.tool_timeout must not be negative")
	}
	if c.Agent.MaxParallelTools < 1 {
		add("agent.max_parallel_tools must be at least 1")
	}

	switch c.Database.Driver {
	case "postgres", "postgresql", "sqlite", "sqlite3":
	default:
		add("database.driver must be \"postgres\" or \"sqlite\", got %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.URL) == "" {
		add("database.url is required")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		add("database.max_idle_conns must not exceed database.max_open_conns")
	}

	if c.RateLimit.RedisURL != "" {
		if err := checkURL(c.RateLimit.RedisURL, "redis", "rediss", "unix"); err != nil {
			add("ratelimit.redis_url: %v", err)
		}
	}
	for _, route := range sortedKeys(c.RateLimit.Routes) {
		rule := c.RateLimit.Routes[route]
		if rule.Limit <= 0 {
			add("ratelimit.routes.%s.limit must be positive", route)
		}
		if rule.Window <= 0 {
			add("ratelimit.routes.%s.window must be positive", route)
		}
	}

	if c.Accounting.MaxSpendPerRequest < 0 {
		add("accounting.max_spend_per_request must not be negative")
	}
	for _, model := range sortedKeys(c.Accounting.Costs) {
		cost := c.Accounting.Costs[model]
		if cost.Cached < 0 || cost.Prompt < 0 || cost.Completion < 0 {
			add("accounting.costs.%s must not be negative", model)
		}
	}

	issues = append(issues, c.Tools.issues()...)

	switch c.Observability.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("observability.log.level must be debug, info, warn or error, got %q", c.Observability.Log.Level)
	}
	switch c.Observability.Log.Format {
	case "json", "text":
	default:
		add("observability.log.format must be \"json\" or \"text\", got %q", c.Observability.Log.Format)
	}
	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		add("observability.tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func (t ToolsConfig) issues() []string {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	known := map[string]bool{}
	for _, name := range t.Builtins {
		if !builtinToolNames[name] {
			add("tools.builtins: unknown tool %q", name)
		}
		known[name] = true
	}
	if len(t.Builtins) == 0 {
		for name := range builtinToolNames {
			known[name] = true
		}
	}

	for i, h := range t.HTTP {
		field := fmt.Sprintf("tools.http[%d]", i)
		if h.Name != "" {
			field = fmt.Sprintf("tools.http[%s]", h.Name)
		}
		name := strings.TrimSpace(h.Name)
		switch {
		case name == "":
			add("%s.name is required", field)
		case known[name]:
			add("%s.name duplicates another tool", field)
		}
		known[name] = true
		if strings.TrimSpace(h.URL) == "" {
			add("%s.url is required", field)
		}
		if len(h.Schema) == 0 {
			add("%s.schema is required", field)
		} else if typ, _ := h.Schema["type"].(string); typ != "object" {
			add("%s.schema must have type object", field)
		}
		if h.OnlineURL != "" {
			if err := checkURL(h.OnlineURL, "http", "https"); err != nil {
				add("%s.online_url: %v", field, err)
			}
		}
	}

	if t.S3.Enabled {
		if strings.TrimSpace(t.S3.Bucket) == "" {
			add("tools.s3.bucket is required when s3 is enabled")
		}
		if (t.S3.AccessKeyID == "") != (t.S3.SecretAccessKey == "") {
			add("tools.s3.access_key_id and tools.s3.secret_access_key must be set together")
		}
		known["s3_presign"] = true
	}
	if t.Weather.Enabled {
		if err := checkURL(t.Weather.BaseURL, "http", "https"); err != nil {
			add("tools.weather.base_url: %v", err)
		}
		known["get_weather"] = true
	}

	for _, set := range sortedKeys(t.Toolsets) {
		if len(t.Toolsets[set]) == 0 {
			add("tools.toolsets.%s is empty", set)
		}
		for _, name := range t.Toolsets[set] {
			if !known[name] {
				add("tools.toolsets.%s: unknown tool %q", set, name)
			}
		}
	}
	return issues
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
