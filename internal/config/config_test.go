package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `
version: 1
llm:
  model: claude-sonnet-4-5
  api_key: sk-test
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "agentloop.yaml", minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Errorf("provider = %q", cfg.LLM.Provider)
	}
	if cfg.Agent.MaxIterations != 10 || cfg.Agent.ToolTimeout != 30*time.Second {
		t.Errorf("agent defaults = %+v", cfg.Agent)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.URL == "" {
		t.Errorf("database defaults = %+v", cfg.Database)
	}
	if rule := cfg.RateLimit.Routes["chat"]; rule.Limit != 20 || rule.Window != time.Minute {
		t.Errorf("chat rule = %+v", rule)
	}
	if cfg.Observability.Log.Format != "json" || cfg.Observability.Tracing.SamplingRate != 1 {
		t.Errorf("observability defaults = %+v", cfg.Observability)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "agentloop.yaml", minimalConfig+`
agent:
  max_iterations: 3
  extra: true
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "extra") {
		t.Fatalf("error = %v, want it to name the field", err)
	}
}

func TestLoadReportsEveryIssue(t *testing.T) {
	path := writeConfig(t, "agentloop.yaml", `
version: 1
llm:
  provider: gemini
  temperature: 3
database:
  driver: mysql
  url: mysql://localhost
ratelimit:
  routes:
    chat: {limit: 0, window: 1m}
observability:
  log:
    level: loud
`)
	_, err := Load(path)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Load() error = %v, want *ValidationError", err)
	}
	for _, want := range []string{
		"llm.provider", "llm.model", "llm.temperature",
		"database.driver", "ratelimit.routes.chat.limit", "observability.log.level",
	} {
		found := false
		for _, issue := range verr.Issues {
			if strings.Contains(issue, want) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("issues %q do not mention %s", verr.Issues, want)
		}
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("AGENTLOOP_TEST_KEY", "sk-from-env")
	path := writeConfig(t, "agentloop.yaml", `
version: 1
llm:
  provider: openai
  model: ${AGENTLOOP_TEST_MODEL:-gpt-4o-mini}
  api_key: ${AGENTLOOP_TEST_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q", cfg.LLM.APIKey)
	}
	if cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("model = %q, want fallback", cfg.LLM.Model)
	}
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
llm:
  provider: openai
  model: gpt-4o
  api_key: sk-base
ratelimit:
  enabled: true
  routes:
    chat: {limit: 5, window: 30s}
`)
	path := writeFile(t, dir, "agentloop.yaml", `
$include: base.yaml
version: 1
llm:
  model: gpt-4o-mini
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.Model != "gpt-4o-mini" || cfg.LLM.APIKey != "sk-base" || cfg.LLM.Provider != "openai" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.Routes["chat"].Window != 30*time.Second {
		t.Errorf("ratelimit = %+v", cfg.RateLimit)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\nversion: 1\n")
	writeFile(t, dir, "b.yaml", "$include: a.yaml\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("Load() error = %v, want include cycle", err)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, "agentloop.json5", `{
  // comments and trailing commas are allowed
  version: 1,
  llm: {provider: "openai", model: "gpt-4o", api_key: "sk-json"},
  agent: {tool_timeout: "5s", max_iterations: 4},
  accounting: {
    max_spend_per_request: 0.01,
    costs: {default: {prompt: 0.000001, completion: 0.00001}},
  },
  tools: {
    http: [{
      name: "lookup_order",
      url: "https://orders.internal/orders/{{.Args.id}}",
      schema: {type: "object", properties: {id: {type: "string"}}, required: ["id"]},
      requires_approval: true,
    }],
  },
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.ToolTimeout != 5*time.Second || cfg.Agent.MaxIterations != 4 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if got := cfg.Accounting.Costs.CompletionReservation("gpt-4o", cfg.Accounting.MaxSpendPerRequest); got != 1000 {
		t.Errorf("completion reservation = %d, want 1000", got)
	}
	if len(cfg.Tools.HTTP) != 1 || !cfg.Tools.HTTP[0].RequiresApproval {
		t.Fatalf("http tools = %+v", cfg.Tools.HTTP)
	}
	if cfg.Tools.HTTP[0].Schema["type"] != "object" {
		t.Errorf("schema = %v", cfg.Tools.HTTP[0].Schema)
	}
}

func TestValidateTools(t *testing.T) {
	tests := []struct {
		name  string
		tools ToolsConfig
		want  string
	}{
		{
			name:  "unknown builtin",
			tools: ToolsConfig{Builtins: []string{"rm_rf"}},
			want:  "tools.builtins",
		},
		{
			name: "duplicate http name",
			tools: ToolsConfig{HTTP: []HTTPToolConfig{
				{Name: "roll_dice", URL: "http://x", Schema: map[string]any{"type": "object"}},
			}},
			want: "duplicates",
		},
		{
			name: "non-object schema",
			tools: ToolsConfig{HTTP: []HTTPToolConfig{
				{Name: "t", URL: "http://x", Schema: map[string]any{"type": "array"}},
			}},
			want: "type object",
		},
		{
			name:  "s3 without bucket",
			tools: ToolsConfig{S3: S3ToolConfig{Enabled: true}},
			want:  "tools.s3.bucket",
		},
		{
			name:  "weather without url",
			tools: ToolsConfig{Weather: WeatherToolConfig{Enabled: true}},
			want:  "tools.weather.base_url",
		},
		{
			name:  "toolset names unknown tool",
			tools: ToolsConfig{Toolsets: map[string][]string{"fun": {"roll_dice", "get_weather"}}},
			want:  `unknown tool "get_weather"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.LLM.Model = "m"
			cfg.LLM.APIKey = "k"
			cfg.Tools = tt.tools
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestValidateProviderCredentials(t *testing.T) {
	tests := []struct {
		name string
		llm  LLMConfig
		want string
	}{
		{"anthropic with key", LLMConfig{Provider: "anthropic", APIKey: "k"}, ""},
		{"openai via gateway", LLMConfig{Provider: "openai", BaseURL: "http://localhost:8080"}, ""},
		{"openai without key", LLMConfig{Provider: "openai"}, "llm.api_key"},
		{"google with key", LLMConfig{Provider: "google", APIKey: "k"}, ""},
		{"google gateway still needs key", LLMConfig{Provider: "google", BaseURL: "http://localhost:8080"}, "llm.api_key"},
		{"bedrock default chain", LLMConfig{Provider: "bedrock", Region: "eu-west-1"}, ""},
		{"bedrock static keys", LLMConfig{Provider: "bedrock", AccessKeyID: "AKID", SecretAccessKey: "s"}, ""},
		{"bedrock half a key", LLMConfig{Provider: "bedrock", AccessKeyID: "AKID"}, "llm.secret_access_key"},
		{"unknown", LLMConfig{Provider: "gemini", APIKey: "k"}, "llm.provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			llm := tt.llm
			llm.Model = "m"
			llm.Retry = cfg.LLM.Retry
			cfg.LLM = llm
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestDefaultIsValidOnceCredentialed(t *testing.T) {
	cfg := Default()
	cfg.LLM.Model = "claude-sonnet-4-5"
	cfg.LLM.APIKey = "sk"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	var doc struct {
		Defs map[string]struct {
			Properties map[string]struct {
				Type string `json:"type"`
			} `json:"properties"`
		} `json:"$defs"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	root, ok := doc.Defs["Config"]
	if !ok {
		t.Fatalf("schema has no Config definition: %s", data)
	}
	for _, key := range []string{"llm", "agent", "database", "ratelimit", "accounting", "tools", "observability"} {
		if _, ok := root.Properties[key]; !ok {
			t.Errorf("Config schema is missing %q", key)
		}
	}
	if got := doc.Defs["AgentConfig"].Properties["tool_timeout"].Type; got != "string" {
		t.Errorf("tool_timeout type = %q, want string", got)
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	return writeFile(t, t.TempDir(), name, contents)
}

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
