package tools

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/haasonsaas/agentloop/internal/agent"
)

// WeatherConfig points the weather tool at an upstream weather API that
// answers GET {BaseURL}/current?city=... with a JSON object.
type WeatherConfig struct {
	BaseURL string
	APIKey  string
}

type weatherArgs struct {
	City  string `json:"city" jsonschema:"description=City name such as Paris"`
	Units string `json:"units,omitempty" jsonschema:"enum=metric,enum=imperial"`
}

type weatherReport struct {
	City        string  `json:"city"`
	Temperature float64 `json:"temperature"`
	Conditions  string  `json:"conditions"`
	Units       string  `json:"units"`
}

// Weather builds the human-in-the-loop weather lookup on top of the HTTP
// proxy tool. Every call waits for user approval before it reaches the API.
func Weather(cfg WeatherConfig) (*agent.Tool, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("weather tool: base url is required")
	}
	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["X-API-Key"] = cfg.APIKey
	}
	return NewHTTPProxyTool(ProxyConfig{
		Name:             "get_weather",
		Description:      "Looks up the current weather for a city. Requires user approval.",
		Schema:           agent.ReflectSchema[weatherArgs](),
		URL:              base + "/current",
		Query:            map[string]string{"city": "{{.Args.city}}", "units": "{{.Args.units}}"},
		Headers:          headers,
		RequiresApproval: true,
		Reshape:          reshapeWeather,
		OnlineURL:        base + "/health",
	})
}

func reshapeWeather(status int, header http.Header, body []byte) (*agent.ToolOutput, error) {
	var r weatherReport
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, err
	}
	unit := "°C"
	if r.Units == "imperial" {
		unit = "°F"
	}
	return agent.Text(fmt.Sprintf("%s: %.1f%s, %s", r.City, r.Temperature, unit, r.Conditions)), nil
}
