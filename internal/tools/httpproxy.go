package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/haasonsaas/agentloop/internal/agent"
)

const (
	defaultProxyTimeout       = 15 * time.Second
	defaultMaxResponseBytes   = int64(1 << 20)
	defaultMaxResultChars     = 8000
	truncatedResultSuffix     = "\n[truncated]"
	defaultProxyOnlineTimeout = 3 * time.Second
)

// ReshapeFunc converts an upstream response into the tool result.
type ReshapeFunc func(status int, header http.Header, body []byte) (*agent.ToolOutput, error)

// ProxyConfig describes one upstream endpoint exposed as a tool. URL, query
// values, header values and Body are text/template strings rendered with
// .Args (the decoded arguments) and .Vars (the request context).
//
// String values rendered into URL are path-escaped, so an argument cannot add
// path segments or a query. Query values are encoded when the query is built.
//
//	URL:     "https://api.example.com/v1/items/{{.Args.id}}"
//	Query:   {"city": "{{.Args.city}}"}
//	Headers: {"Authorization": "Bearer {{.Vars.access_token}}"}
type ProxyConfig struct {
	Name        string
	Description string

	// Schema is the JSON Schema of the arguments. Required.
	Schema json.RawMessage

	Method  string
	URL     string
	Query   map[string]string
	Headers map[string]string
	Body    string

	RequiresApproval bool

	// Requires lists Vars keys the templates use. The request HTTP client is
	// always required.
	Requires []string

	// Select keeps only these top-level fields of a JSON object response.
	// Ignored when Reshape is set.
	Select []string

	// Reshape replaces the default response handling.
	Reshape ReshapeFunc

	Timeout          time.Duration
	MaxResponseBytes int64
	MaxResultChars   int

	// OnlineURL, when set, is fetched with GET for liveness. A 2xx or 3xx
	// answer means online.
	OnlineURL string
}

type proxyTemplates struct {
	url     *template.Template
	query   map[string]*template.Template
	headers map[string]*template.Template
	body    *template.Template
}

type templateData struct {
	Args map[string]any
	Vars agent.Vars
}

// NewHTTPProxyTool builds a tool that calls cfg's endpoint with the request
// HTTP client taken from Vars.
func NewHTTPProxyTool(cfg ProxyConfig) (*agent.Tool, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, errors.New("http proxy tool: name is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("http proxy tool %s: url is required", cfg.Name)
	}
	if len(cfg.Schema) == 0 {
		return nil, fmt.Errorf("http proxy tool %s: schema is required", cfg.Name)
	}
	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	if method == "" {
		method = http.MethodGet
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProxyTimeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	if cfg.MaxResultChars <= 0 {
		cfg.MaxResultChars = defaultMaxResultChars
	}
	if cfg.Reshape == nil {
		cfg.Reshape = selectFields(cfg.Select)
	}

	tpl, err := parseProxyTemplates(cfg)
	if err != nil {
		return nil, err
	}

	requires := append([]string{agent.VarHTTPClient}, cfg.Requires...)
	tool := &agent.Tool{
		Name:             cfg.Name,
		Description:      cfg.Description,
		Schema:           cfg.Schema,
		RequiresApproval: cfg.RequiresApproval,
		Requires:         dedupe(requires),
	}
	if _, err := tool.StrictSchema(); err != nil {
		return nil, fmt.Errorf("http proxy tool %s: %w", cfg.Name, err)
	}

	tool.Run = func(ctx context.Context, args json.RawMessage, vars agent.Vars) (*agent.ToolOutput, error) {
		client, ok := vars.HTTPClient()
		if !ok {
			return nil, fmt.Errorf("%w: %s", agent.ErrMissingVar, agent.VarHTTPClient)
		}
		data, err := newTemplateData(args, vars)
		if err != nil {
			return nil, err
		}
		req, err := tpl.request(ctx, method, data)
		if err != nil {
			return nil, agent.NewToolError(cfg.Name, err).WithType(agent.ToolErrorInvalidInput)
		}

		ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		resp, err := client.Do(req.WithContext(ctx))
		if err != nil {
			return nil, agent.NewToolError(cfg.Name, err).WithType(agent.ToolErrorNetwork)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxResponseBytes))
		if err != nil {
			return nil, agent.NewToolError(cfg.Name, fmt.Errorf("read response: %w", err)).WithType(agent.ToolErrorNetwork)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return &agent.ToolOutput{
				Content: truncate(fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), cfg.MaxResultChars),
				IsError: true,
			}, nil
		}

		out, err := cfg.Reshape(resp.StatusCode, resp.Header, body)
		if err != nil {
			return nil, agent.NewToolError(cfg.Name, fmt.Errorf("reshape response: %w", err)).WithType(agent.ToolErrorExecution)
		}
		if out == nil {
			out = &agent.ToolOutput{}
		}
		out.Content = truncate(out.Content, cfg.MaxResultChars)
		return out, nil
	}

	if cfg.OnlineURL != "" {
		healthURL := cfg.OnlineURL
		tool.Online = func(ctx context.Context, vars agent.Vars) bool {
			client, ok := vars.HTTPClient()
			if !ok {
				client = &http.Client{Timeout: defaultProxyOnlineTimeout}
			}
			ctx, cancel := context.WithTimeout(ctx, defaultProxyOnlineTimeout)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
			if err != nil {
				return false
			}
			resp, err := client.Do(req)
			if err != nil {
				return false
			}
			resp.Body.Close()
			return resp.StatusCode < http.StatusBadRequest
		}
	}
	return tool, nil
}

func parseProxyTemplates(cfg ProxyConfig) (*proxyTemplates, error) {
	parse := func(name, text string) (*template.Template, error) {
		t, err := template.New(name).Option("missingkey=zero").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("http proxy tool %s: parse %s template: %w", cfg.Name, name, err)
		}
		return t, nil
	}

	out := &proxyTemplates{
		query:   make(map[string]*template.Template, len(cfg.Query)),
		headers: make(map[string]*template.Template, len(cfg.Headers)),
	}
	var err error
	if out.url, err = parse("url", cfg.URL); err != nil {
		return nil, err
	}
	for k, v := range cfg.Query {
		if out.query[k], err = parse("query."+k, v); err != nil {
			return nil, err
		}
	}
	for k, v := range cfg.Headers {
		if out.headers[k], err = parse("header."+k, v); err != nil {
			return nil, err
		}
	}
	if cfg.Body != "" {
		if out.body, err = parse("body", cfg.Body); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *proxyTemplates) request(ctx context.Context, method string, data templateData) (*http.Request, error) {
	rawURL, err := render(p.url, data.pathEscaped())
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if len(p.query) > 0 {
		q := u.Query()
		for _, k := range sortedKeys(p.query) {
			v, err := render(p.query[k], data)
			if err != nil {
				return nil, err
			}
			if v != "" {
				q.Set(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if p.body != nil {
		rendered, err := render(p.body, data)
		if err != nil {
			return nil, err
		}
		body = strings.NewReader(rendered)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for _, k := range sortedKeys(p.headers) {
		v, err := render(p.headers[k], data)
		if err != nil {
			return nil, err
		}
		if v = strings.TrimSpace(v); v != "" {
			req.Header.Set(k, v)
		}
	}
	return req, nil
}

func newTemplateData(args json.RawMessage, vars agent.Vars) (templateData, error) {
	data := templateData{Args: map[string]any{}, Vars: vars}
	if len(bytes.TrimSpace(args)) == 0 {
		return data, nil
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.UseNumber()
	if err := dec.Decode(&data.Args); err != nil {
		return data, fmt.Errorf("decode arguments: %w", err)
	}
	return data, nil
}

// pathEscaped returns a copy of d whose top-level string values are escaped
// as single path segments.
func (d templateData) pathEscaped() templateData {
	out := templateData{Args: make(map[string]any, len(d.Args)), Vars: make(agent.Vars, len(d.Vars))}
	for k, v := range d.Args {
		out.Args[k] = escapeSegment(v)
	}
	for k, v := range d.Vars {
		out.Vars[k] = escapeSegment(v)
	}
	return out
}

func escapeSegment(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if s == "." || s == ".." {
		return strings.ReplaceAll(s, ".", "%2E")
	}
	return url.PathEscape(s)
}

func render(t *template.Template, data templateData) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	// missingkey=zero renders absent map entries as "<no value>".
	return strings.ReplaceAll(b.String(), "<no value>", ""), nil
}

// selectFields is the default reshape: JSON objects keep only fields (all
// fields when empty) and are re-encoded compactly; other bodies pass through.
func selectFields(fields []string) ReshapeFunc {
	return func(status int, header http.Header, body []byte) (*agent.ToolOutput, error) {
		trimmed := bytes.TrimSpace(body)
		if len(trimmed) == 0 {
			return agent.Text(fmt.Sprintf("upstream returned %d with an empty body", status)), nil
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			var compact bytes.Buffer
			if json.Compact(&compact, trimmed) == nil {
				return agent.Text(compact.String()), nil
			}
			return agent.Text(string(trimmed)), nil
		}
		if len(fields) > 0 {
			kept := make(map[string]json.RawMessage, len(fields))
			for _, f := range fields {
				if v, ok := obj[f]; ok {
					kept[f] = v
				}
			}
			obj = kept
		}
		data, err := json.Marshal(obj)
		if err != nil {
			return nil, err
		}
		return agent.Text(string(data)), nil
	}
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max - len(truncatedResultSuffix)
	if cut < 0 {
		cut = 0
	}
	// Back off to a rune boundary.
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut] + truncatedResultSuffix
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
