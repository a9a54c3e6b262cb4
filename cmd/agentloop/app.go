package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/agentloop/internal/agent"
	"github.com/haasonsaas/agentloop/internal/agent/providers"
	"github.com/haasonsaas/agentloop/internal/chat"
	"github.com/haasonsaas/agentloop/internal/config"
	"github.com/haasonsaas/agentloop/internal/observability"
	"github.com/haasonsaas/agentloop/internal/ratelimit"
	"github.com/haasonsaas/agentloop/internal/retry"
	"github.com/haasonsaas/agentloop/internal/threads"
	"github.com/haasonsaas/agentloop/internal/tools"
	"github.com/haasonsaas/agentloop/internal/usage"
)

// app holds everything a command needs, built from one config file.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	store    *threads.SQLStore
	ledger   *usage.SQLLedger
	service  *chat.Service

	closers []func(context.Context) error
}

type appOptions struct {
	// LogOutput defaults to stderr.
	LogOutput io.Writer
	// Provider replaces the configured LLM backend when set.
	Provider agent.LLMProvider
	// Debug forces debug logging.
	Debug bool
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}
	ready := false
	defer func() {
		if !ready {
			_ = a.Close(context.Background())
		}
	}()

	logCfg := observability.LogConfig{
		Level:     cfg.Observability.Log.Level,
		Format:    cfg.Observability.Log.Format,
		Output:    opts.LogOutput,
		AddSource: cfg.Observability.Log.AddSource,
	}
	if opts.Debug {
		logCfg.Level = "debug"
	}
	if logCfg.Output == nil {
		logCfg.Output = os.Stderr
	}
	a.logger = observability.NewLogger(logCfg)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = observability.NewMetrics(a.registry)

	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})
	a.tracer = tracer
	a.closers = append(a.closers, shutdown)

	store, err := threads.OpenSQL(ctx, threads.SQLConfig{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open thread store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	a.ledger = usage.NewSQLLedger(store.DB(), store.Dialect())

	limiter, err := a.buildLimiter()
	if err != nil {
		return nil, err
	}

	provider := opts.Provider
	if provider == nil {
		if provider, err = buildProvider(ctx, cfg.LLM); err != nil {
			return nil, err
		}
	}

	routine := agent.NewRoutine(provider, agent.RoutineConfig{
		MaxIterations:    cfg.Agent.MaxIterations,
		MaxTokens:        cfg.LLM.MaxTokens,
		ToolTimeout:      cfg.Agent.ToolTimeout,
		MaxParallelTools: cfg.Agent.MaxParallelTools,
		Logger:           a.logger,
		Metrics:          a.metrics,
		Tracer:           a.tracer,
	})

	base := &agent.Agent{
		Name:              cfg.Agent.Name,
		Model:             cfg.LLM.Model,
		Instructions:      cfg.Agent.Instructions,
		Temperature:       cfg.LLM.Temperature,
		ParallelToolCalls: cfg.Agent.ParallelToolCalls,
	}
	toolList, err := buildTools(ctx, cfg.Tools, base)
	if err != nil {
		return nil, err
	}
	base.Tools = toolList

	httpTimeout := cfg.Agent.HTTPTimeout
	service, err := chat.NewService(chat.Config{
		Routine: routine,
		Agent:   base,
		Opener:  store,
		Limiter: limiter,
		Accountant: usage.NewAccountant(a.ledger, usage.Config{
			Costs:              cfg.Accounting.Costs,
			MaxSpendPerRequest: cfg.Accounting.MaxSpendPerRequest,
			Logger:             a.logger,
			Metrics:            a.metrics,
		}),
		NewHTTPClient: func() *http.Client { return &http.Client{Timeout: httpTimeout} },
		Logger:        a.logger,
		Metrics:       a.metrics,
		Tracer:        a.tracer,
	})
	if err != nil {
		return nil, err
	}
	a.service = service
	ready = true
	return a, nil
}

func (a *app) buildLimiter() (*ratelimit.Limiter, error) {
	rl := a.cfg.RateLimit
	if !rl.Enabled {
		return nil, nil
	}
	var kv ratelimit.KV = ratelimit.NewMemoryKV()
	if rl.RedisURL != "" {
		redisKV, err := ratelimit.DialRedis(rl.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return redisKV.Close() })
		kv = redisKV
	}
	return ratelimit.New(kv, ratelimit.Config{
		Enabled: true,
		Rules:   rl.Routes,
		Logger:  a.logger,
		Metrics: a.metrics,
	}), nil
}

// Migrate creates the thread and ledger tables.
func (a *app) Migrate(ctx context.Context) error {
	if err := a.store.Migrate(ctx); err != nil {
		return err
	}
	return a.ledger.Migrate(ctx)
}

// ServeMetrics exposes /metrics until Close. It does nothing when metrics
// are disabled.
func (a *app) ServeMetrics() {
	if !a.cfg.Observability.Metrics.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	srv := &http.Server{
		Addr:              a.cfg.Observability.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "addr", srv.Addr, "error", err)
		}
	}()
	a.closers = append(a.closers, srv.Shutdown)
	a.logger.Info("metrics server listening", "addr", srv.Addr)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func buildProvider(ctx context.Context, cfg config.LLMConfig) (agent.LLMProvider, error) {
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.Retry.MaxAttempts
	retryCfg.InitialDelay = cfg.Retry.InitialDelay
	retryCfg.MaxDelay = cfg.Retry.MaxDelay

	switch cfg.Provider {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			Retry:        retryCfg,
		})
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			Retry:        retryCfg,
		})
	case "google":
		return providers.NewGoogleProvider(providers.GoogleConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			Retry:        retryCfg,
		})
	case "bedrock":
		return providers.NewBedrockProvider(ctx, providers.BedrockConfig{
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			SessionToken:    cfg.SessionToken,
			BaseURL:         cfg.BaseURL,
			DefaultModel:    cfg.Model,
			Retry:           retryCfg,
		})
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

// buildTools assembles the configured tool list. base is only used by
// switch_toolset, which needs the agent its sets are applied to.
func buildTools(ctx context.Context, cfg config.ToolsConfig, base *agent.Agent) ([]*agent.Tool, error) {
	byName := map[string]*agent.Tool{}
	var list []*agent.Tool
	add := func(t *agent.Tool) error {
		if _, dup := byName[t.Name]; dup {
			return fmt.Errorf("tool %q is defined twice", t.Name)
		}
		byName[t.Name] = t
		list = append(list, t)
		return nil
	}

	enabled := map[string]bool{}
	for _, name := range cfg.Builtins {
		enabled[name] = true
	}
	for _, t := range tools.Builtins() {
		if len(enabled) == 0 || enabled[t.Name] {
			if err := add(t); err != nil {
				return nil, err
			}
		}
	}

	for _, h := range cfg.HTTP {
		schema, err := json.Marshal(h.Schema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: encode schema: %w", h.Name, err)
		}
		t, err := tools.NewHTTPProxyTool(tools.ProxyConfig{
			Name:             h.Name,
			Description:      h.Description,
			Schema:           schema,
			Method:           h.Method,
			URL:              h.URL,
			Query:            h.Query,
			Headers:          h.Headers,
			Body:             h.Body,
			RequiresApproval: h.RequiresApproval,
			Requires:         h.Requires,
			Select:           h.Select,
			Timeout:          h.Timeout,
			MaxResponseBytes: h.MaxResponseBytes,
			MaxResultChars:   h.MaxResultChars,
			OnlineURL:        h.OnlineURL,
		})
		if err != nil {
			return nil, err
		}
		if err := add(t); err != nil {
			return nil, err
		}
	}

	if cfg.Weather.Enabled {
		t, err := tools.Weather(tools.WeatherConfig{BaseURL: cfg.Weather.BaseURL, APIKey: cfg.Weather.APIKey})
		if err != nil {
			return nil, err
		}
		if err := add(t); err != nil {
			return nil, err
		}
	}

	if cfg.S3.Enabled {
		t, err := tools.S3Presign(ctx, tools.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
			Expiry:          cfg.S3.Expiry,
		})
		if err != nil {
			return nil, err
		}
		if err := add(t); err != nil {
			return nil, err
		}
	}

	if len(cfg.Toolsets) > 0 {
		sets := make(map[string][]*agent.Tool, len(cfg.Toolsets))
		names := make([]string, 0, len(cfg.Toolsets))
		for name := range cfg.Toolsets {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, set := range names {
			for _, toolName := range cfg.Toolsets[set] {
				t, ok := byName[toolName]
				if !ok {
					return nil, fmt.Errorf("toolset %s: unknown tool %q", set, toolName)
				}
				sets[set] = append(sets[set], t)
			}
		}
		switcher, err := tools.SwitchToolset(base, sets)
		if err != nil {
			return nil, err
		}
		if err := add(switcher); err != nil {
			return nil, err
		}
	}
	return list, nil
}
