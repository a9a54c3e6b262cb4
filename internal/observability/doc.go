// Package observability provides logging, metrics and tracing for agentloop.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler redacts API keys, bearer
// tokens, JWTs and password-style secrets, and which adds the request, thread,
// user and tool call identifiers stored with AddRequestID, AddThreadID,
// AddUserID and AddToolCallID when the *Context logging methods are used:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	ctx = observability.AddThreadID(ctx, threadID)
//	logger.InfoContext(ctx, "turn complete", "messages", n)
//
// # Metrics
//
// Metrics are Prometheus collectors registered through promauto on a caller
// supplied registry, so tests can use an isolated prometheus.NewRegistry():
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordToolExecution("get_weather", "success", elapsed.Seconds())
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when an endpoint is configured and
// otherwise falls back to the global no-op provider:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "agentloop",
//	    Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
//	})
//	defer shutdown(context.Background())
package observability
