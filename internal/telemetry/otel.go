// Package telemetry wires OpenTelemetry tracing around the proxy and
// analysis path.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"promptguard/internal/threat"
)

// Config holds telemetry configuration
type Config struct {
	Enabled     bool
	Exporter    string // "otlp", "stdout", or "none"
	Endpoint    string // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string
	Insecure    bool
}

// Provider manages OpenTelemetry tracing
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("promptguard"),
		}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "promptguard"
	}

	slog.Info("creating exporter", "type", cfg.Exporter)

	// Create exporter based on config
	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		// No exporter - tracing disabled
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("promptguard"),
		}, nil
	}

	// Create simple trace provider without resource (avoids schema version conflicts)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter), // Use sync exporter for simplicity
	)

	// Set as global provider
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("promptguard"),
		provider: tp,
	}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter
func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}

	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown gracefully shuts down the trace provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is enabled
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Span attributes
const (
	AttrSessionID      = "promptguard.session.id"
	AttrVerdict        = "promptguard.verdict"
	AttrScore          = "promptguard.score"
	AttrStage          = "promptguard.stage"
	AttrStageIndex     = "promptguard.stage.index"
	AttrTriggeredRules = "promptguard.rules"
	AttrCreativeMode   = "promptguard.creative_mode"
	AttrRequestMethod  = "http.request.method"
	AttrRequestPath    = "url.path"
	AttrResponseCode   = "http.response.status_code"
	AttrUpstreamMs     = "promptguard.upstream.ms"
	AttrTokensIn       = "promptguard.tokens.in"
	AttrTokensOut      = "promptguard.tokens.out"
)

// StartRequestSpan starts a span for an HTTP request
func (p *Provider) StartRequestSpan(ctx context.Context, sessionID, method, path string) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, "proxy.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrSessionID, sessionID),
			attribute.String(AttrRequestMethod, method),
			attribute.String(AttrRequestPath, path),
		),
	)
	return ctx, span
}

// RecordVerdict attaches the analysis outcome to the request span.
func (p *Provider) RecordVerdict(ctx context.Context, res threat.Result) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String(AttrVerdict, string(res.Verdict)),
		attribute.Float64(AttrScore, res.Score),
		attribute.String(AttrStage, res.Stage),
		attribute.Int(AttrStageIndex, res.StageIndex),
		attribute.StringSlice(AttrTriggeredRules, res.TriggeredRules),
		attribute.Bool(AttrCreativeMode, res.CreativeMode),
	)

	if res.Verdict != threat.VerdictAllow {
		span.AddEvent("threat.detected",
			trace.WithAttributes(
				attribute.String(AttrVerdict, string(res.Verdict)),
				attribute.String("block_reason", res.BlockReason),
			),
		)
	}
}

// EndRequestSpan ends a request span with response attributes
func (p *Provider) EndRequestSpan(span trace.Span, statusCode int, upstreamMs, tokensIn, tokensOut int64, err error) {
	span.SetAttributes(
		attribute.Int(AttrResponseCode, statusCode),
		attribute.Int64(AttrUpstreamMs, upstreamMs),
		attribute.Int64(AttrTokensIn, tokensIn),
		attribute.Int64(AttrTokensOut, tokensOut),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// NoopProvider returns a provider that does nothing (for testing)
func NoopProvider() *Provider {
	return &Provider{
		config: Config{Enabled: false},
		tracer: otel.Tracer("promptguard-noop"),
	}
}
