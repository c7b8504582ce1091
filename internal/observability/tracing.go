package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/coderun/internal/config"
	"github.com/jkaninda/coderun/internal/fault"
	"github.com/jkaninda/coderun/internal/pipeline"
	"github.com/jkaninda/coderun/internal/sandbox"
)

const instrumentationName = "github.com/jkaninda/coderun/internal/observability"

// Span names. A run span is the parent of one guard span per phase.
const (
	SpanRun          = "pipeline.run"
	SpanRunCode      = "pipeline.run_code"
	SpanGuardExecute = "guard.execute"
)

// Span and resource attribute keys.
const (
	AttrRunSource    = attribute.Key("run.source")
	AttrRunFilename  = attribute.Key("run.filename")
	AttrRunLanguage  = attribute.Key("run.language")
	AttrRunState     = attribute.Key("run.state")
	AttrRunKind      = attribute.Key("run.failure_kind")
	AttrRunExitCode  = attribute.Key("run.exit_code")
	AttrRunWorkspace = attribute.Key("run.workspace")

	AttrGuardProgram  = attribute.Key("guard.program")
	AttrGuardTimeout  = attribute.Key("guard.timeout")
	AttrGuardOutcome  = attribute.Key("guard.outcome")
	AttrGuardExitCode = attribute.Key("guard.exit_code")
	AttrGuardSignal   = attribute.Key("guard.signal")

	AttrLanguages = attribute.Key("coderun.languages")
)

// BuildInfo describes the running binary. It is attached to the trace
// resource so spans from different deployments can be told apart.
type BuildInfo struct {
	Version   string
	Languages []string
}

func (b BuildInfo) attributes(serviceName string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(serviceName)}
	if b.Version != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(b.Version))
	}
	if len(b.Languages) > 0 {
		attrs = append(attrs, AttrLanguages.StringSlice(b.Languages))
	}
	return attrs
}

// TracerSetup holds the OTel TracerProvider and the coderun tracer.
// It is injected, never installed as the global provider.
type TracerSetup struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerSetup exports run and guard spans over OTLP. Returns nil when
// tracing is disabled.
func NewTracerSetup(cfg *config.TracingConfig, info BuildInfo) (*TracerSetup, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	ctx := context.Background()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "coderun"
	}
	res, err := resource.New(ctx, resource.WithAttributes(info.attributes(serviceName)...))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	// Guard spans follow their run's sampling decision.
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))

	return newTracerSetup(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	), nil
}

func newExporter(ctx context.Context, cfg *config.TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

func newTracerSetup(opts ...sdktrace.TracerProviderOption) *TracerSetup {
	tp := sdktrace.NewTracerProvider(opts...)
	return &TracerSetup{provider: tp, tracer: tp.Tracer(instrumentationName)}
}

// Tracer returns the tracer for run and guard spans.
func (t *TracerSetup) Tracer() trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t.tracer
}

// Shutdown flushes any pending spans and shuts down the TracerProvider.
func (t *TracerSetup) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// endRunSpan records a finished run on span. rep is nil for runs that never
// resolved a recipe.
func endRunSpan(span trace.Span, rep *pipeline.Report, err error) {
	language, state := "none", pipeline.Idle.String()
	if rep != nil {
		language, state = rep.Language, rep.State.String()
	}
	span.SetAttributes(
		AttrRunLanguage.String(language),
		AttrRunState.String(state),
		AttrRunExitCode.Int(fault.ExitCode(err)),
	)
	if rep != nil && rep.Retained {
		span.SetAttributes(AttrRunWorkspace.String(rep.Workspace))
	}
	if err == nil {
		return
	}
	span.SetAttributes(AttrRunKind.String(fault.KindOf(err).String()))
	// Guest failures are results, not errors of coderun itself.
	if k := fault.KindOf(err); k == fault.CompilationFailure || k == fault.ExecutionFailure {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// endGuardSpan records one guard call on span.
func endGuardSpan(span trace.Span, result *sandbox.Result, err error) {
	span.SetAttributes(AttrGuardOutcome.String(executionOutcome(result, err)))
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case result == nil:
	case result.Outcome == sandbox.Exited:
		span.SetAttributes(AttrGuardExitCode.Int(result.ExitCode))
	case result.Outcome == sandbox.Signaled:
		span.SetAttributes(AttrGuardSignal.String(result.Signal))
	}
}
