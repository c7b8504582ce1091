package observability

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/shlex"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/coderun/internal/fault"
	"github.com/jkaninda/coderun/internal/pipeline"
	"github.com/jkaninda/coderun/internal/sandbox"
)

// --- InstrumentedExecutor ---

// InstrumentedExecutor wraps a sandbox.Executor with metrics and tracing.
type InstrumentedExecutor struct {
	inner   sandbox.Executor
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedExecutor wraps an executor with observability.
func NewInstrumentedExecutor(inner sandbox.Executor, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{inner: inner, metrics: metrics, tracer: tracer}
}

func (e *InstrumentedExecutor) Execute(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
	program := programName(req.Command)

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, SpanGuardExecute,
			trace.WithAttributes(
				AttrGuardProgram.String(program),
				AttrGuardTimeout.String(req.Timeout.String()),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := e.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	outcome := executionOutcome(result, err)
	if span != nil {
		endGuardSpan(span, result, err)
	}

	if e.metrics != nil {
		e.metrics.GuardExecutionsTotal.WithLabelValues(program, outcome).Inc()
		if err == nil {
			e.metrics.GuardExecutionDuration.WithLabelValues(program).Observe(duration)
		}
	}

	return result, err
}

// executionOutcome labels a guard call: the Result's outcome, or the
// sentinel class of its error.
func executionOutcome(result *sandbox.Result, err error) string {
	switch {
	case errors.Is(err, sandbox.ErrRejected):
		return "rejected"
	case errors.Is(err, sandbox.ErrSpawn):
		return "spawn_error"
	case errors.Is(err, sandbox.ErrCanceled):
		return "canceled"
	case err != nil:
		return "error"
	case result == nil:
		return "unknown"
	default:
		return result.Outcome.String()
	}
}

// programName returns the base name of the executable a command starts.
func programName(command string) string {
	argv, err := shlex.Split(command)
	if err != nil || len(argv) == 0 {
		return "invalid"
	}
	return filepath.Base(argv[0])
}

// --- InstrumentedRunner ---

// Runner is the run surface shared by the CLI, HTTP and MCP front ends.
type Runner interface {
	Run(ctx context.Context, source string) (*pipeline.Report, error)
	RunCode(ctx context.Context, filename string, code []byte) (*pipeline.Report, error)
}

// InstrumentedRunner wraps a Runner with metrics, tracing and failure-rate
// detection keyed by language.
type InstrumentedRunner struct {
	inner   Runner
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedRunner wraps a runner with observability.
func NewInstrumentedRunner(inner Runner, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedRunner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRunner{inner: inner, metrics: metrics, tracer: tracer, anomaly: anomaly}
}

func (r *InstrumentedRunner) Run(ctx context.Context, source string) (*pipeline.Report, error) {
	return r.observe(ctx, SpanRun, AttrRunSource.String(source), func(ctx context.Context) (*pipeline.Report, error) {
		return r.inner.Run(ctx, source)
	})
}

func (r *InstrumentedRunner) RunCode(ctx context.Context, filename string, code []byte) (*pipeline.Report, error) {
	return r.observe(ctx, SpanRunCode, AttrRunFilename.String(filename), func(ctx context.Context) (*pipeline.Report, error) {
		return r.inner.RunCode(ctx, filename, code)
	})
}

func (r *InstrumentedRunner) observe(ctx context.Context, name string, attr attribute.KeyValue, fn func(context.Context) (*pipeline.Report, error)) (*pipeline.Report, error) {
	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, name, trace.WithAttributes(attr))
		defer span.End()
	}

	start := time.Now()
	rep, err := fn(ctx)
	duration := time.Since(start).Seconds()

	language, state, kind := "none", pipeline.Idle.String(), ""
	if rep != nil {
		language, state = rep.Language, rep.State.String()
	}
	if err != nil {
		kind = fault.KindOf(err).String()
	}

	if span != nil {
		endRunSpan(span, rep, err)
	}

	if r.metrics != nil {
		r.metrics.RunsTotal.WithLabelValues(language, state, kind).Inc()
		if rep != nil {
			r.metrics.RunDuration.WithLabelValues(language).Observe(duration)
		}
	}

	// Only runs that reached a pipeline say anything about a language.
	if r.anomaly != nil && rep != nil {
		if err != nil {
			r.anomaly.RecordError(language)
		} else {
			r.anomaly.RecordSuccess(language)
		}
	}

	return rep, err
}

// --- Compile-time interface checks ---

var (
	_ sandbox.Executor = (*InstrumentedExecutor)(nil)
	_ Runner           = (*InstrumentedRunner)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
