// Package httpapi exposes coderun over HTTP for `coderun serve`.
//
// Security:
//   - Optional API key authentication (constant-time comparison)
//   - Request body size limits (default: max source size + 64 KiB)
//   - Per-client rate limiting via token bucket
//   - All runs logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/coderun/internal/fault"
	"github.com/jkaninda/coderun/internal/observability"
	"github.com/jkaninda/coderun/internal/pipeline"
	"github.com/jkaninda/coderun/internal/ratelimit"
	"github.com/jkaninda/coderun/internal/runner"
	"github.com/jkaninda/coderun/internal/storage"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	defaultListLimit      = 50
	maxListLimit          = 500
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API server.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        []string // Empty = no authentication.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.
	Version        string

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// CodeRunner runs uploaded source code.
// *runner.Runner and *observability.InstrumentedRunner satisfy it.
type CodeRunner interface {
	RunCode(ctx context.Context, filename string, code []byte) (*pipeline.Report, error)
}

// Server is the HTTP API server.
type Server struct {
	config   Config
	runner   CodeRunner
	registry *pipeline.Registry
	history  storage.RunStore // nil = history endpoints answer 404.
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	okapi      *okapi.Okapi
	group      *okapi.Group
	routesOnce sync.Once
}

// NewServer creates an HTTP API server. history and rl may be nil.
func NewServer(cfg Config, r CodeRunner, registry *pipeline.Registry, history storage.RunStore, rl *ratelimit.Limiter, logger *slog.Logger) *Server {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		config:   cfg,
		runner:   r,
		registry: registry,
		history:  history,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithOpenAPIDocs serves the generated OpenAPI documentation.
func (s *Server) WithOpenAPIDocs() *Server {
	version := s.config.Version
	if version == "" {
		version = "dev"
	}
	s.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "coderun",
			Version: version,
		},
	)
	return s
}

// Start launches the HTTP server and blocks until it exits.
func (s *Server) Start(ctx context.Context) error {
	s.routesOnce.Do(s.routes)

	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("http api starting", slog.String("addr", s.config.ListenAddr))
	err := s.okapi.StartServer(s.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler registers the routes and returns the API as an http.Handler.
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.routes)
	return s.okapi
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("http api stopping")
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
			next.ServeHTTP(w, r)
		})
	})

	// Metrics/tracing run before authentication so rejected requests are counted.
	s.group = s.okapi.Group("/v1",
		observability.MetricsMiddleware(s.config.Metrics, s.config.Tracer),
		s.authenticate,
	)

	s.group.Post("/run", s.handleRun,
		okapi.DocSummary("Compile and run a single source file"),
		okapi.DocTags("Run"),
		okapi.DocRequestBody(RunRequest{}),
		okapi.DocResponse(RunResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusUnsupportedMediaType, RunResponse{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, RunResponse{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, RunResponse{}),
	)
	s.group.Get("/languages", s.handleLanguages,
		okapi.DocSummary("List supported languages"),
		okapi.DocTags("Run"),
		okapi.DocResponse([]LanguageResponse{}),
	)
	s.group.Get("/runs", s.handleRunList,
		okapi.DocSummary("List recent runs, newest first"),
		okapi.DocTags("History"),
		okapi.DocResponse([]storage.Run{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	s.group.Get("/runs/{id}", s.handleRunGet,
		okapi.DocSummary("Get a run by ID"),
		okapi.DocTags("History"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocResponse(storage.Run{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Observability endpoints (unauthenticated).
	s.okapi.Get("/healthz", s.handleLiveness)
	s.okapi.Get("/readyz", s.handleReadiness)

	if s.config.MetricsRegistry != nil {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		handler := observability.HTTPMetricsMiddleware(s.config.Metrics, s.config.Tracer,
			promhttp.HandlerFor(s.config.MetricsRegistry, promhttp.HandlerOpts{}))
		s.okapi.HandleStd("GET", path, handler.ServeHTTP)
	}
	if s.config.EnableDocs {
		s.WithOpenAPIDocs()
	}
}

// --- Handlers ---

// RunRequest is the JSON body for POST /v1/run.
type RunRequest struct {
	Filename string `json:"filename"` // Only the base name is used; the extension picks the language.
	Code     string `json:"code"`
}

// RunResponse is the JSON response for POST /v1/run.
type RunResponse struct {
	Language      string   `json:"language,omitempty"`
	State         string   `json:"state"`
	States        []string `json:"states,omitempty"`
	Success       bool     `json:"success"`
	ExitCode      int      `json:"exit_code"`
	Kind          string   `json:"kind,omitempty"`
	Error         string   `json:"error,omitempty"`
	Signal        string   `json:"signal,omitempty"`
	TimedOut      bool     `json:"timed_out"`
	Workspace     string   `json:"workspace,omitempty"` // Set only when retained.
	CompileMs     int64    `json:"compile_ms"`
	RunMs         int64    `json:"run_ms"`
	DurationMs    int64    `json:"duration_ms"`
	CorrelationID string   `json:"correlation_id"`
}

func (s *Server) handleRun(c *okapi.Context) error {
	client := c.GetString("client")
	if err := s.limiter.Allow(client); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Filename == "" {
		return c.AbortBadRequest("filename is required")
	}

	correlationID := newCorrelationID()
	s.logger.Info("http run",
		slog.String("client", client),
		slog.String("filename", req.Filename),
		slog.Int("bytes", len(req.Code)),
		slog.String("correlation_id", correlationID),
	)

	rep, err := s.runner.RunCode(c.Context(), req.Filename, []byte(req.Code))
	if err != nil && fault.KindOf(err) == fault.SetupFailure {
		s.logger.Error("run failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}

	resp := NewRunResponse(rep, err)
	resp.CorrelationID = correlationID
	return c.JSON(RunStatus(err), resp)
}

// NewRunResponse converts a run outcome into the API response. rep may be
// nil when the run never reached a pipeline.
func NewRunResponse(rep *pipeline.Report, err error) RunResponse {
	if rep == nil {
		resp := RunResponse{State: pipeline.Idle.String(), ExitCode: fault.ExitCode(err)}
		if err != nil {
			resp.Kind = fault.KindOf(err).String()
			resp.Error = err.Error()
		}
		return resp
	}

	row := runner.NewRecord(rep, err, "http")
	resp := RunResponse{
		Language:   row.Language,
		State:      row.State,
		Success:    err == nil,
		ExitCode:   row.ExitCode,
		Kind:       row.Kind,
		Error:      row.Error,
		Signal:     row.Signal,
		TimedOut:   row.TimedOut,
		Workspace:  row.Workspace,
		CompileMs:  row.CompileDuration.Milliseconds(),
		RunMs:      row.RunDuration.Milliseconds(),
		DurationMs: row.Duration.Milliseconds(),
	}
	for _, st := range rep.States {
		resp.States = append(resp.States, st.String())
	}
	return resp
}

// RunStatus maps a run error to an HTTP status. A guest program that fails
// to compile or exits nonzero is a completed request, not an API error.
func RunStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch fault.KindOf(err) {
	case fault.CompilationFailure, fault.ExecutionFailure:
		return http.StatusOK
	case fault.UnsupportedInput:
		return http.StatusUnsupportedMediaType
	case fault.ValidationRejected:
		return http.StatusUnprocessableEntity
	case fault.ResourceExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// LanguageResponse describes one supported language.
type LanguageResponse struct {
	Language   string   `json:"language"`
	Extensions []string `json:"extensions"`
	Compiled   bool     `json:"compiled"`
}

func (s *Server) handleLanguages(c *okapi.Context) error {
	return c.OK(Languages(s.registry))
}

// Languages lists the registry's recipes in registration order.
func Languages(registry *pipeline.Registry) []LanguageResponse {
	recipes := registry.Recipes()
	out := make([]LanguageResponse, 0, len(recipes))
	for _, r := range recipes {
		out = append(out, LanguageResponse{
			Language:   r.Language,
			Extensions: r.Extensions,
			Compiled:   r.Compiled(),
		})
	}
	return out
}

func (s *Server) handleRunList(c *okapi.Context) error {
	if s.history == nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: storage.ErrDisabled.Error()})
	}
	opts, err := ParseListOptions(c.Request())
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	runs, err := s.history.List(c.Context(), opts)
	if err != nil {
		s.logger.Error("listing runs failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing runs failed")
	}
	if runs == nil {
		runs = []storage.Run{}
	}
	return c.OK(runs)
}

func (s *Server) handleRunGet(c *okapi.Context) error {
	if s.history == nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: storage.ErrDisabled.Error()})
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}
	run, err := s.history.Get(c.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "run not found"})
	}
	if err != nil {
		s.logger.Error("loading run failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("loading run failed")
	}
	return c.OK(run)
}

// ParseListOptions reads limit, language and failed from the query string.
func ParseListOptions(r *http.Request) (storage.ListOptions, error) {
	q := r.URL.Query()
	opts := storage.ListOptions{Limit: defaultListLimit, Language: q.Get("language")}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return opts, fmt.Errorf("limit must be a positive integer")
		}
		opts.Limit = min(n, maxListLimit)
	}
	if v := q.Get("failed"); v != "" {
		failed, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("failed must be a boolean")
		}
		opts.Failed = failed
	}
	return opts, nil
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (s *Server) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (s *Server) handleReadiness(c *okapi.Context) error {
	if s.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := s.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key when keys are configured and stores
// the rate limiting identity under "client".
func (s *Server) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(s.config.APIKeys) == 0 {
			c.Set("client", remoteHost(c.Request().RemoteAddr))
			return next(c)
		}

		apiKey, ok := bearerToken(c.Header("Authorization"))
		if !ok {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		client := matchKey(s.config.APIKeys, apiKey)
		if client == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("client", client)
		return next(c)
	}
}

// --- Helpers ---

func bearerToken(header string) (string, bool) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// matchKey returns a stable client identity for apiKey, or "" when it is
// not configured. Every key is compared so timing does not reveal which
// one matched.
func matchKey(keys []string, apiKey string) string {
	client := ""
	for i, key := range keys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			client = "key-" + strconv.Itoa(i)
		}
	}
	return client
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
