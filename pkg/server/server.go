// Package server exposes the engine over HTTP: run a graph, validate one,
// and inspect run history, the compliance score and the HTML report.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/agentlayer/internal/governance"
	"github.com/polisai/agentlayer/pkg/domain"
	"github.com/polisai/agentlayer/pkg/engine"
	"github.com/polisai/agentlayer/pkg/events"
	"github.com/polisai/agentlayer/pkg/policy"
	"github.com/polisai/agentlayer/pkg/report"
	"github.com/polisai/agentlayer/pkg/storage"
)

const (
	defaultMaxBodyBytes = 4 << 20
	defaultListLimit    = 50
	maxListLimit        = 1000
	keepaliveInterval   = 15 * time.Second
)

// ConstitutionSource supplies the constitution for requests that bring none.
type ConstitutionSource interface {
	Current() *policy.Constitution
}

// Config wires a Server.
type Config struct {
	Engine *engine.Engine
	// Constitutions provides the default constitution. Nil allows everything.
	Constitutions ConstitutionSource
	// Store backs /runs, /score and /report. Nil disables those routes.
	Store storage.RunStore
	// Stream backs GET /runs/{id}/events. Nil disables the route.
	Stream       *events.Stream
	Metrics      *Metrics
	RateLimiter  *governance.RateLimiter
	Logger       *slog.Logger
	MaxBodyBytes int64
}

// Server is the HTTP API.
type Server struct {
	engine        *engine.Engine
	constitutions ConstitutionSource
	store         storage.RunStore
	stream        *events.Stream
	metrics       *Metrics
	limiter       *governance.RateLimiter
	logger        *slog.Logger
	maxBody       int64
	router        chi.Router
}

// RunRequest is the body of POST /run and POST /validate.
type RunRequest struct {
	// RunID lets the caller pick the run id, so it can subscribe to the
	// run's events before submitting. It must be a UUID.
	RunID        string               `json:"run_id,omitempty"`
	Flow         *domain.Graph        `json:"flow"`
	Graph        *domain.Graph        `json:"graph,omitempty"`
	Constitution *domain.Constitution `json:"constitution,omitempty"`
	Input        any                  `json:"input,omitempty"`
	Metadata     map[string]string    `json:"metadata,omitempty"`
}

func (r *RunRequest) graph() *domain.Graph {
	if r.Flow != nil {
		return r.Flow
	}
	return r.Graph
}

// RunResponse summarises a finished run.
type RunResponse struct {
	*domain.ExecutionState
	Outputs    map[string]any `json:"outputs"`
	Violations []string       `json:"violations"`
	Score      int            `json:"score"`
}

// New builds the router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	s := &Server{
		engine:        cfg.Engine,
		constitutions: cfg.Constitutions,
		store:         cfg.Store,
		stream:        cfg.Stream,
		metrics:       metrics,
		limiter:       cfg.RateLimiter,
		logger:        logger,
		maxBody:       maxBody,
	}

	r := chi.NewRouter()
	r.Use(metrics.Middleware)

	r.Get("/health", s.handleHealth)
	r.With(s.rateLimit).Post("/run", s.handleRun)
	r.Post("/validate", s.handleValidate)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/runs/{id}/events", s.handleRunEvents)
	r.Get("/score", s.handleScore)
	r.Get("/report", s.handleReport)
	r.Handle("/metrics", metrics.Handler())

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the router wrapped with OpenTelemetry instrumentation.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s, "agentlayer.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	runReq := engine.Request{
		RunID:        req.RunID,
		Graph:        req.graph(),
		Constitution: req.Constitution,
		Input:        req.Input,
		Metadata:     req.Metadata,
	}
	if req.Constitution == nil && s.constitutions != nil {
		runReq.Rules = s.constitutions.Current()
	}

	state, err := s.engine.Execute(r.Context(), runReq)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.metrics.RecordRun(state)
	writeJSON(w, http.StatusOK, NewRunResponse(state))
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	if err := s.engine.Validate(r.Context(), req.graph(), req.Constitution); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w, r) {
		return
	}
	limit, ok := s.listLimit(w, r, defaultListLimit)
	if !ok {
		return
	}
	records, err := s.store.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.writeError(w, r, http.StatusInternalServerError, domain.ErrorResponse{Code: "STORAGE_ERROR", Message: "failed to list runs"})
		return
	}
	if records == nil {
		records = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": records})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w, r) {
		return
	}
	id := chi.URLParam(r, "id")
	rec, err := s.store.Get(r.Context(), id)
	if errors.Is(err, domain.ErrRunNotFound) {
		s.writeError(w, r, http.StatusNotFound, domain.ErrorResponse{Code: "RUN_NOT_FOUND", Message: "run not found"})
		return
	}
	if err != nil {
		s.logger.Error("failed to load run", "run_id", id, "error", err)
		s.writeError(w, r, http.StatusInternalServerError, domain.ErrorResponse{Code: "STORAGE_ERROR", Message: "failed to load run"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w, r) {
		return
	}
	summary, err := s.store.Score(r.Context())
	if err != nil {
		s.logger.Error("failed to compute score", "error", err)
		s.writeError(w, r, http.StatusInternalServerError, domain.ErrorResponse{Code: "STORAGE_ERROR", Message: "failed to compute score"})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleRunEvents streams a run's events as server-sent events. Buffered
// events after Last-Event-ID are replayed first; the stream ends when the run
// finishes.
// handleReport renders recorded runs, most recent first, as HTML.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w, r) {
		return
	}
	limit, ok := s.listLimit(w, r, maxListLimit)
	if !ok {
		return
	}
	records, err := s.store.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs for report", "error", err)
		s.writeError(w, r, http.StatusInternalServerError, domain.ErrorResponse{Code: "STORAGE_ERROR", Message: "failed to list runs"})
		return
	}
	summary, err := s.store.Score(r.Context())
	if err != nil {
		s.logger.Error("failed to compute score for report", "error", err)
		s.writeError(w, r, http.StatusInternalServerError, domain.ErrorResponse{Code: "STORAGE_ERROR", Message: "failed to compute score"})
		return
	}

	var buf bytes.Buffer
	if err := report.Render(&buf, report.Build(records, summary, time.Now())); err != nil {
		s.logger.Error("failed to render report", "error", err)
		s.writeError(w, r, http.StatusInternalServerError, domain.ErrorResponse{Code: "RENDER_FAILED", Message: "failed to render report"})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		s.writeError(w, r, http.StatusNotImplemented, domain.ErrorResponse{Code: "STREAM_DISABLED", Message: "event streaming is not configured"})
		return
	}
	id := chi.URLParam(r, "id")
	var after uint64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, domain.ErrorResponse{Code: "INVALID_REQUEST", Message: "Last-Event-ID must be a sequence number"})
			return
		}
		after = n
	}
	if !s.stream.Has(id) && s.store != nil {
		if _, err := s.store.Get(r.Context(), id); err == nil {
			s.writeError(w, r, http.StatusGone, domain.ErrorResponse{Code: "STREAM_EXPIRED", Message: "run events are no longer buffered"})
			return
		}
	}

	backlog, live, cancel := s.stream.Subscribe(id, after)
	defer cancel()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(msg events.Sequenced) bool {
		frame, err := events.SSEFrame(msg)
		if err != nil {
			s.logger.Error("failed to encode run event", "run_id", id, "error", err)
			return true
		}
		if _, err := w.Write(events.EncodeSSE(frame)); err != nil {
			return false
		}
		return rc.Flush() == nil
	}
	for _, msg := range backlog {
		if !send(msg) {
			return
		}
	}
	_ = rc.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-live:
			if !ok || !send(msg) {
				return
			}
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// listLimit parses ?limit, capped at maxListLimit.
func (s *Server) listLimit(w http.ResponseWriter, r *http.Request, fallback int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		s.writeError(w, r, http.StatusBadRequest, domain.ErrorResponse{Code: "INVALID_REQUEST", Message: "limit must be a positive integer"})
		return 0, false
	}
	return min(n, maxListLimit), true
}

func (s *Server) historyEnabled(w http.ResponseWriter, r *http.Request) bool {
	if s.store != nil {
		return true
	}
	s.writeError(w, r, http.StatusNotImplemented, domain.ErrorResponse{Code: "HISTORY_DISABLED", Message: "run history is not configured"})
	return false
}

// rateLimit throttles per client address.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, remaining := s.limiter.Allow(clientKey(r))
		governance.WriteRateLimitHeaders(w, s.limiter.Limit(), remaining)
		if !allowed {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, r, http.StatusTooManyRequests, domain.ErrorResponse{Code: "RATE_LIMITED", Message: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (*RunRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, domain.ErrorResponse{Code: "REQUEST_TOO_LARGE", Message: "request body too large"})
			return nil, false
		}
		s.writeError(w, r, http.StatusBadRequest, domain.ErrorResponse{Code: "INVALID_REQUEST", Message: "request body is not valid JSON: " + err.Error()})
		return nil, false
	}
	if req.graph() == nil {
		s.writeError(w, r, http.StatusBadRequest, domain.ErrorResponse{Code: "INVALID_REQUEST", Message: "flow is required"})
		return nil, false
	}
	if req.RunID != "" {
		if _, err := uuid.Parse(req.RunID); err != nil {
			s.writeError(w, r, http.StatusBadRequest, domain.ErrorResponse{Code: "INVALID_REQUEST", Message: "run_id must be a UUID"})
			return nil, false
		}
	}
	return &req, true
}

// writeEngineError maps validation errors to 400 and anything else to 500.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		s.writeError(w, r, http.StatusBadRequest, domain.ErrorResponse{
			Code:      "VALIDATION_FAILED",
			Message:   verr.Error(),
			Violation: string(verr.Kind),
			NodeID:    verr.NodeID,
		})
		return
	}
	s.logger.Error("run failed", "error", err)
	s.writeError(w, r, http.StatusInternalServerError, domain.ErrorResponse{Code: "RUN_FAILED", Message: "run could not be executed"})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, body domain.ErrorResponse) {
	if sc := trace.SpanFromContext(r.Context()).SpanContext(); sc.IsValid() {
		body.TraceID = sc.TraceID().String()
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// NewRunResponse summarises state with its succeeded outputs, violations and
// compliance score.
func NewRunResponse(state *domain.ExecutionState) RunResponse {
	rec := storage.NewRecord(state)
	return RunResponse{
		ExecutionState: state,
		Outputs:        outputsOf(state),
		Violations:     rec.Violations,
		Score:          rec.Score,
	}
}

func outputsOf(state *domain.ExecutionState) map[string]any {
	out := make(map[string]any, len(state.Nodes))
	for id, ns := range state.Nodes {
		if ns.Status == domain.NodeSucceeded {
			out[id] = ns.Output
		}
	}
	return out
}

// Serve runs the handler on addr until the server is shut down. When
// srv.TLSConfig carries certificates the listener speaks TLS.
func Serve(srv *http.Server, logger *slog.Logger) error {
	var err error
	if srv.TLSConfig != nil && (len(srv.TLSConfig.Certificates) > 0 || srv.TLSConfig.GetCertificate != nil) {
		logger.Info("https server listening", "addr", srv.Addr)
		err = srv.ListenAndServeTLS("", "")
	} else {
		logger.Info("http server listening", "addr", srv.Addr)
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// NewHTTPServer applies the configured timeouts.
func NewHTTPServer(addr string, handler http.Handler, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      writeTimeout,
	}
}
