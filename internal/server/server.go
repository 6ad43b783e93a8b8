// Package server exposes the engine over HTTP: one JSON endpoint per model operation, a generic
// request endpoint, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"pmquery/internal/engine"
	"pmquery/internal/logging"
	"pmquery/internal/middleware"
	"pmquery/internal/queryerr"
)

// Executor runs one engine request.
type Executor interface {
	Execute(ctx context.Context, req engine.Request) (any, error)
}

// Pinger reports storage reachability for /healthz.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Options configures the handler set.
type Options struct {
	// Health is pinged by /healthz. Nil reports healthy without a storage check.
	Health        Pinger
	HealthTimeout time.Duration
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server routes HTTP requests to the engine.
type Server struct {
	exec Executor
	opts Options
	mux  *http.ServeMux
}

// New builds the router.
func New(exec Executor, opts Options) *Server {
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 2 * time.Second
	}
	s := &Server{exec: exec, opts: opts, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /v1/query", s.handleQuery)
	s.mux.HandleFunc("POST /v1/{model}/{operation}", s.handleOperation)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", opts.Metrics)
	}
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrorDetail{
			Kind:    "NotFound",
			Message: fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path),
		})
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Routes lists the patterns used as low-cardinality span names.
func Routes() []string {
	return []string{"/v1/query", "/v1/{model}/{operation}", "/healthz", "/metrics"}
}

type response struct {
	Data any `json:"data"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if req.Model == "" || req.Operation == "" {
		middleware.WriteError(w, http.StatusBadRequest, middleware.ErrorDetail{
			Kind:    string(queryerr.KindValidation),
			Message: "model and operation are required",
		})
		return
	}
	s.execute(w, r, req)
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	req := engine.Request{
		Model:     r.PathValue("model"),
		Operation: r.PathValue("operation"),
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req.Args); err != nil {
			writeDecodeError(w, err)
			return
		}
	}
	s.execute(w, r, req)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, req engine.Request) {
	result, err := s.exec.Execute(r.Context(), req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response{Data: result}); err != nil {
		logging.FromContext(r.Context()).Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

// StatusFor maps an engine error onto an HTTP status.
func StatusFor(err error) int {
	switch queryerr.KindOf(err) {
	case queryerr.KindValidation, queryerr.KindUnknownField, queryerr.KindTypeMismatch:
		return http.StatusBadRequest
	case queryerr.KindUnknownEntity, queryerr.KindRecordNotFound, queryerr.KindCursorNotFound:
		return http.StatusNotFound
	case queryerr.KindUniqueConstraint, queryerr.KindForeignKey:
		return http.StatusConflict
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// Client went away; nginx's convention.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	var qe *queryerr.Error
	if errors.As(err, &qe) {
		// Driver text from a wrapped cause is not echoed to clients.
		public := &queryerr.Error{Kind: qe.Kind, Entity: qe.Entity, Field: qe.Field, Fields: qe.Fields, Message: qe.Message}
		middleware.WriteError(w, status, middleware.ErrorDetail{
			Kind:    string(qe.Kind),
			Message: public.Error(),
			Entity:  qe.Entity,
			Field:   qe.Field,
		})
		return
	}

	// Storage and driver details stay in the logs.
	logging.FromContext(r.Context()).Error("request failed", slog.String("error", err.Error()))
	middleware.WriteError(w, status, middleware.ErrorDetail{
		Kind:    "InternalError",
		Message: http.StatusText(status),
	})
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		middleware.WriteError(w, http.StatusRequestEntityTooLarge, middleware.ErrorDetail{
			Kind:    string(queryerr.KindValidation),
			Message: fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit),
		})
		return
	}
	middleware.WriteError(w, http.StatusBadRequest, middleware.ErrorDetail{
		Kind:    string(queryerr.KindValidation),
		Message: "invalid JSON body: " + err.Error(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqLogger := logging.FromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")

	if s.opts.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), s.opts.HealthTimeout)
		defer cancel()
		if err := s.opts.Health.PingContext(ctx); err != nil {
			reqLogger.Error("health check failed",
				slog.String("error", err.Error()),
				slog.String("check", "database"),
			)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"status":"unhealthy","database":"failed"}`)
			return
		}
	}

	reqLogger.Debug("health check passed")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, `{"status":"healthy"}`)
}
