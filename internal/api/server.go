// Package api exposes the administrative HTTP surface for driving provider
// ingestion cycles: status, trigger, start, cancel, purge, mark inspection,
// health, cleanup, and delta forwarding.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	appingest "github.com/ahrav/catalog-ingest/internal/app/ingestion"
	"github.com/ahrav/catalog-ingest/internal/domain/ingestion"
	"github.com/ahrav/catalog-ingest/pkg/common/logger"
	"github.com/ahrav/catalog-ingest/pkg/common/otel"
)

// ReadinessCheck reports whether the server's backing dependencies are
// reachable. Wired to a database ping in production.
type ReadinessCheck func(ctx context.Context) error

// Server routes administrative requests to the ingestion services.
type Server struct {
	addr   string
	logger *logger.Logger
	router *chi.Mux
	tracer trace.Tracer

	controller *appingest.Controller
	health     *appingest.HealthMonitor
	cleanup    *appingest.CleanupService
	publisher  ingestion.DeltaPublisher

	metrics APIMetrics
	ready   ReadinessCheck
}

// NewServer wires the HTTP surface over the ingestion services.
func NewServer(
	addr string,
	log *logger.Logger,
	tracer trace.Tracer,
	controller *appingest.Controller,
	health *appingest.HealthMonitor,
	cleanup *appingest.CleanupService,
	publisher ingestion.DeltaPublisher,
	metrics APIMetrics,
	ready ReadinessCheck,
) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otelhttp.NewMiddleware("ingest-api"))
	r.Use(loggerMiddleware(log))
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:       addr,
		logger:     log,
		router:     r,
		tracer:     tracer,
		controller: controller,
		health:     health,
		cleanup:    cleanup,
		publisher:  publisher,
		metrics:    metrics,
		ready:      ready,
	}

	s.routes()
	return s
}

func loggerMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				log.Info(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// metricsMiddleware records request counts and latency per route pattern.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		if s.metrics == nil {
			return
		}
		ctx := r.Context()
		pattern := chi.RouteContext(ctx).RoutePattern()
		s.metrics.IncRequestsTotal(ctx, r.Method, pattern, ww.Status())
		s.metrics.ObserveRequestDuration(ctx, r.Method, pattern, time.Since(start))
	})
}

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/liveness", s.handleLiveness)
		r.Get("/readiness", s.handleReadiness)
	})

	s.router.Group(func(r chi.Router) {
		r.Use(s.metricsMiddleware)

		r.Get("/health", s.handleHealth)
		r.Post("/cleanup", s.handleCleanup)

		r.Route("/{provider}", func(r chi.Router) {
			r.Get("/", s.handleProviderStatus)
			r.Post("/trigger", s.handleTrigger)
			r.Post("/start", s.handleStart)
			r.Post("/cancel", s.handleCancel)
			r.Delete("/", s.handlePurge)
			r.Get("/marks", s.handleGetMarks)
			r.Delete("/marks", s.handleClearMarks)
			r.Post("/delta", s.handleDelta)
		})
	})
}

// Start runs the server until the context is canceled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server", "addr", server.Addr, "service", "ingest-api")

	return server.ListenAndServe()
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Error(r.Context(), "readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.health.Check(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, report)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	report, err := s.cleanup.CleanupProviders(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, struct {
		Success bool `json:"success"`
		appingest.CleanupReport
	}{Success: true, CleanupReport: report})
}

// statusPayload is the status block of provider responses.
type statusPayload struct {
	CurrentAction string     `json:"current_action"`
	NextActionAt  *time.Time `json:"next_action_at,omitempty"`
}

// providerResponse is the common envelope for provider-scoped endpoints.
type providerResponse struct {
	Success   bool           `json:"success"`
	Status    *statusPayload `json:"status,omitempty"`
	LastError string         `json:"last_error,omitempty"`
}

func recordStatus(record *ingestion.Record) *statusPayload {
	next := record.NextActionAt()
	return &statusPayload{
		CurrentAction: record.NextAction(),
		NextActionAt:  &next,
	}
}

func (s *Server) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	status, err := s.controller.Status(r.Context(), provider)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	resp := providerResponse{Success: true}
	if status.Record != nil {
		resp.Status = recordStatus(status.Record)
		resp.LastError = status.Record.LastError()
	} else {
		resp.Status = &statusPayload{CurrentAction: ingestion.RestCompleteAction}
	}
	s.respondJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if s.metrics != nil {
		s.metrics.IncTriggerRequests(r.Context(), provider)
	}

	res, err := s.controller.Trigger(r.Context(), provider)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncTriggerErrors(r.Context(), provider)
		}
		s.respondError(w, r, err)
		return
	}

	s.respondJSON(w, r, http.StatusOK, struct {
		Success  bool             `json:"success"`
		Status   ingestion.Status `json:"status"`
		Action   string           `json:"action"`
		Deferred bool             `json:"deferred"`
	}{Success: true, Status: res.Status, Action: res.Action, Deferred: res.Deferred})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	res, err := s.controller.Start(r.Context(), provider)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.respondJSON(w, r, http.StatusOK, struct {
		Success bool             `json:"success"`
		Status  ingestion.Status `json:"status"`
		Action  string           `json:"action"`
	}{Success: true, Status: res.Status, Action: res.Action})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	res, err := s.controller.Cancel(r.Context(), provider)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.respondJSON(w, r, http.StatusOK, struct {
		Success      bool             `json:"success"`
		Status       ingestion.Status `json:"status"`
		NextActionAt time.Time        `json:"next_action_at"`
	}{Success: true, Status: res.Status, NextActionAt: res.NextActionAt})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	res, err := s.cleanup.PurgeAndResetProvider(r.Context(), provider)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.respondJSON(w, r, http.StatusOK, struct {
		Success bool `json:"success"`
		appingest.PurgeResult
	}{Success: true, PurgeResult: res})
}

func (s *Server) handleGetMarks(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	marks, hasCurrent, err := s.controller.Marks(r.Context(), provider)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if !hasCurrent {
		s.respondJSON(w, r, http.StatusOK, struct {
			Success bool   `json:"success"`
			Message string `json:"message"`
		}{Success: true, Message: "restarting - no current ingestion record"})
		return
	}

	if marks == nil {
		marks = []*ingestion.Mark{}
	}
	s.respondJSON(w, r, http.StatusOK, struct {
		Success bool              `json:"success"`
		Marks   []*ingestion.Mark `json:"marks"`
	}{Success: true, Marks: marks})
}

func (s *Server) handleClearMarks(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	deleted, err := s.cleanup.ClearFinishedIngestions(r.Context(), provider)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.respondJSON(w, r, http.StatusOK, struct {
		Success bool  `json:"success"`
		Deleted int64 `json:"deleted"`
	}{Success: true, Deleted: deleted})
}

// handleDelta forwards an arbitrary JSON payload to the provider's push
// topic. The payload is opaque: it is validated as JSON and forwarded
// verbatim, never touching ingestion state.
func (s *Server) handleDelta(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	payload, err := readBody(r)
	if err != nil {
		s.respondJSON(w, r, http.StatusBadRequest, failureResponse{
			Success: false, Message: err.Error(),
		})
		return
	}

	if err := s.publisher.PublishDelta(r.Context(), provider, payload); err != nil {
		s.logger.Error(r.Context(), "failed to forward delta",
			"provider_name", provider, "error", err)
		if s.metrics != nil {
			s.metrics.IncDeltaPublishErrors(r.Context(), provider)
		}
		s.respondJSON(w, r, http.StatusInternalServerError, failureResponse{
			Success: false, Message: err.Error(),
		})
		return
	}

	if s.metrics != nil {
		s.metrics.IncDeltasPublished(r.Context(), provider)
	}
	s.respondJSON(w, r, http.StatusOK, struct {
		Success bool `json:"success"`
	}{Success: true})
}

func readBody(r *http.Request) ([]byte, error) {
	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	return payload, nil
}

// failureResponse is the envelope for 500-class failures.
type failureResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// notFoundResponse is the envelope for unknown providers.
type notFoundResponse struct {
	Success   bool   `json:"success"`
	LastError string `json:"last_error"`
}

// respondError maps domain errors onto the HTTP contract: unknown providers
// are 404s, everything else is a 500.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ingestion.ErrProviderNotFound) {
		s.respondJSON(w, r, http.StatusNotFound, notFoundResponse{
			Success: false, LastError: err.Error(),
		})
		return
	}

	s.logger.Error(r.Context(), "request failed",
		"path", r.URL.Path, "error", err)
	s.respondJSON(w, r, http.StatusInternalServerError, failureResponse{
		Success: false, Message: err.Error(),
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error(r.Context(), "failed to encode response", "error", err)
	}
}
