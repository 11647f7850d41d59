// Package api provides the HTTP ingestion surface of the relay. It exposes
// a chi router that accepts SNS HTTPS subscription deliveries directly,
// hands each body to the dispatcher, and maps the unit's outcome onto the
// HTTP response. Non-2xx responses tell the subscription to redeliver, so
// the status mapping mirrors the queue consumer's delete semantics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"mailrelay/internal/types"
)

// maxNotificationBytes caps the inbound request body. SNS notifications are
// at most 256 KB; anything larger is not a notification.
const maxNotificationBytes = 1 << 20

// Processor handles one raw notification body and classifies its outcome.
// Implemented by the relay Dispatcher.
type Processor interface {
	Process(ctx context.Context, raw []byte) types.Outcome
}

// Server wires the router, the dispatcher, and the cross-cutting middleware.
// The dispatcher behind this server must carry a signature verifier: unlike
// the queue path, HTTP ingestion receives bodies from the open internet.
type Server struct {
	processor Processor
	logger    *slog.Logger
	router    *chi.Mux
}

// NewServer creates a Server around the given processor and mounts routes.
func NewServer(processor Processor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		processor: processor,
		logger:    logger,
		router:    chi.NewRouter(),
	}
	s.mountRoutes()
	return s
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) mountRoutes() {
	s.router.Use(s.recoverer)
	s.router.Use(traceIDMiddleware)
	s.router.Use(s.requestLogger)

	s.router.Post("/inbound/sns", s.handleInbound)
	s.router.Get("/health", s.handleHealth)
}

// handleInbound accepts one SNS delivery and processes it synchronously.
// The outcome's status becomes the response status: a 2xx acknowledges the
// delivery, anything retryable leaves redelivery to the subscription's
// retry policy.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNotificationBytes))
	if err != nil {
		s.writeOutcome(w, r, types.Outcome{
			Status:  http.StatusBadRequest,
			Message: "request body unreadable or too large",
		})
		return
	}

	outcome := s.processor.Process(r.Context(), body)
	s.writeOutcome(w, r, outcome)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// outcomeResponse is the JSON envelope returned for every processed unit.
type outcomeResponse struct {
	Status  int    `json:"status"`
	Result  string `json:"result,omitempty"`
	Code    string `json:"code,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

func (s *Server) writeOutcome(w http.ResponseWriter, r *http.Request, outcome types.Outcome) {
	resp := outcomeResponse{
		Status:  outcome.Status,
		Result:  outcome.Message,
		TraceID: types.GetTraceID(r.Context()),
	}
	var appErr *types.AppError
	if errors.As(outcome.Err, &appErr) {
		resp.Code = string(appErr.Code)
	}
	s.writeJSON(w, outcome.Status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// traceIDMiddleware assigns one trace id per delivery so the dispatcher's
// log lines correlate with the response envelope.
func traceIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := types.WithTraceID(r.Context(), uuid.New().String())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recoverer catches handler panics and converts them into a 500 outcome.
// Outermost in the chain so the logger middleware still sees the status.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				s.logger.Error("panic while handling delivery",
					"panic", rvr,
					"stack", string(debug.Stack()))
				s.writeJSON(w, http.StatusInternalServerError, outcomeResponse{
					Status: http.StatusInternalServerError,
					Result: "internal error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseCapture records the status written downstream for request logging.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

func (rc *responseCapture) Unwrap() http.ResponseWriter {
	return rc.ResponseWriter
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rc := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rc, r)

		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rc.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
			"trace_id", types.GetTraceID(r.Context()),
		}
		switch {
		case rc.statusCode >= 500:
			s.logger.Error("request completed", args...)
		case rc.statusCode >= 400:
			s.logger.Warn("request completed", args...)
		default:
			s.logger.Info("request completed", args...)
		}
	})
}
