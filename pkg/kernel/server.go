package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/manthysbr/tunelab/internal/core/domain"
	"github.com/manthysbr/tunelab/internal/core/services"
	"github.com/oapi-codegen/runtime"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultWindow = 3

// Controller is the part of services.JobController the HTTP surface drives.
type Controller interface {
	Start(ctx context.Context, cfg domain.JobConfig) error
	Cancel() error
	Reset() error
	Status() services.RunStatus
	MetricsSnapshot() domain.MetricSeries
	Derived(window int) (domain.DerivedMetrics, error)
	Subscribe() (<-chan services.Event, func())
}

type Server struct {
	logger     *slog.Logger
	controller Controller
	validator  *requestValidator
	upgrader   websocket.Upgrader
}

type Option func(*Server)

// WithAllowedOrigins restricts WebSocket upgrades to the given origins.
// "*" or an empty list accepts any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = originChecker(origins)
	}
}

func NewServer(logger *slog.Logger, controller Controller, opts ...Option) (*Server, error) {
	validator, err := newRequestValidator()
	if err != nil {
		return nil, err
	}
	s := &Server{
		logger:     logger,
		controller: controller,
		validator:  validator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(nil),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler returns the routed, validated and traced http.Handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/v1").Subrouter()
	api.Use(s.validator.middleware)

	api.HandleFunc("/training/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/training/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/training/reset", s.handleReset).Methods(http.MethodPost)
	api.HandleFunc("/training/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/training/metrics", s.handleMetrics).Methods(http.MethodGet)
	api.HandleFunc("/training/events", s.handleEventsSSE).Methods(http.MethodGet)
	api.HandleFunc("/training/ws", s.handleEventsWS).Methods(http.MethodGet)
	api.HandleFunc("/catalog", s.handleCatalog).Methods(http.MethodGet)

	return otelhttp.NewHandler(r, "tunelab.kernel")
}

// handleStart validates and starts a run.
// POST /v1/training/start
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var cfg domain.JobConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}

	if err := s.controller.Start(r.Context(), cfg); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.controller.Status())
}

// POST /v1/training/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Cancel(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Status())
}

// POST /v1/training/reset
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Reset(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Status())
}

// GET /v1/training/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Status())
}

type metricsResponse struct {
	Series  domain.MetricSeries   `json:"series"`
	Derived domain.DerivedMetrics `json:"derived"`
}

// handleMetrics returns the series snapshot and derived metrics.
// GET /v1/training/metrics?window=N
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var window *int
	if err := runtime.BindQueryParameter("form", true, false, "window", r.URL.Query(), &window); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid window: " + err.Error()})
		return
	}
	n := defaultWindow
	if window != nil {
		n = *window
	}

	derived, err := s.controller.Derived(n)
	if err != nil {
		s.writeError(w, err)
		return
	}
	series := s.controller.MetricsSnapshot()
	if series == nil {
		series = domain.MetricSeries{}
	}
	writeJSON(w, http.StatusOK, metricsResponse{Series: series, Derived: derived})
}

type catalogEntry struct {
	Framework domain.Framework `json:"framework"`
	Models    []string         `json:"models"`
}

// GET /v1/catalog
func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	frameworks := domain.Frameworks()
	out := make([]catalogEntry, 0, len(frameworks))
	for _, f := range frameworks {
		out = append(out, catalogEntry{Framework: f, Models: append([]string(nil), domain.ModelCatalog[f]...)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"frameworks": out})
}

type errorBody struct {
	Error  string              `json:"error"`
	Fields []domain.FieldError `json:"fields,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: verr.Error(), Fields: verr.Fields})
	case errors.Is(err, domain.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, domain.ErrInvalidWindow):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
