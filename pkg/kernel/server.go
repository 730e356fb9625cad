// Package kernel serves the callpipe HTTP API: jobs, intake and quarantine,
// suite runs and reports, runtime settings, and live progress streams.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/routers"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/manthysbr/callpipe/internal/config"
	"github.com/manthysbr/callpipe/internal/core/domain"
	"github.com/manthysbr/callpipe/internal/core/ports"
	"github.com/manthysbr/callpipe/internal/core/services"
)

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 1 << 20

// Deps are the collaborators the API serves. Reports and Settings may be
// nil; the endpoints backed by them answer 503.
type Deps struct {
	Store    ports.Store
	Queue    *services.JobQueue
	Intake   *services.IntakeService
	Suites   *services.SuiteRunner
	Bus      *services.ProgressBus
	Reports  ports.ReportRepository
	Settings *config.SettingsStore
}

// Server implements the HTTP API
type Server struct {
	logger   *slog.Logger
	store    ports.Store
	queue    *services.JobQueue
	intake   *services.IntakeService
	suites   *services.SuiteRunner
	bus      *services.ProgressBus
	reports  ports.ReportRepository
	settings *config.SettingsStore

	router   routers.Router
	upgrader websocket.Upgrader
	// streamBuffer is the per-connection event buffer.
	streamBuffer int
}

func NewServer(ctx context.Context, logger *slog.Logger, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Queue == nil || deps.Intake == nil || deps.Suites == nil || deps.Bus == nil {
		return nil, errors.New("kernel: store, queue, intake, suites and bus are required")
	}
	router, err := loadRouter(ctx)
	if err != nil {
		return nil, err
	}
	return &Server{
		logger:   logger,
		store:    deps.Store,
		queue:    deps.Queue,
		intake:   deps.Intake,
		suites:   deps.Suites,
		bus:      deps.Bus,
		reports:  deps.Reports,
		settings: deps.Settings,
		router:   router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Origins are enforced by the CORS layer in front of the API
			CheckOrigin: func(*http.Request) bool { return true },
		},
		streamBuffer: 256,
	}, nil
}

// Handler returns the API with request validation and tracing applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /v1/transcripts/{subject_ref}", s.handleGetTranscript)

	mux.HandleFunc("POST /v1/intake", s.handleIntake)
	mux.HandleFunc("GET /v1/quarantine", s.handleListQuarantine)
	mux.HandleFunc("GET /v1/quarantine/{id}", s.handleGetQuarantine)
	mux.HandleFunc("POST /v1/quarantine/{id}/replay", s.handleReplayQuarantine)
	mux.HandleFunc("POST /v1/quarantine/{id}/discard", s.handleDiscardQuarantine)

	mux.HandleFunc("POST /v1/suites/{id}/cases", s.handleImportTestCases)
	mux.HandleFunc("GET /v1/suites/{id}/cases", s.handleListTestCases)
	mux.HandleFunc("POST /v1/suites/{id}/runs", s.handleStartSuiteRun)
	mux.HandleFunc("GET /v1/suites/{id}/runs", s.handleListSuiteRuns)
	mux.HandleFunc("GET /v1/suites/{id}/report", s.handleSuiteReport)
	mux.HandleFunc("GET /v1/suite-runs/{id}", s.handleGetSuiteRun)

	mux.HandleFunc("GET /v1/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /v1/settings", s.handleUpdateSettings)

	mux.HandleFunc("GET /v1/streams/{key}", s.handleStreamSSE)
	mux.HandleFunc("GET /v1/streams/{key}/ws", s.handleStreamWS)

	mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(openAPISpec)
	})

	return otelhttp.NewHandler(s.validateRequests(mux), "callpipe.api")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("write response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorBody{Error: code, Message: message})
}

// writeDomainError maps service errors onto HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.writeError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrTranscriptNotFound),
		errors.Is(err, domain.ErrSuiteRunNotFound),
		errors.Is(err, domain.ErrQuarantineNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrDuplicateActiveJob):
		return http.StatusConflict, "duplicate_active_job"
	case errors.Is(err, domain.ErrSuiteAlreadyRunning):
		return http.StatusConflict, "suite_already_running"
	case errors.Is(err, domain.ErrQuarantineResolved):
		return http.StatusConflict, "quarantine_resolved"
	case errors.Is(err, domain.ErrMalformedPayload), errors.Is(err, config.ErrInvalidSettings):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, domain.ErrNoTestCases):
		return http.StatusUnprocessableEntity, "no_test_cases"
	case errors.Is(err, domain.ErrTranscriberUnavailable):
		return http.StatusServiceUnavailable, "transcriber_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// decodeJSON reads an optional body into dst. An empty body leaves dst as is.
func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, dst)
}
