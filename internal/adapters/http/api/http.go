// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/okian/recalc/internal/adapters/repository"
	service "github.com/okian/recalc/internal/app"
	"github.com/okian/recalc/internal/domain/model"
	"github.com/okian/recalc/pkg/logger"
)

// Dependencies required by HTTP handlers. *service.Service satisfies it.
type Dependencies interface {
	RecordActivity(ctx context.Context, a model.Activity) (string, bool, error)
	UpdateContactFields(ctx context.Context, id model.ContactID, fields map[string]string) ([]model.FieldChange, error)

	Scores(ctx context.Context) ([]model.Score, error)
	Score(ctx context.Context, id model.ScoreID) (model.Score, error)
	Rules(ctx context.Context, id model.ScoreID) ([]model.Rule, error)
	RecalculateScore(ctx context.Context, id model.ScoreID) (model.ScoreStatus, error)
	ContactScore(ctx context.Context, scoreID model.ScoreID, contactID model.ContactID) (model.ContactTotal, error)
	TopContacts(ctx context.Context, scoreID model.ScoreID, n int) ([]model.ContactTotal, error)

	Stats(ctx context.Context) (service.Stats, error)
	Ping(ctx context.Context) error
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler  *HealthHandler
	statsHandler   *StatsHandler
	eventsHandler  *EventsHandler
	scoresHandler  *ScoresHandler
	topHandler     *TopContactsHandler
	contactHandler *ContactScoreHandler

	logger logger.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for request failures and recovered panics.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, opts ...Option) *Server {
	s := &Server{logger: logger.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	s.healthHandler = NewHealthHandler(deps)
	s.statsHandler = NewStatsHandler(deps, s.logger)
	s.eventsHandler = NewEventsHandler(deps, s.logger)
	s.scoresHandler = NewScoresHandler(deps, s.logger)
	s.topHandler = NewTopContactsHandler(deps, s.logger)
	s.contactHandler = NewContactScoreHandler(deps, s.logger)
	return s
}

// Register attaches all HTTP routes to r. Background recalculations started
// by a request run under ctx, so cancelling it stops them.
func (s *Server) Register(ctx context.Context, r *mux.Router) {
	s.scoresHandler.baseCtx = ctx

	r.Use(DeferSideActions)
	r.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz")).Methods(http.MethodGet)
	r.HandleFunc("/metrics", MetricsMiddleware(s.healthHandler.HandleMetrics, "metrics")).Methods(http.MethodGet)
	r.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats")).Methods(http.MethodGet)

	r.HandleFunc("/activities", MetricsMiddleware(s.eventsHandler.HandlePostActivity, "activities")).Methods(http.MethodPost)
	r.HandleFunc("/contacts/{id}/fields", MetricsMiddleware(s.eventsHandler.HandlePutFields, "contact_fields")).Methods(http.MethodPut)

	r.HandleFunc("/scores", MetricsMiddleware(s.scoresHandler.HandleList, "scores")).Methods(http.MethodGet)
	r.HandleFunc("/scores/{id}", MetricsMiddleware(s.scoresHandler.HandleGet, "score")).Methods(http.MethodGet)
	r.HandleFunc("/scores/{id}/recalculate", MetricsMiddleware(s.scoresHandler.HandleRecalculate, "recalculate")).Methods(http.MethodPost)
	r.HandleFunc("/scores/{id}/top", MetricsMiddleware(s.topHandler.HandleGetTop, "top_contacts")).Methods(http.MethodGet)
	r.HandleFunc("/scores/{id}/contacts/{contactID}", MetricsMiddleware(s.contactHandler.HandleGetContactScore, "contact_score")).Methods(http.MethodGet)
}

// Handler returns a router with every route registered behind a panic
// recovery handler. extra registers additional routes, such as the docs.
func (s *Server) Handler(ctx context.Context, extra ...func(context.Context, *mux.Router)) http.Handler {
	r := mux.NewRouter()
	s.Register(ctx, r)
	for _, register := range extra {
		register(ctx, r)
	}
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{l: s.logger}),
		handlers.PrintRecoveryStack(true),
	)(r)
}

// Wait blocks until background recalculations started by requests finish.
func (s *Server) Wait() {
	s.scoresHandler.wg.Wait()
}

type recoveryLogger struct {
	l logger.Logger
}

func (r recoveryLogger) Println(v ...any) {
	r.l.Error(context.Background(), "http handler panic", logger.String("panic", fmt.Sprint(v...)))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeServiceError maps service errors to status codes. Unexpected errors
// are logged and hidden behind a generic message.
func writeServiceError(ctx context.Context, w http.ResponseWriter, l logger.Logger, op string, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, ErrBadRequest):
		writeError(w, http.StatusBadRequest, "bad_request", err)
	case isNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, service.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err)
	default:
		l.Error(ctx, "request failed", logger.String("op", op), logger.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", nil)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound) || errors.Is(err, ErrNotFound)
}

// pathID parses a positive integer route variable.
func pathID(r *http.Request, name string) (int64, error) {
	raw := mux.Vars(r)[name]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer, got %q", ErrBadRequest, name, raw)
	}
	return id, nil
}
