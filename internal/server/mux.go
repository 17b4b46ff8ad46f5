// Package server implements the HTTP API of the Way-Share backend: report
// intake with anonymization, the heat map, and account tokens.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/WayShare/wayshare-go/internal/anonymize"
	"github.com/WayShare/wayshare-go/internal/auth"
	errordefs "github.com/WayShare/wayshare-go/internal/errors"
	"github.com/WayShare/wayshare-go/internal/event"
	"github.com/WayShare/wayshare-go/internal/media"
	"github.com/WayShare/wayshare-go/internal/metrics"
	"github.com/WayShare/wayshare-go/internal/model"
	"github.com/WayShare/wayshare-go/internal/schema"
	"github.com/WayShare/wayshare-go/internal/storage"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	ContextKeyAccountID     ContextKey = "accountId"     // Set when a valid bearer token was presented
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking
)

// Request headers read by the API.
const (
	HeaderSessionID     = "x-session-id"
	HeaderCorrelationID = "X-Correlation-Id"
	HeaderIdempotency   = "Idempotency-Key"
	HeaderReplayed      = "Idempotent-Replayed"
)

const (
	maxJSONBody    = 1 << 20
	idempotencyTTL = 24 * time.Hour
	reservationTTL = 2 * time.Minute // bounds how long a crashed request holds a key
)

// Deps are the collaborators of the HTTP API.
type Deps struct {
	Store      storage.Store
	Publisher  event.Publisher
	Validator  *schema.Validator
	Anonymizer *anonymize.Anonymizer
	Accounts   *auth.Accounts
	Media      media.Store // nil disables attachment uploads
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Options tune request handling.
type Options struct {
	Env                string
	MaxMediaSize       int64
	AllowedMimeTypes   []string
	CORSAllowedOrigins []string // empty means deny all
}

// Mux handles HTTP requests for the backend.
type Mux struct {
	Deps
	opts   Options
	router *mux.Router
}

// NewMux wires every endpoint and returns the root handler.
func NewMux(deps Deps, opts Options) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Publisher == nil {
		deps.Publisher = event.Noop{}
	}
	m := &Mux{Deps: deps, opts: opts, router: mux.NewRouter()}

	r := m.router
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.writeErrorDef(w, errordefs.New(errordefs.WS_NOT_FOUND, "route not found", correlationID(r.Context())))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := errordefs.New(errordefs.WS_BAD_REQUEST, "method not allowed", correlationID(r.Context()))
		err.HTTPStatus = http.StatusMethodNotAllowed
		m.writeErrorDef(w, err)
	})
	r.Use(m.withRequestLog)

	r.HandleFunc("/healthz", m.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", m.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/reports", m.handleSubmitReport).Methods(http.MethodPost)
	api.HandleFunc("/reports", m.handleListReports).Methods(http.MethodGet)
	api.HandleFunc("/reports/heatmap", m.handleHeatmap).Methods(http.MethodGet)
	api.HandleFunc("/auth/register", m.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", m.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/refresh", m.handleRefresh).Methods(http.MethodPost)

	return m.withCorrelation(m.withCORS(r))
}

// withCorrelation attaches a correlation id to the request context and echoes it.
func (m *Mux) withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderCorrelationID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, id)))
	})
}

// withCORS answers preflight requests and sets the allow-origin header for
// origins on the allow-list.
func (m *Mux) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := origin != "" && m.originAllowed(origin)
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			if allowed {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers",
					"Authorization, Content-Type, X-Correlation-Id, x-session-id, Idempotency-Key")
				w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Mux) originAllowed(origin string) bool {
	for _, o := range m.opts.CORSAllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// statusRecorder captures the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withRequestLog logs and measures every routed request. Bodies are never logged.
func (m *Mux) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		duration := time.Since(start)
		if m.Metrics != nil {
			status := strconv.Itoa(rec.status)
			m.Metrics.HTTPRequestTotal.WithLabelValues(r.Method, path, status).Inc()
			m.Metrics.HTTPRequestDuration.WithLabelValues(r.Method, path, status).Observe(duration.Seconds())
		}
		m.logRequest(r, path, rec.status, duration)
	})
}

func (m *Mux) logRequest(r *http.Request, path string, status int, duration time.Duration) {
	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", path),
		zap.Int("status", status),
		zap.Duration("duration", duration),
		zap.String("user_agent", r.UserAgent()),
		zap.String("correlation_id", correlationID(r.Context())),
	}
	if status >= http.StatusInternalServerError {
		m.Logger.Error("request completed with error", fields...)
		return
	}
	m.Logger.Info("request completed", fields...)
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return id
}

// writeSuccess writes a successful response envelope
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	_ = json.NewEncoder(w).Encode(model.ErrorResponse{
		Success: false,
		Error: model.ErrorBody{
			Code:          string(err.Code),
			Message:       err.Message,
			CorrelationID: err.CorrelationID,
			Details:       err.Details,
		},
	})
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports ready once the store answers.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.Store.Ping(ctx); err != nil {
		m.Logger.Warn("readiness check failed", zap.Error(err))
		m.writeErrorDef(w, errordefs.New(errordefs.WS_UNAVAILABLE, "storage unavailable", correlationID(r.Context())))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
