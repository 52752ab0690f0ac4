// Package server implements the HTTP handlers and routing for the promptloom
// service: generation batches, custom backend registration and the public
// gallery, plus health and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/promptloom/promptloom-go/internal/backend"
	errordefs "github.com/promptloom/promptloom-go/internal/errors"
	"github.com/promptloom/promptloom-go/internal/event"
	"github.com/promptloom/promptloom-go/internal/gallery"
	"github.com/promptloom/promptloom-go/internal/generation"
	"github.com/promptloom/promptloom-go/internal/jwks"
	"github.com/promptloom/promptloom-go/internal/metrics"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	ContextKeyCaller        ContextKey = "caller"        // Opaque caller id
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	// CallerHeader carries the caller id when bearer tokens are not configured.
	CallerHeader = "X-Caller-Id"

	maxBodyBytes = 32 << 20
)

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	Orchestrator *generation.Orchestrator
	Gates        *generation.Gates
	Registry     *backend.Registry
	Router       *backend.Router
	Gallery      *gallery.Service
	Publisher    event.Publisher
	Limiter      *RateLimiter // nil disables generation rate limiting

	// Bearer identity. With an empty issuer the caller id is read from
	// CallerHeader instead.
	JWKS        *jwks.Client
	JWTIssuer   string
	JWTAudience string

	CORSAllowedOrigins []string
	Metrics            *metrics.Metrics
	Logger             *slog.Logger
}

// Mux handles HTTP requests for the promptloom service.
type Mux struct {
	mux      *http.ServeMux
	deps     Deps
	pub      event.Publisher
	validate *validator.Validate
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewMux creates the HTTP handler with all promptloom endpoints.
func NewMux(d Deps) http.Handler {
	if d.Publisher == nil {
		d.Publisher = event.NewNoop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewMetrics()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	m := &Mux{
		mux:      http.NewServeMux(),
		deps:     d,
		pub:      d.Publisher,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		metrics:  d.Metrics,
		logger:   d.Logger,
	}

	// Health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	m.mux.HandleFunc("/v1/generate", m.withMiddleware(m.method(http.MethodPost, m.handleGenerate)))

	m.mux.HandleFunc("/v1/backends", m.withMiddleware(m.methods(map[string]http.HandlerFunc{
		http.MethodGet:  m.handleListBackends,
		http.MethodPost: m.handleRegisterBackend,
	})))
	m.mux.HandleFunc("/v1/backends/{name}", m.withMiddleware(m.method(http.MethodDelete, m.handleRemoveBackend)))

	m.mux.HandleFunc("/v1/gallery", m.withMiddleware(m.methods(map[string]http.HandlerFunc{
		http.MethodGet:  m.handleListGallery,
		http.MethodPost: m.handleGalleryWrite,
	})))
	m.mux.HandleFunc("/v1/gallery/{id}", m.withMiddleware(m.methods(map[string]http.HandlerFunc{
		http.MethodGet:    m.handleGetGalleryRecord,
		http.MethodDelete: m.handleDeleteGalleryRecord,
	})))
	m.mux.HandleFunc("/v1/gallery/{id}/image", m.withMiddleware(m.method(http.MethodGet, m.handleGalleryImage)))
	m.mux.HandleFunc("/v1/gallery/{id}/like", m.withMiddleware(m.method(http.MethodPost, m.handleLike)))
	m.mux.HandleFunc("/v1/gallery/{id}/moderation", m.withMiddleware(m.method(http.MethodPost, m.handleModerate)))

	return m.mux
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return m.methods(map[string]http.HandlerFunc{method: h})
}

// methods dispatches on the request method.
func (m *Mux) methods(handlers map[string]http.HandlerFunc) http.HandlerFunc {
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	return func(w http.ResponseWriter, r *http.Request) {
		h, ok := handlers[r.Method]
		if !ok {
			w.Header().Set("Allow", strings.Join(allowed, ", "))
			m.fail(w, r, errordefs.New(errordefs.PL_BAD_REQUEST, "method not allowed", ""))
			return
		}
		h(w, r)
	}
}

// withMiddleware applies common middleware to handlers
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if m.applyCORS(w, r) {
			return
		}

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID)
		ctx = context.WithValue(ctx, event.CorrelationIDKey{}, correlationID)
		w.Header().Set("X-Correlation-Id", correlationID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			duration := time.Since(start)
			path := r.Pattern
			if path == "" {
				path = r.URL.Path
			}
			status := strconv.Itoa(rec.status)
			m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, path, status).Inc()
			m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, path, status).Observe(duration.Seconds())
			m.logRequest(r.WithContext(ctx), rec.status, duration, correlationID, rec.err)
		}()

		caller, err := m.identify(r.WithContext(ctx))
		if err != nil {
			m.fail(rec, r.WithContext(ctx), err)
			return
		}
		if caller != "" {
			ctx = context.WithValue(ctx, ContextKeyCaller, caller)
		}

		r.Body = http.MaxBytesReader(rec, r.Body, maxBodyBytes)
		h(rec, r.WithContext(ctx))
	}
}

// applyCORS sets CORS headers and answers preflight requests. It reports
// whether the request was fully handled.
func (m *Mux) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	allowed := false
	if origin != "" {
		for _, o := range m.deps.CORSAllowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}
	}
	if allowed {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
	}
	if r.Method != http.MethodOptions {
		return false
	}
	if allowed {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Accept, X-Correlation-Id, "+CallerHeader)
		w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
	}
	w.WriteHeader(http.StatusNoContent)
	return true
}

// identify resolves the caller. With bearer identity configured the token is
// authoritative and CallerHeader is ignored; requests without a token are
// anonymous.
func (m *Mux) identify(r *http.Request) (string, error) {
	if m.deps.JWTIssuer == "" || m.deps.JWKS == nil {
		return strings.TrimSpace(r.Header.Get(CallerHeader)), nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", nil
	}
	tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return "", errordefs.New(errordefs.PL_AUTHN, "invalid Authorization header format", "")
	}
	claims, err := m.deps.JWKS.ValidateJWT(r.Context(), tokenString, m.deps.JWTIssuer, m.deps.JWTAudience)
	if err != nil {
		return "", errordefs.Wrap(errordefs.PL_JWT_INVALID, "invalid bearer token", err)
	}
	caller, err := jwks.CallerID(claims)
	if err != nil {
		return "", errordefs.Wrap(errordefs.PL_JWT_INVALID, "missing or invalid sub claim", err)
	}
	return caller, nil
}

func callerFrom(ctx context.Context) string {
	caller, _ := ctx.Value(ContextKeyCaller).(string)
	return caller
}

func correlationFrom(ctx context.Context) string {
	cid, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return cid
}

// requireCaller fails the request when it carries no caller identity.
func (m *Mux) requireCaller(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := callerFrom(r.Context())
	if caller == "" {
		m.fail(w, r, errordefs.New(errordefs.PL_AUTHN, "caller identity required", ""))
		return "", false
	}
	return caller, true
}

// decode reads a JSON body into dst and validates its struct tags.
func (m *Mux) decode(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return errordefs.New(errordefs.PL_TOO_LARGE, "request body too large", "")
		}
		return errordefs.Wrap(errordefs.PL_BAD_REQUEST, "invalid JSON", err)
	}
	if err := m.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make([]map[string]string, 0, len(verrs))
			for _, fe := range verrs {
				details = append(details, map[string]string{"field": fe.Namespace(), "rule": fe.Tag()})
			}
			return errordefs.NewWithDetails(errordefs.PL_VALIDATION, "request failed validation", "", details)
		}
		return errordefs.Wrap(errordefs.PL_INTERNAL, "validate request", err)
	}
	return nil
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// errorBody is the error envelope shared by JSON and streamed responses.
type errorBody struct {
	Code          string      `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": toErrorBody(err)})
}

func toErrorBody(err *errordefs.Error) errorBody {
	return errorBody{Code: string(err.Code), Message: err.Message, CorrelationID: err.CorrelationID, Details: err.Details}
}

// asErrorDef converts err into a service error stamped with the request's
// correlation id. Unclassified errors become PL_INTERNAL.
func asErrorDef(r *http.Request, err error) *errordefs.Error {
	def, ok := errordefs.As(err)
	if !ok {
		def = errordefs.Wrap(errordefs.PL_INTERNAL, "internal error", err)
	} else {
		cp := *def
		def = &cp
	}
	def.CorrelationID = correlationFrom(r.Context())
	return def
}

// fail writes err and records it for the request log.
func (m *Mux) fail(w http.ResponseWriter, r *http.Request, err error) {
	if rec, ok := w.(*statusRecorder); ok {
		rec.err = err
	}
	m.writeErrorDef(w, asErrorDef(r, err))
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}

	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}
	if caller := callerFrom(r.Context()); caller != "" {
		attrs = append(attrs, slog.String("caller", caller))
	}

	switch {
	case err != nil && status >= http.StatusInternalServerError:
		attrs = append(attrs, slog.String("error", err.Error()))
		m.logger.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	case err != nil:
		attrs = append(attrs, slog.String("error", err.Error()))
		m.logger.LogAttrs(r.Context(), slog.LevelWarn, "request rejected", attrs...)
	default:
		m.logger.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports whether the gallery store is reachable.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if m.deps.Gallery != nil {
		if err := m.deps.Gallery.Ping(ctx); err != nil {
			m.logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// statusRecorder captures the response status for logs and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	err         error
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
