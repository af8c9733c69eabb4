// Package api serves the CAS operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/refcas/internal/cas"
	"github.com/tunnelmesh/refcas/internal/cas/envelope"
	"github.com/tunnelmesh/refcas/internal/logging/audit"
)

// RequestIDHeader carries the per-request id in requests and responses.
const RequestIDHeader = "X-Request-ID"

// CodeUnauthorized is the error code for failed authentication.
const CodeUnauthorized = "unauthorized"

// statusRecorder wraps http.ResponseWriter to capture the HTTP status code.
// Note: Not thread-safe. Must only be used within a single request handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// getStatus returns the recorded status, defaulting to 200 if WriteHeader was never called.
func (r *statusRecorder) getStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// Server exposes a cas.Service over HTTP.
type Server struct {
	svc     *cas.Service
	secret  []byte
	metrics http.Handler
	trace   http.Handler
	audit   *audit.Logger
	clock   clock.Clock
}

// Option configures a Server.
type Option func(*Server)

// WithJWTSecret requires HS256 bearer tokens signed with secret on /v1.
func WithJWTSecret(secret string) Option {
	return func(s *Server) { s.secret = []byte(secret) }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithTraceHandler serves h on /debug/trace behind the same authentication
// as /v1.
func WithTraceHandler(h http.Handler) Option {
	return func(s *Server) { s.trace = h }
}

// WithAuditLogger records authentication attempts and state-changing object
// operations.
func WithAuditLogger(l *audit.Logger) Option {
	return func(s *Server) { s.audit = l }
}

// WithClock sets the clock used to check token expiry.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// NewServer creates a new API server.
func NewServer(svc *cas.Service, opts ...Option) *Server {
	s := &Server{svc: svc, clock: clock.New()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	v1 := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.authenticate(h))
	}
	v1("PUT /v1/objects/{id}", s.handlePut)
	v1("POST /v1/objects", s.handlePutContent)
	v1("GET /v1/objects/{id}", s.handleGet)
	v1("GET /v1/objects/{id}/stat", s.handleStat)
	v1("POST /v1/objects/{id}/up", s.handleUp)
	v1("POST /v1/objects/{id}/down", s.handleDown)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	if s.trace != nil {
		mux.Handle("GET /debug/trace", s.authenticate(s.trace))
	}

	return s.withRequestLog(mux)
}

// withRequestLog assigns a request id, attaches a request-scoped logger to
// the context and logs each completed request.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		logger := log.With().Str("request_id", id).Logger()
		r = r.WithContext(logger.WithContext(r.Context()))

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.getStatus()).
			Dur("duration", s.clock.Since(start)).
			Msg("request")
	})
}

func requestLogger(r *http.Request) *zerolog.Logger {
	return zerolog.Ctx(r.Context())
}

type putResponse struct {
	ID       string `json:"id"`
	Created  bool   `json:"created"`
	Refcount uint64 `json:"refcount"`
}

type upResponse struct {
	ID       string `json:"id"`
	Refcount uint64 `json:"refcount"`
}

type downResponse struct {
	ID        string `json:"id"`
	Refcount  uint64 `json:"refcount"`
	Destroyed bool   `json:"destroyed"`
	Pinned    bool   `json:"pinned"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) decodeContent(r *http.Request) (cas.Content, error) {
	return envelope.Decode(r.Header.Get("Content-Type"), r.Body, s.svc.MaxObjectSize())
}

// handlePut reads the body only when the object is absent; a repeat PUT is a
// plain increment whatever it carries.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.svc.PutFunc(r.Context(), id, func() (cas.Content, error) {
		return s.decodeContent(r)
	})
	s.auditOp(r, cas.OpPut, id, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePut(w, id, res)
}

func (s *Server) handlePutContent(w http.ResponseWriter, r *http.Request) {
	c, err := s.decodeContent(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, res, err := s.svc.PutContent(r.Context(), c)
	s.auditOp(r, cas.OpPut, id, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePut(w, id, res)
}

func (s *Server) writePut(w http.ResponseWriter, id string, res cas.PutResult) {
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, putResponse{ID: id, Created: res.Created, Refcount: res.Refcount})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	data, err := s.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", envelope.MediaTypeBinary)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(data)
	}
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.Stat(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleUp(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := s.svc.Up(r.Context(), id)
	s.auditOp(r, cas.OpUp, id, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, upResponse{ID: id, Refcount: n})
}

func (s *Server) handleDown(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.svc.Down(r.Context(), id)
	s.auditOp(r, cas.OpDown, id, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, downResponse{
		ID:        id,
		Refcount:  res.Refcount,
		Destroyed: res.Destroyed,
		Pinned:    res.Pinned,
	})
}

func (s *Server) auditOp(r *http.Request, op, id string, err error) {
	if err != nil {
		s.audit.LogObjectOp(subject(r), op, id, cas.Code(err), err.Error(), clientIP(r))
		return
	}
	s.audit.LogObjectOp(subject(r), op, id, audit.ResultOK, "", clientIP(r))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusFor maps an error onto an HTTP status and error code.
func statusFor(err error) (int, string) {
	if errors.Is(err, ErrUnauthorized) {
		return http.StatusUnauthorized, CodeUnauthorized
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, cas.CodeInternal
	}
	code := cas.Code(err)
	switch code {
	case cas.CodeNotFound:
		return http.StatusNotFound, code
	case cas.CodeInvalid:
		return http.StatusBadRequest, code
	case cas.CodeTooLarge:
		return http.StatusRequestEntityTooLarge, code
	default:
		return http.StatusInternalServerError, code
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	evt := requestLogger(r).Debug()
	if status >= http.StatusInternalServerError {
		evt = requestLogger(r).Error()
	}
	evt.Err(err).Str("code", code).Int("status", status).Msg("request failed")
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down allowing
// in-flight requests up to grace to finish.
func Serve(ctx context.Context, srv *http.Server, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
