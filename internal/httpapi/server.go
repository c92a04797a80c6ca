// Package httpapi exposes upload and credential resolution over HTTP. Callers
// authenticate with an HS256 bearer token whose subject is their user id.
//
//	POST /v1/accounts/{account}/files       upload (raw body or multipart "file" part)
//	GET  /v1/accounts/{account}/credential  resolve a usable vendor credential
//	GET  /v1/subscribe?topic=file:<id>      websocket outcome notifications for the caller
//	GET  /healthz
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/tonimelisma/cloudbridge/internal/backend"
	"github.com/tonimelisma/cloudbridge/internal/conflict"
	"github.com/tonimelisma/cloudbridge/internal/resolver"
)

// DefaultMaxUploadSize caps a request body when the config sets no limit.
const DefaultMaxUploadSize = 100 << 20

// Uploader is the orchestrator surface; implemented by *upload.Orchestrator.
type Uploader interface {
	Upload(ctx context.Context, in *conflict.Intent) (*resolver.Outcome, error)
	ResolveCredential(ctx context.Context, userID, accountID string) (backend.Credential, error)
}

// Config tunes the HTTP surface.
type Config struct {
	JWTSecret     []byte
	Issuer        string // checked when non-empty
	MaxUploadSize int64

	// RequestsPerSecond paces each caller; zero disables pacing.
	RequestsPerSecond float64
	Burst             int

	// SpoolDir holds request bodies while an upload runs; os.TempDir when empty.
	SpoolDir string
}

// Server routes requests to the orchestrator and notification hub.
type Server struct {
	cfg     Config
	up      Uploader
	hub     http.Handler
	limiter *userLimiter
	logger  *slog.Logger
}

// New builds a Server. hub may be nil when notifications are not served.
func New(cfg Config, up Uploader, hub http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = DefaultMaxUploadSize
	}

	s := &Server{cfg: cfg, up: up, hub: hub, logger: logger}
	if cfg.RequestsPerSecond > 0 {
		s.limiter = newUserLimiter(cfg.RequestsPerSecond, cfg.Burst)
	}

	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID, s.logRequests, middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireUser, s.rateLimit)

		r.Post("/v1/accounts/{account}/files", s.handleUpload)
		r.Get("/v1/accounts/{account}/credential", s.handleCredential)

		if s.hub != nil {
			r.Get("/v1/subscribe", s.hub.ServeHTTP)
		}
	})

	return r
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}

		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), middleware.RequestIDKey, id)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

type credentialResponse struct {
	Vendor      string    `json:"vendor"`
	AccountID   string    `json:"account_id"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	RootHint    string    `json:"root_hint,omitempty"`
}

func (s *Server) handleCredential(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	accountID := chi.URLParam(r, "account")

	cred, err := s.up.ResolveCredential(r.Context(), userID, accountID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, credentialResponse{
		Vendor:      cred.Vendor,
		AccountID:   cred.AccountID,
		AccessToken: cred.AccessToken,
		ExpiresAt:   cred.Expiry,
		RootHint:    cred.RootHint,
	})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: msg}})
}
