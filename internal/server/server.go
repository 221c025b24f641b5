package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"sensorsync/internal/app"
	"sensorsync/internal/ratelimit"
	"sensorsync/internal/util"
	"sensorsync/pkg/domain"
	"sensorsync/pkg/queue"
)

const (
	maxAuthBody = 1 << 20  // 1 MiB
	maxSyncBody = 16 << 20 // 16 MiB, push batches carry raw sensor payloads
)

// JobReader looks up async analysis jobs by id.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (queue.JobStatus, bool, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App  *app.App
	Jobs JobReader

	RegisterLimiter *ratelimit.FixedWindowLimiter
	LoginLimiter    *ratelimit.FixedWindowLimiter
	RefreshLimiter  *ratelimit.FixedWindowLimiter
}

// Server exposes HTTP endpoints for the sync service.
type Server struct {
	app  *app.App
	jobs JobReader

	registerLimiter *ratelimit.FixedWindowLimiter
	loginLimiter    *ratelimit.FixedWindowLimiter
	refreshLimiter  *ratelimit.FixedWindowLimiter

	mux *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:             cfg.App,
		jobs:            cfg.Jobs,
		registerLimiter: cfg.RegisterLimiter,
		loginLimiter:    cfg.LoginLimiter,
		refreshLimiter:  cfg.RefreshLimiter,
		mux:             http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler wrapped with the shared middleware
// chain: request id first so every later log line carries it.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithRequestLog(h)
	h = util.WithSecurityHeaders(h)
	h = util.WithCORS(h)
	h = util.WithRequestID(h)
	return h
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/auth/register", s.handleRegister)
	s.mux.HandleFunc("/auth/login", s.handleLogin)
	s.mux.HandleFunc("/auth/refresh", s.handleRefresh)
	s.mux.Handle("/auth/me", s.authenticated(s.handleMe))

	// sync
	s.mux.Handle("/sync/push", s.authenticated(s.handlePush))
	s.mux.Handle("/sync/pull", s.authenticated(s.handlePull))
	s.mux.Handle("/sync/status", s.authenticated(s.handleStatus))
	s.mux.Handle("/sync/jobs/", s.authenticated(s.handleJobByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return domain.User{}, false
	}
	return s.app.UserFromToken(r.Context(), token)
}

func (s *Server) allow(limiter *ratelimit.FixedWindowLimiter, r *http.Request) bool {
	if limiter == nil {
		return true
	}
	return limiter.Allow(util.ClientIP(r))
}

// auth handlers
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allow(s.registerLimiter, r) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	var req app.RegisterRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAuthBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, access, refresh, err := s.app.Register(r.Context(), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tokenResponse{
		User:         &user,
		AccessToken:  access,
		RefreshToken: refresh,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allow(s.loginLimiter, r) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAuthBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, access, refresh, err := s.app.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		User:         &user,
		AccessToken:  access,
		RefreshToken: refresh,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allow(s.refreshLimiter, r) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	var req refreshRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAuthBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}
	access, err := s.app.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: access})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// sync handlers
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSyncBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var req app.PushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := s.app.Push(r.Context(), user.ID, req, len(body))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req app.PullRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAuthBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := s.app.Pull(r.Context(), user.ID, req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	result, err := s.app.Status(r.Context(), user.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.jobs == nil {
		http.NotFound(w, r)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/sync/jobs/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	job, found, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	// Jobs are scoped to their owner; a foreign ID looks like no job at all.
	if !found || job.UserID != user.ID {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// writeAppError maps application errors onto HTTP statuses. Anything that is
// not a recognized client fault is logged and reported as a bare 500 so
// internals never leak to the wire.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case app.IsClientInput(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrUsernameTaken),
		errors.Is(err, app.ErrEmailTaken),
		errors.Is(err, app.ErrDeviceTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrUserDisabled):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request failed",
			"method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	User         *domain.User `json:"user,omitempty"`
	AccessToken  string       `json:"access_token,omitempty"`
	RefreshToken string       `json:"refresh_token,omitempty"`
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
