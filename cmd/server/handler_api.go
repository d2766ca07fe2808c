package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/avaropoint/stark/internal/executor"
	"github.com/avaropoint/stark/internal/metrics"
	"github.com/avaropoint/stark/internal/security"
	"github.com/avaropoint/stark/internal/store"
	"github.com/avaropoint/stark/internal/transport"
	"github.com/avaropoint/stark/internal/version"
)

// maxRequestBody caps API request bodies. Uploads carry base64 content.
const maxRequestBody = transport.MaxMessageSize

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type commandRequest struct {
	Command string `json:"command"`
	Shell   string `json:"shell"`
}

type uploadRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"` // base64
}

type downloadRequest struct {
	Path string `json:"path"`
}

type tokenRequest struct {
	Label string `json:"label"`
}

// handleLogin exchanges administrator credentials for a session token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := remoteHost(r.RemoteAddr)
	if s.limiter != nil && !s.limiter.Allow(r.RemoteAddr) {
		s.metrics.AuthAttempts.WithLabelValues(metrics.KindAdmin, metrics.ResultThrottled).Inc()
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	token, expires, err := s.creds.Login(r.Context(), req.Username, req.Password)
	s.audit.Auth(req.Username, err == nil, ip)
	if err != nil {
		s.metrics.AuthAttempts.WithLabelValues(metrics.KindAdmin, metrics.ResultFailure).Inc()
		if errors.Is(err, security.ErrInvalidLogin) {
			writeError(w, http.StatusUnauthorized, "invalid username or password")
			return
		}
		s.log.Error("Login failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	s.metrics.AuthAttempts.WithLabelValues(metrics.KindAdmin, metrics.ResultSuccess).Inc()

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"version":          version.String(),
		"agents_connected": s.registry.ConnectedCount(),
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleDispatch forwards a shell command to an agent. The result is
// collected asynchronously; poll /api/commands/{id}.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command required")
		return
	}
	if _, err := executor.ParseShell(req.Shell); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user := security.UserFromContext(r.Context())
	cmdID, ok := s.registry.Dispatch(user, chi.URLParam(r, "id"), req.Command, req.Shell)
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"command_id": cmdID})
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	st, ok := s.registry.Result(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "command not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRequestSysinfo(w http.ResponseWriter, r *http.Request) {
	user := security.UserFromContext(r.Context())
	if !s.registry.RequestSysinfo(user, chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path required")
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		writeError(w, http.StatusBadRequest, "content must be base64")
		return
	}

	user := security.UserFromContext(r.Context())
	cmdID, ok := s.registry.RequestUpload(user, chi.URLParam(r, "id"), req.Path, content)
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"command_id": cmdID})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path required")
		return
	}

	user := security.UserFromContext(r.Context())
	cmdID, ok := s.registry.RequestDownload(user, chi.URLParam(r, "id"), req.Path)
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"command_id": cmdID})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.creds.ListTokens(r.Context())
	if err != nil {
		s.log.Error("Failed to list tokens", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tokens")
		return
	}
	if tokens == nil {
		tokens = []*store.TokenRecord{}
	}
	writeJSON(w, http.StatusOK, tokens)
}

// handleCreateToken issues an agent token. The value is only ever
// returned in this response.
func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Label == "" {
		writeError(w, http.StatusBadRequest, "label required")
		return
	}
	rec, value, err := s.creds.GenerateToken(r.Context(), req.Label)
	if err != nil {
		s.log.Error("Failed to create token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create token")
		return
	}
	s.log.Info("Agent token issued",
		zap.String("id", rec.ID),
		zap.String("label", rec.OwnerLabel),
		zap.String("by", security.UserFromContext(r.Context())))

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          rec.ID,
		"token":       value,
		"prefix":      rec.Prefix,
		"owner_label": rec.OwnerLabel,
		"issued_at":   rec.IssuedAt,
	})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.creds.Revoke(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "token not found")
		return
	case err != nil:
		s.log.Error("Failed to revoke token", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to revoke token")
		return
	}
	released := s.registry.ReleaseToken(id)
	s.log.Info("Agent token revoked",
		zap.String("id", id),
		zap.Int("sessions_closed", released),
		zap.String("by", security.UserFromContext(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody parses a JSON request body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
