// Package api exposes the gateway over authenticated HTTP/JSON.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shellgate/shellgate/internal/config"
	gateerrors "github.com/shellgate/shellgate/internal/errors"
	"github.com/shellgate/shellgate/internal/gateway"
)

// maxRequestBody caps request payloads well above the command length
// limit; anything bigger is hostile.
const maxRequestBody = 1 << 20 // 1 MB

// Server provides HTTP access to the gateway.
type Server struct {
	gateway *gateway.Gateway
	store   *config.Store
	metrics http.Handler
	version string
	server  *http.Server
}

// NewServer creates the HTTP server. metricsHandler may be nil, in which
// case /metrics is not registered.
func NewServer(gw *gateway.Gateway, store *config.Store, metricsHandler http.Handler, version string) *Server {
	return &Server{
		gateway: gw,
		store:   store,
		metrics: metricsHandler,
		version: version,
	}
}

// Handler builds the routed, authenticated handler tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/execute", s.handleExecute)
	mux.HandleFunc("/api/ssh/execute", s.handleSSHExecute)
	mux.HandleFunc("/api/ssh/disconnect", s.handleSSHDisconnect)
	mux.HandleFunc("/api/directories/validate", s.handleValidateDirectories)
	mux.HandleFunc("/api/cwd", s.handleCwd)
	mux.HandleFunc("/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return s.authMiddleware(mux)
}

// Start begins serving on the configured listen address.
func (s *Server) Start() error {
	addr := s.store.Runtime().Config.ListenAddr

	s.server = &http.Server{
		Addr:           addr,
		Handler:        s.Handler(),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   5 * time.Minute, // command execution can be slow
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	log.Info().Str("addr", addr).Msg("Starting HTTP server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// authMiddleware validates Bearer token authentication. The token is read
// from the current runtime so a config reload rotates it without restart.
// An empty configured token disables authentication (loopback deployments).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.store.Runtime().Config.AuthToken
		if token == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.sendJSONError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.sendJSONError(w, http.StatusUnauthorized, "invalid authorization format")
			return
		}

		// Constant-time token comparison to prevent timing attacks
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			log.Warn().Str("remote_addr", r.RemoteAddr).Str("path", r.URL.Path).Msg("Rejected request with invalid token")
			s.sendJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

type executeRequest struct {
	Shell      string `json:"shell"`
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir,omitempty"`
}

type sshExecuteRequest struct {
	Connection string `json:"connection"`
	Command    string `json:"command"`
}

type executeResponse struct {
	CorrelationID string `json:"correlation_id"`
	Output        string `json:"output"`
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	ExitCode      int    `json:"exit_code"`
	TimedOut      bool   `json:"timed_out,omitempty"`
	DurationMs    int64  `json:"duration_ms"`
}

// handleExecute handles POST /api/execute
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	result, err := s.gateway.ExecuteLocal(r.Context(), req.Shell, req.Command, req.WorkingDir)
	if err != nil {
		s.sendGatewayError(w, result.CorrelationID, err)
		return
	}
	s.sendJSON(w, http.StatusOK, resultToResponse(result))
}

// handleSSHExecute handles POST /api/ssh/execute
func (s *Server) handleSSHExecute(w http.ResponseWriter, r *http.Request) {
	var req sshExecuteRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	result, err := s.gateway.ExecuteRemote(r.Context(), req.Connection, req.Command)
	if err != nil {
		s.sendGatewayError(w, result.CorrelationID, err)
		return
	}
	s.sendJSON(w, http.StatusOK, resultToResponse(result))
}

// handleSSHDisconnect handles POST /api/ssh/disconnect
func (s *Server) handleSSHDisconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Connection string `json:"connection"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Connection == "" {
		s.sendJSONError(w, http.StatusBadRequest, "missing 'connection' field")
		return
	}

	s.gateway.Disconnect(req.Connection)
	s.sendJSON(w, http.StatusOK, map[string]any{"disconnected": req.Connection})
}

// handleValidateDirectories handles POST /api/directories/validate
func (s *Server) handleValidateDirectories(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paths []string `json:"paths"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Paths) == 0 {
		s.sendJSONError(w, http.StatusBadRequest, "missing 'paths' field")
		return
	}

	report := s.gateway.CheckDirectories(req.Paths)
	s.sendJSON(w, http.StatusOK, map[string]any{
		"all_pass": report.AllPass,
		"failing":  report.Failing,
	})
}

// handleCwd handles GET and PUT /api/cwd
func (s *Server) handleCwd(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		dir, err := s.gateway.CurrentDirectory()
		if err != nil {
			s.sendJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.sendJSON(w, http.StatusOK, map[string]any{"path": dir})
	case http.MethodPut, http.MethodPost:
		var req struct {
			Path string `json:"path"`
		}
		if !s.decodeBody(w, r, &req) {
			return
		}
		if err := s.gateway.SetCurrentDirectory(req.Path); err != nil {
			s.sendGatewayError(w, "", err)
			return
		}
		s.sendJSON(w, http.StatusOK, map[string]any{"path": req.Path})
	default:
		s.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

// decodeJSON enforces POST and parses the body into dst.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		s.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return s.decodeBody(w, r, dst)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func resultToResponse(result gateway.Result) executeResponse {
	return executeResponse{
		CorrelationID: result.CorrelationID,
		Output:        result.Output,
		Stdout:        result.Stdout,
		Stderr:        result.Stderr,
		ExitCode:      result.ExitCode,
		TimedOut:      result.TimedOut,
		DurationMs:    result.Duration.Milliseconds(),
	}
}

// sendGatewayError maps the error taxonomy to HTTP status codes without
// ever echoing credential material.
func (s *Server) sendGatewayError(w http.ResponseWriter, correlationID string, err error) {
	status := statusFor(err)
	s.sendJSON(w, status, map[string]any{
		"error":          err.Error(),
		"kind":           string(gateerrors.KindOf(err)),
		"rule":           gateerrors.RuleOf(err),
		"correlation_id": correlationID,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gateerrors.ErrUnknownShell),
		errors.Is(err, gateerrors.ErrUnknownConnection):
		return http.StatusNotFound
	case errors.Is(err, gateerrors.ErrCommandTooLong),
		errors.Is(err, gateerrors.ErrEmptyCommand),
		errors.Is(err, gateerrors.ErrPathNotAbsolute):
		return http.StatusBadRequest
	case errors.Is(err, gateerrors.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	switch gateerrors.KindOf(err) {
	case gateerrors.KindValidation:
		return http.StatusForbidden
	case gateerrors.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// sendJSONError sends a JSON error response
func (s *Server) sendJSONError(w http.ResponseWriter, statusCode int, message string) {
	s.sendJSON(w, statusCode, map[string]any{"error": message})
}
