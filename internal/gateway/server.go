// Package gateway exposes the HTTP control surface: starting, stopping, and
// querying agents per conversation, token issuance for chat clients, and
// operational endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/threadworks/scrivener/internal/agent"
)

// AgentManager is the registry surface the control endpoints drive.
type AgentManager interface {
	Start(ctx context.Context, channelType, channelID string) error
	Stop(ctx context.Context, channelID string) error
	Status(channelID string) agent.AgentStatus
	ActiveCount() int
}

// TokenIssuer mints chat client tokens.
type TokenIssuer interface {
	CreateToken(userID string, expiresAt time.Time) (string, error)
	APIKey() string
}

// Server is the HTTP control surface.
type Server struct {
	agents     AgentManager
	tokens     TokenIssuer
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates the control server listening on addr.
func NewServer(addr string, agents AgentManager, tokens TokenIssuer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{agents: agents, tokens: tokens, logger: logger}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/", s.handleRoot)
	r.Post("/start-ai-agent", s.handleStartAgent)
	r.Post("/stop-ai-agent", s.handleStopAgent)
	r.Get("/agent-status", s.handleAgentStatus)
	r.Post("/token", s.handleToken)
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// ListenAndServe runs the server until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting http server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "AI Writing Assistant Server is running",
		"apiKey":       s.tokens.APIKey(),
		"activeAgents": s.agents.ActiveCount(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startAgentRequest struct {
	ChannelID   string `json:"channel_id"`
	ChannelType string `json:"channel_type"`
}

func (s *Server) handleStartAgent(w http.ResponseWriter, r *http.Request) {
	var req startAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing required fields"})
		return
	}
	if req.ChannelType == "" {
		req.ChannelType = "messaging"
	}

	s.logger.Info("start agent requested", "channel_id", req.ChannelID)
	if err := s.agents.Start(r.Context(), req.ChannelType, req.ChannelID); err != nil {
		s.logger.Error("failed to start agent", "channel_id", req.ChannelID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":  "Failed to start AI Agent",
			"reason": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "AI Agent started", "data": []any{}})
}

type stopAgentRequest struct {
	ChannelID string `json:"channel_id"`
}

func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	var req stopAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing required fields"})
		return
	}

	s.logger.Info("stop agent requested", "channel_id", req.ChannelID)
	if err := s.agents.Stop(r.Context(), req.ChannelID); err != nil {
		s.logger.Error("failed to stop agent", "channel_id", req.ChannelID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":  "Failed to stop AI Agent",
			"reason": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "AI Agent stopped", "data": []any{}})
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	channelID := r.URL.Query().Get("channel_id")
	if channelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing channel_id"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": string(s.agents.Status(channelID)),
	})
}

type tokenRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "userId is required"})
		return
	}

	// Tokens expire after an hour so leaked tokens age out.
	token, err := s.tokens.CreateToken(req.UserID, time.Now().Add(time.Hour))
	if err != nil {
		s.logger.Error("failed to create token", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to generate token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
