// Package api exposes the daemon's HTTP surface: connection status, the
// pending pairing challenge, fire-and-forget message sending, recipient
// checks, and explicit logout.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andrelcm/zapkeeper/internal/lifecycle"
)

// Connection is the controller surface the API depends on.
type Connection interface {
	Snapshot() lifecycle.Snapshot
	SendText(ctx context.Context, recipient, text string) (string, error)
	CheckRecipient(ctx context.Context, recipient string) (bool, error)
	Logout(ctx context.Context) error
	Wipe(ctx context.Context) (int64, error)
}

// Server serves the HTTP API.
type Server struct {
	httpServer *http.Server
	conn       Connection
	logger     *zap.Logger
}

// NewServer creates a server bound to addr.
func NewServer(addr string, conn Connection, logger *zap.Logger) *Server {
	s := &Server{conn: conn, logger: logger}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/send", s.handleSend)
	mux.HandleFunc("POST /api/check", s.handleCheck)
	mux.HandleFunc("DELETE /api/session", s.handleLogout)
	return mux
}

// Start begins serving. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("HTTP server stopping")
	_ = s.httpServer.Shutdown(ctx)
}

type sendRequest struct {
	Number  string `json:"number"`
	Message string `json:"message"`
}

type checkRequest struct {
	Number string `json:"number"`
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	snap := s.conn.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "zapkeeper",
		"ready":   snap.Open,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.conn.Snapshot()
	resp := map[string]any{
		"success": true,
		"isReady": snap.Open,
		"state":   string(snap.State),
		"session": snap.SessionID,
	}
	if snap.Challenge != "" {
		resp["pairingCode"] = snap.Challenge
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSend accepts the message and dispatches the actual send in the
// background; a slow network round trip must not stall the HTTP caller.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Number == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": "number and message are required",
		})
		return
	}
	if !s.conn.Snapshot().Open {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"success": false,
			"message": "connection is not open",
		})
		return
	}

	requestID := uuid.NewString()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		serverID, err := s.conn.SendText(ctx, req.Number, req.Message)
		if err != nil {
			s.logger.Error("send failed",
				zap.String("request_id", requestID), zap.Error(err))
			return
		}
		s.logger.Info("message sent",
			zap.String("request_id", requestID), zap.String("server_msg_id", serverID))
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":   true,
		"message":   "message accepted for delivery",
		"requestId": requestID,
	})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Number == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": "number is required",
		})
		return
	}
	exists, err := s.conn.CheckRecipient(r.Context(), req.Number)
	if errors.Is(err, lifecycle.ErrNotConnected) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"success": false,
			"message": "connection is not open",
		})
		return
	}
	if err != nil {
		s.logger.Error("recipient check failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"success": false,
			"message": "recipient check failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"exists":  exists,
	})
}

// handleLogout performs the explicit terminal logout. Stored credentials
// are only removed when the caller asks for a purge.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	err := s.conn.Logout(r.Context())
	if err != nil && !errors.Is(err, lifecycle.ErrNotConnected) {
		s.logger.Error("logout failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"success": false,
			"message": "logout failed",
		})
		return
	}

	resp := map[string]any{"success": true}
	if r.URL.Query().Get("purge") == "true" {
		wiped, err := s.conn.Wipe(r.Context())
		if err != nil {
			s.logger.Error("session purge failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"success": false,
				"message": "session purge failed",
			})
			return
		}
		resp["purgedRows"] = wiped
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
