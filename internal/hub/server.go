package hub

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// Server exposes the Hub's single websocket endpoint over HTTP, with an
// origin allowlist matching the teacher's localhost-friendly default.
type Server struct {
	hub            *Hub
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	logger         *slog.Logger
}

// NewServer wires hub behind an HTTP handler restricted to allowedOrigins
// (an empty list falls back to same-host/localhost, per the teacher's
// checkOrigin default).
func NewServer(hub *Hub, allowedOrigins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		hub:            hub,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		logger:         logger,
	}
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

// SetupRoutes registers the websocket endpoint on mux.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if err := s.hub.Join(conn); err != nil {
		s.logger.Warn("client rejected", "remote_addr", r.RemoteAddr, "error", err)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}
	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}
	return false
}
