package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/agent-racer/coordinator/internal/config"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Dispatcher handles a decoded inbound envelope and is responsible for
// authorization, validation, rate limiting, and emitting any resulting
// outbound envelopes via the Hub. Server depends only on this interface so
// it never needs to import the dispatch package directly.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *Conn, env Envelope)
	HandleDisconnect(ctx context.Context, c *Conn, sessionID string)
}

// Server upgrades incoming HTTP requests to WebSocket connections and wires
// each one into the Hub and Dispatcher.
type Server struct {
	cfg        config.ServerConfig
	hub        *Hub
	dispatcher Dispatcher
	log        zerolog.Logger

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool

	onConnect func(*Conn)
}

// OnConnect registers a hook invoked for every freshly upgraded connection,
// before it is handed to the Hub — used to wire up SyncEngine's heartbeat
// RTT tracking without ws needing to import syncengine.
func (s *Server) OnConnect(f func(*Conn)) {
	s.onConnect = f
}

func NewServer(cfg config.ServerConfig, hub *Hub, dispatcher Dispatcher, log zerolog.Logger) *Server {
	s := &Server{
		cfg:            cfg,
		hub:            hub,
		dispatcher:     dispatcher,
		log:            log.With().Str("component", "ws.server").Logger(),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range cfg.AllowedOrigins {
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

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newConn(raw, s.log)
	if s.onConnect != nil {
		s.onConnect(c)
	}
	s.hub.Register(c)
	s.log.Info().Str("connectionId", c.ConnectionID).Str("remoteAddr", r.RemoteAddr).Msg("connection accepted")

	go c.writePump()
	c.readPump(func(data []byte) {
		s.handleFrame(r.Context(), c, data)
	})

	sessionID := s.hub.Unregister(c)
	s.log.Info().Str("connectionId", c.ConnectionID).Msg("connection closed")
	if sessionID != "" {
		s.dispatcher.HandleDisconnect(context.Background(), c, sessionID)
	}
}

func (s *Server) handleFrame(ctx context.Context, c *Conn, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Debug().Err(err).Str("connectionId", c.ConnectionID).Msg("dropping malformed frame")
		errEnv, _ := NewEnvelope(EventError, ErrorPayload{
			Code:    "VALIDATION_ERROR",
			Message: "malformed envelope",
		})
		s.hub.Unicast(c, errEnv)
		return
	}
	s.dispatcher.Dispatch(ctx, c, env)
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
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}
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
