package signaling

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/intercom-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/intercom-signal-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/intercom-signal-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/intercom-signal-relay/internal/relay"
)

const (
	defaultIdleTimeout     = 60 * time.Second
	defaultPingInterval    = 20 * time.Second
	defaultWriteTimeout    = 5 * time.Second
	defaultMaxMessageBytes = 64 * 1024
)

// Config holds the per-channel WebSocket hardening knobs.
type Config struct {
	// AllowedOrigins is matched against the normalized Origin header of each
	// upgrade. Empty admits every origin; requests without an Origin header
	// (non-browser clients) are always admitted.
	AllowedOrigins []string

	IdleTimeout  time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration

	MaxMessageBytes int64
	// MaxMessagesPerSecond caps inbound messages per channel; excess messages
	// are dropped. 0 disables the limit.
	MaxMessagesPerSecond int

	// Clock drives the rate limiter. Nil uses the wall clock.
	Clock ratelimit.Clock
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.MaxMessagesPerSecond < 0 {
		c.MaxMessagesPerSecond = 0
	}
	return c
}

// Server upgrades HTTP requests to relay channels.
type Server struct {
	cfg      Config
	router   *relay.Router
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

func NewServer(cfg Config, router *relay.Router, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg.withDefaults(),
		router:  router,
		logger:  logger,
		metrics: m,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

// RegisterRoutes mounts the channel endpoint at the root path and at /ws.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /{$}", s)
	mux.Handle("GET /ws", s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.router.IsClosed() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	c := newWSConn(conn, connOptions{
		IdleTimeout:          s.cfg.IdleTimeout,
		PingInterval:         s.cfg.PingInterval,
		WriteTimeout:         s.cfg.WriteTimeout,
		MaxMessageBytes:      s.cfg.MaxMessageBytes,
		MaxMessagesPerSecond: s.cfg.MaxMessagesPerSecond,
		Clock:                s.cfg.Clock,
		Metrics:              s.metrics,
	})

	if err := s.router.Serve(r.Context(), c); err != nil {
		if errors.Is(err, relay.ErrRouterClosed) {
			s.logger.Debug("rejected channel during shutdown", "remote_addr", r.RemoteAddr)
			return
		}
		s.logger.Warn("relay channel failed", "remote_addr", r.RemoteAddr, "err", err)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	raw := strings.TrimSpace(r.Header.Get("Origin"))
	if raw == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	normalized, ok := origin.Normalize(raw)
	if ok && origin.IsAllowed(normalized, s.cfg.AllowedOrigins) {
		return true
	}
	s.metrics.Inc(metrics.OriginRejected)
	s.logger.Warn("rejected websocket origin", "origin", raw, "remote_addr", r.RemoteAddr)
	return false
}
