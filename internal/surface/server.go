package surface

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"maxidomd/internal/health"
	"maxidomd/internal/logging"
	"maxidomd/internal/metrics"
)

// TokenHeader carries the hub token for clients that cannot set
// Authorization, e.g. some WebSocket libraries.
const TokenHeader = "X-Maxidomd-Token"

// ServerOptions configures a Server.
type ServerOptions struct {
	Addr           string
	AllowedOrigins []string
	AuthToken      string
}

// Server exposes the hub and the daemon's HTTP endpoints.
type Server struct {
	hub     *Hub
	checker *health.Checker
	metrics *metrics.DaemonMetrics
	log     *logging.Logger

	authToken      string
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	upgrader       websocket.Upgrader

	srv *http.Server
}

// NewServer creates a Server. checker and m may be nil.
func NewServer(opts ServerOptions, hub *Hub, checker *health.Checker, m *metrics.DaemonMetrics, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	s := &Server{
		hub:            hub,
		checker:        checker,
		metrics:        m,
		log:            log.WithComponent("http"),
		authToken:      opts.AuthToken,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/reset_profile", s.handleReset)

	if s.checker != nil {
		mux.Handle("GET /healthz", s.checker.LivenessHandler())
		mux.Handle("GET /readyz", s.checker.ReadinessHandler())
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Registry().HTTPHandler())
	}
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("hub listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	if err := s.hub.Serve(conn); err != nil {
		s.log.Warn("surface rejected", "remote", r.RemoteAddr, "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctrl := s.hub.binding().ctrl
	if ctrl == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}

	st := ctrl.Status()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(StatusResponse{
		Identity: st.Identity,
		Mode:     st.Mode.String(),
		Unlocked: st.Unlocked,
		Progress: st.Progress,
		Surfaces: s.hub.Count(),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctrl := s.hub.binding().ctrl
	if ctrl == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	ctrl.ResetProfile()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get(TokenHeader) == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins["*"] || s.allowedOrigins[origin] {
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
	if parsed.Host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
