package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/bridgews/internal/obs"
	"github.com/basket/bridgews/internal/protocol"
	"github.com/basket/bridgews/internal/runner"
)

const (
	closeAuthFailed     websocket.StatusCode = 4001
	closeOriginRejected websocket.StatusCode = 4003

	defaultHeartbeat     = 30 * time.Second
	defaultMaxFrameBytes = 50 * 1024 * 1024
)

// Config carries everything the server engine needs at construction. No
// process-wide mutable state is read implicitly; the engine passes
// narrower views down to each connection and runner.
type Config struct {
	Host              string
	Port              int
	MaxFrameBytes     int64
	HeartbeatInterval time.Duration
	AgentName         string
	APIKey            string
	AllowedOrigins    []string

	// NewRunner builds a fresh runner for a provider tag. Overridable per
	// test to substitute an in-memory runner.
	NewRunner RunnerFactory

	Logger  *slog.Logger
	Metrics *obs.Metrics
	Tracer  trace.Tracer
}

// Server is the single HTTP listener that upgrades WebSocket connections
// and runs the heartbeat and admission logic in front of them.
type Server struct {
	cfg Config

	httpServer *http.Server

	mu          sync.Mutex
	connections map[string]*connection

	heartbeatStop chan struct{}
	heartbeatDone chan struct{}
}

// New constructs a Server. It does not start listening.
func New(cfg Config) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = defaultMaxFrameBytes
	}
	if cfg.AgentName == "" {
		cfg.AgentName = "bridge-ws"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:         cfg,
		connections: make(map[string]*connection),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/ws", s.handleWS)
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: mux,
	}
	return s
}

// Handler exposes the mux for tests that drive it via httptest.Server
// instead of Start/Shutdown.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ConnectionCount reports the number of currently admitted connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// Start begins listening and runs until ctx is cancelled or Shutdown is
// called; ListenAndServe's terminal http.ErrServerClosed is swallowed.
func (s *Server) Start(ctx context.Context) error {
	s.heartbeatStop = make(chan struct{})
	s.heartbeatDone = make(chan struct{})
	go s.heartbeatLoop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the heartbeat, disposes every connection's runners, closes
// every socket, and closes the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		<-s.heartbeatDone
	}

	s.mu.Lock()
	conns := make([]*connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.connections = make(map[string]*connection)
	s.mu.Unlock()

	for _, c := range conns {
		c.disposeAll()
		c.close(websocket.StatusNormalClosure, "server shutting down")
	}

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeHealthz(w, s.ConnectionCount())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var snapshot obs.Snapshot
	if s.cfg.Metrics != nil {
		snapshot = s.cfg.Metrics.Snapshot()
	}
	writeMetrics(w, s.ConnectionCount(), snapshot)
}

// UpdateAdmission swaps the API key and origin allowlist used for future
// connection attempts. Existing connections are unaffected. Intended to be
// driven by a config.Watcher so credentials can rotate without a restart.
func (s *Server) UpdateAdmission(apiKey string, allowedOrigins []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.APIKey = apiKey
	s.cfg.AllowedOrigins = allowedOrigins
}

func (s *Server) heartbeatLoop() {
	defer close(s.heartbeatDone)
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.heartbeatStop:
			return
		case <-ticker.C:
			s.heartbeatTick()
		}
	}
}

func (s *Server) heartbeatTick() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, c := range conns {
		if !c.isAlive() {
			s.removeConnection(c)
			c.disposeAll()
			c.close(websocket.StatusPolicyViolation, "heartbeat timeout")
			continue
		}
		c.markAlive(false)
		if err := c.ping(ctx); err != nil {
			s.removeConnection(c)
			c.disposeAll()
			c.close(websocket.StatusPolicyViolation, "heartbeat ping failed")
			continue
		}
		// A successful Ping round-trip means the pong arrived.
		c.markAlive(true)
	}
}

func (s *Server) addConnection(c *connection) {
	s.mu.Lock()
	s.connections[c.id] = c
	s.mu.Unlock()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveConnections.Add(context.Background(), 1)
	}
}

func (s *Server) removeConnection(c *connection) {
	s.mu.Lock()
	_, existed := s.connections[c.id]
	delete(s.connections, c.id)
	s.mu.Unlock()
	if existed && s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveConnections.Add(context.Background(), -1)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin allowlist is enforced explicitly below
	})
	if err != nil {
		s.cfg.Logger.Warn("gateway: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxFrameBytes)

	s.mu.Lock()
	apiKey, allowedOrigins := s.cfg.APIKey, s.cfg.AllowedOrigins
	s.mu.Unlock()

	origin := r.Header.Get("Origin")
	if !originAllowed(origin, allowedOrigins) {
		s.cfg.Logger.Warn("gateway: origin rejected", "remote", r.RemoteAddr, "origin", origin)
		s.reject()
		_ = conn.Close(closeOriginRejected, "Origin not allowed")
		return
	}

	if apiKey != "" {
		token := bearerToken(r)
		if !apiKeyMatches(token, apiKey) {
			s.cfg.Logger.Warn("gateway: auth rejected", "remote", r.RemoteAddr)
			s.reject()
			_ = conn.Close(closeAuthFailed, "unauthorized")
			return
		}
	}

	id := uuid.NewString()
	c := newConnection(id, conn, s.cfg.Logger, s.runnerFactory(), s.cfg.Metrics, s.cfg.Tracer)
	s.addConnection(c)
	s.cfg.Logger.Info("gateway: connection admitted", "connection", id, "remote", r.RemoteAddr)

	defer func() {
		s.removeConnection(c)
		c.disposeAll()
		s.cfg.Logger.Info("gateway: connection closed", "connection", id)
	}()

	ctx := r.Context()
	c.write(ctx, connectedFrame(s.cfg.AgentName))

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		c.markAlive(true)
		c.handleFrame(ctx, data)
	}
}

func (s *Server) reject() {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordAdmissionReject(context.Background())
	}
}

func (s *Server) runnerFactory() RunnerFactory {
	if s.cfg.NewRunner != nil {
		return s.cfg.NewRunner
	}
	return func(provider string) runner.Runner {
		panic(fmt.Sprintf("gateway: no runner factory configured for provider %q", provider))
	}
}

func connectedFrame(agent string) []byte {
	b, _ := protocol.EncodeConnected(protocol.Connected{Version: "2.0", Agent: agent})
	return b
}
