package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/meter-sim/internal/audit"
	"github.com/nerrad567/meter-sim/internal/infrastructure/config"
	"github.com/nerrad567/meter-sim/internal/infrastructure/logging"
	"github.com/nerrad567/meter-sim/internal/journal"
	"github.com/nerrad567/meter-sim/internal/meter"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// MeterService is the part of meter.Service the API drives.
type MeterService interface {
	Status() meter.Status
	Control(cmd meter.Command, subject string) bool
	AddSink(sink meter.ReadingSink)
	OnCommand(fn meter.CommandObserver)
}

// ConnectionChecker reports whether the MQTT transport is up.
type ConnectionChecker interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Meter    MeterService
	MQTT     ConnectionChecker  // optional
	Journal  journal.Repository // optional; /readings answers 404 without it
	Audit    audit.Repository   // optional; /audit answers 404 without it
	Version  string
}

// Server is the HTTP API server.
//
// Thread Safety: All methods are safe for concurrent use.
type Server struct {
	cfg     config.APIConfig
	wsCfg   config.WebSocketConfig
	secCfg  config.SecurityConfig
	logger  *logging.Logger
	meter   MeterService
	mqtt    ConnectionChecker
	journal journal.Repository
	audit   audit.Repository
	version string
	hub     *Hub

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates a server and registers its WebSocket hub as a reading sink and
// command observer. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	if deps.Meter == nil {
		return nil, fmt.Errorf("meter service is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	logger := deps.Logger.Component("api")

	s := &Server{
		cfg:     deps.Config,
		wsCfg:   deps.WS,
		secCfg:  deps.Security,
		logger:  logger,
		meter:   deps.Meter,
		mqtt:    deps.MQTT,
		journal: deps.Journal,
		audit:   deps.Audit,
		version: deps.Version,
		hub:     NewHub(deps.WS, logger),
	}
	deps.Meter.AddSink(s.hub)
	deps.Meter.OnCommand(s.hub.RecordCommand)
	return s, nil
}

// Start binds the listener and serves in the background. Bind errors are
// returned directly.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	srvCtx, cancel := context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.listener = ln
	s.cancel = cancel
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}(s.server)

	s.logger.Info("API server listening", "address", ln.Addr().String(), "auth_required", s.cfg.AuthRequired)
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close stops the hub and shuts the server down gracefully.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, cancel := s.server, s.cancel
	s.server, s.cancel = nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	cancel()

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
