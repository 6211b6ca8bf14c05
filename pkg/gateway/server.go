package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tablesync/internal/observability"
	"github.com/harun/tablesync/pkg/broadcast"
	"github.com/harun/tablesync/pkg/protocol"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	defaultSendBuffer   = 64
	defaultReadLimit    = 1 << 20
	defaultWriteTimeout = 10 * time.Second
	pongWait            = 60 * time.Second
	pingPeriod          = (pongWait * 9) / 10
	disconnectTimeout   = 5 * time.Second
)

// Submitter accepts validated messages on behalf of the session loop.
type Submitter interface {
	Submit(ctx context.Context, conn broadcast.Conn, msg protocol.Message) error
	// FrameTooLarge reports a frame over the read limit. The connection is
	// closed and Disconnect follows.
	FrameTooLarge(ctx context.Context, conn broadcast.Conn, limit int64) error
	Disconnect(ctx context.Context, conn broadcast.Conn) error
}

// Server is the websocket gateway
type Server struct {
	host         string
	port         int
	wsPath       string
	sendBuffer   int
	readLimit    int64
	writeTimeout time.Duration
	version      string

	server    *http.Server
	listener  net.Listener
	upgrader  websocket.Upgrader
	clients   *clientSet
	submitter Submitter
	logger    zerolog.Logger

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	// cancels every read loop on shutdown
	baseCtx    context.Context
	baseCancel context.CancelFunc
	connWG     sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	WSPath       string
	SendBuffer   int
	ReadLimit    int64
	WriteTimeout time.Duration
	Version      string
	Submitter    Submitter
	Logger       zerolog.Logger
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws"
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	observability.EnsureRegistered()

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Server{
		host:         cfg.Host,
		port:         cfg.Port,
		wsPath:       cfg.WSPath,
		sendBuffer:   cfg.SendBuffer,
		readLimit:    cfg.ReadLimit,
		writeTimeout: cfg.WriteTimeout,
		version:      cfg.Version,
		clients:      newClientSet(),
		submitter:    cfg.Submitter,
		logger:       cfg.Logger,
		baseCtx:      baseCtx,
		baseCancel:   baseCancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // tables are joined from any origin
			},
		},
	}, nil
}

// Handler returns the HTTP routes served by the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.wsPath, s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"version": s.version})
	})
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", net.JoinHostPort(s.host, fmt.Sprint(s.port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Str("ws_path", s.wsPath).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes every client and shuts the HTTP server down. It waits for
// read loops to hand their disconnects to the submitter.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	closed := s.clients.closeAll(closeReasonShutdown)
	s.logger.Info().Int("clients", closed).Msg("Shutting down gateway server")

	var shutdownErr error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, abandoning connections")
	}
	s.baseCancel()

	s.logger.Info().Msg("Gateway server stopped")
	return shutdownErr
}

// GetConnectedClients returns information about all connected clients,
// oldest first.
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.infos(time.Now())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.connWG.Add(1)
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.connWG.Done()
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		s.connWG.Done()
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		_ = conn.Close()
		return
	}
	client := newClient(clientID, conn, r.RemoteAddr, s.sendBuffer)
	s.clients.add(client)
	observability.RecordConnectionOpened()

	s.logger.Info().
		Str("conn_id", clientID).
		Str("ip", r.RemoteAddr).
		Int("from_addr", s.clients.fromAddr(client.host())).
		Msg("Client connected")

	go s.writePump(client)
	go func() {
		defer s.connWG.Done()
		s.readLoop(client)
	}()
}
