// Package server runs the Unity cache TCP listener and its optional ops
// HTTP endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	"github.com/wolfeidau/unity-cache/backend"
	"github.com/wolfeidau/unity-cache/protocol/unity"
	"github.com/wolfeidau/unity-cache/store"
	"github.com/wolfeidau/unity-cache/telemetry"
)

const (
	// DefaultAddress is the address the Unity editor expects by default.
	DefaultAddress = "0.0.0.0:8126"

	// DefaultStoragePath is the storage root used when none is configured.
	DefaultStoragePath = ".cache_fs"

	// acceptRetryDelay is how long to wait after a failed accept.
	acceptRetryDelay = time.Second
)

// Storage modes.
const (
	StorageFilesystem = "fs"
	StorageMemory     = "memory"
	StorageNop        = "nop"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on for protocol connections (e.g., "0.0.0.0:8126")
	Address string

	// StoragePath is the root directory for cache entries
	StoragePath string

	// StorageMode selects the store: "fs" (default), "memory" or "nop".
	StorageMode string

	// Compression applied to new streams: "none" (default), "lz4" or "zstd".
	Compression string

	// MaxStreamSize is the largest stream a client may put.
	// Zero selects unity.DefaultMaxStreamSize.
	MaxStreamSize int64

	// ReadTimeout bounds each read inside a command.
	// Zero selects unity.DefaultReadTimeout; negative disables it.
	ReadTimeout time.Duration

	// IdleTimeout bounds the wait between commands. Zero disables it.
	IdleTimeout time.Duration

	// MaxConnections caps concurrent protocol connections. Zero means no cap.
	MaxConnections int

	// OpsAddress is the listen address of the ops HTTP server serving
	// /health, /stats and /metrics. Empty disables it.
	OpsAddress string

	// OpsAuthToken, when set, is required as a Bearer token on /stats.
	OpsAuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server accepts protocol connections and runs one session per connection.
type Server struct {
	config  Config
	logger  *slog.Logger
	store   store.Store
	handler *unity.Handler

	listener    net.Listener
	opsListener net.Listener
	opsServer   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	active atomic.Int64

	// mu orders wg.Go against the Wait in Shutdown.
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = DefaultStoragePath
	}
	if cfg.StorageMode == "" {
		cfg.StorageMode = StorageFilesystem
	}
	if cfg.MaxStreamSize <= 0 {
		cfg.MaxStreamSize = unity.DefaultMaxStreamSize
	}
	switch {
	case cfg.ReadTimeout == 0:
		cfg.ReadTimeout = unity.DefaultReadTimeout
	case cfg.ReadTimeout < 0:
		cfg.ReadTimeout = 0
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	handler := unity.NewHandler(st,
		unity.WithLogger(cfg.Logger.With("component", "session")),
		unity.WithMaxStreamSize(cfg.MaxStreamSize),
		unity.WithReadTimeout(cfg.ReadTimeout),
		unity.WithIdleTimeout(cfg.IdleTimeout),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		store:   st,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}

	if cfg.OpsAddress != "" {
		s.opsServer = s.newOpsServer()
	}

	return s, nil
}

// openStore builds the store selected by cfg.StorageMode.
func openStore(cfg Config) (store.Store, error) {
	switch cfg.StorageMode {
	case StorageFilesystem:
		tag, err := store.ParseCompressionTag(cfg.Compression)
		if err != nil {
			return nil, err
		}
		fsBackend, err := backend.NewFilesystem(cfg.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("creating filesystem backend: %w", err)
		}
		return store.NewFilesystem(
			backend.NewInstrumentedBackend(fsBackend, "filesystem"),
			store.WithCompression(tag),
			store.WithMaxStreamSize(cfg.MaxStreamSize),
			store.WithLogger(cfg.Logger.With("component", "store")),
		), nil
	case StorageMemory:
		return store.NewMemory(), nil
	case StorageNop:
		return store.Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown storage mode %q", cfg.StorageMode)
	}
}

// Listen binds the protocol listener and, when configured, the ops
// listener.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	if s.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConnections)
	}
	s.listener = ln

	if s.opsServer != nil {
		opsLn, err := net.Listen("tcp", s.config.OpsAddress)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listening on %s: %w", s.config.OpsAddress, err)
		}
		s.opsListener = opsLn
	}
	return nil
}

// Serve accepts connections until Shutdown. Listen must be called first.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}

	if s.opsListener != nil {
		s.track(func() {
			if err := s.opsServer.Serve(s.opsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("ops server failed", "error", err)
			}
		})
	}

	s.logger.Info("accepting connections",
		"address", s.listener.Addr().String(),
		"storage_mode", s.config.StorageMode,
		"storage_path", s.config.StoragePath,
		"max_connections", s.config.MaxConnections,
	)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosing() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept failed", "error", err)
			select {
			case <-time.After(acceptRetryDelay):
			case <-s.ctx.Done():
				return nil
			}
			continue
		}

		s.handle(conn)
	}
}

// handle serves conn on a tracked goroutine, or closes it if the server is
// already shutting down. It reports whether the connection is served.
func (s *Server) handle(conn net.Conn) bool {
	if !s.track(func() { s.serveConn(conn) }) {
		_ = conn.Close()
		return false
	}
	return true
}

// track runs fn on a goroutine Shutdown waits for, unless shutdown has
// begun.
func (s *Server) track(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Go(fn)
	return true
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Start listens and serves. It blocks until Shutdown.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

func (s *Server) serveConn(conn net.Conn) {
	s.active.Add(1)
	defer s.active.Add(-1)

	ctx := telemetry.WithSession(s.ctx, uuid.NewString(), conn.RemoteAddr().String())
	// Session errors are logged by the handler.
	_ = s.handler.ServeConn(ctx, telemetry.NewInstrumentedConn(ctx, conn))
}

// Shutdown stops accepting connections, closes every live session and
// waits for their goroutines, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server", "active_sessions", s.active.Load())
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	var errs []error
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("closing listener: %w", err))
		}
	}
	if s.opsServer != nil && s.opsListener != nil {
		if err := s.opsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down ops server: %w", err))
		}
	}

	// Sessions close their connections when the server context ends.
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for sessions: %w", ctx.Err()))
	}

	return errors.Join(errs...)
}

// Addr returns the protocol listener's address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// OpsAddr returns the ops listener's address, or nil when disabled.
func (s *Server) OpsAddr() net.Addr {
	if s.opsListener == nil {
		return nil
	}
	return s.opsListener.Addr()
}

// Store returns the store sessions read from and commit to.
func (s *Server) Store() store.Store {
	return s.store
}

// ActiveSessions returns the number of sessions currently being served.
func (s *Server) ActiveSessions() int64 {
	return s.active.Load()
}
