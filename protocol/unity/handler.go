package unity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/unity-cache/store"
	"github.com/wolfeidau/unity-cache/telemetry"
)

// DefaultReadTimeout bounds each read once a command has started arriving.
const DefaultReadTimeout = 30 * time.Second

// Handler serves Unity cache protocol sessions against a store.
// A Handler is safe for concurrent use; each connection gets its own
// session state.
type Handler struct {
	store         store.Store
	logger        *slog.Logger
	maxStreamSize int64
	readTimeout   time.Duration
	idleTimeout   time.Duration
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger for the handler.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMaxStreamSize sets the largest stream a client may put.
func WithMaxStreamSize(n int64) HandlerOption {
	return func(h *Handler) {
		h.maxStreamSize = n
	}
}

// WithReadTimeout sets the per-read timeout inside a command. Zero
// disables it.
func WithReadTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.readTimeout = d
	}
}

// WithIdleTimeout sets how long a session may wait between commands.
// Zero disables it.
func WithIdleTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.idleTimeout = d
	}
}

// NewHandler creates a protocol handler backed by s.
func NewHandler(s store.Store, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:         s,
		logger:        slog.Default(),
		maxStreamSize: DefaultMaxStreamSize,
		readTimeout:   DefaultReadTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type sessionState int

const (
	stateIdle sessionState = iota
	stateInTransaction
)

func (s sessionState) String() string {
	if s == stateInTransaction {
		return "in_transaction"
	}
	return "idle"
}

// session is the per-connection state of a Handler.
type session struct {
	h      *Handler
	dec    *Decoder
	enc    *Encoder
	txns   *Transactions
	state  sessionState
	logger *slog.Logger
}

// ServeConn runs one session on conn until the client quits, disconnects
// or violates the protocol, or ctx is cancelled. It closes conn before
// returning and aborts any open transaction. A nil error means the session
// ended normally.
func (h *Handler) ServeConn(ctx context.Context, conn net.Conn) error {
	defer func() { _ = conn.Close() }()

	tags := telemetry.SessionFromContext(ctx)
	if tags == nil {
		ctx = telemetry.WithSession(ctx, uuid.NewString(), conn.RemoteAddr().String())
		tags = telemetry.SessionFromContext(ctx)
	}

	// Unblock pending reads and writes when the server shuts down.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s := &session{
		h: h,
		dec: NewDecoder(conn, DecoderConfig{
			MaxStreamSize: h.maxStreamSize,
			ReadTimeout:   h.readTimeout,
			IdleTimeout:   h.idleTimeout,
		}),
		enc:    NewEncoder(conn),
		txns:   NewTransactions(h.store),
		logger: h.logger.With("session_id", tags.SessionID, "remote_addr", tags.RemoteAddr),
	}

	start := time.Now()
	telemetry.RecordSessionStart(ctx)
	s.logger.Debug("session started")

	outcome, err := s.run(ctx)
	if err != nil && ctx.Err() != nil {
		outcome, err = "shutdown", nil
	}

	if s.txns.Abort() {
		s.logger.Debug("transaction aborted", "reason", outcome)
	}
	telemetry.RecordSessionEnd(ctx, outcome, time.Since(start))

	if err != nil {
		s.logger.Warn("session closed", "outcome", outcome, "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.Debug("session closed", "outcome", outcome, "duration", time.Since(start))
	return nil
}

// run performs the handshake and the command loop. It returns the session
// outcome for metrics.
func (s *session) run(ctx context.Context) (string, error) {
	version, err := s.dec.ReadVersion()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "eof", nil
		}
		return "error", fmt.Errorf("reading handshake: %w", err)
	}
	if version != ProtocolVersion {
		return "error", fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	if err := s.enc.WriteVersion(version); err != nil {
		return "error", fmt.Errorf("writing handshake: %w", err)
	}

	for {
		cmd, err := s.dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "eof", nil
			}
			return "error", fmt.Errorf("reading command in state %s: %w", s.state, err)
		}

		start := time.Now()
		quit, err := s.dispatch(ctx, cmd)
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		telemetry.RecordCommand(ctx, cmd.Name(), outcome, time.Since(start))

		if err != nil {
			return "error", err
		}
		if quit {
			return "quit", nil
		}
	}
}

// dispatch applies one command to the session state. It reports whether
// the session should end.
func (s *session) dispatch(ctx context.Context, cmd Command) (bool, error) {
	switch cmd := cmd.(type) {
	case GetStream:
		if s.state == stateInTransaction {
			return false, fmt.Errorf("%w: get %s %s", ErrGetInTransaction, cmd.Kind, cmd.Key)
		}
		return false, s.get(ctx, cmd)

	case BeginTransaction:
		if err := s.txns.Begin(cmd.Key); err != nil {
			return false, err
		}
		s.state = stateInTransaction
		s.logger.Debug("transaction started", "key", cmd.Key.String())
		return false, nil

	case PutStream:
		if err := s.txns.Put(cmd.Kind, cmd.Data); err != nil {
			return false, fmt.Errorf("put %s: %w", cmd.Kind, err)
		}
		telemetry.RecordPut(ctx, cmd.Kind.String(), int64(len(cmd.Data)))
		s.logger.Debug("stream received", "kind", cmd.Kind.String(), "bytes", len(cmd.Data))
		return false, nil

	case EndTransaction:
		return false, s.commit(ctx)

	case Quit:
		return true, nil

	default:
		return false, fmt.Errorf("%w: unexpected command %T", ErrMalformedCommand, cmd)
	}
}

func (s *session) get(ctx context.Context, cmd GetStream) error {
	rc, size, err := s.h.store.Get(ctx, cmd.Key, cmd.Kind)
	if errors.Is(err, store.ErrNotFound) {
		telemetry.RecordGet(ctx, cmd.Kind.String(), telemetry.CacheMiss, 0)
		s.logger.Debug("get", "key", cmd.Key.String(), "kind", cmd.Kind.String(), "result", telemetry.CacheMiss)
		return s.enc.WriteMiss(cmd.Kind, cmd.Key)
	}
	if err != nil {
		return fmt.Errorf("get %s %s: %w", cmd.Kind, cmd.Key, err)
	}
	defer func() { _ = rc.Close() }()

	if err := s.enc.WriteHit(cmd.Kind, cmd.Key, size, rc); err != nil {
		return fmt.Errorf("get %s %s: %w", cmd.Kind, cmd.Key, err)
	}
	telemetry.RecordGet(ctx, cmd.Kind.String(), telemetry.CacheHit, size)
	s.logger.Debug("get", "key", cmd.Key.String(), "kind", cmd.Kind.String(), "result", telemetry.CacheHit, "bytes", size)
	return nil
}

func (s *session) commit(ctx context.Context) error {
	var key string
	if txn := s.txns.Open(); txn != nil {
		key = txn.Key.String()
	}

	n, err := s.txns.Commit(ctx)
	s.state = stateIdle
	switch {
	case errors.Is(err, ErrNoOpenTransaction):
		return fmt.Errorf("end: %w", err)
	case err != nil:
		telemetry.RecordCommit(ctx, "error", 0)
		return err
	case n == 0:
		telemetry.RecordCommit(ctx, "empty", 0)
		s.logger.Debug("empty transaction committed", "key", key)
	default:
		telemetry.RecordCommit(ctx, "success", n)
		s.logger.Info("transaction committed", "key", key, "streams", n)
	}
	return nil
}
