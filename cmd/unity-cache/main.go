// Command unity-cache is a build-artifact cache server for the Unity editor.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	unitycache "github.com/wolfeidau/unity-cache"
	"github.com/wolfeidau/unity-cache/backend"
	"github.com/wolfeidau/unity-cache/config"
	"github.com/wolfeidau/unity-cache/protocol/unity"
	"github.com/wolfeidau/unity-cache/server"
	"github.com/wolfeidau/unity-cache/store"
	"github.com/wolfeidau/unity-cache/telemetry"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	LogLevel  string           `help:"Log level (debug, info, warn, error)." default:"${log_level}" enum:"debug,info,warn,error"`
	LogFormat string           `help:"Log format (text, json)." default:"${log_format}" enum:"text,json"`
	Version   kong.VersionFlag `help:"Print the version and exit."`
}

// CLI is the command line of unity-cache.
type CLI struct {
	Globals

	Serve  ServeCmd  `cmd:"" default:"withargs" help:"Run the cache server (default)."`
	Verify VerifyCmd `cmd:"" help:"Check every stored entry against its checksums."`
	Get    GetCmd    `cmd:"" help:"Fetch one stream from a running server."`
	Put    PutCmd    `cmd:"" help:"Commit one stream to a running server."`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("unity-cache"),
		kong.Description("Cache server for Unity editor build artifacts."),
		kong.UsageOnError(),
		kong.Vars(cfg.Vars()),
		kong.Vars{"version": version},
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	logger, err := newLogger(os.Stderr, cli.LogLevel, cli.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	return kctx.Run(logger)
}

// newLogger builds the process logger. Text output is colourised by tint.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: time.DateTime})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

// ServeCmd runs the cache server.
type ServeCmd struct {
	Address        string        `help:"Address to listen on for editor connections." default:"${address}"`
	Storage        string        `help:"Storage directory path." default:"${storage_path}" type:"path"`
	StorageMode    string        `help:"Storage mode (fs, memory, nop)." default:"${storage_mode}" enum:"fs,memory,nop"`
	Compression    string        `help:"Compression for new streams (none, lz4, zstd)." default:"${compression}" enum:"none,lz4,zstd"`
	MaxStreamSize  int64         `help:"Largest stream a client may put, in bytes." default:"${max_stream_size}"`
	ReadTimeout    time.Duration `help:"Timeout for each read inside a command (0 to disable)." default:"${read_timeout}"`
	IdleTimeout    time.Duration `help:"Close sessions idle for this long (0 to disable)." default:"${idle_timeout}"`
	MaxConnections int           `help:"Maximum concurrent connections (0 for no limit)." default:"${max_connections}"`
	OpsAddress     string        `help:"Address for the /health, /stats and /metrics endpoints (empty to disable)." default:"${ops_address}"`
	OpsAuthToken   string        `help:"Bearer token required for /stats." default:"${ops_auth_token}"`
	Metrics        bool          `help:"Expose Prometheus metrics on the ops server." default:"${metrics_enabled}"`
	OTLPEndpoint   string        `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export (e.g. localhost:4317)." default:"${otlp_endpoint}"`
}

// Run starts the server and blocks until ctx is cancelled.
func (c *ServeCmd) Run(ctx context.Context, logger *slog.Logger) error {
	if c.Metrics || c.OTLPEndpoint != "" {
		shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceVersion:   version,
			OTLPEndpoint:     c.OTLPEndpoint,
			EnablePrometheus: c.Metrics,
		})
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownMetrics(shutdownCtx); err != nil {
				logger.Warn("shutting down metrics", "error", err)
			}
		}()
		if c.Metrics && c.OpsAddress == "" {
			logger.Warn("prometheus metrics enabled without an ops address; /metrics is not served")
		}
	}

	srv, err := server.New(c.serverConfig(logger))
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve()
	}()

	attrs := []any{
		"address", srv.Addr().String(),
		"storage_mode", c.StorageMode,
		"storage_path", c.Storage,
		"compression", c.Compression,
		"version", version,
	}
	if addr := srv.OpsAddr(); addr != nil {
		attrs = append(attrs, "ops_address", addr.String())
	}
	logger.Info("server started", attrs...)

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// serverConfig maps the flags onto a server.Config. The flag default
// already carries the 30s read timeout, so an explicit zero disables it.
func (c *ServeCmd) serverConfig(logger *slog.Logger) server.Config {
	readTimeout := c.ReadTimeout
	if readTimeout == 0 {
		readTimeout = -1
	}
	return server.Config{
		Address:        c.Address,
		StoragePath:    c.Storage,
		StorageMode:    c.StorageMode,
		Compression:    c.Compression,
		MaxStreamSize:  c.MaxStreamSize,
		ReadTimeout:    readTimeout,
		IdleTimeout:    c.IdleTimeout,
		MaxConnections: c.MaxConnections,
		OpsAddress:     c.OpsAddress,
		OpsAuthToken:   c.OpsAuthToken,
		Logger:         logger,
	}
}

// VerifyCmd checks the entries of a filesystem store.
type VerifyCmd struct {
	Storage string `help:"Storage directory path." default:"${storage_path}" type:"existingdir"`
}

// Run walks the store and reports entries that fail verification.
func (c *VerifyCmd) Run(ctx context.Context, logger *slog.Logger) error {
	fsBackend, err := backend.NewFilesystem(c.Storage)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	entries := store.NewFilesystem(fsBackend, store.WithLogger(logger))

	report, err := entries.Verify(ctx, func(r store.VerifyResult) {
		if r.Err != nil {
			logger.Error("entry failed verification", "path", r.Path, "error", r.Err)
			return
		}
		logger.Debug("entry ok", "key", r.Key.String(), "streams", r.Streams)
	})
	if err != nil {
		return err
	}

	logger.Info("verification complete", "checked", report.Checked, "failed", report.Failed)
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d entries failed verification", report.Failed, report.Checked)
	}
	return nil
}

// streamArgs identify one stream on a server.
type streamArgs struct {
	Server string `help:"Server address." default:"127.0.0.1:8126"`
	Kind   string `arg:"" help:"Stream kind (info, resource, bin)." enum:"info,resource,bin,asset"`
	Key    string `arg:"" help:"Asset key as <guid>-<hash> in hex."`
}

func (a streamArgs) parse() (unitycache.StreamKind, unitycache.AssetKey, error) {
	kind, err := unitycache.ParseStreamKind(a.Kind)
	if err != nil {
		return 0, unitycache.AssetKey{}, err
	}
	key, err := unitycache.ParseAssetKey(a.Key)
	if err != nil {
		return 0, unitycache.AssetKey{}, err
	}
	return kind, key, nil
}

// GetCmd fetches one stream.
type GetCmd struct {
	streamArgs `embed:""`

	Output string `short:"o" help:"Write the stream to this file instead of stdout." type:"path"`
}

// Run fetches the stream and writes it out.
func (c *GetCmd) Run(ctx context.Context, logger *slog.Logger) error {
	kind, key, err := c.parse()
	if err != nil {
		return err
	}

	client, err := unity.Dial(ctx, c.Server)
	if err != nil {
		return err
	}
	defer func() { _ = client.Quit() }()

	data, ok, err := client.Get(kind, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %s: not found", kind, key)
	}
	logger.Debug("stream fetched", "kind", kind.String(), "key", key.String(), "bytes", len(data))

	if c.Output == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(c.Output, data, 0o644)
}

// PutCmd commits one stream.
type PutCmd struct {
	streamArgs `embed:""`

	Input string `arg:"" help:"File holding the stream bytes." type:"existingfile"`
}

// Run commits the file as a single-stream transaction and reads it back.
func (c *PutCmd) Run(ctx context.Context, logger *slog.Logger) error {
	kind, key, err := c.parse()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(c.Input)
	if err != nil {
		return err
	}

	client, err := unity.Dial(ctx, c.Server)
	if err != nil {
		return err
	}
	defer func() { _ = client.Quit() }()

	if err := client.BeginTransaction(key); err != nil {
		return err
	}
	if err := client.Put(kind, data); err != nil {
		return err
	}
	if err := client.EndTransaction(); err != nil {
		return err
	}

	// Commits are not acknowledged; reading the stream back confirms it.
	got, ok, err := client.Get(kind, key)
	if err != nil {
		return fmt.Errorf("confirming commit: %w", err)
	}
	if !ok || len(got) != len(data) {
		return fmt.Errorf("confirming commit: %s %s not readable after commit", kind, key)
	}
	logger.Info("stream committed", "kind", kind.String(), "key", key.String(), "bytes", len(data))
	return nil
}
