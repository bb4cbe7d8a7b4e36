package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	unitycache "github.com/wolfeidau/unity-cache"
	"github.com/wolfeidau/unity-cache/backend"
	"github.com/wolfeidau/unity-cache/telemetry"
)

// entrySuffix is appended to the asset key to form the entry file name.
const entrySuffix = ".entry"

// Filesystem stores each asset key as one entry file holding all of its
// streams. Entries are sharded into directories by the first byte of the
// GUID and replaced by staging a new file and renaming it into place.
type Filesystem struct {
	backend       backend.StagingBackend
	compression   CompressionTag
	maxStreamSize int64
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures a Filesystem store.
type Option func(*Filesystem)

// WithCompression sets the compression applied to new streams.
func WithCompression(tag CompressionTag) Option {
	return func(fs *Filesystem) {
		fs.compression = tag
	}
}

// WithMaxStreamSize sets the largest stream Put accepts. Entries read back
// with a larger stream are treated as corrupt.
func WithMaxStreamSize(n int64) Option {
	return func(fs *Filesystem) {
		if n > 0 {
			fs.maxStreamSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(fs *Filesystem) {
		fs.logger = logger
	}
}

// WithClock sets the clock used to stamp committed entries.
func WithClock(now func() time.Time) Option {
	return func(fs *Filesystem) {
		fs.now = now
	}
}

// NewFilesystem creates an entry store on top of a staging backend.
func NewFilesystem(b backend.StagingBackend, opts ...Option) *Filesystem {
	fs := &Filesystem{
		backend:       b,
		maxStreamSize: DefaultMaxStreamSize,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(fs)
	}
	return fs
}

// entryKey returns the backend key for an asset key.
func entryKey(key unitycache.AssetKey) string {
	return key.Dir() + "/" + key.String() + entrySuffix
}

// Get opens one stream of the entry for key.
//
// The returned reader holds the entry file open, so it keeps returning the
// generation it started with even if the entry is replaced mid-read.
func (fs *Filesystem) Get(ctx context.Context, key unitycache.AssetKey, kind unitycache.StreamKind) (io.ReadCloser, int64, error) {
	rc, err := fs.backend.Read(ctx, entryKey(key))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("%w: opening entry %s: %w", ErrStorageIO, key, err)
	}

	r, size, err := fs.openStream(rc, kind)
	if err != nil {
		_ = rc.Close()
		if errors.Is(err, ErrNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("%w: reading entry %s: %w", ErrStorageIO, key, err)
	}
	return &streamReader{Reader: r, closer: rc}, size, nil
}

// openStream positions rc at the body of kind and returns a reader over its
// uncompressed bytes.
func (fs *Filesystem) openStream(rc io.Reader, kind unitycache.StreamKind) (io.Reader, int64, error) {
	header, dataStart, err := readEntryHeader(rc, fs.maxStreamSize)
	if err != nil {
		return nil, 0, err
	}
	sh, offset, ok := header.stream(kind)
	if !ok {
		return nil, 0, ErrNotFound
	}

	if seeker, ok := rc.(io.Seeker); ok {
		if _, err := seeker.Seek(dataStart+offset, io.SeekStart); err != nil {
			return nil, 0, fmt.Errorf("seeking to %s stream: %w", kind, err)
		}
	} else if _, err := io.CopyN(io.Discard, rc, offset); err != nil {
		return nil, 0, fmt.Errorf("skipping to %s stream: %w: %w", kind, ErrCorruptEntry, err)
	}

	body := io.LimitReader(rc, sh.StoredLength)
	if sh.Compression == CompressionNone {
		return body, sh.Length, nil
	}

	stored, err := io.ReadAll(body)
	if err != nil {
		return nil, 0, fmt.Errorf("reading %s stream: %w", kind, err)
	}
	if int64(len(stored)) != sh.StoredLength {
		return nil, 0, fmt.Errorf("%s stream truncated: %w", kind, ErrCorruptEntry)
	}
	data, err := decompressStream(stored, sh.Compression, sh.Length)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrCorruptEntry, err)
	}
	return bytes.NewReader(data), sh.Length, nil
}

// Put replaces the entry for key with streams.
//
// The entry is written and synced to a staging file first. Only the rename
// into place runs under the key's substitution lock.
func (fs *Filesystem) Put(ctx context.Context, key unitycache.AssetKey, streams Streams) error {
	if len(streams) == 0 {
		return nil
	}

	header := &entryHeader{
		Version:     entryVersion,
		CommittedAt: fs.now().UnixNano(),
	}
	bodies := make([][]byte, 0, len(streams))
	for kind, data := range streams {
		if !kind.Valid() {
			return fmt.Errorf("invalid stream kind %d", kind)
		}
		if int64(len(data)) > fs.maxStreamSize {
			return fmt.Errorf("%s stream of %d bytes exceeds limit of %d", kind, len(data), fs.maxStreamSize)
		}
	}
	for _, kind := range unitycache.Kinds {
		data, ok := streams[kind]
		if !ok {
			continue
		}
		stored, tag, err := compressStream(data, fs.compression)
		if err != nil {
			return fmt.Errorf("compressing %s stream: %w", kind, err)
		}
		header.Streams = append(header.Streams, streamHeader{
			Kind:         kind,
			Length:       int64(len(data)),
			StoredLength: int64(len(stored)),
			Compression:  tag,
			Checksum:     unitycache.ChecksumBytes(data),
		})
		bodies = append(bodies, stored)
	}

	k := entryKey(key)
	replaced, err := fs.backend.Exists(ctx, k)
	if err != nil {
		return fmt.Errorf("%w: checking entry %s: %w", ErrStorageIO, key, err)
	}

	st, err := fs.backend.Stage(ctx, k)
	if err != nil {
		return fmt.Errorf("%w: staging entry %s: %w", ErrStorageIO, key, err)
	}
	defer func() { _ = st.Abort() }()

	size, err := writeEntry(st, header, bodies)
	if err != nil {
		return fmt.Errorf("%w: writing entry %s: %w", ErrStorageIO, key, err)
	}
	if err := st.Seal(); err != nil {
		return fmt.Errorf("%w: sealing entry %s: %w", ErrStorageIO, key, err)
	}

	unlock, err := fs.backend.Lock(ctx, k)
	if err != nil {
		return fmt.Errorf("%w: locking entry %s: %w", ErrStorageIO, key, err)
	}
	err = st.Commit()
	unlock()
	if err != nil {
		return fmt.Errorf("%w: committing entry %s: %w", ErrStorageIO, key, err)
	}

	telemetry.RecordEntryWrite(ctx, "filesystem", size, replaced)
	fs.logger.Debug("entry committed",
		"session_id", telemetry.SessionIDFromContext(ctx),
		"key", key.String(),
		"streams", len(header.Streams),
		"bytes", size,
		"replaced", replaced,
	)
	return nil
}

// streamReader reads one stream and closes the entry file it came from.
type streamReader struct {
	io.Reader
	closer io.Closer
}

func (r *streamReader) Close() error {
	return r.closer.Close()
}

// Compile-time interface checks
var (
	_ Store      = (*Filesystem)(nil)
	_ StatsStore = (*Filesystem)(nil)
)
