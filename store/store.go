// Package store provides the cache entry store: the streams committed for
// each asset key, replaced as a unit.
package store

import (
	"context"
	"errors"
	"io"

	unitycache "github.com/wolfeidau/unity-cache"
	"github.com/wolfeidau/unity-cache/backend"
)

// DefaultMaxStreamSize is the largest stream an entry may hold unless
// configured otherwise.
const DefaultMaxStreamSize int64 = 256 << 20

var (
	// ErrNotFound is returned when no entry exists for a key, or the entry
	// has no stream of the requested kind.
	ErrNotFound = backend.ErrNotFound

	// ErrStorageIO is returned when the underlying storage fails.
	// Errors wrapping it are fatal for the session that triggered them.
	ErrStorageIO = errors.New("storage I/O error")
)

// Streams maps each stream kind present in an entry to its bytes.
type Streams map[unitycache.StreamKind][]byte

// Size returns the total number of bytes across all streams.
func (s Streams) Size() int64 {
	var n int64
	for _, data := range s {
		n += int64(len(data))
	}
	return n
}

// Store holds cache entries keyed by asset key.
//
// A Put replaces every stream of the key at once: a concurrent Get observes
// either the old entry or the new one, never a mix.
type Store interface {
	// Get opens the stream of the given kind and returns it with its length.
	// Returns ErrNotFound if the key or the kind is absent.
	// The caller must close the returned ReadCloser.
	Get(ctx context.Context, key unitycache.AssetKey, kind unitycache.StreamKind) (io.ReadCloser, int64, error)

	// Put replaces the entry for key with streams. Kinds missing from
	// streams are absent from the new entry. An empty streams is a no-op.
	Put(ctx context.Context, key unitycache.AssetKey, streams Streams) error
}

// Stats summarizes the contents of a store.
type Stats struct {
	Entries int64 `json:"entries"`
	Streams int64 `json:"streams"`
	Bytes   int64 `json:"bytes"`
}

// StatsStore is implemented by stores that can summarize their contents.
type StatsStore interface {
	Store
	Stats(ctx context.Context) (Stats, error)
}
