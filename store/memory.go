package store

import (
	"bytes"
	"context"
	"io"
	"maps"
	"sync"

	unitycache "github.com/wolfeidau/unity-cache"
	"github.com/wolfeidau/unity-cache/telemetry"
)

// Memory is an in-process Store. Entries are lost when the process exits.
type Memory struct {
	mu      sync.RWMutex
	entries map[unitycache.AssetKey]Streams
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[unitycache.AssetKey]Streams)}
}

// Get returns the stream of the given kind. The bytes are shared with the
// store and must not be modified through the reader.
func (m *Memory) Get(ctx context.Context, key unitycache.AssetKey, kind unitycache.StreamKind) (io.ReadCloser, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.entries[key][kind]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// Put replaces the entry for key. The store takes ownership of the stream
// byte slices.
func (m *Memory) Put(ctx context.Context, key unitycache.AssetKey, streams Streams) error {
	if len(streams) == 0 {
		return nil
	}
	entry := maps.Clone(streams)

	m.mu.Lock()
	_, replaced := m.entries[key]
	m.entries[key] = entry
	m.mu.Unlock()

	telemetry.RecordEntryWrite(ctx, "memory", entry.Size(), replaced)
	return nil
}

// Len returns the number of entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Stats summarizes the store.
func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats Stats
	for _, entry := range m.entries {
		stats.Entries++
		stats.Streams += int64(len(entry))
		stats.Bytes += entry.Size()
	}
	return stats, nil
}

// Nop is a Store that keeps nothing. Every Get misses and every Put
// succeeds, which is useful for measuring protocol overhead.
type Nop struct{}

// Get always returns ErrNotFound.
func (Nop) Get(ctx context.Context, key unitycache.AssetKey, kind unitycache.StreamKind) (io.ReadCloser, int64, error) {
	return nil, 0, ErrNotFound
}

// Put discards streams.
func (Nop) Put(ctx context.Context, key unitycache.AssetKey, streams Streams) error {
	return nil
}

// Stats always reports an empty store.
func (Nop) Stats(ctx context.Context) (Stats, error) {
	return Stats{}, nil
}

// Compile-time interface checks
var (
	_ StatsStore = (*Memory)(nil)
	_ StatsStore = Nop{}
)
