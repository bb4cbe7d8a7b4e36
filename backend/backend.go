// Package backend provides the byte-level storage layer under the cache
// entry store.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend defines the read side of a storage backend.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	// The prefix should use "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}

// StagingBackend extends Backend with two-phase writes, the only way data
// is written.
//
// A staged write is invisible to readers until Commit. Sealing (flushing to
// stable storage) is separate from Commit so callers can hold a lock around
// the visibility step only.
type StagingBackend interface {
	Backend

	// Stage opens a staged write for the given key.
	Stage(ctx context.Context, key string) (Staged, error)

	// Lock takes the substitution lock covering key and returns its release
	// function. Readers never need it.
	Lock(ctx context.Context, key string) (func(), error)
}

// Staged is an in-progress write created by StagingBackend.Stage.
type Staged interface {
	io.Writer

	// Seal flushes the staged data to stable storage and closes it for
	// writing.
	Seal() error

	// Commit makes the sealed data visible at its key, replacing any
	// previous data in one step.
	Commit() error

	// Abort discards the staged data. It is safe to call after Commit,
	// in which case it does nothing.
	Abort() error
}
