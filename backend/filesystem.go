package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	tmpPrefix    = ".tmp-"
	lockFileName = ".lock"
)

// Filesystem implements StagingBackend using the local filesystem.
// Writes are atomic using a temp file and rename pattern. Temp files are
// created next to their destination so the rename never crosses a
// filesystem boundary.
type Filesystem struct {
	root  string
	locks *dirLocks
}

// NewFilesystem creates a new filesystem backend rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot, locks: newDirLocks()}, nil
}

// Root returns the root directory path.
func (fs *Filesystem) Root() string {
	return fs.root
}

// Stage creates a temp file beside the key's final path.
func (fs *Filesystem) Stage(ctx context.Context, key string) (Staged, error) {
	path := fs.keyToPath(key)

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	return &stagedFile{
		f:       tmp,
		tmpPath: tmp.Name(),
		dstPath: path,
	}, nil
}

// Lock serializes replacement of entries that share key's directory, both
// within this process and across processes sharing the root.
func (fs *Filesystem) Lock(ctx context.Context, key string) (func(), error) {
	dir := filepath.Dir(fs.keyToPath(key))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return fs.locks.lock(ctx, dir)
}

// Read retrieves data at the given key.
// The returned reader is an *os.File, so callers may seek within it.
func (fs *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	path := fs.keyToPath(key)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// Exists checks if a key exists.
func (fs *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	path := fs.keyToPath(key)
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// List returns all keys with the given prefix.
func (fs *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	dir := fs.keyToPath(prefix)

	// Check if the path exists
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", err)
	}

	// If it's a file, return just that key
	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		// Skip temp and lock files
		if strings.HasPrefix(d.Name(), tmpPrefix) || d.Name() == lockFileName {
			return nil
		}
		// Convert path back to key
		rel, err := filepath.Rel(fs.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return keys, nil
}

// keyToPath converts a key to a filesystem path.
func (fs *Filesystem) keyToPath(key string) string {
	// Convert forward slashes to OS-specific separator
	return filepath.Join(fs.root, filepath.FromSlash(key))
}

// stagedFile wraps a temp file for two-phase writing.
type stagedFile struct {
	f       *os.File
	tmpPath string
	dstPath string
	sealed  bool
	done    bool
}

// Write implements io.Writer.
func (s *stagedFile) Write(p []byte) (int, error) {
	if s.sealed || s.done {
		return 0, fmt.Errorf("write to sealed file %s", s.tmpPath)
	}
	return s.f.Write(p)
}

// Seal syncs and closes the temp file.
func (s *stagedFile) Seal() error {
	if s.sealed {
		return nil
	}
	s.sealed = true

	if err := s.f.Sync(); err != nil {
		_ = s.f.Close()
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	return nil
}

// Commit renames the sealed temp file over the destination.
func (s *stagedFile) Commit() error {
	if s.done {
		return fmt.Errorf("staged file %s already finished", s.tmpPath)
	}
	if !s.sealed {
		if err := s.Seal(); err != nil {
			return err
		}
	}

	// Atomic rename
	if err := os.Rename(s.tmpPath, s.dstPath); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	s.done = true
	return nil
}

// Abort removes the temp file unless it was committed.
func (s *stagedFile) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	if !s.sealed {
		_ = s.f.Close()
	}
	if err := os.Remove(s.tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing temp file: %w", err)
	}
	return nil
}

// Compile-time interface checks
var (
	_ Backend        = (*Filesystem)(nil)
	_ StagingBackend = (*Filesystem)(nil)
)
