package backend

import (
	"context"
	"path/filepath"
	"sync"
)

// dirLocks hands out one exclusive lock per directory. The in-process
// channel makes waiting cancellable; the lock file extends the exclusion to
// other processes sharing the same root.
type dirLocks struct {
	mu   sync.Mutex
	held map[string]*dirLock
}

type dirLock struct {
	ch   chan struct{}
	refs int
}

func newDirLocks() *dirLocks {
	return &dirLocks{held: make(map[string]*dirLock)}
}

func (l *dirLocks) lock(ctx context.Context, dir string) (func(), error) {
	l.mu.Lock()
	dl, ok := l.held[dir]
	if !ok {
		dl = &dirLock{ch: make(chan struct{}, 1)}
		l.held[dir] = dl
	}
	dl.refs++
	l.mu.Unlock()

	select {
	case dl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(dir, dl)
		return nil, ctx.Err()
	}

	unlockFile, err := lockFile(filepath.Join(dir, lockFileName))
	if err != nil {
		<-dl.ch
		l.release(dir, dl)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unlockFile()
			<-dl.ch
			l.release(dir, dl)
		})
	}, nil
}

func (l *dirLocks) release(dir string, dl *dirLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dl.refs--
	if dl.refs == 0 {
		delete(l.held, dir)
	}
}
