package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/unity-cache/telemetry"
)

// InstrumentedBackend wraps a StagingBackend with metrics recording.
type InstrumentedBackend struct {
	backend StagingBackend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b StagingBackend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	outcome := outcomeFromError(err)
	telemetry.RecordBackendOp(ctx, ib.name, "read", outcome, time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	outcome := outcomeFromError(err)
	telemetry.RecordBackendOp(ctx, ib.name, "exists", outcome, time.Since(start), 0)
	return exists, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	outcome := outcomeFromError(err)
	telemetry.RecordBackendOp(ctx, ib.name, "list", outcome, time.Since(start), 0)
	return keys, err
}

// Stage opens a staged write. The returned Staged records its commit as a
// separate operation, counting the bytes written.
func (ib *InstrumentedBackend) Stage(ctx context.Context, key string) (Staged, error) {
	start := time.Now()
	st, err := ib.backend.Stage(ctx, key)
	outcome := outcomeFromError(err)
	telemetry.RecordBackendOp(ctx, ib.name, "stage", outcome, time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return &instrumentedStaged{Staged: st, ctx: ctx, name: ib.name}, nil
}

// Lock takes the substitution lock. The recorded duration is the time spent
// waiting for it.
func (ib *InstrumentedBackend) Lock(ctx context.Context, key string) (func(), error) {
	start := time.Now()
	unlock, err := ib.backend.Lock(ctx, key)
	outcome := outcomeFromError(err)
	telemetry.RecordBackendOp(ctx, ib.name, "lock", outcome, time.Since(start), 0)
	return unlock, err
}

type instrumentedStaged struct {
	Staged
	ctx  context.Context
	name string
	n    int64
}

func (s *instrumentedStaged) Write(p []byte) (int, error) {
	n, err := s.Staged.Write(p)
	s.n += int64(n)
	return n, err
}

func (s *instrumentedStaged) Commit() error {
	start := time.Now()
	err := s.Staged.Commit()
	telemetry.RecordBackendOp(s.ctx, s.name, "commit", outcomeFromError(err), time.Since(start), s.n)
	return err
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

// Compile-time interface checks
var (
	_ Backend        = (*InstrumentedBackend)(nil)
	_ StagingBackend = (*InstrumentedBackend)(nil)
)
