package telemetry

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
)

// InstrumentedConn wraps a net.Conn and records the bytes transferred when it
// is closed.
type InstrumentedConn struct {
	net.Conn
	ctx     context.Context
	read    atomic.Int64
	written atomic.Int64
	once    sync.Once
}

// NewInstrumentedConn wraps conn. ctx is used when recording on Close.
func NewInstrumentedConn(ctx context.Context, conn net.Conn) *InstrumentedConn {
	return &InstrumentedConn{Conn: conn, ctx: ctx}
}

func (c *InstrumentedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.read.Add(int64(n))
	return n, err
}

func (c *InstrumentedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.written.Add(int64(n))
	return n, err
}

// Close closes the connection and records its byte counts once.
func (c *InstrumentedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() {
		RecordConnBytes(c.ctx, c.read.Load(), c.written.Load())
	})
	return err
}

// BytesRead returns the number of bytes read so far.
func (c *InstrumentedConn) BytesRead() int64 {
	return c.read.Load()
}

// BytesWritten returns the number of bytes written so far.
func (c *InstrumentedConn) BytesWritten() int64 {
	return c.written.Load()
}
