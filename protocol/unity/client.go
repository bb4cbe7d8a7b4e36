package unity

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"

	unitycache "github.com/wolfeidau/unity-cache"
)

// Client speaks the protocol from the editor's side. It is used by the
// CLI for smoke tests and by the server tests. A Client is not safe for
// concurrent use.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	enc  *Encoder
}

// Dial connects to a server and performs the version handshake.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	c, err := NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient performs the version handshake on conn.
func NewClient(conn net.Conn) (*Client, error) {
	c := &Client{
		conn: conn,
		r:    bufio.NewReaderSize(conn, readBufferSize),
		enc:  NewEncoder(conn),
	}
	if err := c.enc.WriteVersion(ProtocolVersion); err != nil {
		return nil, fmt.Errorf("writing handshake: %w", err)
	}

	var buf [versionFieldLen]byte
	if _, err := io.ReadFull(c.r, buf[:]); err != nil {
		return nil, fmt.Errorf("reading handshake: %w", unexpectedEOF(err))
	}
	v, err := strconv.ParseUint(string(buf[:]), 16, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: handshake reply %q", ErrMalformedCommand, buf[:])
	}
	if uint32(v) != ProtocolVersion {
		return nil, fmt.Errorf("%w: server replied %d", ErrUnsupportedVersion, v)
	}
	return c, nil
}

// Get fetches one stream. It returns false on a miss.
func (c *Client) Get(kind unitycache.StreamKind, key unitycache.AssetKey) ([]byte, bool, error) {
	if err := c.enc.WriteGet(kind, key); err != nil {
		return nil, false, fmt.Errorf("writing get: %w", err)
	}

	tag, err := c.r.ReadByte()
	if err != nil {
		return nil, false, fmt.Errorf("reading get reply: %w", unexpectedEOF(err))
	}
	gotKind, err := readKind(c.r)
	if err != nil {
		return nil, false, fmt.Errorf("reading get reply: %w", err)
	}

	var size int64
	switch tag {
	case replyHit:
		if size, err = readSize(c.r); err != nil {
			return nil, false, fmt.Errorf("reading get reply: %w", err)
		}
	case replyMiss:
	default:
		return nil, false, fmt.Errorf("%w: unknown reply %q", ErrMalformedCommand, tag)
	}

	gotKey, err := readKey(c.r)
	if err != nil {
		return nil, false, fmt.Errorf("reading get reply: %w", err)
	}
	if gotKind != kind || gotKey != key {
		return nil, false, fmt.Errorf("%w: reply for %s %s, requested %s %s",
			ErrMalformedCommand, gotKind, gotKey, kind, key)
	}
	if tag == replyMiss {
		return nil, false, nil
	}

	data, err := readPayload(c.r, size)
	if err != nil {
		return nil, false, fmt.Errorf("reading %s payload: %w", kind, err)
	}
	return data, true, nil
}

// BeginTransaction opens a put transaction for key.
func (c *Client) BeginTransaction(key unitycache.AssetKey) error {
	return c.enc.WriteBegin(key)
}

// Put sends one stream of the open transaction.
func (c *Client) Put(kind unitycache.StreamKind, data []byte) error {
	return c.enc.WritePut(kind, data)
}

// EndTransaction commits the open transaction. The protocol has no
// acknowledgement, so a failed commit shows up as a closed connection on
// the next command.
func (c *Client) EndTransaction() error {
	return c.enc.WriteEnd()
}

// Quit ends the session and closes the connection.
func (c *Client) Quit() error {
	err := c.enc.WriteQuit()
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the connection without quitting. The server aborts any
// open transaction.
func (c *Client) Close() error {
	return c.conn.Close()
}
