package unity

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	unitycache "github.com/wolfeidau/unity-cache"
)

const (
	readBufferSize  = 64 * 1024
	writeBufferSize = 64 * 1024

	// payloadChunk caps the up-front allocation for a put payload, so a
	// declared size is only paid for as its bytes arrive.
	payloadChunk = 1 << 20
)

// DecoderConfig bounds what a Decoder accepts and how long it waits.
type DecoderConfig struct {
	// MaxStreamSize is the largest put a client may declare. Zero selects
	// DefaultMaxStreamSize.
	MaxStreamSize int64

	// ReadTimeout bounds every read once a command has started.
	// Zero disables it.
	ReadTimeout time.Duration

	// IdleTimeout bounds the wait for the first byte of the next command.
	// Zero disables it.
	IdleTimeout time.Duration
}

// deadlineReader is implemented by connections that support read deadlines.
type deadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// timeoutReader refreshes the read deadline before every read of the
// underlying connection.
//
// A failed SetReadDeadline does not fail the read: a connection closed by
// its peer rejects new deadlines, and the read itself reports the close.
type timeoutReader struct {
	r       io.Reader
	dl      deadlineReader
	timeout time.Duration
	armed   bool
}

func (t *timeoutReader) Read(p []byte) (int, error) {
	if t.dl != nil && (t.timeout > 0 || t.armed) {
		var deadline time.Time
		if t.timeout > 0 {
			deadline = time.Now().Add(t.timeout)
		}
		if err := t.dl.SetReadDeadline(deadline); err == nil {
			t.armed = t.timeout > 0
		}
	}
	return t.r.Read(p)
}

// Decoder reads client commands from a connection.
// It is not safe for concurrent use.
type Decoder struct {
	tr  *timeoutReader
	r   *bufio.Reader
	cfg DecoderConfig
}

// NewDecoder creates a decoder reading from r. Timeouts apply only when r
// supports read deadlines.
func NewDecoder(r io.Reader, cfg DecoderConfig) *Decoder {
	if cfg.MaxStreamSize <= 0 {
		cfg.MaxStreamSize = DefaultMaxStreamSize
	}
	tr := &timeoutReader{r: r}
	if dl, ok := r.(deadlineReader); ok {
		tr.dl = dl
	}
	return &Decoder{
		tr:  tr,
		r:   bufio.NewReaderSize(tr, readBufferSize),
		cfg: cfg,
	}
}

// ReadVersion reads the client's handshake: up to eight hex digits naming
// the requested protocol version.
//
// Clients send the version without a terminator, so the decoder takes the
// first read's worth of hex digits (waiting for a second byte if the first
// read returned only one) and leaves anything else buffered.
func (d *Decoder) ReadVersion() (uint32, error) {
	d.tr.timeout = d.cfg.IdleTimeout
	first, err := d.r.ReadByte()
	if err != nil {
		return 0, err
	}
	digits := []byte{first}

	d.tr.timeout = d.cfg.ReadTimeout
	if d.r.Buffered() == 0 {
		b, err := d.r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("reading version: %w", unexpectedEOF(err))
		}
		digits = append(digits, b)
	}
	for len(digits) < versionFieldLen && d.r.Buffered() > 0 {
		next, err := d.r.Peek(1)
		if err != nil || !isHexDigit(next[0]) {
			break
		}
		_, _ = d.r.ReadByte()
		digits = append(digits, next[0])
	}

	v, err := strconv.ParseUint(string(digits), 16, 32)
	if err != nil || !allHex(digits) {
		return 0, fmt.Errorf("%w: version %q is not hex", ErrUnsupportedVersion, digits)
	}
	return uint32(v), nil
}

// Next reads the next command. It returns io.EOF when the client closes
// the connection cleanly between commands.
func (d *Decoder) Next() (Command, error) {
	d.tr.timeout = d.cfg.IdleTimeout
	tag, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}
	d.tr.timeout = d.cfg.ReadTimeout

	switch tag {
	case cmdGet:
		kind, err := readKind(d.r)
		if err != nil {
			return nil, fmt.Errorf("decoding get: %w", err)
		}
		key, err := readKey(d.r)
		if err != nil {
			return nil, fmt.Errorf("decoding get: %w", err)
		}
		return GetStream{Kind: kind, Key: key}, nil

	case cmdTransaction:
		sub, err := d.r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("decoding transaction: %w", unexpectedEOF(err))
		}
		switch sub {
		case txnBegin:
			key, err := readKey(d.r)
			if err != nil {
				return nil, fmt.Errorf("decoding begin: %w", err)
			}
			return BeginTransaction{Key: key}, nil
		case txnEnd:
			return EndTransaction{}, nil
		default:
			return nil, fmt.Errorf("%w: unknown transaction command %q", ErrMalformedCommand, sub)
		}

	case cmdPut:
		kind, err := readKind(d.r)
		if err != nil {
			return nil, fmt.Errorf("decoding put: %w", err)
		}
		size, err := readSize(d.r)
		if err != nil {
			return nil, fmt.Errorf("decoding put: %w", err)
		}
		if size > d.cfg.MaxStreamSize {
			return nil, fmt.Errorf("%w: %s stream of %d bytes exceeds limit of %d",
				ErrMalformedCommand, kind, size, d.cfg.MaxStreamSize)
		}
		data, err := readPayload(d.r, size)
		if err != nil {
			return nil, fmt.Errorf("decoding put: %w", err)
		}
		return PutStream{Kind: kind, Data: data}, nil

	case cmdQuit:
		return Quit{}, nil

	default:
		return nil, fmt.Errorf("%w: unknown command %q", ErrMalformedCommand, tag)
	}
}

func readKind(r *bufio.Reader) (unitycache.StreamKind, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, unexpectedEOF(err)
	}
	kind, ok := unitycache.KindFromWire(b)
	if !ok {
		return 0, fmt.Errorf("%w: unknown stream kind %q", ErrMalformedCommand, b)
	}
	return kind, nil
}

func readKey(r io.Reader) (unitycache.AssetKey, error) {
	var buf [unitycache.GUIDSize + unitycache.HashSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return unitycache.AssetKey{}, unexpectedEOF(err)
	}
	return unitycache.AssetKeyFromBytes(buf[:])
}

func readSize(r io.Reader) (int64, error) {
	var buf [sizeFieldLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, unexpectedEOF(err)
	}
	if !allHex(buf[:]) {
		return 0, fmt.Errorf("%w: size %q is not %d hex digits", ErrMalformedCommand, buf[:], sizeFieldLen)
	}
	v, err := strconv.ParseUint(string(buf[:]), 16, 64)
	if err != nil || v > math.MaxInt64 {
		return 0, fmt.Errorf("%w: size %q out of range", ErrMalformedCommand, buf[:])
	}
	return int64(v), nil
}

func readPayload(r io.Reader, size int64) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, min(size, payloadChunk)))
	n, err := io.CopyN(buf, r, size)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("payload ended after %d of %d bytes: %w", n, size, io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	return buf.Bytes(), nil
}

// unexpectedEOF converts io.EOF inside a frame into io.ErrUnexpectedEOF.
func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func isHexDigit(b byte) bool {
	return ('0' <= b && b <= '9') || ('a' <= b && b <= 'f') || ('A' <= b && b <= 'F')
}

func allHex(b []byte) bool {
	for _, c := range b {
		if !isHexDigit(c) {
			return false
		}
	}
	return len(b) > 0
}

// Encoder writes protocol frames through a buffered writer and flushes
// after each one.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriterSize(w, writeBufferSize)}
}

// WriteVersion writes a handshake version as eight lowercase hex digits.
// Both sides of the handshake use this form.
func (e *Encoder) WriteVersion(v uint32) error {
	if _, err := fmt.Fprintf(e.w, "%08x", v); err != nil {
		return err
	}
	return e.w.Flush()
}

// WriteHit writes a get hit followed by exactly size bytes from body.
func (e *Encoder) WriteHit(kind unitycache.StreamKind, key unitycache.AssetKey, size int64, body io.Reader) error {
	_ = e.w.WriteByte(replyHit)
	_ = e.w.WriteByte(kind.WireByte())
	e.writeSize(size)
	_, _ = e.w.Write(key.Bytes())
	n, err := io.CopyN(e.w, body, size)
	if err != nil {
		return fmt.Errorf("writing %s payload after %d of %d bytes: %w", kind, n, size, err)
	}
	return e.w.Flush()
}

// WriteMiss writes a get miss.
func (e *Encoder) WriteMiss(kind unitycache.StreamKind, key unitycache.AssetKey) error {
	_ = e.w.WriteByte(replyMiss)
	_ = e.w.WriteByte(kind.WireByte())
	_, _ = e.w.Write(key.Bytes())
	return e.w.Flush()
}

// WriteGet writes a get command.
func (e *Encoder) WriteGet(kind unitycache.StreamKind, key unitycache.AssetKey) error {
	_ = e.w.WriteByte(cmdGet)
	_ = e.w.WriteByte(kind.WireByte())
	_, _ = e.w.Write(key.Bytes())
	return e.w.Flush()
}

// WriteBegin writes a begin-transaction command.
func (e *Encoder) WriteBegin(key unitycache.AssetKey) error {
	_ = e.w.WriteByte(cmdTransaction)
	_ = e.w.WriteByte(txnBegin)
	_, _ = e.w.Write(key.Bytes())
	return e.w.Flush()
}

// WritePut writes a put command carrying data.
func (e *Encoder) WritePut(kind unitycache.StreamKind, data []byte) error {
	_ = e.w.WriteByte(cmdPut)
	_ = e.w.WriteByte(kind.WireByte())
	e.writeSize(int64(len(data)))
	_, _ = e.w.Write(data)
	return e.w.Flush()
}

// WriteEnd writes an end-transaction command.
func (e *Encoder) WriteEnd() error {
	_ = e.w.WriteByte(cmdTransaction)
	_ = e.w.WriteByte(txnEnd)
	return e.w.Flush()
}

// WriteQuit writes a quit command.
func (e *Encoder) WriteQuit() error {
	_ = e.w.WriteByte(cmdQuit)
	return e.w.Flush()
}

// writeSize writes size as sixteen lowercase hex digits. Write errors are
// sticky in bufio.Writer and surface on Flush.
func (e *Encoder) writeSize(size int64) {
	var buf [sizeFieldLen]byte
	s := strconv.FormatUint(uint64(size), 16) //nolint:gosec // sizes are never negative
	n := copy(buf[:], "0000000000000000"[:sizeFieldLen-len(s)])
	copy(buf[n:], s)
	_, _ = e.w.Write(buf[:])
}
