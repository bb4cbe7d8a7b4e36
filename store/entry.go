package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	unitycache "github.com/wolfeidau/unity-cache"
)

var (
	// entryMagic is the 4-byte prefix of every entry file.
	entryMagic = []byte("UCE1")

	// ErrCorruptEntry is returned when an entry file cannot be parsed or
	// its contents do not match the recorded checksums.
	ErrCorruptEntry = errors.New("corrupt entry")
)

const (
	// maxHeaderSize bounds the CBOR header of an entry file.
	maxHeaderSize = 64 * 1024

	entryVersion = 1
)

// entryHeader describes the streams stored in an entry file.
// Bodies follow the header in the order of Streams.
type entryHeader struct {
	Version     int            `cbor:"1,keyasint"`
	CommittedAt int64          `cbor:"2,keyasint"`
	Streams     []streamHeader `cbor:"3,keyasint"`
}

type streamHeader struct {
	Kind         unitycache.StreamKind `cbor:"1,keyasint"`
	Length       int64                 `cbor:"2,keyasint"`
	StoredLength int64                 `cbor:"3,keyasint"`
	Compression  CompressionTag        `cbor:"4,keyasint"`
	Checksum     unitycache.Checksum   `cbor:"5,keyasint"`
}

var (
	entryEncMode cbor.EncMode
	entryDecMode cbor.DecMode
)

func init() {
	var err error
	entryEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("store: cbor encoder initialization failed: " + err.Error())
	}
	entryDecMode, err = cbor.DecOptions{
		MaxArrayElements: 16,
		MaxMapPairs:      16,
	}.DecMode()
	if err != nil {
		panic("store: cbor decoder initialization failed: " + err.Error())
	}
}

// stream returns the header for kind and the offset of its body relative
// to the end of the entry header.
func (h *entryHeader) stream(kind unitycache.StreamKind) (streamHeader, int64, bool) {
	var offset int64
	for _, s := range h.Streams {
		if s.Kind == kind {
			return s, offset, true
		}
		offset += s.StoredLength
	}
	return streamHeader{}, 0, false
}

// bodySize returns the total stored size of all stream bodies.
func (h *entryHeader) bodySize() int64 {
	var n int64
	for _, s := range h.Streams {
		n += s.StoredLength
	}
	return n
}

// writeEntry writes an entry file.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (CBOR) | BODIES
func writeEntry(w io.Writer, header *entryHeader, bodies [][]byte) (int64, error) {
	if len(bodies) != len(header.Streams) {
		return 0, fmt.Errorf("entry has %d stream headers but %d bodies", len(header.Streams), len(bodies))
	}

	headerBytes, err := entryEncMode.Marshal(header)
	if err != nil {
		return 0, fmt.Errorf("marshaling entry header: %w", err)
	}
	if len(headerBytes) > maxHeaderSize {
		return 0, fmt.Errorf("entry header is %d bytes: %w", len(headerBytes), ErrCorruptEntry)
	}

	var prefix [8]byte
	copy(prefix[:4], entryMagic)
	binary.BigEndian.PutUint32(prefix[4:], uint32(len(headerBytes))) //nolint:gosec // bounds-checked above

	var written int64
	for _, chunk := range append([][]byte{prefix[:], headerBytes}, bodies...) {
		n, err := w.Write(chunk)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("writing entry: %w", err)
		}
	}
	return written, nil
}

// readEntryHeader reads the magic, length and header of an entry file,
// leaving r positioned at the first stream body. It returns the header and
// the number of bytes consumed.
//
// Every length in the header is checked before anything is sized from it:
// no stream may exceed maxStreamSize, and when r can seek the bodies must
// fit in the file.
func readEntryHeader(r io.Reader, maxStreamSize int64) (*entryHeader, int64, error) {
	var prefix [8]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, 0, fmt.Errorf("reading entry prefix: %w: %w", ErrCorruptEntry, err)
	}
	if !bytes.Equal(prefix[:4], entryMagic) {
		return nil, 0, fmt.Errorf("invalid magic bytes %q: %w", prefix[:4], ErrCorruptEntry)
	}

	headerLen := binary.BigEndian.Uint32(prefix[4:])
	if headerLen > maxHeaderSize {
		return nil, 0, fmt.Errorf("entry header is %d bytes: %w", headerLen, ErrCorruptEntry)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, 0, fmt.Errorf("reading entry header: %w: %w", ErrCorruptEntry, err)
	}

	var header entryHeader
	if err := entryDecMode.Unmarshal(headerBytes, &header); err != nil {
		return nil, 0, fmt.Errorf("parsing entry header: %w: %w", ErrCorruptEntry, err)
	}
	if header.Version != entryVersion {
		return nil, 0, fmt.Errorf("unsupported entry version %d: %w", header.Version, ErrCorruptEntry)
	}
	for _, s := range header.Streams {
		if err := s.validate(maxStreamSize); err != nil {
			return nil, 0, err
		}
	}

	dataStart := int64(len(prefix)) + int64(headerLen)
	if seeker, ok := r.(io.Seeker); ok {
		size, err := seekSize(seeker)
		if err != nil {
			return nil, 0, fmt.Errorf("sizing entry: %w", err)
		}
		if body := header.bodySize(); body > size-dataStart {
			return nil, 0, fmt.Errorf("stream bodies need %d bytes, entry has %d: %w",
				body, size-dataStart, ErrCorruptEntry)
		}
	}

	return &header, dataStart, nil
}

func (s streamHeader) validate(maxStreamSize int64) error {
	switch {
	case !s.Kind.Valid():
		return fmt.Errorf("invalid stream kind %d: %w", s.Kind, ErrCorruptEntry)
	case s.Length < 0 || s.StoredLength < 0:
		return fmt.Errorf("negative %s stream length: %w", s.Kind, ErrCorruptEntry)
	case s.Length > maxStreamSize:
		return fmt.Errorf("%s stream of %d bytes exceeds limit of %d: %w",
			s.Kind, s.Length, maxStreamSize, ErrCorruptEntry)
	case s.StoredLength > s.Length:
		// Compressed bodies are only kept when smaller than the stream.
		return fmt.Errorf("%s stream stores %d bytes for %d: %w",
			s.Kind, s.StoredLength, s.Length, ErrCorruptEntry)
	case s.Compression == CompressionNone && s.StoredLength != s.Length:
		return fmt.Errorf("%s stream length mismatch: %w", s.Kind, ErrCorruptEntry)
	case s.Compression > CompressionZstd:
		return fmt.Errorf("%s stream has unknown compression %d: %w", s.Kind, s.Compression, ErrCorruptEntry)
	case s.Checksum.IsZero():
		return fmt.Errorf("%s stream has no checksum: %w", s.Kind, ErrCorruptEntry)
	}
	return nil
}

// seekSize returns the total size of s, leaving its offset unchanged.
func seekSize(s io.Seeker) (int64, error) {
	cur, err := s.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	end, err := s.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := s.Seek(cur, io.SeekStart); err != nil {
		return 0, err
	}
	return end, nil
}
