package store

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionThreshold is the minimum stream size before compression is
// attempted. Smaller payloads are stored as-is.
const CompressionThreshold = 2048

// CompressionTag identifies how a stream body is stored inside an entry
// file. Values are written to disk and must not change.
type CompressionTag uint8

const (
	// CompressionNone stores the stream bytes unchanged.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 stores the stream as a single LZ4 block.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd stores the stream as a zstd frame.
	CompressionZstd CompressionTag = 2
)

var errIncompressible = errors.New("data is incompressible")

// String returns the configuration name of the tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// ParseCompressionTag parses a tag from its configuration name.
// The empty string selects CompressionNone.
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// compressStream compresses data with tag when it is large enough and the
// result is smaller. It returns the stored bytes and the tag actually used.
func compressStream(data []byte, tag CompressionTag) ([]byte, CompressionTag, error) {
	if tag == CompressionNone || len(data) < CompressionThreshold {
		return data, CompressionNone, nil
	}

	var (
		out []byte
		err error
	)
	switch tag {
	case CompressionLZ4:
		out, err = compressLZ4(data)
	case CompressionZstd:
		out, err = compressZstd(data)
	default:
		return nil, CompressionNone, fmt.Errorf("unsupported compression tag: %d", tag)
	}
	if errors.Is(err, errIncompressible) {
		return data, CompressionNone, nil
	}
	if err != nil {
		return nil, CompressionNone, err
	}
	return out, tag, nil
}

// decompressStream reverses compressStream. The result must be exactly
// size bytes long.
func decompressStream(stored []byte, tag CompressionTag, size int64) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if int64(len(stored)) != size {
			return nil, fmt.Errorf("stored stream is %d bytes, expected %d", len(stored), size)
		}
		return stored, nil
	case CompressionLZ4:
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(stored, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if int64(n) != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return dst, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if int64(len(out)) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}
