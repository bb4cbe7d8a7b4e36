package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	unitycache "github.com/wolfeidau/unity-cache"
	"github.com/wolfeidau/unity-cache/backend"
)

// VerifyResult reports the outcome of checking one entry file.
type VerifyResult struct {
	// Path is the backend key of the entry file.
	Path string
	// Key is the asset key parsed from the file name. It is zero when the
	// name could not be parsed.
	Key     unitycache.AssetKey
	Streams int
	Err     error
}

// VerifyReport summarizes a Verify run.
type VerifyReport struct {
	Checked int
	Failed  int
}

// Verify reads every entry in the store and checks its framing, its
// location and the checksum of each stream. fn, when non-nil, is called
// once per entry.
func (fs *Filesystem) Verify(ctx context.Context, fn func(VerifyResult)) (VerifyReport, error) {
	var report VerifyReport

	keys, err := fs.backend.List(ctx, "")
	if err != nil {
		return report, fmt.Errorf("%w: listing entries: %w", ErrStorageIO, err)
	}

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !strings.HasSuffix(k, entrySuffix) {
			continue
		}

		result := fs.verifyEntry(ctx, k)
		report.Checked++
		if result.Err != nil {
			report.Failed++
		}
		if fn != nil {
			fn(result)
		}
	}
	return report, nil
}

func (fs *Filesystem) verifyEntry(ctx context.Context, k string) VerifyResult {
	result := VerifyResult{Path: k}

	key, err := unitycache.ParseAssetKey(strings.TrimSuffix(path.Base(k), entrySuffix))
	if err != nil {
		result.Err = fmt.Errorf("unrecognised entry name: %w", err)
		return result
	}
	result.Key = key
	if entryKey(key) != k {
		result.Err = fmt.Errorf("entry stored outside its bucket, expected %s", entryKey(key))
		return result
	}

	rc, err := fs.backend.Read(ctx, k)
	if err != nil {
		result.Err = err
		return result
	}
	defer func() { _ = rc.Close() }()

	header, _, err := readEntryHeader(rc, fs.maxStreamSize)
	if err != nil {
		result.Err = err
		return result
	}
	result.Streams = len(header.Streams)

	seen := make(map[unitycache.StreamKind]bool, len(header.Streams))
	for _, sh := range header.Streams {
		if seen[sh.Kind] {
			result.Err = fmt.Errorf("duplicate %s stream: %w", sh.Kind, ErrCorruptEntry)
			return result
		}
		seen[sh.Kind] = true

		if err := verifyStream(rc, sh); err != nil {
			result.Err = err
			return result
		}
	}

	// Trailing bytes mean the header and bodies disagree.
	if n, _ := io.Copy(io.Discard, rc); n != 0 {
		result.Err = fmt.Errorf("%d trailing bytes: %w", n, ErrCorruptEntry)
	}
	return result
}

// verifyStream checks one stream body against its checksum. Uncompressed
// bodies are hashed as they are read.
func verifyStream(r io.Reader, sh streamHeader) error {
	if sh.Compression == CompressionNone {
		sum, n, err := unitycache.ChecksumReader(io.LimitReader(r, sh.StoredLength))
		if err != nil {
			return fmt.Errorf("reading %s stream: %w: %w", sh.Kind, ErrCorruptEntry, err)
		}
		if n != sh.StoredLength {
			return fmt.Errorf("%s stream truncated after %d of %d bytes: %w", sh.Kind, n, sh.StoredLength, ErrCorruptEntry)
		}
		return checkChecksum(sh, sum)
	}

	stored := make([]byte, sh.StoredLength)
	if _, err := io.ReadFull(r, stored); err != nil {
		return fmt.Errorf("reading %s stream: %w: %w", sh.Kind, ErrCorruptEntry, err)
	}
	data, err := decompressStream(stored, sh.Compression, sh.Length)
	if err != nil {
		return fmt.Errorf("%s stream: %w: %w", sh.Kind, ErrCorruptEntry, err)
	}
	return checkChecksum(sh, unitycache.ChecksumBytes(data))
}

func checkChecksum(sh streamHeader, sum unitycache.Checksum) error {
	if sum != sh.Checksum {
		return fmt.Errorf("%s stream checksum %s, expected %s: %w",
			sh.Kind, sum.ShortString(), sh.Checksum.ShortString(), ErrCorruptEntry)
	}
	return nil
}

// Stats counts the entries in the store and their stored size. Entries that
// vanish or fail to parse while counting are skipped.
func (fs *Filesystem) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	keys, err := fs.backend.List(ctx, "")
	if err != nil {
		return stats, fmt.Errorf("%w: listing entries: %w", ErrStorageIO, err)
	}

	for _, k := range keys {
		if !strings.HasSuffix(k, entrySuffix) {
			continue
		}
		rc, err := fs.backend.Read(ctx, k)
		if errors.Is(err, backend.ErrNotFound) {
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("%w: reading %s: %w", ErrStorageIO, k, err)
		}
		header, headerLen, err := readEntryHeader(rc, fs.maxStreamSize)
		_ = rc.Close()
		if err != nil {
			fs.logger.Warn("skipping unreadable entry", "path", k, "error", err)
			continue
		}
		stats.Entries++
		stats.Streams += int64(len(header.Streams))
		stats.Bytes += headerLen + header.bodySize()
	}
	return stats, nil
}
