package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	unitycache "github.com/wolfeidau/unity-cache"
)

// writeRawEntry writes an entry file for key with a hand-built header.
func writeRawEntry(t *testing.T, root string, key unitycache.AssetKey, streams []streamHeader, bodies [][]byte) {
	t.Helper()
	var buf bytes.Buffer
	_, err := writeEntry(&buf, &entryHeader{Version: entryVersion, Streams: streams}, bodies)
	require.NoError(t, err)

	path := filepath.Join(root, key.Dir(), key.String()+entrySuffix)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func TestFilesystemRejectsOversizedStreamHeader(t *testing.T) {
	fs, root := newTestStore(t)
	key := testKey(t, 0x60, 0x61)

	writeRawEntry(t, root, key, []streamHeader{{
		Kind:         unitycache.KindInfo,
		Length:       1 << 62,
		StoredLength: 4,
		Compression:  CompressionLZ4,
		Checksum:     unitycache.ChecksumBytes([]byte("info")),
	}}, [][]byte{[]byte("info")})

	_, _, err := fs.Get(context.Background(), key, unitycache.KindInfo)
	require.ErrorIs(t, err, ErrStorageIO)
	require.ErrorIs(t, err, ErrCorruptEntry)

	report, err := fs.Verify(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, VerifyReport{Checked: 1, Failed: 1}, report)
}

func TestFilesystemRejectsBodiesPastEndOfFile(t *testing.T) {
	fs, root := newTestStore(t)
	key := testKey(t, 0x62, 0x63)

	writeRawEntry(t, root, key, []streamHeader{{
		Kind:         unitycache.KindBin,
		Length:       1 << 20,
		StoredLength: 1 << 20,
		Compression:  CompressionNone,
		Checksum:     unitycache.ChecksumBytes([]byte("tiny")),
	}}, [][]byte{[]byte("tiny")})

	_, _, err := fs.Get(context.Background(), key, unitycache.KindBin)
	require.ErrorIs(t, err, ErrCorruptEntry)

	stats, err := fs.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Entries)
}

func TestStreamHeaderValidate(t *testing.T) {
	sum := unitycache.ChecksumBytes([]byte("x"))
	tests := []struct {
		name    string
		header  streamHeader
		wantErr bool
	}{
		{name: "plain", header: streamHeader{Kind: unitycache.KindInfo, Length: 8, StoredLength: 8, Checksum: sum}},
		{name: "compressed", header: streamHeader{Kind: unitycache.KindBin, Length: 8, StoredLength: 4, Compression: CompressionZstd, Checksum: sum}},
		{name: "unknown kind", header: streamHeader{Kind: 9, Length: 1, StoredLength: 1, Checksum: sum}, wantErr: true},
		{name: "negative length", header: streamHeader{Kind: unitycache.KindInfo, Length: -1, StoredLength: 0, Checksum: sum}, wantErr: true},
		{name: "over limit", header: streamHeader{Kind: unitycache.KindInfo, Length: 17, StoredLength: 17, Checksum: sum}, wantErr: true},
		{name: "stored larger than stream", header: streamHeader{Kind: unitycache.KindInfo, Length: 4, StoredLength: 8, Compression: CompressionLZ4, Checksum: sum}, wantErr: true},
		{name: "uncompressed mismatch", header: streamHeader{Kind: unitycache.KindInfo, Length: 8, StoredLength: 4, Checksum: sum}, wantErr: true},
		{name: "unknown compression", header: streamHeader{Kind: unitycache.KindInfo, Length: 8, StoredLength: 4, Compression: 7, Checksum: sum}, wantErr: true},
		{name: "missing checksum", header: streamHeader{Kind: unitycache.KindInfo, Length: 8, StoredLength: 8}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.header.validate(16)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrCorruptEntry)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestFilesystemPutRejectsOversizedStream(t *testing.T) {
	fs, _ := newTestStore(t, WithMaxStreamSize(8))
	key := testKey(t, 0x64, 0x65)

	err := fs.Put(context.Background(), key, Streams{unitycache.KindInfo: []byte("nine bytes")})
	require.ErrorContains(t, err, "exceeds limit")

	require.NoError(t, fs.Put(context.Background(), key, Streams{unitycache.KindInfo: []byte("eight!!!")}))
	require.Equal(t, []byte("eight!!!"), readStream(t, fs, key, unitycache.KindInfo))
}
