package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	unitycache "github.com/wolfeidau/unity-cache"
)

func TestMemoryPutGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	key := testKey(t, 0x01, 0x01)

	require.NoError(t, m.Put(ctx, key, Streams{
		unitycache.KindInfo:     []byte("i"),
		unitycache.KindResource: []byte("r"),
	}))
	require.Equal(t, 1, m.Len())
	require.Equal(t, []byte("r"), readStream(t, m, key, unitycache.KindResource))

	require.NoError(t, m.Put(ctx, key, Streams{unitycache.KindBin: []byte("b")}))
	_, _, err := m.Get(ctx, key, unitycache.KindInfo)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, []byte("b"), readStream(t, m, key, unitycache.KindBin))

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Entries: 1, Streams: 1, Bytes: 1}, stats)
}

func TestMemoryPutCopiesMap(t *testing.T) {
	m := NewMemory()
	key := testKey(t, 0x02, 0x02)

	streams := Streams{unitycache.KindInfo: []byte("kept")}
	require.NoError(t, m.Put(context.Background(), key, streams))
	delete(streams, unitycache.KindInfo)

	require.Equal(t, []byte("kept"), readStream(t, m, key, unitycache.KindInfo))
}

func TestNopStore(t *testing.T) {
	var s Nop
	ctx := context.Background()
	key := testKey(t, 0x03, 0x03)

	require.NoError(t, s.Put(ctx, key, Streams{unitycache.KindInfo: []byte("gone")}))
	_, _, err := s.Get(ctx, key, unitycache.KindInfo)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCompressionTagParse(t *testing.T) {
	for _, name := range []string{"none", "lz4", "zstd"} {
		tag, err := ParseCompressionTag(name)
		require.NoError(t, err)
		require.Equal(t, name, tag.String())
	}

	tag, err := ParseCompressionTag("")
	require.NoError(t, err)
	require.Equal(t, CompressionNone, tag)

	_, err = ParseCompressionTag("brotli")
	require.Error(t, err)
}

func TestCompressStreamSkipsSmallPayloads(t *testing.T) {
	data := make([]byte, CompressionThreshold-1)
	stored, tag, err := compressStream(data, CompressionZstd)
	require.NoError(t, err)
	require.Equal(t, CompressionNone, tag)
	require.Len(t, stored, len(data))
}
