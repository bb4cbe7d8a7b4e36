package store

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	unitycache "github.com/wolfeidau/unity-cache"
	"github.com/wolfeidau/unity-cache/backend"
)

func newTestStore(t *testing.T, opts ...Option) (*Filesystem, string) {
	t.Helper()
	root := t.TempDir()
	b, err := backend.NewFilesystem(root)
	require.NoError(t, err)
	return NewFilesystem(b, opts...), root
}

func testKey(t *testing.T, guid, hash byte) unitycache.AssetKey {
	t.Helper()
	var key unitycache.AssetKey
	for i := range key.GUID {
		key.GUID[i] = guid
	}
	for i := range key.Hash {
		key.Hash[i] = hash
	}
	return key
}

func readStream(t *testing.T, s Store, key unitycache.AssetKey, kind unitycache.StreamKind) []byte {
	t.Helper()
	rc, size, err := s.Get(context.Background(), key, kind)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.EqualValues(t, size, len(got))
	return got
}

func TestFilesystemPutGet(t *testing.T) {
	fs, _ := newTestStore(t)
	ctx := context.Background()
	key := testKey(t, 0x01, 0x02)

	err := fs.Put(ctx, key, Streams{
		unitycache.KindInfo: []byte("info-bytes"),
		unitycache.KindBin:  []byte("bin-bytes"),
	})
	require.NoError(t, err)

	require.Equal(t, []byte("info-bytes"), readStream(t, fs, key, unitycache.KindInfo))
	require.Equal(t, []byte("bin-bytes"), readStream(t, fs, key, unitycache.KindBin))

	_, _, err = fs.Get(ctx, key, unitycache.KindResource)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemGetMissingKey(t *testing.T) {
	fs, _ := newTestStore(t)

	_, _, err := fs.Get(context.Background(), testKey(t, 0xaa, 0xbb), unitycache.KindInfo)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemEmptyStream(t *testing.T) {
	fs, _ := newTestStore(t)
	key := testKey(t, 0x03, 0x04)

	require.NoError(t, fs.Put(context.Background(), key, Streams{unitycache.KindResource: {}}))
	require.Empty(t, readStream(t, fs, key, unitycache.KindResource))
}

func TestFilesystemPutEmptyIsNoop(t *testing.T) {
	fs, root := newTestStore(t)
	key := testKey(t, 0x05, 0x06)

	require.NoError(t, fs.Put(context.Background(), key, Streams{}))

	_, err := os.Stat(filepath.Join(root, key.Dir(), key.String()+entrySuffix))
	require.True(t, os.IsNotExist(err))
}

func TestFilesystemPutReplacesWholeEntry(t *testing.T) {
	fs, _ := newTestStore(t)
	ctx := context.Background()
	key := testKey(t, 0x07, 0x08)

	require.NoError(t, fs.Put(ctx, key, Streams{
		unitycache.KindInfo:     []byte("v1-info"),
		unitycache.KindResource: []byte("v1-resource"),
	}))
	require.NoError(t, fs.Put(ctx, key, Streams{
		unitycache.KindInfo: []byte("v2-info"),
	}))

	require.Equal(t, []byte("v2-info"), readStream(t, fs, key, unitycache.KindInfo))

	// The resource stream belonged to the replaced generation.
	_, _, err := fs.Get(ctx, key, unitycache.KindResource)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemEntryLayout(t *testing.T) {
	fs, root := newTestStore(t)
	key := testKey(t, 0xab, 0xcd)

	require.NoError(t, fs.Put(context.Background(), key, Streams{unitycache.KindInfo: []byte("x")}))

	entries, err := os.ReadDir(filepath.Join(root, "ab"))
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Contains(t, names, key.String()+entrySuffix)
	for _, name := range names {
		require.NotContains(t, name, ".tmp-", "staging file left behind")
	}
}

func TestFilesystemReaderKeepsGeneration(t *testing.T) {
	fs, _ := newTestStore(t)
	ctx := context.Background()
	key := testKey(t, 0x09, 0x0a)

	old := bytes.Repeat([]byte("o"), 4096)
	require.NoError(t, fs.Put(ctx, key, Streams{unitycache.KindBin: old}))

	rc, size, err := fs.Get(ctx, key, unitycache.KindBin)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	require.EqualValues(t, len(old), size)

	head := make([]byte, 10)
	_, err = io.ReadFull(rc, head)
	require.NoError(t, err)

	require.NoError(t, fs.Put(ctx, key, Streams{unitycache.KindBin: []byte("new")}))

	rest, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, old, append(head, rest...))

	require.Equal(t, []byte("new"), readStream(t, fs, key, unitycache.KindBin))
}

func TestFilesystemConcurrentPutsAreAtomic(t *testing.T) {
	fs, _ := newTestStore(t)
	ctx := context.Background()
	key := testKey(t, 0x0b, 0x0c)

	// Each writer stores three streams that share a marker byte, so a
	// reader can tell whether it saw a mix of generations.
	generation := func(marker byte) Streams {
		return Streams{
			unitycache.KindInfo:     bytes.Repeat([]byte{marker}, 100),
			unitycache.KindResource: bytes.Repeat([]byte{marker}, 3000),
			unitycache.KindBin:      bytes.Repeat([]byte{marker}, 50),
		}
	}
	require.NoError(t, fs.Put(ctx, key, generation('a')))

	var wg sync.WaitGroup
	for _, marker := range []byte("bcdefgh") {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				require.NoError(t, fs.Put(ctx, key, generation(marker)))
			}
		}()
	}

	done := make(chan struct{})
	readerErr := make(chan error, 1)
	go func() {
		defer close(readerErr)
		for {
			select {
			case <-done:
				return
			default:
			}
			for _, kind := range unitycache.Kinds {
				rc, _, err := fs.Get(ctx, key, kind)
				if err != nil {
					readerErr <- err
					return
				}
				data, err := io.ReadAll(rc)
				_ = rc.Close()
				if err != nil {
					readerErr <- err
					return
				}
				if len(bytes.Trim(data, string(data[:1]))) != 0 {
					readerErr <- io.ErrUnexpectedEOF
					return
				}
			}
		}
	}()

	wg.Wait()
	close(done)
	require.NoError(t, <-readerErr)

	// The final entry is one complete generation.
	info := readStream(t, fs, key, unitycache.KindInfo)
	bin := readStream(t, fs, key, unitycache.KindBin)
	require.Equal(t, info[0], bin[0])
}

func TestFilesystemDistinctKeysDoNotInterfere(t *testing.T) {
	fs, _ := newTestStore(t)
	ctx := context.Background()

	// Same bucket, different hashes.
	k1 := testKey(t, 0x0d, 0x01)
	k2 := testKey(t, 0x0d, 0x02)

	var wg sync.WaitGroup
	for i, key := range []unitycache.AssetKey{k1, k2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, fs.Put(ctx, key, Streams{unitycache.KindInfo: []byte{byte(i)}}))
		}()
	}
	wg.Wait()

	require.Equal(t, []byte{0}, readStream(t, fs, k1, unitycache.KindInfo))
	require.Equal(t, []byte{1}, readStream(t, fs, k2, unitycache.KindInfo))
}

func TestFilesystemCompression(t *testing.T) {
	for _, tag := range []CompressionTag{CompressionLZ4, CompressionZstd} {
		t.Run(tag.String(), func(t *testing.T) {
			fs, root := newTestStore(t, WithCompression(tag))
			ctx := context.Background()
			key := testKey(t, 0x0e, 0x0f)

			compressible := bytes.Repeat([]byte("unity asset "), 1024)
			random := make([]byte, 8192)
			_, err := rand.Read(random)
			require.NoError(t, err)
			small := []byte("tiny")

			require.NoError(t, fs.Put(ctx, key, Streams{
				unitycache.KindInfo:     small,
				unitycache.KindResource: random,
				unitycache.KindBin:      compressible,
			}))

			require.Equal(t, small, readStream(t, fs, key, unitycache.KindInfo))
			require.Equal(t, random, readStream(t, fs, key, unitycache.KindResource))
			require.Equal(t, compressible, readStream(t, fs, key, unitycache.KindBin))

			info, err := os.Stat(filepath.Join(root, key.Dir(), key.String()+entrySuffix))
			require.NoError(t, err)
			require.Less(t, info.Size(), int64(len(compressible)+len(random)))

			report, err := fs.Verify(ctx, nil)
			require.NoError(t, err)
			require.Equal(t, VerifyReport{Checked: 1}, report)
		})
	}
}

func TestFilesystemCorruptEntry(t *testing.T) {
	fs, root := newTestStore(t)
	ctx := context.Background()
	key := testKey(t, 0x10, 0x11)

	path := filepath.Join(root, key.Dir(), key.String()+entrySuffix)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("not an entry"), 0644))

	_, _, err := fs.Get(ctx, key, unitycache.KindInfo)
	require.ErrorIs(t, err, ErrStorageIO)
	require.ErrorIs(t, err, ErrCorruptEntry)
}

func TestFilesystemVerify(t *testing.T) {
	fs, root := newTestStore(t)
	ctx := context.Background()

	good := testKey(t, 0x20, 0x21)
	bad := testKey(t, 0x22, 0x23)
	require.NoError(t, fs.Put(ctx, good, Streams{unitycache.KindInfo: []byte("good")}))
	require.NoError(t, fs.Put(ctx, bad, Streams{unitycache.KindInfo: []byte("bad!")}))

	// Flip the last body byte of the bad entry.
	path := filepath.Join(root, bad.Dir(), bad.String()+entrySuffix)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0644))

	var results []VerifyResult
	report, err := fs.Verify(ctx, func(r VerifyResult) { results = append(results, r) })
	require.NoError(t, err)
	require.Equal(t, VerifyReport{Checked: 2, Failed: 1}, report)

	for _, r := range results {
		if r.Key == bad {
			require.ErrorIs(t, r.Err, ErrCorruptEntry)
		} else {
			require.NoError(t, r.Err)
			require.Equal(t, 1, r.Streams)
		}
	}
}

func TestFilesystemStats(t *testing.T) {
	fs, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, fs.Put(ctx, testKey(t, 0x30, 0x01), Streams{
		unitycache.KindInfo: []byte("a"),
		unitycache.KindBin:  []byte("bb"),
	}))
	require.NoError(t, fs.Put(ctx, testKey(t, 0x31, 0x01), Streams{
		unitycache.KindResource: []byte("ccc"),
	}))

	stats, err := fs.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Entries)
	require.EqualValues(t, 3, stats.Streams)
	require.Greater(t, stats.Bytes, int64(6))
}

func TestFilesystemInstrumentedBackend(t *testing.T) {
	b, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	fs := NewFilesystem(backend.NewInstrumentedBackend(b, "filesystem"))
	key := testKey(t, 0x40, 0x41)

	require.NoError(t, fs.Put(context.Background(), key, Streams{unitycache.KindInfo: []byte("via wrapper")}))
	require.Equal(t, []byte("via wrapper"), readStream(t, fs, key, unitycache.KindInfo))
}

// nonSeekingBackend hides the Seeker of files returned by Read.
type nonSeekingBackend struct {
	*backend.Filesystem
}

func (b nonSeekingBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := b.Filesystem.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	return struct {
		io.Reader
		io.Closer
	}{rc, rc}, nil
}

func TestFilesystemGetWithoutSeek(t *testing.T) {
	b, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	fs := NewFilesystem(nonSeekingBackend{b})
	key := testKey(t, 0x50, 0x51)

	require.NoError(t, fs.Put(context.Background(), key, Streams{
		unitycache.KindInfo:     []byte("first"),
		unitycache.KindResource: []byte("second"),
		unitycache.KindBin:      []byte("third"),
	}))
	require.Equal(t, []byte("third"), readStream(t, fs, key, unitycache.KindBin))
}
