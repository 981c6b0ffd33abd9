package store

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gregjones/httpcache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T, backend, dir string) *Store {
	t.Helper()
	s, err := Open(Options{
		Dir:         dir,
		Backend:     backend,
		MaxBytes:    1 << 20,
		MemoryBytes: 1 << 16,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	return s
}

func TestMemoryBackend(t *testing.T) {
	s := openTest(t, BackendMemory, "")
	defer s.Close()

	_, ok := s.Get("k")
	assert.False(t, ok)

	s.Set("k", []byte("v1"))
	b, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v1", string(b))

	s.Delete("k")
	_, ok = s.Get("k")
	assert.False(t, ok)
}

func TestDiskBackendsSurviveReopen(t *testing.T) {
	for _, backend := range []string{BackendLevelDB, BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			s := openTest(t, backend, dir)
			s.Set("http://example.test/a", []byte("alpha"))
			s.Set("http://example.test/b", []byte("beta"))
			s.Flush()
			require.NoError(t, s.Close())

			s = openTest(t, backend, dir)
			defer s.Close()
			b, ok := s.Get("http://example.test/a")
			require.True(t, ok)
			assert.Equal(t, "alpha", string(b))
			assert.Equal(t, []string{"http://example.test/a", "http://example.test/b"}, s.Keys())

			require.NoError(t, s.Clear())
			assert.Empty(t, s.Keys())
		})
	}
}

func TestOpenSharesByDirectory(t *testing.T) {
	dir := t.TempDir()
	a := openTest(t, BackendLevelDB, dir)
	b := openTest(t, BackendLevelDB, dir)
	assert.Same(t, a, b)

	a.Set("shared", []byte("x"))
	require.NoError(t, a.Close())

	got, ok := b.Get("shared")
	require.True(t, ok, "store stays open while referenced")
	assert.Equal(t, "x", string(got))
	require.NoError(t, b.Close())

	_, ok = b.Get("shared")
	assert.False(t, ok, "closed store answers misses")
}

func TestRAMEvictionSpillsToDisk(t *testing.T) {
	s, err := Open(Options{
		Dir:         t.TempDir(),
		Backend:     BackendLevelDB,
		MaxBytes:    1 << 20,
		MemoryBytes: 4 * (entryOverhead + 100),
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	defer s.Close()

	for i := range 10 {
		s.Set(fmt.Sprintf("k%d", i), []byte(strings.Repeat("x", 100)))
	}
	s.Flush()

	st := s.Stats()
	assert.Equal(t, 10, st.Entries)
	assert.LessOrEqual(t, st.RAMBytes, int64(4*(entryOverhead+100)))
	assert.Equal(t, uint64(10), st.Stored)
	assert.Equal(t, uint64(100), st.AvgBytes)

	b, ok := s.Get("k0")
	require.True(t, ok, "evicted entry is served from disk")
	assert.Len(t, b, 100)
}

func TestDiskEvictsWhenFull(t *testing.T) {
	s, err := Open(Options{
		Dir:         t.TempDir(),
		Backend:     BackendSQLite,
		MaxBytes:    3 * (entryOverhead + 100),
		MemoryBytes: 1 << 16,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	defer s.Close()

	for i := range 6 {
		s.Set(fmt.Sprintf("k%d", i), []byte(strings.Repeat("y", 100)))
	}
	assert.LessOrEqual(t, s.Stats().DiskBytes, int64(3*(entryOverhead+100)))
}

func TestDeleteIsVisibleToNextGet(t *testing.T) {
	for _, backend := range []string{BackendLevelDB, BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			s, err := Open(Options{
				Dir:         t.TempDir(),
				Backend:     backend,
				MaxBytes:    1 << 20,
				MemoryBytes: 2 * (entryOverhead + 64),
				Logger:      zerolog.Nop(),
			})
			require.NoError(t, err)
			defer s.Close()

			for i := range 50 {
				key := fmt.Sprintf("http://example.test/%d", i)
				s.Set(key, []byte(strings.Repeat("z", 64)))
				// Push key out of RAM so the next Get reads it from disk.
				s.Set(key+"/a", []byte(strings.Repeat("a", 64)))
				s.Set(key+"/b", []byte(strings.Repeat("b", 64)))
				s.Flush()

				s.Delete(key)
				_, ok := s.Get(key)
				require.False(t, ok, "iteration %d", i)
			}
		})
	}
}

func TestDeleteRacingGetLeavesNoCopy(t *testing.T) {
	s, err := Open(Options{
		Dir:         t.TempDir(),
		Backend:     BackendLevelDB,
		MaxBytes:    1 << 20,
		MemoryBytes: 2 * (entryOverhead + 64),
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	defer s.Close()

	for i := range 20 {
		key := fmt.Sprintf("http://example.test/race/%d", i)
		s.Set(key, []byte(strings.Repeat("z", 64)))
		s.Set(key+"/a", []byte(strings.Repeat("a", 64)))
		s.Set(key+"/b", []byte(strings.Repeat("b", 64)))
		s.Flush()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Get(key)
		}()
		go func() {
			defer wg.Done()
			s.Delete(key)
		}()
		wg.Wait()

		_, ok := s.Get(key)
		require.False(t, ok, "iteration %d", i)
	}
}

func TestMemoryBackendSkipsOversizedEntry(t *testing.T) {
	s, err := Open(Options{
		Backend:     BackendMemory,
		MemoryBytes: entryOverhead + 16,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	defer s.Close()

	s.Set("big", []byte(strings.Repeat("x", 64)))
	_, ok := s.Get("big")
	assert.False(t, ok)
	assert.Zero(t, s.Stats().Stored)

	s.Set("small", []byte("ok"))
	b, ok := s.Get("small")
	require.True(t, ok)
	assert.Equal(t, "ok", string(b))
}

func TestUnknownBackend(t *testing.T) {
	_, err := Open(Options{Backend: "tape"})
	assert.Error(t, err)
}

func TestFormatBytes(t *testing.T) {
	cases := map[uint64]string{
		0:                      "0b",
		512:                    "512b",
		1024:                   "1kb",
		1536:                   "1.5kb",
		10 * 1024 * 1024:       "10mb",
		3 * 1024 * 1024 * 1024: "3gb",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatBytes(in))
	}
}

func TestStoreBacksHTTPCache(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "max-age=60")
		_, _ = w.Write([]byte("payload"))
	}))
	defer origin.Close()

	s := openTest(t, BackendMemory, "")
	defer s.Close()
	client := httpcache.NewTransport(s).Client()

	for range 3 {
		resp, err := client.Get(origin.URL)
		require.NoError(t, err)
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, "payload", string(b))
	}
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, []string{origin.URL}, s.Keys())
}
