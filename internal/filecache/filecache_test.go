package filecache_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxpi/proxpi/internal/filecache"
)

func newTestCache(t *testing.T, budget int64, downloadTimeout time.Duration) *filecache.Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := filecache.New(filecache.Config{
		Dir:             dir,
		ByteBudget:      budget,
		DownloadTimeout: downloadTimeout,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)
	return c
}

func TestGetOrFetch_DownloadsAndServesFromCache(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte("wheel-bytes"))
	}))
	defer srv.Close()

	c := newTestCache(t, 1<<20, time.Second)
	key := filecache.Key{IndexID: 0, Project: "jinja2", Filename: "jinja2-3.1.0.whl"}

	res, err := c.GetOrFetch(context.Background(), key, srv.URL)
	require.NoError(t, err)
	require.NotEmpty(t, res.Path)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "wheel-bytes", string(data))
	assert.Equal(t, filepath.Join(c.Dir(), "0", "jinja2", "jinja2-3.1.0.whl"), res.Path)

	res2, err := c.GetOrFetch(context.Background(), key, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, res.Path, res2.Path)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits), "second call must be served from cache")
}

func TestGetOrFetch_ConcurrentCallersShareOneDownload(t *testing.T) {
	t.Parallel()

	var hits int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		_, _ = w.Write([]byte("wheel-bytes"))
	}))
	defer srv.Close()

	c := newTestCache(t, 1<<20, time.Second)
	key := filecache.Key{IndexID: 0, Project: "jinja2", Filename: "jinja2-3.1.0.whl"}

	const n = 8
	var wg sync.WaitGroup
	results := make([]filecache.Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrFetch(context.Background(), key, srv.URL)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.NotEmpty(t, results[i].Path)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits), "exactly one upstream connection must be opened")
}

func TestGetOrFetch_TimeoutFallsBackToRedirect(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	// Unblock the handler before srv.Close waits for it to finish.
	defer close(block)

	c := newTestCache(t, 1<<20, time.Millisecond)
	key := filecache.Key{IndexID: 0, Project: "slow", Filename: "slow.whl"}

	res, err := c.GetOrFetch(context.Background(), key, srv.URL)
	require.NoError(t, err)
	assert.True(t, res.Redirect)
	assert.Equal(t, srv.URL, res.UpstreamURL)
}

func TestGetOrFetch_ZeroBudgetStreamsThrough(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("streamed-bytes"))
	}))
	defer srv.Close()

	c := newTestCache(t, 0, time.Second)
	key := filecache.Key{IndexID: 0, Project: "jinja2", Filename: "jinja2-3.1.0.whl"}

	res, err := c.GetOrFetch(context.Background(), key, srv.URL)
	require.NoError(t, err)
	require.NotNil(t, res.Stream)
	defer res.Stream.Close()

	data, err := io.ReadAll(res.Stream)
	require.NoError(t, err)
	assert.Equal(t, "streamed-bytes", string(data))
	assert.Empty(t, res.Path)

	entries, err := os.ReadDir(c.Dir())
	if err == nil {
		assert.Empty(t, entries, "nothing should be written to disk with a zero budget")
	}
}

func TestGetOrFetch_EvictsSmallestOldestUnderBudget(t *testing.T) {
	t.Parallel()

	sizes := map[string]string{
		"small.whl": "a",
		"big.whl":   "aaaaaaaaaa",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sizes[filepath.Base(r.URL.Path)]))
	}))
	defer srv.Close()

	c := newTestCache(t, 10, time.Second)

	smallKey := filecache.Key{IndexID: 0, Project: "p", Filename: "small.whl"}
	_, err := c.GetOrFetch(context.Background(), smallKey, srv.URL+"/small.whl")
	require.NoError(t, err)

	bigKey := filecache.Key{IndexID: 0, Project: "p", Filename: "big.whl"}
	res, err := c.GetOrFetch(context.Background(), bigKey, srv.URL+"/big.whl")
	require.NoError(t, err)
	require.NotEmpty(t, res.Path)

	// small.whl (1 byte) plus big.whl (10 bytes) exceeds the 10-byte
	// budget; the smaller entry must be evicted first.
	time.Sleep(20 * time.Millisecond)
	_, err = os.Stat(filepath.Join(c.Dir(), "0", "p", "small.whl"))
	assert.True(t, os.IsNotExist(err), "smallest entry should have been evicted")

	_, err = os.Stat(filepath.Join(c.Dir(), "0", "p", "big.whl"))
	assert.NoError(t, err, "big.whl should still be present as the originating waiter's result")
}

func TestGetOrFetch_ArtifactLargerThanBudgetIsServedThenEvicted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	c := newTestCache(t, 1, time.Second)
	key := filecache.Key{IndexID: 0, Project: "p", Filename: "oversize.whl"}

	res, err := c.GetOrFetch(context.Background(), key, srv.URL)
	require.NoError(t, err)
	require.NotEmpty(t, res.Path)
	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))

	time.Sleep(20 * time.Millisecond)
	_, err = os.Stat(res.Path)
	assert.True(t, os.IsNotExist(err), "oversized artifact must be evicted right after serving the waiter")
}

func TestInvalidateProject_RemovesOnlyThatProjectsFiles(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("bytes"))
	}))
	defer srv.Close()

	c := newTestCache(t, 1<<20, time.Second)

	keyA := filecache.Key{IndexID: 0, Project: "a", Filename: "a.whl"}
	keyB := filecache.Key{IndexID: 0, Project: "b", Filename: "b.whl"}
	resA, err := c.GetOrFetch(context.Background(), keyA, srv.URL)
	require.NoError(t, err)
	resB, err := c.GetOrFetch(context.Background(), keyB, srv.URL)
	require.NoError(t, err)

	c.InvalidateProject("a")

	_, err = os.Stat(resA.Path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(resB.Path)
	assert.NoError(t, err)
}

func TestInvalidateAll_RemovesEveryFile(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("bytes"))
	}))
	defer srv.Close()

	c := newTestCache(t, 1<<20, time.Second)

	key := filecache.Key{IndexID: 0, Project: "a", Filename: "a.whl"}
	res, err := c.GetOrFetch(context.Background(), key, srv.URL)
	require.NoError(t, err)

	c.InvalidateAll()
	c.InvalidateAll() // idempotent

	_, err = os.Stat(res.Path)
	assert.True(t, os.IsNotExist(err))
}
