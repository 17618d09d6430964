package index_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxpi/proxpi/internal/index"
)

func newTestSource(t *testing.T, baseURL string, listTTL, projectTTL time.Duration) *index.Source {
	t.Helper()
	src, err := index.New(index.Config{
		BaseURL:    baseURL,
		ListTTL:    listTTL,
		ProjectTTL: projectTTL,
		UserAgent:  "proxpi-test",
	})
	require.NoError(t, err)
	return src
}

func TestListProjects_FetchesAndCaches(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<a href="jinja2/">Jinja2</a>`))
	}))
	defer srv.Close()

	src := newTestSource(t, srv.URL+"/simple/", time.Minute, time.Minute)

	projects, err := src.ListProjects(context.Background())
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "jinja2", projects[0].Name)

	_, err = src.ListProjects(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits), "second call within TTL must not refetch")
}

func TestListProjects_ZeroTTLAlwaysRefetches(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<a href="jinja2/">Jinja2</a>`))
	}))
	defer srv.Close()

	src := newTestSource(t, srv.URL+"/simple/", 0, 0)

	_, err := src.ListProjects(context.Background())
	require.NoError(t, err)
	_, err = src.ListProjects(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestListProjects_StaleFallbackOnUpstreamFailure(t *testing.T) {
	t.Parallel()

	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<a href="jinja2/">Jinja2</a>`))
	}))
	defer srv.Close()

	src := newTestSource(t, srv.URL+"/simple/", time.Nanosecond, time.Minute)

	projects, err := src.ListProjects(context.Background())
	require.NoError(t, err)
	require.Len(t, projects, 1)

	time.Sleep(2 * time.Millisecond)
	failing.Store(true)

	projects, err = src.ListProjects(context.Background())
	require.NoError(t, err)
	require.Len(t, projects, 1, "must serve stale copy rather than fail")
}

func TestListFiles_NotFoundIsCachedNegatively(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src := newTestSource(t, srv.URL+"/simple/", time.Minute, time.Minute)

	files, found, err := src.ListFiles(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, files)

	_, found, err = src.ListFiles(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits), "404 must be cached")
}

func TestListFiles_NormalizesName(t *testing.T) {
	t.Parallel()

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<a href="Foo.Bar-1.0.tar.gz">Foo.Bar-1.0.tar.gz</a>`))
	}))
	defer srv.Close()

	src := newTestSource(t, srv.URL+"/simple/", time.Minute, time.Minute)

	files, found, err := src.ListFiles(context.Background(), "Foo_Bar")
	require.NoError(t, err)
	assert.True(t, found)
	require.Len(t, files, 1)
	assert.Equal(t, "/simple/foo-bar/", gotPath)
}

func TestInvalidateList_ForcesRefetch(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<a href="jinja2/">Jinja2</a>`))
	}))
	defer srv.Close()

	src := newTestSource(t, srv.URL+"/simple/", time.Minute, time.Minute)

	_, err := src.ListProjects(context.Background())
	require.NoError(t, err)

	src.InvalidateList()

	_, err = src.ListProjects(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestInvalidateProject_ForcesRefetch(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<a href="jinja2-1.0.tar.gz">jinja2-1.0.tar.gz</a>`))
	}))
	defer srv.Close()

	src := newTestSource(t, srv.URL+"/simple/", time.Minute, time.Minute)

	_, _, err := src.ListFiles(context.Background(), "jinja2")
	require.NoError(t, err)

	src.InvalidateProject("Jinja2")

	_, _, err = src.ListFiles(context.Background(), "jinja2")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestListProjects_UpstreamUnavailableWithoutStale(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := newTestSource(t, srv.URL+"/simple/", time.Minute, time.Minute)

	_, err := src.ListProjects(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, index.ErrUpstreamUnavailable)
}
