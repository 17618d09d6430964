// Package filecache implements the File Cache and Download Coordinator:
// an on-disk cache of downloaded artifacts bounded by a byte budget,
// with single-flight download coalescing and a bounded-latency
// fallback to an upstream redirect.
package filecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/proxpi/proxpi/internal/metrics"
	"github.com/proxpi/proxpi/internal/normalize"
)

// Error kinds surfaced by GetOrFetch, matching spec.md §7.
var (
	// ErrUpstreamUnavailable means the upstream fetch itself failed.
	ErrUpstreamUnavailable = errors.New("filecache: upstream unavailable")

	// ErrIoError means a local disk write or rename failed; the
	// DOWNLOADING entry is always rolled back to ABSENT before this is
	// returned.
	ErrIoError = errors.New("filecache: local io error")
)

const downloadChunkSize = 16 * 1024

// Result is the outcome of GetOrFetch: exactly one of a ready local
// path, a redirect instruction, or (only when caching is disabled) a
// live upstream stream the caller must copy through and close.
type Result struct {
	Path string

	Redirect    bool
	UpstreamURL string

	Stream        io.ReadCloser
	ContentLength int64
}

// Config configures a Cache.
type Config struct {
	Dir             string
	ByteBudget      int64
	DownloadTimeout time.Duration
	HTTPClient      *http.Client
	Metrics         *metrics.Recorder
	Logger          zerolog.Logger
}

// Cache maps (index, project, file) keys to on-disk paths, downloading
// on miss and evicting to stay within its byte budget. One mutex
// covers the entry map, the downloading map, and the byte-accounting
// total; it is held only for those mutations, never across network or
// disk I/O (spec.md §5).
type Cache struct {
	dir             string
	budget          int64
	downloadTimeout time.Duration
	client          *http.Client
	metrics         *metrics.Recorder
	logger          zerolog.Logger

	mu         sync.Mutex
	entries    map[Key]*entry
	downloads  map[Key]*download
	totalBytes int64
}

// New constructs a Cache rooted at cfg.Dir. A zero ByteBudget disables
// on-disk caching entirely: GetOrFetch always streams the upstream
// response straight through.
func New(cfg Config) (*Cache, error) {
	if cfg.ByteBudget > 0 {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("filecache: creating cache directory: %w", err)
		}
	}

	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	return &Cache{
		dir:             cfg.Dir,
		budget:          cfg.ByteBudget,
		downloadTimeout: cfg.DownloadTimeout,
		client:          client,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		entries:         make(map[Key]*entry),
		downloads:       make(map[Key]*download),
	}, nil
}

// Dir returns the cache directory this Cache was constructed with.
func (c *Cache) Dir() string {
	return c.dir
}

// GetOrFetch implements spec.md §4.3's get_or_fetch: a READY entry is
// served immediately; a DOWNLOADING entry is waited on up to
// DownloadTimeout before falling back to a redirect; a miss starts a
// detached download and waits the same way.
func (c *Cache) GetOrFetch(ctx context.Context, key Key, upstreamURL string) (Result, error) {
	if c.budget <= 0 {
		return c.passthrough(ctx, upstreamURL)
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && e.state == stateReady {
		e.lastAccess = time.Now()
		path := e.path
		c.mu.Unlock()
		c.metrics.FileCacheHit(ctx)
		return Result{Path: path}, nil
	}

	dl, waiting := c.downloads[key]
	if !waiting {
		dl = newDownload()
		c.downloads[key] = dl
		c.entries[key] = &entry{state: stateDownloading}
		c.mu.Unlock()
		c.metrics.FileCacheMiss(ctx)
		go c.runDownload(key, upstreamURL, dl)
	} else {
		c.mu.Unlock()
	}

	timer := time.NewTimer(c.downloadTimeout)
	defer timer.Stop()

	select {
	case <-dl.done:
		res := dl.result
		if res.err != nil {
			return Result{}, res.err
		}
		return Result{Path: res.path}, nil
	case <-timer.C:
		return Result{Redirect: true, UpstreamURL: upstreamURL}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// passthrough handles the zero-byte-budget case: every request
// downloads directly, nothing is ever written to disk, and the cache
// records nothing.
func (c *Cache) passthrough(ctx context.Context, upstreamURL string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstreamURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrUpstreamUnavailable, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return Result{}, fmt.Errorf("%w: upstream status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	return Result{Stream: resp.Body, ContentLength: resp.ContentLength}, nil
}

// runDownload is the Download Coordinator's producer: it runs detached
// from any request's lifetime, on a context independent of the caller
// that triggered it, and fulfills dl exactly once.
func (c *Cache) runDownload(key Key, upstreamURL string, dl *download) {
	c.metrics.DownloadStarted(context.Background())
	started := time.Now()

	path, size, err := c.download(context.Background(), key, upstreamURL)

	c.metrics.DownloadFinished(context.Background(), time.Since(started).Seconds())

	if err != nil {
		c.mu.Lock()
		c.entries[key] = &entry{state: stateAbsent}
		delete(c.downloads, key)
		c.mu.Unlock()

		c.logger.Error().Err(err).
			Int("index", key.IndexID).Str("project", key.Project).Str("file", key.Filename).
			Msg("filecache: download failed")
		dl.complete(downloadResult{err: err})
		return
	}

	c.mu.Lock()
	c.entries[key] = &entry{state: stateReady, path: path, size: size, lastAccess: time.Now()}
	c.totalBytes += size
	delete(c.downloads, key)
	c.mu.Unlock()

	dl.complete(downloadResult{path: path, size: size})

	c.evict()
}

// download streams upstreamURL to a uniquely named temporary file
// inside the entry's final directory, then atomically renames it into
// place. Exactly one rename occurs per successful download; any
// failure removes the temp file and is reported as ErrIoError or
// ErrUpstreamUnavailable.
func (c *Cache) download(ctx context.Context, key Key, upstreamURL string) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstreamURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s", ErrUpstreamUnavailable, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("%w: upstream status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	dir := filepath.Join(c.dir, strconv.Itoa(key.IndexID), key.Project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("%w: %s", ErrIoError, err)
	}

	finalPath := filepath.Join(dir, key.Filename)
	tmpPath := filepath.Join(dir, fmt.Sprintf("%s.%s.tmp", key.Filename, uuid.NewString()))

	tmp, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s", ErrIoError, err)
	}

	buf := make([]byte, downloadChunkSize)
	size, copyErr := io.CopyBuffer(tmp, resp.Body, buf)
	closeErr := tmp.Close()

	if copyErr != nil || closeErr != nil {
		os.Remove(tmpPath)
		if copyErr != nil {
			return "", 0, fmt.Errorf("%w: %s", ErrIoError, copyErr)
		}
		return "", 0, fmt.Errorf("%w: %s", ErrIoError, closeErr)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("%w: %s", ErrIoError, err)
	}

	return finalPath, size, nil
}

// evict removes READY entries — smallest size first, ties broken by
// oldest last-access — until totalBytes is within budget. A single
// artifact larger than the budget is therefore downloaded, served to
// its originating waiter, and evicted on the very next pass: the
// budget is a soft ceiling during active transfers.
func (c *Cache) evict() {
	c.mu.Lock()
	var toDelete []string
	var freed int64
	for c.totalBytes > c.budget {
		victimKey, victim := smallestOldestReady(c.entries)
		if victim == nil {
			break
		}
		delete(c.entries, victimKey)
		c.totalBytes -= victim.size
		freed += victim.size
		toDelete = append(toDelete, victim.path)
	}
	c.mu.Unlock()

	for _, path := range toDelete {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn().Err(err).Str("path", path).Msg("filecache: eviction failed to remove file")
		}
	}
	if len(toDelete) > 0 {
		c.metrics.Eviction(context.Background(), freed)
	}
}

func smallestOldestReady(entries map[Key]*entry) (Key, *entry) {
	var bestKey Key
	var best *entry
	for k, e := range entries {
		if e.state != stateReady {
			continue
		}
		if best == nil || e.size < best.size || (e.size == best.size && e.lastAccess.Before(best.lastAccess)) {
			bestKey, best = k, e
		}
	}
	return bestKey, best
}

// InvalidateAll evicts every READY entry, across every index.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	var toDelete []string
	for k, e := range c.entries {
		if e.state == stateReady {
			toDelete = append(toDelete, e.path)
		}
		delete(c.entries, k)
	}
	c.totalBytes = 0
	c.mu.Unlock()

	c.removeAll(toDelete)
}

// InvalidateProject evicts every READY entry belonging to project,
// across every index.
func (c *Cache) InvalidateProject(project string) {
	name := normalize.Name(project)

	c.mu.Lock()
	var toDelete []string
	for k, e := range c.entries {
		if k.Project != name {
			continue
		}
		if e.state == stateReady {
			toDelete = append(toDelete, e.path)
			c.totalBytes -= e.size
		}
		delete(c.entries, k)
	}
	c.mu.Unlock()

	c.removeAll(toDelete)
}

func (c *Cache) removeAll(paths []string) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn().Err(err).Str("path", path).Msg("filecache: invalidation failed to remove file")
		}
	}
}
