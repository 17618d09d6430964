// Package index implements a single Index Source: an upstream Simple
// Repository index, its parsed listings cached in memory with a
// per-listing TTL.
package index

import (
	"bufio"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/proxpi/proxpi/internal/metrics"
	"github.com/proxpi/proxpi/internal/normalize"
)

var tracer = otel.Tracer("github.com/proxpi/proxpi/internal/index")

// credentialsPattern matches basic-auth userinfo embedded in a URL, as
// it would appear inside an *http.Client error's message.
var credentialsPattern = regexp.MustCompile(`://([^:/@\s]+):([^@/\s]+)@`)

// maskCredentials masks a URL's basic-auth password wherever it
// surfaces in logged text, mirroring the original implementation's
// _mask_password for upstream index URLs.
func maskCredentials(s string) string {
	return credentialsPattern.ReplaceAllString(s, "://$1:****@")
}

const (
	acceptHeader  = "application/vnd.pypi.simple.v1+json, text/html;q=0.9"
	jsonMediaType = "application/vnd.pypi.simple.v1+json"
	maxRetries    = 2
)

// Config configures a Source.
type Config struct {
	BaseURL            string
	ListTTL            time.Duration
	ProjectTTL         time.Duration
	UserAgent          string
	ConnectTimeout     time.Duration
	ReadTimeout        time.Duration
	InsecureSkipVerify bool
	Metrics            *metrics.Recorder
}

type rootListing struct {
	populatedAt time.Time
	entries     []Project
}

type projectListing struct {
	populatedAt time.Time
	files       []File
	notFound    bool
}

// Source talks to a single upstream index, caching parsed root and
// per-project listings with independent TTLs. A zero-value TTL
// disables caching for that listing kind. The cache mutex is held only
// for map reads/writes; upstream fetches run outside the lock so a
// slow refresh never blocks readers of other entries.
type Source struct {
	base       *url.URL
	listTTL    time.Duration
	projectTTL time.Duration
	userAgent  string
	client     *http.Client

	metrics *metrics.Recorder

	mu        sync.Mutex
	root      rootListing
	rootValid bool
	projects  map[string]*projectListing
}

// New constructs a Source for the given upstream base URL.
func New(cfg Config) (*Source, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("index: invalid base URL %q: %w", cfg.BaseURL, err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "proxpi"
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		// Decompress ourselves so Brotli-encoded upstreams work too;
		// the standard transport only self-decodes gzip.
		DisableCompression: true,
		DialContext:        dialer.DialContext,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via PROXPI_DISABLE_INDEX_SSL_VERIFICATION
	}

	var overall time.Duration
	if cfg.ConnectTimeout > 0 || cfg.ReadTimeout > 0 {
		overall = cfg.ConnectTimeout + cfg.ReadTimeout
	}

	return &Source{
		base:       base,
		listTTL:    cfg.ListTTL,
		projectTTL: cfg.ProjectTTL,
		userAgent:  userAgent,
		client: &http.Client{
			Transport: transport,
			Timeout:   overall,
		},
		metrics:  cfg.Metrics,
		projects: make(map[string]*projectListing),
	}, nil
}

func (s *Source) fresh(populatedAt time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return time.Since(populatedAt) < ttl
}

// ListProjects returns the root listing's display names, refreshing
// from upstream if the cached copy is stale or absent. On refresh
// failure it falls back to a stale copy when one exists (availability
// over freshness), and otherwise surfaces ErrUpstreamUnavailable.
func (s *Source) ListProjects(ctx context.Context) ([]Project, error) {
	ctx, span := tracer.Start(ctx, "index.ListProjects")
	defer span.End()

	s.mu.Lock()
	if s.rootValid && s.fresh(s.root.populatedAt, s.listTTL) {
		entries := s.root.entries
		s.mu.Unlock()
		s.metrics.IndexListHit(ctx)
		return entries, nil
	}
	stale, hadStale := s.root.entries, s.rootValid
	s.mu.Unlock()
	s.metrics.IndexListMiss(ctx)

	body, contentType, effective, err := s.fetch(ctx, "")
	if err != nil {
		if hadStale {
			zerolog.Ctx(ctx).Warn().Str("error", maskCredentials(err.Error())).Msg("index: root listing refresh failed, serving stale copy")
			return stale, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer body.Close()

	entries, err := s.parseRoot(body, contentType, effective)
	if err != nil {
		if hadStale {
			zerolog.Ctx(ctx).Warn().Str("error", maskCredentials(err.Error())).Msg("index: root listing parse failed, serving stale copy")
			return stale, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUpstreamUnavailable, err)
	}

	s.mu.Lock()
	s.root = rootListing{populatedAt: time.Now(), entries: entries}
	s.rootValid = true
	s.mu.Unlock()

	return entries, nil
}

// ListFiles returns the file list for a project, normalizing name
// first. found is false when the upstream reported the project
// unknown (a 404, cached with the same TTL as a successful listing).
func (s *Source) ListFiles(ctx context.Context, projectName string) ([]File, bool, error) {
	name := normalize.Name(projectName)
	if name == "" || strings.ContainsFunc(name, func(r rune) bool {
		return (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-'
	}) {
		return nil, false, ErrInvalidName
	}

	ctx, span := tracer.Start(ctx, "index.ListFiles", trace.WithAttributes(attribute.String("project", name)))
	defer span.End()

	s.mu.Lock()
	if entry, ok := s.projects[name]; ok && s.fresh(entry.populatedAt, s.projectTTL) {
		files, notFound := entry.files, entry.notFound
		s.mu.Unlock()
		s.metrics.IndexListHit(ctx)
		return files, !notFound, nil
	}
	var stale *projectListing
	if entry, ok := s.projects[name]; ok {
		cp := *entry
		stale = &cp
	}
	s.mu.Unlock()
	s.metrics.IndexListMiss(ctx)

	body, contentType, effective, err := s.fetch(ctx, name+"/")
	switch {
	case errors.Is(err, ErrNotFound):
		s.mu.Lock()
		s.projects[name] = &projectListing{populatedAt: time.Now(), notFound: true}
		s.mu.Unlock()
		return nil, false, nil

	case err != nil:
		if stale != nil {
			zerolog.Ctx(ctx).Warn().Str("error", maskCredentials(err.Error())).Str("project", name).Msg("index: project listing refresh failed, serving stale copy")
			return stale.files, !stale.notFound, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	defer body.Close()

	files, err := s.parseFiles(body, contentType, effective)
	if err != nil {
		if stale != nil {
			return stale.files, !stale.notFound, nil
		}
		return nil, false, fmt.Errorf("%w: %s", ErrUpstreamUnavailable, err)
	}

	s.mu.Lock()
	s.projects[name] = &projectListing{populatedAt: time.Now(), files: files}
	s.mu.Unlock()

	return files, true, nil
}

// InvalidateList drops the cached root listing.
func (s *Source) InvalidateList() {
	s.mu.Lock()
	s.root = rootListing{}
	s.rootValid = false
	s.mu.Unlock()
}

// InvalidateProject drops the cached listing for a single project.
func (s *Source) InvalidateProject(name string) {
	key := normalize.Name(name)
	s.mu.Lock()
	delete(s.projects, key)
	s.mu.Unlock()
}

func (s *Source) parseRoot(body io.Reader, contentType string, base *url.URL) ([]Project, error) {
	br := bufio.NewReader(body)
	if isJSONStream(contentType, br) {
		return parseRootJSON(br)
	}
	return parseRootHTML(br, base)
}

func (s *Source) parseFiles(body io.Reader, contentType string, base *url.URL) ([]File, error) {
	br := bufio.NewReader(body)
	if isJSONStream(contentType, br) {
		return parseFilesJSON(br, base)
	}
	return parseFilesHTML(br, base)
}

// isJSONStream decides the listing format without buffering the whole
// body: the Content-Type header settles it when present, otherwise it
// peeks past leading whitespace for a '{'.
func isJSONStream(contentType string, br *bufio.Reader) bool {
	if strings.Contains(contentType, jsonMediaType) {
		return true
	}
	peek, _ := br.Peek(32)
	for _, c := range peek {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return c == '{'
		}
	}
	return false
}

// fetch performs a GET against relPath (resolved against the source's
// base URL), retrying a bounded number of times with jittered backoff
// on transport-level and 5xx failures. A 404 surfaces as ErrNotFound
// without retrying.
func (s *Source) fetch(ctx context.Context, relPath string) (io.ReadCloser, string, *url.URL, error) {
	target, err := s.base.Parse(relPath)
	if err != nil {
		return nil, "", nil, fmt.Errorf("%w: %s", ErrInvalidName, err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := s.sleepBackoff(ctx, attempt); err != nil {
				return nil, "", nil, err
			}
		}

		resp, err := s.doRequest(ctx, target)
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return nil, "", resp.Request.URL, ErrNotFound
		case resp.StatusCode == http.StatusOK:
			reader, err := decodeBody(resp)
			if err != nil {
				resp.Body.Close()
				return nil, "", resp.Request.URL, err
			}
			return &decodedBody{Reader: reader, underlying: resp.Body}, resp.Header.Get("Content-Type"), resp.Request.URL, nil
		case resp.StatusCode >= http.StatusInternalServerError:
			resp.Body.Close()
			lastErr = fmt.Errorf("upstream status %d", resp.StatusCode)
		default:
			status := resp.StatusCode
			effective := resp.Request.URL
			resp.Body.Close()
			return nil, "", effective, fmt.Errorf("%w: unexpected upstream status %d", ErrUpstreamUnavailable, status)
		}
	}

	return nil, "", nil, fmt.Errorf("%w: %s", ErrUpstreamUnavailable, lastErr)
}

// decodedBody pairs a (possibly decompressing) reader with the
// underlying response body it must close.
type decodedBody struct {
	io.Reader
	underlying io.Closer
}

func (d *decodedBody) Close() error {
	return d.underlying.Close()
}

func (s *Source) sleepBackoff(ctx context.Context, attempt int) error {
	backoff := time.Duration(attempt) * 100 * time.Millisecond
	backoff += time.Duration(rand.Int63n(int64(50 * time.Millisecond))) //nolint:gosec // jitter, not security sensitive

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
		return nil
	}
}

func (s *Source) doRequest(ctx context.Context, target *url.URL) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Accept-Encoding", "gzip, br")
	req.Header.Set("User-Agent", s.userAgent)

	return s.client.Do(req)
}

func decodeBody(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}
