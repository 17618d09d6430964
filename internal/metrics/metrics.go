// Package metrics wires the OpenTelemetry instruments shared by the
// Index Source, File Cache and HTTP layers into a single Recorder.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Recorder holds every instrument proxpi publishes. A nil *Recorder is
// valid — every method is a no-op — so callers can be built and tested
// without a meter provider wired up.
type Recorder struct {
	fileCacheHits     metric.Int64Counter
	fileCacheMisses   metric.Int64Counter
	evictions         metric.Int64Counter
	bytesFreed        metric.Int64Counter
	downloadLatency   metric.Float64Histogram
	inFlightDownloads metric.Int64UpDownCounter
	indexListHits     metric.Int64Counter
	indexListMisses   metric.Int64Counter
}

// New registers every instrument against meter. Call once at startup
// with the meter obtained from the process's MeterProvider.
func New(meter metric.Meter) (*Recorder, error) {
	var r Recorder
	var err error

	if r.fileCacheHits, err = meter.Int64Counter(
		"proxpi.filecache.hits",
		metric.WithDescription("File Cache READY hits"),
	); err != nil {
		return nil, err
	}
	if r.fileCacheMisses, err = meter.Int64Counter(
		"proxpi.filecache.misses",
		metric.WithDescription("File Cache misses that triggered a download"),
	); err != nil {
		return nil, err
	}
	if r.evictions, err = meter.Int64Counter(
		"proxpi.filecache.evictions",
		metric.WithDescription("File Cache entries evicted"),
	); err != nil {
		return nil, err
	}
	if r.bytesFreed, err = meter.Int64Counter(
		"proxpi.filecache.bytes_freed",
		metric.WithDescription("Bytes freed by File Cache eviction"),
	); err != nil {
		return nil, err
	}
	if r.downloadLatency, err = meter.Float64Histogram(
		"proxpi.filecache.download_latency_seconds",
		metric.WithDescription("Upstream artifact download latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if r.inFlightDownloads, err = meter.Int64UpDownCounter(
		"proxpi.filecache.inflight_downloads",
		metric.WithDescription("Downloads currently in flight"),
	); err != nil {
		return nil, err
	}
	if r.indexListHits, err = meter.Int64Counter(
		"proxpi.index.list_cache_hits",
		metric.WithDescription("Index listing served from cache"),
	); err != nil {
		return nil, err
	}
	if r.indexListMisses, err = meter.Int64Counter(
		"proxpi.index.list_cache_misses",
		metric.WithDescription("Index listing required an upstream fetch"),
	); err != nil {
		return nil, err
	}

	return &r, nil
}

func (r *Recorder) FileCacheHit(ctx context.Context) {
	if r == nil {
		return
	}
	r.fileCacheHits.Add(ctx, 1)
}

func (r *Recorder) FileCacheMiss(ctx context.Context) {
	if r == nil {
		return
	}
	r.fileCacheMisses.Add(ctx, 1)
}

func (r *Recorder) Eviction(ctx context.Context, bytesFreed int64) {
	if r == nil {
		return
	}
	r.evictions.Add(ctx, 1)
	r.bytesFreed.Add(ctx, bytesFreed)
}

func (r *Recorder) DownloadStarted(ctx context.Context) {
	if r == nil {
		return
	}
	r.inFlightDownloads.Add(ctx, 1)
}

func (r *Recorder) DownloadFinished(ctx context.Context, elapsedSeconds float64) {
	if r == nil {
		return
	}
	r.inFlightDownloads.Add(ctx, -1)
	r.downloadLatency.Record(ctx, elapsedSeconds)
}

func (r *Recorder) IndexListHit(ctx context.Context) {
	if r == nil {
		return
	}
	r.indexListHits.Add(ctx, 1)
}

func (r *Recorder) IndexListMiss(ctx context.Context) {
	if r == nil {
		return
	}
	r.indexListMisses.Add(ctx, 1)
}
