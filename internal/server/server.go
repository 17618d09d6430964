// Package server implements the HTTP Contract Layer: the thin
// boundary mapping requests onto Cache Aggregator and File Cache
// operations, per spec.md §6.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"
	otelchimetric "github.com/riandyrn/otelchi/metric"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/proxpi/proxpi/internal/aggregator"
	"github.com/proxpi/proxpi/internal/filecache"
)

const tracerName = "github.com/proxpi/proxpi/internal/server"

const (
	mediaTypeSimpleJSON = "application/vnd.pypi.simple.v1+json"
	apiVersion           = "1.0"
)

// Config carries the ambient HTTP-layer options of spec.md §6 that
// don't belong to the aggregator or file cache themselves.
type Config struct {
	// BinaryFileMIMEType forces application/octet-stream for every
	// artifact response (PROXPI_BINARY_FILE_MIME_TYPE).
	BinaryFileMIMEType bool
}

// Server is the chi-routed HTTP handler exposing spec.md §6's routes.
type Server struct {
	aggregator *aggregator.Aggregator
	files      *filecache.Cache
	cfg        Config

	router *chi.Mux
	tracer trace.Tracer
}

// New builds a Server. Call ServeHTTP directly or pass the Server to
// http.ListenAndServe as the handler.
func New(agg *aggregator.Aggregator, files *filecache.Cache, cfg Config) *Server {
	s := &Server{
		aggregator: agg,
		files:      files,
		cfg:        cfg,
		tracer:     otel.Tracer(tracerName),
	}
	s.createRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) createRouter() {
	s.router = chi.NewRouter()

	mp := otel.GetMeterProvider()
	baseCfg := otelchimetric.NewBaseConfig(tracerName, otelchimetric.WithMeterProvider(mp))

	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(
		otelchi.Middleware(tracerName, otelchi.WithChiRoutes(s.router)),
		otelchimetric.NewRequestDurationMillis(baseCfg),
		otelchimetric.NewRequestInFlight(baseCfg),
		otelchimetric.NewResponseSizeBytes(baseCfg),
	)
	s.router.Use(requestLogger)

	s.router.Get("/health", s.getHealth)
	s.router.Get("/index/", s.getRootIndex)
	s.router.Get("/index/{project}/", s.getProjectIndex)
	s.router.Get("/index/{project}/{filename}", s.getFile)
	s.router.Delete("/cache/list", s.deleteCacheAll)
	s.router.Delete("/cache/{project}", s.deleteCacheProject)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()

		span := trace.SpanFromContext(r.Context())

		log := zerolog.Ctx(r.Context()).With().
			Str("method", r.Method).
			Str("request-uri", r.RequestURI).
			Str("from", r.RemoteAddr).
			Logger()

		if span.SpanContext().HasTraceID() {
			log = log.With().Str("trace-id", span.SpanContext().TraceID().String()).Logger()
		}
		if span.SpanContext().HasSpanID() {
			log = log.With().Str("span-id", span.SpanContext().SpanID().String()).Logger()
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			reqLog := log.With().
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(startedAt)).
				Logger()
			reqLog.Info().Msg("handled request")
		}()

		r = r.WithContext(log.WithContext(r.Context()))

		next.ServeHTTP(ww, r)
	})
}
