package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/proxpi/proxpi/internal/filecache"
	idx "github.com/proxpi/proxpi/internal/index"
	"github.com/proxpi/proxpi/internal/normalize"
)

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), mediaTypeSimpleJSON)
}

func (s *Server) getRootIndex(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "getRootIndex", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	projects, err := s.aggregator.ListProjects(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Add("Vary", "Accept")
	w.Header().Add("Vary", "Accept-Encoding")

	if wantsJSON(r) {
		err = writeRootJSON(w, projects)
	} else {
		err = writeRootHTML(w, projects)
	}
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("server: error writing root index response")
	}
}

func (s *Server) getProjectIndex(w http.ResponseWriter, r *http.Request) {
	rawName := chi.URLParam(r, "project")
	name := normalize.Name(rawName)
	if name != rawName {
		http.Redirect(w, r, "/index/"+name+"/", http.StatusPermanentRedirect)
		return
	}

	ctx, span := s.tracer.Start(r.Context(), "getProjectIndex",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("project", name)))
	defer span.End()

	files, err := s.aggregator.ListFiles(ctx, name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Add("Vary", "Accept")
	w.Header().Add("Vary", "Accept-Encoding")

	if wantsJSON(r) {
		err = writeFilesJSON(w, name, files)
	} else {
		err = writeFilesHTML(w, name, files)
	}
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("server: error writing project index response")
	}
}

func (s *Server) getFile(w http.ResponseWriter, r *http.Request) {
	rawName := chi.URLParam(r, "project")
	filename := chi.URLParam(r, "filename")
	name := normalize.Name(rawName)

	ctx, span := s.tracer.Start(r.Context(), "getFile",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("project", name), attribute.String("file", filename)))
	defer span.End()

	indexID, file, err := s.aggregator.ResolveFile(ctx, name, filename)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	key := filecache.Key{IndexID: indexID, Project: name, Filename: filename}
	res, err := s.files.GetOrFetch(ctx, key, file.URL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	switch {
	case res.Redirect:
		http.Redirect(w, r, res.UpstreamURL, http.StatusFound)

	case res.Stream != nil:
		defer res.Stream.Close()
		w.Header().Set("Content-Type", s.contentTypeFor(filename))
		if res.ContentLength > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(res.ContentLength, 10))
		}
		if _, err := io.Copy(w, res.Stream); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("server: error streaming file")
		}

	default:
		w.Header().Set("Content-Type", s.contentTypeFor(filename))
		http.ServeFile(w, r, res.Path)
	}
}

func (s *Server) contentTypeFor(filename string) string {
	if s.cfg.BinaryFileMIMEType {
		return "application/octet-stream"
	}
	if ct := mime.TypeByExtension(path.Ext(filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (s *Server) deleteCacheAll(w http.ResponseWriter, r *http.Request) {
	s.aggregator.InvalidateList()
	s.files.InvalidateAll()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) deleteCacheProject(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	s.aggregator.InvalidateProject(project)
	s.files.InvalidateProject(project)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, idx.ErrNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, idx.ErrInvalidName):
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
	case errors.Is(err, idx.ErrUpstreamUnavailable), errors.Is(err, filecache.ErrUpstreamUnavailable):
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("server: upstream unavailable")
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	case errors.Is(err, filecache.ErrIoError):
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("server: file cache io error")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("server: unexpected error")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
