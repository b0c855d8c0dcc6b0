// Package server exposes data files, features and attribute tables over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/schema"
	"github.com/johnwarden/httperror"
	"go.uber.org/zap"

	"github.com/turbolytics/mapfiles/internal"
	"github.com/turbolytics/mapfiles/internal/mapfile"
	"github.com/turbolytics/mapfiles/internal/processor"
	"github.com/turbolytics/mapfiles/internal/projection"
)

var decoder = func() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}()

type Store interface {
	ListDataFiles(ctx context.Context) ([]*mapfile.DataFile, error)
	CreateDataFile(ctx context.Context, d *mapfile.DataFile) error
	GetDataFile(ctx context.Context, id int64) (*mapfile.DataFile, error)
	UpdateDataFile(ctx context.Context, d *mapfile.DataFile) error
	DeleteDataFile(ctx context.Context, id int64) error
	FeaturesByDataFile(ctx context.Context, dataFileID int64) ([]*mapfile.Feature, error)
	GetFeature(ctx context.Context, id int64) (*mapfile.Feature, error)
	AttributesByFeature(ctx context.Context, featureID int64) ([]mapfile.Attribute, error)
	AttributeRecords(ctx context.Context, dataFileID int64) ([]projection.SerializedRecord, error)
	FieldNames(ctx context.Context, dataFileID int64) ([]string, error)
}

// Queue schedules data files for processing.
type Queue interface {
	Enqueue(id int64) bool
	Stats() processor.Stats
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithCacheMaxAge sets the Cache-Control max-age of GET responses.
func WithCacheMaxAge(d time.Duration) Option {
	return func(s *Server) {
		s.cacheMaxAge = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

type Server struct {
	store       Store
	repository  internal.Repository
	queue       Queue
	logger      *zap.Logger
	cacheMaxAge time.Duration
	now         func() time.Time
}

func New(store Store, repository internal.Repository, queue Queue, opts ...Option) *Server {
	s := &Server{
		store:       store,
		repository:  repository,
		queue:       queue,
		logger:      zap.NewNop(),
		cacheMaxAge: time.Minute,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(LogMiddleware(s.logger))

	r.Get("/health", s.health)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(gziphandler.GzipHandler)
		r.Use(s.cacheControl)

		r.Get("/processor", handle(s, "processor.stats", s.processorStats))

		r.Route("/datafiles", func(r chi.Router) {
			r.Get("/", handle(s, "datafiles.list", s.listDataFiles))
			r.Post("/", handle(s, "datafiles.create", s.createDataFile))

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", handle(s, "datafiles.get", s.getDataFile))
				r.Patch("/", handle(s, "datafiles.update", s.updateDataFile))
				r.Delete("/", handle(s, "datafiles.delete", s.deleteDataFile))
				r.Get("/features", handle(s, "datafiles.features", s.dataFileFeatures))
				r.Get("/table", handle(s, "datafiles.table", s.dataFileTable))
				r.Post("/process", handle(s, "datafiles.process", s.processDataFile))
			})
		})

		r.Get("/features/{id}", handle(s, "features.get", s.getFeature))
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// cacheControl sets Cache-Control on successful GET responses only.
func (s *Server) cacheControl(next http.Handler) http.Handler {
	value := "max-age=" + strconv.Itoa(int(s.cacheMaxAge.Seconds()))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(&cacheWriter{ResponseWriter: w, value: value}, r)
	})
}

type cacheWriter struct {
	http.ResponseWriter
	value       string
	wroteHeader bool
}

func (w *cacheWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		if status == http.StatusOK {
			w.Header().Set("Cache-Control", w.value)
		}
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *cacheWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// handle adapts an error returning handler into an http.HandlerFunc. Route
// and query parameters are decoded into P, latency is recorded per route and
// errors are rendered as JSON.
func handle[P any](s *Server, route string, h func(http.ResponseWriter, *http.Request, P) error) http.HandlerFunc {
	duration := metrics.GetOrCreateHistogram(`mapfiles_requests_duration_seconds{route="` + route + `"}`)
	errorsTotal := metrics.GetOrCreateCounter(`mapfiles_request_errors_total{route="` + route + `"}`)

	xh := httperror.XPanicMiddleware[P](httperror.XHandlerFunc[P](h))

	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer duration.UpdateDuration(start)

		var params P
		err := decodeParams(r, &params)
		if err != nil {
			err = httperror.Wrap(err, http.StatusBadRequest)
		} else {
			err = xh(w, r, params)
		}

		if err != nil {
			errorsTotal.Inc()
			s.writeError(w, route, err)
		}
	}
}

// decodeParams merges the chi route parameters with the URL query and
// decodes them into params.
func decodeParams(r *http.Request, params any) error {
	m := r.URL.Query()
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		for i, key := range rctx.URLParams.Keys {
			if key == "*" {
				continue
			}
			m[key] = append(m[key], rctx.URLParams.Values[i])
		}
	}
	if err := decoder.Decode(params, m); err != nil {
		return fmt.Errorf("decode parameters: %w", err)
	}
	return nil
}

// withStatus attaches a status to domain errors that do not carry one.
func withStatus(err error) error {
	if httperror.StatusCode(err) != http.StatusInternalServerError {
		return err
	}

	var mbe *http.MaxBytesError
	switch {
	case errors.Is(err, internal.ErrNotFound):
		return httperror.Wrap(err, http.StatusNotFound)
	case errors.As(err, &mbe),
		errors.Is(err, projection.ErrInvalidInput),
		errors.Is(err, mapfile.ErrInvalidZoom),
		errors.Is(err, mapfile.ErrFileTooLarge),
		errors.Is(err, mapfile.ErrUnknownFileType),
		errors.Is(err, mapfile.ErrUnknownEncoding):
		return httperror.Wrap(err, http.StatusBadRequest)
	}
	return err
}

func (s *Server) writeError(w http.ResponseWriter, route string, err error) {
	err = withStatus(err)
	status := httperror.StatusCode(err)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("route", route), zap.Error(err))
		msg = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type idParams struct {
	ID int64 `schema:"id"`
}

func validID(id int64) error {
	if id <= 0 {
		return httperror.New(http.StatusBadRequest, "invalid id")
	}
	return nil
}

// LogMiddleware logs every request once it completes.
func LogMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info("request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("from", r.RemoteAddr),
					zap.String("protocol", r.Proto),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
