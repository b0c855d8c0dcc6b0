package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/johnwarden/httperror"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/turbolytics/mapfiles/internal"
	"github.com/turbolytics/mapfiles/internal/catalog"
	"github.com/turbolytics/mapfiles/internal/geo"
	"github.com/turbolytics/mapfiles/internal/mapfile"
	"github.com/turbolytics/mapfiles/internal/projection"
	"github.com/turbolytics/mapfiles/internal/serializer"
)

const uploadPrefix = "uploads/mapfiles/datafiles"

// multipart overhead allowed on top of the file itself
const formOverhead = 1 << 20

var (
	errNameRequired = httperror.New(http.StatusBadRequest, "name is required")
	errQueueFull    = httperror.New(http.StatusServiceUnavailable, "processing queue is full")
)

type dataFileResponse struct {
	*mapfile.DataFile
	Lat  *float64 `json:"lat"`
	Lon  *float64 `json:"lon"`
	Zoom int      `json:"zoom"`
}

func newDataFileResponse(d *mapfile.DataFile) dataFileResponse {
	resp := dataFileResponse{DataFile: d, Zoom: d.Zoom()}
	if d.DefaultCenter != nil {
		resp.Lat = &d.DefaultCenter.Lat
		resp.Lon = &d.DefaultCenter.Lon
	}
	return resp
}

type noParams struct{}

func (s *Server) processorStats(w http.ResponseWriter, r *http.Request, _ noParams) error {
	writeJSON(w, http.StatusOK, s.queue.Stats())
	return nil
}

func (s *Server) listDataFiles(w http.ResponseWriter, r *http.Request, _ noParams) error {
	files, err := s.store.ListDataFiles(r.Context())
	if err != nil {
		return err
	}

	out := make([]dataFileResponse, len(files))
	for i, f := range files {
		out[i] = newDataFileResponse(f)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"datafiles": out,
		"count":     len(out),
	})
	return nil
}

type createForm struct {
	Name        string `schema:"name"`
	FileType    string `schema:"file_type"`
	Encoding    string `schema:"encoding"`
	Description string `schema:"description"`
	FileSource  string `schema:"file_source"`
	DefaultZoom *int   `schema:"default_zoom"`
}

func (s *Server) createDataFile(w http.ResponseWriter, r *http.Request, _ noParams) error {
	r.Body = http.MaxBytesReader(w, r.Body, mapfile.MaxFileSize+formOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return mapfile.ValidateSize(mbe.Limit)
		}
		return httperror.Wrap(fmt.Errorf("parsing form: %w", err), http.StatusBadRequest)
	}

	var form createForm
	if err := decoder.Decode(&form, r.MultipartForm.Value); err != nil {
		return httperror.Wrap(err, http.StatusBadRequest)
	}

	if strings.TrimSpace(form.Name) == "" {
		return errNameRequired
	}
	ft, err := mapfile.ParseFileType(form.FileType)
	if err != nil {
		return err
	}
	enc, err := mapfile.ParseEncoding(form.Encoding)
	if err != nil {
		return err
	}
	if form.DefaultZoom != nil {
		if err := mapfile.ValidateZoom(*form.DefaultZoom); err != nil {
			return err
		}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return httperror.New(http.StatusBadRequest, "file is required")
	}
	defer file.Close()

	if err := mapfile.ValidateSize(header.Size); err != nil {
		return err
	}

	key := UploadKey(s.now(), header.Filename)
	if err := s.repository.Write(r.Context(), key, file); err != nil {
		return err
	}

	df := &mapfile.DataFile{
		Name:        form.Name,
		FileType:    ft,
		StoredFile:  key,
		Encoding:    enc,
		Description: form.Description,
		FileSource:  form.FileSource,
		DefaultZoom: form.DefaultZoom,
	}
	if err := s.store.CreateDataFile(r.Context(), df); err != nil {
		return err
	}

	queued := s.queue.Enqueue(df.ID)
	s.logger.Info("datafile uploaded",
		zap.Int64("id", df.ID),
		zap.String("stored_file", key),
		zap.Bool("queued", queued),
	)

	writeJSON(w, http.StatusCreated, newDataFileResponse(df))
	return nil
}

// UploadKey is the repository key for an upload received at t.
func UploadKey(t time.Time, filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	return path.Join(uploadPrefix, t.Format("2006/01/02"), uuid.NewString()+ext)
}

func (s *Server) getDataFile(w http.ResponseWriter, r *http.Request, p idParams) error {
	if err := validID(p.ID); err != nil {
		return err
	}
	id := p.ID
	df, err := s.store.GetDataFile(r.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, newDataFileResponse(df))
	return nil
}

type updateRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	FileSource  *string `json:"file_source"`
	DefaultZoom *int    `json:"default_zoom"`
	Encoding    *string `json:"encoding"`
}

func (s *Server) updateDataFile(w http.ResponseWriter, r *http.Request, p idParams) error {
	if err := validID(p.ID); err != nil {
		return err
	}
	id := p.ID

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return httperror.Wrap(fmt.Errorf("decoding body: %w", err), http.StatusBadRequest)
	}

	df, err := s.store.GetDataFile(r.Context(), id)
	if err != nil {
		return err
	}

	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return errNameRequired
		}
		df.Name = *req.Name
	}
	if req.Description != nil {
		df.Description = *req.Description
	}
	if req.FileSource != nil {
		df.FileSource = *req.FileSource
	}
	if req.DefaultZoom != nil {
		if err := mapfile.ValidateZoom(*req.DefaultZoom); err != nil {
			return err
		}
		df.DefaultZoom = req.DefaultZoom
	}
	if req.Encoding != nil {
		enc, err := mapfile.ParseEncoding(*req.Encoding)
		if err != nil {
			return err
		}
		df.Encoding = enc
	}

	if err := s.store.UpdateDataFile(r.Context(), df); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, newDataFileResponse(df))
	return nil
}

func (s *Server) deleteDataFile(w http.ResponseWriter, r *http.Request, p idParams) error {
	if err := validID(p.ID); err != nil {
		return err
	}
	id := p.ID
	df, err := s.store.GetDataFile(r.Context(), id)
	if err != nil {
		return err
	}

	for _, key := range []string{df.StoredFile, catalog.Key(df.StoredFile)} {
		if err := s.repository.Delete(r.Context(), key); err != nil && !errors.Is(err, internal.ErrNotFound) {
			return err
		}
	}

	if err := s.store.DeleteDataFile(r.Context(), id); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type featuresParams struct {
	ID  int64    `schema:"id"`
	Lat *float64 `schema:"lat"`
	Lon *float64 `schema:"lon"`
}

// dataFileFeatures lists the features of a data file. Given lat and lon it
// lists only the features whose geometry contains that point.
func (s *Server) dataFileFeatures(w http.ResponseWriter, r *http.Request, p featuresParams) error {
	if err := validID(p.ID); err != nil {
		return err
	}
	if (p.Lat == nil) != (p.Lon == nil) {
		return httperror.New(http.StatusBadRequest, "lat and lon must be given together")
	}
	if _, err := s.store.GetDataFile(r.Context(), p.ID); err != nil {
		return err
	}

	features, err := s.store.FeaturesByDataFile(r.Context(), p.ID)
	if err != nil {
		return err
	}
	if p.Lat != nil {
		pt := mapfile.Point{Lon: *p.Lon, Lat: *p.Lat}
		if features, err = geo.FeaturesAt(features, pt); err != nil {
			return err
		}
	}
	records, err := serializer.Serialize(features)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	return serializer.Encode(w, records)
}

const (
	formatRows    = "rows"
	formatRecords = "records"
)

type tableParams struct {
	ID     int64    `schema:"id"`
	Fields []string `schema:"fields"`
	Format string   `schema:"format"`
}

// fields accepts repeated and comma separated values: fields=a&fields=b,c
func (q tableParams) fields() []string {
	var out []string
	for _, f := range q.Fields {
		for _, part := range strings.Split(f, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

type tableResponse struct {
	Fields []string `json:"fields"`
	Rows   [][]any  `json:"rows"`
}

func (s *Server) dataFileTable(w http.ResponseWriter, r *http.Request, q tableParams) error {
	if err := validID(q.ID); err != nil {
		return err
	}
	id := q.ID

	if q.Format == "" {
		q.Format = formatRows
	}
	if q.Format != formatRows && q.Format != formatRecords {
		return httperror.Wrap(fmt.Errorf("unsupported format: %q", q.Format), http.StatusBadRequest)
	}

	if _, err := s.store.GetDataFile(r.Context(), id); err != nil {
		return err
	}

	// columns follow the order of the source file, not the query
	fields, err := s.store.FieldNames(r.Context(), id)
	if err != nil {
		return err
	}
	if wanted := q.fields(); len(wanted) > 0 {
		fields = lo.Filter(fields, func(f string, _ int) bool {
			return lo.Contains(wanted, f)
		})
	}

	records, err := s.store.AttributeRecords(r.Context(), id)
	if err != nil {
		return err
	}
	projected, err := projection.Project(records, fields)
	if err != nil {
		return err
	}

	if q.Format == formatRecords {
		writeJSON(w, http.StatusOK, projected)
		return nil
	}
	writeJSON(w, http.StatusOK, tableResponse{
		Fields: fields,
		Rows:   projection.Flatten(projected),
	})
	return nil
}

func (s *Server) processDataFile(w http.ResponseWriter, r *http.Request, p idParams) error {
	if err := validID(p.ID); err != nil {
		return err
	}
	id := p.ID
	if _, err := s.store.GetDataFile(r.Context(), id); err != nil {
		return err
	}

	if !s.queue.Enqueue(id) {
		return errQueueFull
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "queued": true})
	return nil
}

func (s *Server) getFeature(w http.ResponseWriter, r *http.Request, p idParams) error {
	if err := validID(p.ID); err != nil {
		return err
	}
	id := p.ID
	if _, err := s.store.GetFeature(r.Context(), id); err != nil {
		return err
	}

	attrs, err := s.store.AttributesByFeature(r.Context(), id)
	if err != nil {
		return err
	}
	records, err := serializer.Serialize(attrs, "field_name", "field_value")
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	return serializer.Encode(w, records)
}
