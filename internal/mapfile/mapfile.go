// Package mapfile holds the geographic data file domain: uploaded data files,
// the features parsed out of them and the attributes attached to each feature.
package mapfile

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/turbolytics/mapfiles/internal"
)

const (
	// MaxFileSize is the largest upload accepted, in bytes.
	MaxFileSize = 12 * 1024 * 1024

	DefaultZoom = 10
	MinZoom     = 1
	MaxZoom     = 20
)

var (
	ErrFileTooLarge    = errors.New("file too large")
	ErrInvalidZoom     = errors.New("invalid zoom level")
	ErrUnknownFileType = errors.New("unknown file type")
	ErrUnknownEncoding = errors.New("unknown encoding")
)

type FileType string

const (
	FileTypeShapefileZip       FileType = "shapefile_zip"
	FileTypeKML                FileType = "kml"
	FileTypeKMZ                FileType = "kmz"
	FileTypeTracts             FileType = "tracts"
	FileTypeCountySubdivisions FileType = "county-subdivisions"
	FileTypeCounties           FileType = "counties"
	FileTypeStates             FileType = "states"
	FileTypePlaces             FileType = "places"
)

var fileTypes = []FileType{
	FileTypeShapefileZip,
	FileTypeKML,
	FileTypeKMZ,
	FileTypeTracts,
	FileTypeCountySubdivisions,
	FileTypeCounties,
	FileTypeStates,
	FileTypePlaces,
}

func ParseFileType(s string) (FileType, error) {
	for _, ft := range fileTypes {
		if string(ft) == s {
			return ft, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFileType, s)
}

// IsACS reports whether the file is an American Community Survey csv keyed
// by census geography.
func (ft FileType) IsACS() bool {
	switch ft {
	case FileTypeTracts, FileTypeCountySubdivisions, FileTypeCounties, FileTypeStates, FileTypePlaces:
		return true
	}
	return false
}

type Encoding string

const (
	EncodingASCII   Encoding = "ascii"
	EncodingLatin1  Encoding = "latin1"
	EncodingUTF8    Encoding = "utf8"
	EncodingUnknown Encoding = "UNKNOWN"
)

// ParseEncoding accepts the known encodings and the empty string.
func ParseEncoding(s string) (Encoding, error) {
	switch e := Encoding(s); e {
	case "", EncodingASCII, EncodingLatin1, EncodingUTF8, EncodingUnknown:
		return e, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEncoding, s)
}

func ValidateZoom(zoom int) error {
	if zoom < MinZoom || zoom > MaxZoom {
		return fmt.Errorf("%w: default zoom level must be a number between %d and %d", ErrInvalidZoom, MinZoom, MaxZoom)
	}
	return nil
}

func ValidateSize(size int64) error {
	if size > MaxFileSize {
		return fmt.Errorf("%w: max file size is %s", ErrFileTooLarge, humanize.IBytes(MaxFileSize))
	}
	return nil
}

// ImportResult counts what an importer read and saved.
type ImportResult struct {
	Rows     int
	Features int
}

type Point struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

type DataFile struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	FileType      FileType  `json:"file_type"`
	StoredFile    string    `json:"stored_file"`
	Encoding      Encoding  `json:"encoding"`
	FileSource    string    `json:"file_source"`
	Description   string    `json:"description"`
	SRSWKT        string    `json:"srs_wkt"`
	GeomType      string    `json:"geom_type"`
	DefaultZoom   *int      `json:"default_zoom"`
	DefaultCenter *Point    `json:"default_center"`
	Processed     bool      `json:"processed"`
	ProcessNote   string    `json:"process_note"`
	State         State     `json:"state"`
	FirstUploaded time.Time `json:"first_uploaded"`
	Updated       time.Time `json:"updated"`
}

// Filename is the base name of the stored file, as opposed to the display name.
func (d DataFile) Filename() string {
	return filepath.Base(d.StoredFile)
}

// Extension is the lower cased extension of the stored file, dot included.
func (d DataFile) Extension() string {
	return strings.ToLower(filepath.Ext(d.StoredFile))
}

func (d DataFile) Zoom() int {
	if d.DefaultZoom == nil || *d.DefaultZoom == 0 {
		return DefaultZoom
	}
	return *d.DefaultZoom
}

func (d DataFile) Model() string { return "mapfiles.datafile" }
func (d DataFile) PK() int64     { return d.ID }

func (d DataFile) Record() *internal.Record {
	var center any
	if d.DefaultCenter != nil {
		center = []float64{d.DefaultCenter.Lon, d.DefaultCenter.Lat}
	}
	var zoom any
	if d.DefaultZoom != nil {
		zoom = *d.DefaultZoom
	}
	return internal.NewRecord(
		[]string{
			"name", "file_type", "stored_file", "updated", "first_uploaded",
			"processed", "process_note", "encoding", "file_source",
			"description", "srs_wkt", "geom_type", "default_zoom", "default_center",
		},
		[]any{
			d.Name, string(d.FileType), d.StoredFile,
			d.Updated.Format(time.DateOnly), d.FirstUploaded.Format(time.DateOnly),
			d.Processed, d.ProcessNote, string(d.Encoding), d.FileSource,
			d.Description, d.SRSWKT, d.GeomType, zoom, center,
		},
	)
}

type Feature struct {
	ID           int64  `json:"id"`
	DataFileID   int64  `json:"datafile"`
	Reference    string `json:"reference"`
	FederalGeoID string `json:"federal_geo_id"`
	Geometry     string `json:"geometry"`
	Centroid     *Point `json:"centroid"`
}

func (f Feature) Model() string { return "mapfiles.feature" }
func (f Feature) PK() int64     { return f.ID }

func (f Feature) Record() *internal.Record {
	var centroid any
	if f.Centroid != nil {
		centroid = []float64{f.Centroid.Lon, f.Centroid.Lat}
	}
	return internal.NewRecord(
		[]string{"datafile", "reference", "federal_geo_id", "geometry", "centroid"},
		[]any{f.DataFileID, f.Reference, f.FederalGeoID, f.Geometry, centroid},
	)
}

type Attribute struct {
	ID         int64  `json:"id"`
	FeatureID  int64  `json:"feature"`
	FieldName  string `json:"field_name"`
	AttrType   string `json:"attr_type"`
	Width      *int   `json:"width"`
	Precision  *int   `json:"precision"`
	FieldValue string `json:"field_value"`
}

func (a Attribute) Model() string { return "mapfiles.attribute" }
func (a Attribute) PK() int64     { return a.ID }

func (a Attribute) Record() *internal.Record {
	var width, precision any
	if a.Width != nil {
		width = *a.Width
	}
	if a.Precision != nil {
		precision = *a.Precision
	}
	return internal.NewRecord(
		[]string{"feature", "field_name", "attr_type", "width", "precision", "field_value"},
		[]any{a.FeatureID, a.FieldName, a.AttrType, width, precision, a.FieldValue},
	)
}

func (a Attribute) String() string {
	return fmt.Sprintf("%s: %s", a.FieldName, a.FieldValue)
}
