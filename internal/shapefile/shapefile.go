// Package shapefile imports zipped ESRI shapefiles. Every shape becomes a
// feature with GeoJSON geometry and every dbf column an attribute.
//
// Geometry is stored in the coordinate system of the .prj file. Nothing is
// reprojected; srs_wkt records which system that is.
package shapefile

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"go.uber.org/zap"

	"github.com/turbolytics/mapfiles/internal"
	"github.com/turbolytics/mapfiles/internal/mapfile"
)

const (
	NoteInitiated   = "Initiated datafile processing."
	NoteInvalidZip  = "Exception raised: Not a valid ZIP archive."
	NoteMissing     = "Exception raised: Archive missing the following file types: %s"
	NoteFound       = "Shapefile found in zip. Processing shapefile."
	NoteProcessing  = "Processing attributes and features."
	NoteMissingFile = "File does not exist. Was it deleted?"
)

// maxExtracted caps a single uncompressed archive member.
const maxExtracted = 256 << 20

var (
	ErrInvalidArchive    = errors.New("not a valid zip archive")
	ErrMissingComponents = errors.New("archive is missing shapefile components")
	ErrUnsupportedShape  = errors.New("unsupported shape")

	// RequiredExtensions are the members a shapefile archive must carry.
	RequiredExtensions = []string{".shp", ".shx", ".dbf", ".prj"}
)

// Store is the persistence the importer needs.
type Store interface {
	SetProcessNote(ctx context.Context, id int64, note string) error
	UpdateDataFile(ctx context.Context, d *mapfile.DataFile) error
	CreateFeature(ctx context.Context, f *mapfile.Feature) error
	CreateAttribute(ctx context.Context, a *mapfile.Attribute) error
}

type Option func(*Importer)

func WithLogger(l *zap.Logger) Option {
	return func(i *Importer) {
		i.logger = l
	}
}

type Importer struct {
	store      Store
	repository internal.Repository
	logger     *zap.Logger
}

func New(store Store, repository internal.Repository, opts ...Option) *Importer {
	i := &Importer{
		store:      store,
		repository: repository,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Process unpacks the archive of df and saves its shapes.
func (i *Importer) Process(ctx context.Context, df *mapfile.DataFile) (mapfile.ImportResult, error) {
	var res mapfile.ImportResult
	if err := i.note(ctx, df, NoteInitiated); err != nil {
		return res, err
	}

	zr, err := i.open(ctx, df)
	if err != nil {
		return res, err
	}

	members, missing := components(zr)
	if len(missing) > 0 {
		if err := i.note(ctx, df, fmt.Sprintf(NoteMissing, strings.Join(missing, " "))); err != nil {
			return res, err
		}
		return res, fmt.Errorf("%w: %s", ErrMissingComponents, strings.Join(missing, " "))
	}

	dir, err := os.MkdirTemp("", "mapfiles-shp-*")
	if err != nil {
		return res, err
	}
	defer os.RemoveAll(dir)

	shpPath, prj, err := extract(members, dir)
	if err != nil {
		return res, err
	}
	if err := i.note(ctx, df, NoteFound); err != nil {
		return res, err
	}

	r, err := shp.Open(shpPath)
	if err != nil {
		return res, fmt.Errorf("opening shapefile: %w", err)
	}
	defer r.Close()

	df.SRSWKT = strings.TrimSpace(prj)
	df.GeomType = GeomType(r.GeometryType)
	df.ProcessNote = NoteProcessing
	if err := i.store.UpdateDataFile(ctx, df); err != nil {
		return res, err
	}

	fields := r.Fields()
	for r.Next() {
		row, shape := r.Shape()
		res.Rows++

		feat, err := i.feature(ctx, df, shape)
		if err != nil {
			return res, fmt.Errorf("record %d: %w", row, err)
		}
		res.Features++

		for n, field := range fields {
			if err := i.attribute(ctx, feat, field, r.ReadAttribute(row, n)); err != nil {
				return res, err
			}
		}
	}

	i.logger.Info("shapefile imported",
		zap.Int64("datafile_id", df.ID),
		zap.String("geom_type", df.GeomType),
		zap.Int("features", res.Features),
	)
	return res, i.note(ctx, df, fmt.Sprintf("%d features in file processed.", res.Features))
}

// open reads the stored archive into memory. Uploads are capped at
// mapfile.MaxFileSize so this stays small.
func (i *Importer) open(ctx context.Context, df *mapfile.DataFile) (*zip.Reader, error) {
	rc, err := i.repository.Read(ctx, df.StoredFile)
	if err != nil {
		if errors.Is(err, internal.ErrNotFound) {
			if nerr := i.note(ctx, df, NoteMissingFile); nerr != nil {
				return nil, nerr
			}
		}
		return nil, fmt.Errorf("reading %s: %w", df.StoredFile, err)
	}
	defer rc.Close()

	b, err := io.ReadAll(io.LimitReader(rc, mapfile.MaxFileSize+1))
	if err != nil {
		return nil, err
	}
	if err := mapfile.ValidateSize(int64(len(b))); err != nil {
		return nil, err
	}

	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		if nerr := i.note(ctx, df, NoteInvalidZip); nerr != nil {
			return nil, nerr
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	return zr, nil
}

func (i *Importer) feature(ctx context.Context, df *mapfile.DataFile, shape shp.Shape) (*mapfile.Feature, error) {
	feat := &mapfile.Feature{DataFileID: df.ID}

	g, err := Geometry(shape)
	if err != nil {
		return nil, err
	}
	if g != nil {
		b, err := json.Marshal(geojson.NewGeometry(g))
		if err != nil {
			return nil, err
		}
		feat.Geometry = string(b)

		c, _ := planar.CentroidArea(g)
		feat.Centroid = &mapfile.Point{Lon: c[0], Lat: c[1]}
	}

	if err := i.store.CreateFeature(ctx, feat); err != nil {
		return nil, err
	}
	return feat, nil
}

func (i *Importer) attribute(ctx context.Context, feat *mapfile.Feature, field shp.Field, value string) error {
	width := int(field.Size)
	precision := int(field.Precision)
	return i.store.CreateAttribute(ctx, &mapfile.Attribute{
		FeatureID:  feat.ID,
		FieldName:  strings.TrimRight(field.String(), "\x00"),
		AttrType:   AttrType(field),
		Width:      &width,
		Precision:  &precision,
		FieldValue: strings.TrimSpace(strings.TrimRight(value, "\x00")),
	})
}

func (i *Importer) note(ctx context.Context, df *mapfile.DataFile, note string) error {
	df.ProcessNote = note
	return i.store.SetProcessNote(ctx, df.ID, note)
}

// components picks the first archive member for each required extension
// and lists the extensions it could not find.
func components(zr *zip.Reader) (map[string]*zip.File, []string) {
	members := make(map[string]*zip.File)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasPrefix(f.Name, "__MACOSX/") || strings.HasPrefix(path.Base(f.Name), "._") {
			continue
		}
		ext := strings.ToLower(path.Ext(f.Name))
		if _, ok := members[ext]; !ok {
			members[ext] = f
		}
	}

	var missing []string
	for _, ext := range RequiredExtensions {
		if _, ok := members[ext]; !ok {
			missing = append(missing, ext)
		}
	}
	return members, missing
}

// extract writes the shapefile members under dir with a fixed base name,
// which keeps archive paths out of the filesystem. It returns the .shp path
// and the .prj text.
func extract(members map[string]*zip.File, dir string) (string, string, error) {
	var prj bytes.Buffer
	for _, ext := range RequiredExtensions {
		f := members[ext]
		rc, err := f.Open()
		if err != nil {
			return "", "", fmt.Errorf("%w: %s: %v", ErrInvalidArchive, f.Name, err)
		}

		var dst io.Writer = &prj
		var out *os.File
		if ext != ".prj" {
			out, err = os.Create(filepath.Join(dir, "layer"+ext))
			if err != nil {
				rc.Close()
				return "", "", err
			}
			dst = out
		}

		n, err := io.CopyN(dst, rc, maxExtracted+1)
		rc.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if out != nil {
			if cerr := out.Close(); err == nil {
				err = cerr
			}
		}
		if err != nil {
			return "", "", fmt.Errorf("extracting %s: %w", f.Name, err)
		}
		if n > maxExtracted {
			return "", "", fmt.Errorf("%w: %s is too large", ErrInvalidArchive, f.Name)
		}
	}
	return filepath.Join(dir, "layer.shp"), prj.String(), nil
}

// GeomType names the layer geometry the way OGR does.
func GeomType(t shp.ShapeType) string {
	switch t {
	case shp.POINT, shp.POINTZ, shp.POINTM:
		return "Point"
	case shp.POLYLINE, shp.POLYLINEZ, shp.POLYLINEM:
		return "LineString"
	case shp.POLYGON, shp.POLYGONZ, shp.POLYGONM:
		return "Polygon"
	case shp.MULTIPOINT, shp.MULTIPOINTZ, shp.MULTIPOINTM:
		return "MultiPoint"
	}
	return "Unknown"
}

// AttrType maps a dbf field type to its OGR field type name.
func AttrType(f shp.Field) string {
	switch f.Fieldtype {
	case 'N':
		if f.Precision == 0 {
			return "OFTInteger"
		}
		return "OFTReal"
	case 'F':
		return "OFTReal"
	case 'D':
		return "OFTDate"
	}
	return "OFTString"
}

// Geometry converts a shape to orb geometry. Polygons come back as
// MultiPolygon and polylines as MultiLineString. A null shape has no geometry.
func Geometry(s shp.Shape) (orb.Geometry, error) {
	switch v := s.(type) {
	case *shp.Null:
		return nil, nil
	case *shp.Point:
		return orb.Point{v.X, v.Y}, nil
	case *shp.PointZ:
		return orb.Point{v.X, v.Y}, nil
	case *shp.MultiPoint:
		return orb.MultiPoint(points(v.Points)), nil
	case *shp.MultiPointZ:
		return orb.MultiPoint(points(v.Points)), nil
	case *shp.PolyLine:
		return lines(v.Parts, v.Points), nil
	case *shp.PolyLineZ:
		return lines(v.Parts, v.Points), nil
	case *shp.Polygon:
		return polygons(v.Parts, v.Points), nil
	case *shp.PolygonZ:
		return polygons(v.Parts, v.Points), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedShape, s)
}

func points(pts []shp.Point) []orb.Point {
	out := make([]orb.Point, len(pts))
	for i, p := range pts {
		out[i] = orb.Point{p.X, p.Y}
	}
	return out
}

// split cuts the point list at each part offset.
func split(parts []int32, pts []shp.Point) [][]orb.Point {
	out := make([][]orb.Point, 0, len(parts))
	for i, start := range parts {
		end := int32(len(pts))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || start > end || int(end) > len(pts) {
			continue
		}
		out = append(out, points(pts[start:end]))
	}
	return out
}

func lines(parts []int32, pts []shp.Point) orb.MultiLineString {
	var mls orb.MultiLineString
	for _, part := range split(parts, pts) {
		mls = append(mls, orb.LineString(part))
	}
	return mls
}

// polygons groups rings into polygons. Outer rings are clockwise; a counter
// clockwise ring is a hole in the polygon before it.
func polygons(parts []int32, pts []shp.Point) orb.MultiPolygon {
	var mp orb.MultiPolygon
	for _, part := range split(parts, pts) {
		ring := orb.Ring(part)
		if ring.Orientation() == orb.CCW && len(mp) > 0 {
			last := len(mp) - 1
			mp[last] = append(mp[last], ring)
			continue
		}
		mp = append(mp, orb.Polygon{ring})
	}
	return mp
}
