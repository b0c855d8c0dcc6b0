// Package acs imports American Community Survey csv exports. Each row is
// matched to a census boundary by its Id2 geo id and saved as a feature with
// every column attached as an attribute.
package acs

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/turbolytics/mapfiles/internal"
	"github.com/turbolytics/mapfiles/internal/census"
	"github.com/turbolytics/mapfiles/internal/mapfile"
)

const GeoIDColumn = "Id2"

const (
	NoteInitiated   = "Initiated datafile processing."
	NoteZipArchive  = "Zip archive found: please unpack zip and upload csv with named fields."
	NoteLocated     = "Located datafile for processing."
	NoteMissingFile = "File does not exist. Was it deleted?"
	NoteUnknownType = "Unknown filetype or archive uploaded."
	NoteOpened      = "File opened for parsing..."
)

var (
	ErrZipArchive   = errors.New("please unpack your zip archive and upload a csv")
	ErrMissingGeoID = errors.New("csv header has no " + GeoIDColumn + " column")
)

// Store is the persistence the processor needs.
type Store interface {
	SetProcessNote(ctx context.Context, id int64, note string) error
	FindFeature(ctx context.Context, reference, geoID string) (*mapfile.Feature, error)
	CreateFeature(ctx context.Context, f *mapfile.Feature) error
	CreateAttribute(ctx context.Context, a *mapfile.Attribute) error
}

type Boundaries interface {
	Boundary(ctx context.Context, geography, geoID string) (*census.Boundary, error)
}

type Result = mapfile.ImportResult

type Option func(*Processor)

func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) {
		p.logger = l
	}
}

type Processor struct {
	store      Store
	boundaries Boundaries
	repository internal.Repository
	logger     *zap.Logger
}

func New(store Store, boundaries Boundaries, repository internal.Repository, opts ...Option) *Processor {
	p := &Processor{
		store:      store,
		boundaries: boundaries,
		repository: repository,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Reference names the census geography a feature was matched against.
func Reference(ft mapfile.FileType) string {
	return fmt.Sprintf("Census %s", ft)
}

// Locate checks the stored file is a csv this processor can read.
func (p *Processor) Locate(ctx context.Context, df *mapfile.DataFile) error {
	if err := p.note(ctx, df, NoteInitiated); err != nil {
		return err
	}

	switch df.Extension() {
	case ".zip":
		if err := p.note(ctx, df, NoteZipArchive); err != nil {
			return err
		}
		return ErrZipArchive
	case ".csv":
		return p.note(ctx, df, NoteLocated)
	}

	if err := p.note(ctx, df, NoteUnknownType); err != nil {
		return err
	}
	return fmt.Errorf("%w: %q", mapfile.ErrUnknownFileType, df.Extension())
}

// Process imports the features and attributes of an ACS csv.
func (p *Processor) Process(ctx context.Context, df *mapfile.DataFile) (Result, error) {
	var res Result
	if err := p.Locate(ctx, df); err != nil {
		return res, err
	}

	rc, err := p.repository.Read(ctx, df.StoredFile)
	if err != nil {
		if errors.Is(err, internal.ErrNotFound) {
			if nerr := p.note(ctx, df, NoteMissingFile); nerr != nil {
				return res, nerr
			}
		}
		return res, fmt.Errorf("reading %s: %w", df.StoredFile, err)
	}
	defer rc.Close()

	if err := p.note(ctx, df, NoteOpened); err != nil {
		return res, err
	}

	// the first line holds numeric column ids; the second line names the fields
	br := bufio.NewReader(rc)
	if _, err := br.ReadString('\n'); err != nil && !errors.Is(err, io.EOF) {
		return res, err
	}

	r := csv.NewReader(br)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return res, ErrMissingGeoID
	}
	if err != nil {
		return res, fmt.Errorf("reading csv header: %w", err)
	}

	geoIdx := -1
	for i, h := range header {
		if strings.TrimSpace(h) == GeoIDColumn {
			geoIdx = i
			break
		}
	}
	if geoIdx < 0 {
		return res, ErrMissingGeoID
	}

	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("reading csv row %d: %w", res.Rows+1, err)
		}
		res.Rows++

		geoID := ""
		if geoIdx < len(row) {
			geoID = row[geoIdx]
		}

		feat, err := p.feature(ctx, df, geoID)
		if err != nil {
			return res, err
		}
		if feat == nil {
			continue
		}
		res.Features++

		if err := p.attributes(ctx, feat, header, row); err != nil {
			return res, err
		}
	}

	p.logger.Info("acs file processed",
		zap.Int64("datafile_id", df.ID),
		zap.Int("rows", res.Rows),
		zap.Int("features", res.Features),
	)
	return res, p.note(ctx, df, fmt.Sprintf("%d features in file processed.", res.Features))
}

// feature saves a feature for geoID, reusing the geometry of a feature
// already matched to the same geography. A nil feature means no boundary exists.
func (p *Processor) feature(ctx context.Context, df *mapfile.DataFile, geoID string) (*mapfile.Feature, error) {
	ref := Reference(df.FileType)
	feat := &mapfile.Feature{
		DataFileID:   df.ID,
		Reference:    ref,
		FederalGeoID: geoID,
	}

	existing, err := p.store.FindFeature(ctx, ref, geoID)
	switch {
	case err == nil:
		feat.Geometry = existing.Geometry
		feat.Centroid = existing.Centroid
	case errors.Is(err, internal.ErrNotFound):
		b, err := p.boundaries.Boundary(ctx, string(df.FileType), geoID)
		if errors.Is(err, census.ErrNotFound) {
			p.logger.Debug("no boundary", zap.String("reference", ref), zap.String("geo_id", geoID))
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		feat.Geometry = string(b.SimpleShape)
		feat.Centroid = b.Centroid
	default:
		return nil, err
	}

	if err := p.store.CreateFeature(ctx, feat); err != nil {
		return nil, err
	}
	return feat, nil
}

func (p *Processor) attributes(ctx context.Context, feat *mapfile.Feature, header, row []string) error {
	for i, name := range header {
		value := ""
		if i < len(row) {
			value = row[i]
		}
		a := &mapfile.Attribute{
			FeatureID:  feat.ID,
			FieldName:  name,
			FieldValue: value,
		}
		if err := p.store.CreateAttribute(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) note(ctx context.Context, df *mapfile.DataFile, note string) error {
	df.ProcessNote = note
	return p.store.SetProcessNote(ctx, df.ID, note)
}
