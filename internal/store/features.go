package store

import (
	"context"
	"database/sql"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/turbolytics/mapfiles/internal/mapfile"
	"github.com/turbolytics/mapfiles/internal/projection"
)

const featureColumns = `id, datafile_id, reference, federal_geo_id, geometry, centroid_lon, centroid_lat`

func scanFeature(row scanner) (*mapfile.Feature, error) {
	var (
		f        mapfile.Feature
		lon, lat sql.NullFloat64
	)
	if err := row.Scan(&f.ID, &f.DataFileID, &f.Reference, &f.FederalGeoID, &f.Geometry, &lon, &lat); err != nil {
		return nil, err
	}
	f.Centroid = scanPoint(lon, lat)
	return &f, nil
}

func (s *Store) CreateFeature(ctx context.Context, f *mapfile.Feature) error {
	lon, lat := pointArgs(f.Centroid)
	err := s.queryRow(ctx, `INSERT INTO features (
		datafile_id, reference, federal_geo_id, geometry, centroid_lon, centroid_lat
	) VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		f.DataFileID, f.Reference, f.FederalGeoID, f.Geometry, lon, lat,
	).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("insert feature: %w", err)
	}
	return nil
}

func (s *Store) GetFeature(ctx context.Context, id int64) (*mapfile.Feature, error) {
	f, err := scanFeature(s.queryRow(ctx, `SELECT `+featureColumns+` FROM features WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "feature", id)
	}
	return f, nil
}

// FindFeature returns the first feature saved for a census reference and geo id,
// across all data files.
func (s *Store) FindFeature(ctx context.Context, reference, geoID string) (*mapfile.Feature, error) {
	row := s.queryRow(ctx, `SELECT `+featureColumns+` FROM features
		WHERE reference = ? AND federal_geo_id = ? ORDER BY id LIMIT 1`, reference, geoID)
	f, err := scanFeature(row)
	if err != nil {
		return nil, notFound(err, "feature", reference+"/"+geoID)
	}
	return f, nil
}

func (s *Store) FeaturesByDataFile(ctx context.Context, dataFileID int64) ([]*mapfile.Feature, error) {
	rows, err := s.query(ctx, `SELECT `+featureColumns+` FROM features WHERE datafile_id = ? ORDER BY id`, dataFileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	features := []*mapfile.Feature{}
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	return features, rows.Err()
}

func (s *Store) CreateAttribute(ctx context.Context, a *mapfile.Attribute) error {
	err := s.queryRow(ctx, `INSERT INTO attributes (
		feature_id, field_name, attr_type, field_width, field_precision, field_value
	) VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		a.FeatureID, a.FieldName, a.AttrType, nullInt(a.Width), nullInt(a.Precision), a.FieldValue,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("insert attribute: %w", err)
	}
	return nil
}

// AttributesByFeature returns a feature's attributes in the order they were saved.
func (s *Store) AttributesByFeature(ctx context.Context, featureID int64) ([]mapfile.Attribute, error) {
	rows, err := s.query(ctx, `SELECT id, feature_id, field_name, attr_type, field_width, field_precision, field_value
		FROM attributes WHERE feature_id = ? ORDER BY id`, featureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attrs := []mapfile.Attribute{}
	for rows.Next() {
		var (
			a                mapfile.Attribute
			width, precision sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.FeatureID, &a.FieldName, &a.AttrType, &width, &precision, &a.FieldValue); err != nil {
			return nil, err
		}
		a.Width = intPtr(width)
		a.Precision = intPtr(precision)
		attrs = append(attrs, a)
	}
	return attrs, rows.Err()
}

// AttributeRecords returns one serialized record per feature of the data file.
// Each record's fields map attribute names to values in the order they were saved.
func (s *Store) AttributeRecords(ctx context.Context, dataFileID int64) ([]projection.SerializedRecord, error) {
	rows, err := s.query(ctx, `SELECT f.id, a.field_name, a.field_value
		FROM features f
		LEFT JOIN attributes a ON a.feature_id = f.id
		WHERE f.datafile_id = ?
		ORDER BY f.id, a.id`, dataFileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []projection.SerializedRecord{}
	for rows.Next() {
		var (
			featureID   int64
			name, value sql.NullString
		)
		if err := rows.Scan(&featureID, &name, &value); err != nil {
			return nil, err
		}

		if len(records) == 0 || records[len(records)-1].PK != featureID {
			records = append(records, projection.SerializedRecord{
				Model:  mapfile.Feature{}.Model(),
				PK:     featureID,
				Fields: orderedmap.New[string, any](),
			})
		}
		if name.Valid {
			records[len(records)-1].Fields.Set(name.String, value.String)
		}
	}
	return records, rows.Err()
}

// FieldNames returns the attribute names of the data file's first feature.
func (s *Store) FieldNames(ctx context.Context, dataFileID int64) ([]string, error) {
	rows, err := s.query(ctx, `SELECT field_name FROM attributes
		WHERE feature_id = (SELECT MIN(id) FROM features WHERE datafile_id = ?)
		ORDER BY id`, dataFileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
