package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/turbolytics/mapfiles/internal/mapfile"
)

const dataFileColumns = `id, name, file_type, stored_file, encoding, file_source, description,
	srs_wkt, geom_type, default_zoom, center_lon, center_lat, processed, process_note,
	state, first_uploaded, updated`

type scanner interface {
	Scan(dest ...any) error
}

func scanDataFile(row scanner) (*mapfile.DataFile, error) {
	var (
		d                mapfile.DataFile
		zoom             sql.NullInt64
		lon, lat         sql.NullFloat64
		fileType, enc    string
		state            string
		uploaded, update int64
	)
	err := row.Scan(
		&d.ID, &d.Name, &fileType, &d.StoredFile, &enc, &d.FileSource, &d.Description,
		&d.SRSWKT, &d.GeomType, &zoom, &lon, &lat, &d.Processed, &d.ProcessNote,
		&state, &uploaded, &update,
	)
	if err != nil {
		return nil, err
	}
	d.FileType = mapfile.FileType(fileType)
	d.Encoding = mapfile.Encoding(enc)
	d.State = mapfile.State(state)
	d.DefaultZoom = intPtr(zoom)
	d.DefaultCenter = scanPoint(lon, lat)
	d.FirstUploaded = time.Unix(0, uploaded).UTC()
	d.Updated = time.Unix(0, update).UTC()
	return &d, nil
}

// CreateDataFile inserts d and sets its ID, timestamps and initial state.
func (s *Store) CreateDataFile(ctx context.Context, d *mapfile.DataFile) error {
	now := s.now().UTC()
	if d.State == "" {
		d.State = mapfile.StateCreated
	}
	lon, lat := pointArgs(d.DefaultCenter)

	err := s.queryRow(ctx, `INSERT INTO datafiles (
		name, file_type, stored_file, encoding, file_source, description, srs_wkt,
		geom_type, default_zoom, center_lon, center_lat, processed, process_note,
		state, first_uploaded, updated
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		d.Name, string(d.FileType), d.StoredFile, string(d.Encoding), d.FileSource,
		d.Description, d.SRSWKT, d.GeomType, nullInt(d.DefaultZoom), lon, lat,
		d.Processed, d.ProcessNote, string(d.State), now.UnixNano(), now.UnixNano(),
	).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("insert datafile: %w", err)
	}

	d.FirstUploaded = time.Unix(0, now.UnixNano()).UTC()
	d.Updated = d.FirstUploaded
	s.logger.Debug("datafile created", zap.Int64("id", d.ID), zap.String("name", d.Name))
	return nil
}

func (s *Store) GetDataFile(ctx context.Context, id int64) (*mapfile.DataFile, error) {
	row := s.queryRow(ctx, `SELECT `+dataFileColumns+` FROM datafiles WHERE id = ?`, id)
	d, err := scanDataFile(row)
	if err != nil {
		return nil, notFound(err, "datafile", id)
	}
	return d, nil
}

// ListDataFiles returns every data file, most recently updated first.
func (s *Store) ListDataFiles(ctx context.Context) ([]*mapfile.DataFile, error) {
	rows, err := s.query(ctx, `SELECT `+dataFileColumns+` FROM datafiles ORDER BY updated DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files := []*mapfile.DataFile{}
	for rows.Next() {
		d, err := scanDataFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, d)
	}
	return files, rows.Err()
}

// UpdateDataFile saves every mutable column of d and bumps its updated time.
func (s *Store) UpdateDataFile(ctx context.Context, d *mapfile.DataFile) error {
	now := s.now().UTC()
	lon, lat := pointArgs(d.DefaultCenter)

	res, err := s.exec(ctx, `UPDATE datafiles SET
		name = ?, file_type = ?, stored_file = ?, encoding = ?, file_source = ?,
		description = ?, srs_wkt = ?, geom_type = ?, default_zoom = ?, center_lon = ?,
		center_lat = ?, processed = ?, process_note = ?, state = ?, updated = ?
	WHERE id = ?`,
		d.Name, string(d.FileType), d.StoredFile, string(d.Encoding), d.FileSource,
		d.Description, d.SRSWKT, d.GeomType, nullInt(d.DefaultZoom), lon, lat,
		d.Processed, d.ProcessNote, string(d.State), now.UnixNano(), d.ID,
	)
	if err != nil {
		return fmt.Errorf("update datafile %d: %w", d.ID, err)
	}
	if err := expectOne(res, "datafile", d.ID); err != nil {
		return err
	}
	d.Updated = time.Unix(0, now.UnixNano()).UTC()
	return nil
}

// SetProcessNote records a processing step on the data file.
func (s *Store) SetProcessNote(ctx context.Context, id int64, note string) error {
	res, err := s.exec(ctx, `UPDATE datafiles SET process_note = ?, updated = ? WHERE id = ?`,
		note, s.now().UTC().UnixNano(), id)
	if err != nil {
		return err
	}
	s.logger.Debug("process note", zap.Int64("datafile_id", id), zap.String("note", note))
	return expectOne(res, "datafile", id)
}

func (s *Store) SetState(ctx context.Context, id int64, state mapfile.State) error {
	res, err := s.exec(ctx, `UPDATE datafiles SET state = ?, updated = ? WHERE id = ?`,
		string(state), s.now().UTC().UnixNano(), id)
	if err != nil {
		return err
	}
	return expectOne(res, "datafile", id)
}

// DeleteDataFile removes the data file with its features and attributes.
func (s *Store) DeleteDataFile(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM attributes WHERE feature_id IN (SELECT id FROM features WHERE datafile_id = ?)`,
		`DELETE FROM features WHERE datafile_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, s.rebind(stmt), id); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM datafiles WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if err := expectOne(res, "datafile", id); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteFeatures removes every feature of a data file, so it can be processed again.
func (s *Store) DeleteFeatures(ctx context.Context, dataFileID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(
		`DELETE FROM attributes WHERE feature_id IN (SELECT id FROM features WHERE datafile_id = ?)`,
	), dataFileID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM features WHERE datafile_id = ?`), dataFileID); err != nil {
		return err
	}
	return tx.Commit()
}

func expectOne(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}
