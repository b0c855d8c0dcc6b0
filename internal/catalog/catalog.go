package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/turbolytics/mapfiles/internal"
)

/*
The catalog is a record of one data file import.
It is written next to the stored file so every import can be audited
without the database.
*/

const suffix = ".catalog.json"

type Catalog struct {
	DataFileID          int64     `json:"datafile_id"`
	FileType            string    `json:"file_type"`
	StartTime           time.Time `json:"start_time"`
	EndTime             time.Time `json:"end_time"`
	Source              string    `json:"source"`
	NumSourceRecords    int       `json:"num_source_records"`
	NumRecordsProcessed int       `json:"num_records_processed"`
	Completed           bool      `json:"completed"`
	Error               string    `json:"error,omitempty"`
}

// Key is where the catalog for a stored file lives.
func Key(storedFile string) string {
	return storedFile + suffix
}

func (c Catalog) Write(ctx context.Context, repo internal.Repository) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return repo.Write(ctx, Key(c.Source), bytes.NewReader(b))
}

func Read(ctx context.Context, repo internal.Repository, storedFile string) (*Catalog, error) {
	rc, err := repo.Read(ctx, Key(storedFile))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var c Catalog
	if err := json.NewDecoder(rc).Decode(&c); err != nil {
		return nil, err
	}
	return &c, nil
}
