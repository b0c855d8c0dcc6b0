// Package notify announces finished data file processing to downstream consumers.
package notify

import (
	"context"
	"time"

	"github.com/turbolytics/mapfiles/internal/mapfile"
)

type Notification struct {
	ID         string        `json:"id"`
	DataFileID int64         `json:"datafile_id"`
	Name       string        `json:"name"`
	FileType   string        `json:"file_type"`
	State      mapfile.State `json:"state"`
	Note       string        `json:"note"`
	Features   int           `json:"features"`
	Timestamp  time.Time     `json:"timestamp"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
	Close(ctx context.Context) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(ctx context.Context, n Notification) error { return nil }
func (Nop) Close(ctx context.Context) error                  { return nil }
