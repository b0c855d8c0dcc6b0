package internal

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by repositories when a key does not exist.
var ErrNotFound = errors.New("not found")

type Repository interface {
	Write(ctx context.Context, key string, reader io.Reader) error
	Read(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}
