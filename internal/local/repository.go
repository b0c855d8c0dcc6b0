package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/turbolytics/mapfiles/internal"
)

type Option func(*Repository)

// Repository stores files on disk under basePath/prefix/key.
type Repository struct {
	basePath string
	prefix   string
	logger   *zap.Logger
}

func WithPrefix(prefix string) Option {
	return func(r *Repository) {
		r.prefix = prefix
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Repository) {
		r.logger = logger
	}
}

func New(basePath string, opts ...Option) *Repository {
	r := &Repository{
		basePath: basePath,
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) path(key string) string {
	return filepath.Join(r.basePath, r.prefix, filepath.FromSlash(key))
}

func (r *Repository) Write(ctx context.Context, key string, reader io.Reader) error {
	fullPath := r.path(key)
	r.logger.Info("writing file", zap.String("path", fullPath))

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return err
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := io.Copy(file, reader); err != nil {
		return err
	}
	return file.Close()
}

func (r *Repository) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(r.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, internal.ErrNotFound)
	}
	return f, err
}

func (r *Repository) Delete(ctx context.Context, key string) error {
	fullPath := r.path(key)
	r.logger.Info("deleting file", zap.String("path", fullPath))

	err := os.Remove(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", key, internal.ErrNotFound)
	}
	return err
}
