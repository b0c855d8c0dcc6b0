package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbolytics/mapfiles/internal"
)

func TestRepository(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, WithPrefix("media"))
	ctx := context.Background()
	key := "uploads/mapfiles/datafiles/2024/01/02/a.csv"

	require.NoError(t, r.Write(ctx, key, strings.NewReader("Id,Id2\n")))
	_, err := os.Stat(filepath.Join(dir, "media", "uploads", "mapfiles", "datafiles", "2024", "01", "02", "a.csv"))
	require.NoError(t, err)

	rc, err := r.Read(ctx, key)
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "Id,Id2\n", string(b))

	require.NoError(t, r.Delete(ctx, key))

	_, err = r.Read(ctx, key)
	assert.ErrorIs(t, err, internal.ErrNotFound)
	assert.ErrorIs(t, r.Delete(ctx, key), internal.ErrNotFound)
}

func TestRepository_Overwrite(t *testing.T) {
	r := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, r.Write(ctx, "catalog.json", strings.NewReader(`{"completed":false}`)))
	require.NoError(t, r.Write(ctx, "catalog.json", strings.NewReader(`{}`)))

	rc, err := r.Read(ctx, "catalog.json")
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(b))
}
