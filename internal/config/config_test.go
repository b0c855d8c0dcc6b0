package config

import (
	"context"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/turbolytics/mapfiles/internal/census"
	"github.com/turbolytics/mapfiles/internal/local"
	"github.com/turbolytics/mapfiles/internal/notify"
)

func TestNewFromFile(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		c, err := NewFromFile("testdata/mapfiles.yml")
		require.NoError(t, err)
		assert.Equal(t, "debug", c.Global.Logger.Level)
		assert.Equal(t, "console", c.Global.Logger.Format)
		assert.Equal(t, 9090, c.Server.Port)
		assert.Equal(t, 60, c.Server.CacheMaxAge)
		assert.Equal(t, ":memory:", c.Database.DSN)
		assert.Equal(t, "mapfiles", c.Repository.Local.Prefix)
		assert.Equal(t, 1, c.Census.RetryMax)
		assert.Equal(t, 4, c.Processor.Workers)
		assert.Equal(t, 10, c.Processor.QueueSize)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := NewFromFile("testdata/missing.yml")
		assert.Error(t, err)
	})
}

func TestNew_Defaults(t *testing.T) {
	c, err := New([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "info", c.Global.Logger.Level)
	assert.Equal(t, 8080, c.Server.Port)
	assert.Equal(t, "sqlite", c.Database.Driver)
	assert.Equal(t, "mapfiles.db", c.Database.DSN)
	assert.Equal(t, "local", c.Repository.Type)
	assert.Equal(t, "media", c.Repository.Local.Path)
	assert.Equal(t, census.DefaultBaseURL, c.Census.BaseURL)
	assert.Equal(t, 2, c.Processor.Workers)
}

func TestNew_Invalid(t *testing.T) {
	testCases := []struct {
		name string
		yml  string
		err  string
	}{
		{"driver", "database: {driver: mysql}", `unsupported database driver "mysql"`},
		{"postgres without dsn", "database: {driver: pgx}", "database dsn is required"},
		{"repository", "repository: {type: gcs}", `unsupported repository type "gcs"`},
		{"s3 without bucket", "repository: {type: s3}", "s3 repository requires a bucket"},
		{"logger format", "global: {logger: {format: xml}}", `unsupported logger format "xml"`},
		{"notifier", "notifier: {url: 'amqp://localhost/x'}", `unsupported notifier scheme "amqp"`},
		{"port", "server: {port: 70000}", "invalid port 70000"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New([]byte(tc.yml))
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.ErrorContains(t, err, tc.err)
		})
	}
}

func TestConfig_ApplyOverrides(t *testing.T) {
	c, err := NewFromFile("testdata/mapfiles.yml")
	require.NoError(t, err)

	v := viper.New()
	v.Set("port", 7070)
	v.Set("log_level", "warn")
	v.Set("database_dsn", "file:other.db")
	require.NoError(t, c.ApplyOverrides(v))

	assert.Equal(t, 7070, c.Server.Port)
	assert.Equal(t, "warn", c.Global.Logger.Level)
	assert.Equal(t, "file:other.db", c.Database.DSN)

	t.Run("unset keys keep the file values", func(t *testing.T) {
		c, err := NewFromFile("testdata/mapfiles.yml")
		require.NoError(t, err)
		require.NoError(t, c.ApplyOverrides(viper.New()))
		assert.Equal(t, 9090, c.Server.Port)
	})
}

func TestNewLogger(t *testing.T) {
	c, err := New([]byte(`global: {logger: {level: warn, format: json}}`))
	require.NoError(t, err)

	l, err := NewLogger(c)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))

	c.Global.Logger.Level = "loud"
	_, err = NewLogger(c)
	assert.Error(t, err)
}

func TestInitialize(t *testing.T) {
	c, err := NewFromFile("testdata/mapfiles.yml")
	require.NoError(t, err)
	c.Repository.Local.Path = t.TempDir()

	ctx := context.Background()
	app, err := Initialize(ctx, c, zap.NewNop())
	require.NoError(t, err)
	defer app.Close(ctx)

	assert.IsType(t, &local.Repository{}, app.Repository)
	assert.IsType(t, notify.Nop{}, app.Notifier)
	assert.NotNil(t, app.Processor)
	assert.NotNil(t, app.Exporter)

	files, err := app.Store.ListDataFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)
}
