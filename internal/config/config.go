package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/turbolytics/mapfiles/internal/census"
	"github.com/turbolytics/mapfiles/internal/store"
)

var ErrInvalidConfig = errors.New("invalid config")

type Logger struct {
	Level string `yaml:"level"`
	// Format is console (development) or json (production).
	Format string `yaml:"format"`
}

type Global struct {
	Logger Logger `yaml:"logger"`
}

type Server struct {
	Port int `yaml:"port"`
	// CacheMaxAge is the max-age, in seconds, sent on GET responses.
	CacheMaxAge int `yaml:"cache_max_age"`
}

type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Local struct {
	Path   string `yaml:"path"`
	Prefix string `yaml:"prefix"`
}

type S3 struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Prefix         string `yaml:"prefix"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

type Repository struct {
	Type  string `yaml:"type"`
	Local Local  `yaml:"local"`
	S3    S3     `yaml:"s3"`
}

type Census struct {
	BaseURL  string `yaml:"base_url"`
	RetryMax int    `yaml:"retry_max"`
}

type Processor struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

type Notifier struct {
	// URL selects the notifier, ie: kafka://localhost:9092/mapfiles.processed.
	// Empty disables notifications.
	URL string `yaml:"url"`
}

type Config struct {
	Global     Global     `yaml:"global"`
	Server     Server     `yaml:"server"`
	Database   Database   `yaml:"database"`
	Repository Repository `yaml:"repository"`
	Census     Census     `yaml:"census"`
	Processor  Processor  `yaml:"processor"`
	Notifier   Notifier   `yaml:"notifier"`
}

func NewFromFile(fpath string) (*Config, error) {
	bs, err := os.ReadFile(fpath)
	if err != nil {
		return nil, err
	}
	return New(bs)
}

func New(bs []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(bs, &c); err != nil {
		return nil, err
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.Global.Logger.Level == "" {
		c.Global.Logger.Level = "info"
	}
	if c.Global.Logger.Format == "" {
		c.Global.Logger.Format = "console"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.CacheMaxAge == 0 {
		c.Server.CacheMaxAge = 60
	}
	if c.Database.Driver == "" {
		c.Database.Driver = store.DriverSQLite
	}
	if c.Database.DSN == "" && c.Database.Driver == store.DriverSQLite {
		c.Database.DSN = "mapfiles.db"
	}
	if c.Repository.Type == "" {
		c.Repository.Type = "local"
	}
	if c.Repository.Type == "local" && c.Repository.Local.Path == "" {
		c.Repository.Local.Path = "media"
	}
	if c.Census.BaseURL == "" {
		c.Census.BaseURL = census.DefaultBaseURL
	}
	if c.Census.RetryMax == 0 {
		c.Census.RetryMax = 3
	}
	if c.Processor.Workers == 0 {
		c.Processor.Workers = 2
	}
	if c.Processor.QueueSize == 0 {
		c.Processor.QueueSize = 100
	}
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		return fmt.Errorf("%w: unsupported database driver %q", ErrInvalidConfig, c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("%w: database dsn is required", ErrInvalidConfig)
	}

	switch c.Repository.Type {
	case "local":
	case "s3":
		if c.Repository.S3.Bucket == "" {
			return fmt.Errorf("%w: s3 repository requires a bucket", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported repository type %q", ErrInvalidConfig, c.Repository.Type)
	}

	switch c.Global.Logger.Format {
	case "console", "json":
	default:
		return fmt.Errorf("%w: unsupported logger format %q", ErrInvalidConfig, c.Global.Logger.Format)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Server.Port)
	}

	if c.Notifier.URL != "" {
		u, err := url.Parse(c.Notifier.URL)
		if err != nil {
			return fmt.Errorf("%w: notifier url: %v", ErrInvalidConfig, err)
		}
		if u.Scheme != "kafka" {
			return fmt.Errorf("%w: unsupported notifier scheme %q", ErrInvalidConfig, u.Scheme)
		}
	}
	return nil
}

// ApplyOverrides copies flag and environment values bound in v over the
// file config. Keys: port, log_level, database_dsn.
func (c *Config) ApplyOverrides(v *viper.Viper) error {
	if v.IsSet("port") && v.GetInt("port") != 0 {
		c.Server.Port = v.GetInt("port")
	}
	if lvl := v.GetString("log_level"); lvl != "" {
		c.Global.Logger.Level = lvl
	}
	if dsn := v.GetString("database_dsn"); dsn != "" {
		c.Database.DSN = dsn
	}
	return c.Validate()
}
