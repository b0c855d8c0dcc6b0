// Package census fetches geographic boundaries from the census boundary-set API.
package census

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/turbolytics/mapfiles/internal/mapfile"
)

const DefaultBaseURL = "http://census.ire.org/geo/1.0/boundary-set"

var ErrNotFound = errors.New("boundary not found")

type Boundary struct {
	SimpleShape json.RawMessage
	Centroid    *mapfile.Point
}

type boundaryResponse struct {
	SimpleShape json.RawMessage `json:"simple_shape"`
	Centroid    *struct {
		Coordinates []float64 `json:"coordinates"`
	} `json:"centroid"`
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

func WithRetryMax(n int) Option {
	return func(c *Client) {
		c.retryMax = n
	}
}

func WithRetryWait(min, max time.Duration) Option {
	return func(c *Client) {
		c.retryWaitMin = min
		c.retryWaitMax = max
	}
}

type Client struct {
	baseURL      string
	retryMax     int
	retryWaitMin time.Duration
	retryWaitMax time.Duration
	logger       *zap.Logger
	http         *retryablehttp.Client
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:      DefaultBaseURL,
		retryMax:     3,
		retryWaitMin: 1 * time.Second,
		retryWaitMax: 5 * time.Second,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = c.retryMax
	rc.RetryWaitMin = c.retryWaitMin
	rc.RetryWaitMax = c.retryWaitMax
	rc.Logger = leveledLogger{c.logger.Sugar()}
	// hand back the last response once retries run out so the status is checked below
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.http = rc
	return c
}

// Boundary fetches the boundary of a census geography, ie: counties/06073.
// Any response other than 200 is reported as ErrNotFound.
func (c *Client) Boundary(ctx context.Context, geography, geoID string) (*Boundary, error) {
	u := fmt.Sprintf("%s/%s/%s", c.baseURL, url.PathEscape(geography), url.PathEscape(geoID))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching boundary %s/%s: %w", geography, geoID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("boundary not found",
			zap.String("geography", geography),
			zap.String("geo_id", geoID),
			zap.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("%s/%s: %w", geography, geoID, ErrNotFound)
	}

	var br boundaryResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return nil, fmt.Errorf("decoding boundary %s/%s: %w", geography, geoID, err)
	}

	b := &Boundary{SimpleShape: br.SimpleShape}
	if br.Centroid != nil && len(br.Centroid.Coordinates) >= 2 {
		b.Centroid = &mapfile.Point{Lon: br.Centroid.Coordinates[0], Lat: br.Centroid.Coordinates[1]}
	}
	return b, nil
}

// leveledLogger routes retryablehttp logs to zap.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
