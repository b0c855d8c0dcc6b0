// Package geo computes map defaults from feature geometry.
package geo

import (
	"errors"

	"github.com/samber/lo"

	"github.com/turbolytics/mapfiles/internal/mapfile"
)

var ErrNoPoints = errors.New("no points to center on")

// Center averages the distinct points. Features that share a boundary are
// only counted once.
func Center(points []mapfile.Point) (mapfile.Point, error) {
	unique := lo.Uniq(points)
	if len(unique) == 0 {
		return mapfile.Point{}, ErrNoPoints
	}

	var c mapfile.Point
	for _, p := range unique {
		c.Lon += p.Lon
		c.Lat += p.Lat
	}
	n := float64(len(unique))
	return mapfile.Point{Lon: c.Lon / n, Lat: c.Lat / n}, nil
}

// Centroids collects the centroids of the features that have one.
func Centroids(features []*mapfile.Feature) []mapfile.Point {
	return lo.FilterMap(features, func(f *mapfile.Feature, _ int) (mapfile.Point, bool) {
		if f.Centroid == nil {
			return mapfile.Point{}, false
		}
		return *f.Centroid, true
	})
}
