package geo

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/turbolytics/mapfiles/internal/mapfile"
)

// FeaturesAt keeps the features whose polygon geometry contains pt.
// Features without geometry, and point or line geometry, never match.
func FeaturesAt(features []*mapfile.Feature, pt mapfile.Point) ([]*mapfile.Feature, error) {
	p := orb.Point{pt.Lon, pt.Lat}
	var matched []*mapfile.Feature
	for _, f := range features {
		if f.Geometry == "" {
			continue
		}
		g, err := geojson.UnmarshalGeometry([]byte(f.Geometry))
		if err != nil {
			return nil, fmt.Errorf("feature %d geometry: %w", f.ID, err)
		}
		if Contains(g.Geometry(), p) {
			matched = append(matched, f)
		}
	}
	return matched, nil
}

// Contains reports whether a polygonal geometry covers p.
func Contains(g orb.Geometry, p orb.Point) bool {
	switch v := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(v, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(v, p)
	case orb.Collection:
		for _, c := range v {
			if Contains(c, p) {
				return true
			}
		}
	}
	return false
}
