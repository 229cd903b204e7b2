package geo

import (
	"fmt"
	"math"
)

// TileSize is the side of one Web Mercator tile in pixels at zoom 0.
const TileSize = 256

// maxMercatorLat is the latitude at which Web Mercator y reaches the world edge.
const maxMercatorLat = 85.05112878

// ValidCoordinate reports whether lat/lon are finite and within WGS-84 ranges.
func ValidCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// Bounds is a lat/lon rectangle.
type Bounds struct {
	MinLat float64 `yaml:"minLat" json:"minLat"`
	MaxLat float64 `yaml:"maxLat" json:"maxLat"`
	MinLon float64 `yaml:"minLon" json:"minLon"`
	MaxLon float64 `yaml:"maxLon" json:"maxLon"`
}

// Contains reports whether the point lies inside b, edges included.
func (b Bounds) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Validate checks ordering and coordinate ranges.
func (b Bounds) Validate() error {
	if !ValidCoordinate(b.MinLat, b.MinLon) || !ValidCoordinate(b.MaxLat, b.MaxLon) {
		return fmt.Errorf("bounds out of range: %+v", b)
	}
	if b.MinLat > b.MaxLat || b.MinLon > b.MaxLon {
		return fmt.Errorf("bounds min must not exceed max: %+v", b)
	}
	return nil
}

// Illinois covers the state with a little margin; gridded sampling works inside it.
var Illinois = Bounds{MinLat: 37.0, MaxLat: 42.5, MinLon: -91.5, MaxLon: -87.5}

// Project converts a coordinate to Web Mercator world pixels at the given zoom.
// Latitudes beyond the Mercator limit are clamped to the world edge.
func Project(lat, lon float64, zoom int) (x, y float64) {
	lat = math.Max(-maxMercatorLat, math.Min(maxMercatorLat, lat))
	scale := TileSize * math.Exp2(float64(zoom))

	x = (lon + 180) / 360 * scale
	sin := math.Sin(lat * math.Pi / 180)
	y = (0.5 - math.Log((1+sin)/(1-sin))/(4*math.Pi)) * scale
	return x, y
}
