package geo

import (
	"fmt"
	"math"
)

// Sample is a measured value at a location.
type Sample struct {
	Lat   float64
	Lon   float64
	Value float64
}

// GridPoint is an interpolated value on a regular grid.
type GridPoint struct {
	Lat   float64
	Lon   float64
	Value float64
}

// exactMatchDegrees is the distance under which a sample is returned verbatim.
const exactMatchDegrees = 0.001

// InterpolateIDW estimates the value at lat/lon by inverse distance weighting.
// searchRadius <= 0 means every sample contributes.
func InterpolateIDW(lat, lon float64, samples []Sample, power, searchRadius float64) float64 {
	var weightSum, valueSum float64

	for _, s := range samples {
		dx := lon - s.Lon
		dy := lat - s.Lat
		d := math.Sqrt(dx*dx + dy*dy)

		if d < exactMatchDegrees {
			return s.Value
		}
		if searchRadius > 0 && d > searchRadius {
			continue
		}

		w := 1 / math.Pow(d, power)
		weightSum += w
		valueSum += w * s.Value
	}

	if weightSum == 0 {
		return 0
	}
	return valueSum / weightSum
}

// ExpandGrid interpolates samples onto a grid with the given spacing over bounds
// and keeps only cells whose value exceeds minValue.
func ExpandGrid(samples []Sample, spacing float64, bounds Bounds, minValue float64) []GridPoint {
	if spacing <= 0 || len(samples) == 0 {
		return nil
	}

	rows := int(math.Floor((bounds.MaxLat-bounds.MinLat)/spacing+1e-9)) + 1
	cols := int(math.Floor((bounds.MaxLon-bounds.MinLon)/spacing+1e-9)) + 1

	var out []GridPoint
	for i := 0; i < rows; i++ {
		// Step by index so accumulated float error never shifts the grid.
		lat := bounds.MinLat + float64(i)*spacing
		for j := 0; j < cols; j++ {
			lon := bounds.MinLon + float64(j)*spacing
			v := InterpolateIDW(lat, lon, samples, 2, 0)
			if v > minValue {
				out = append(out, GridPoint{Lat: lat, Lon: lon, Value: v})
			}
		}
	}
	return out
}

// GridName is the stable label for an interpolated grid cell.
func GridName(lat, lon float64) string {
	return fmt.Sprintf("%.2f_%.2f", lat, lon)
}
