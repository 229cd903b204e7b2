// Package cluster groups snowfall measurements into screen-space clusters for
// map rendering.
package cluster

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/i474232898/snowfall-aggregation/internal/geo"
	"github.com/i474232898/snowfall-aggregation/internal/snowfall"
)

const (
	DefaultRadiusPx = 60
	DefaultMaxZoom  = 14
)

var ErrInvalidQuery = errors.New("invalid cluster query")

// Cluster is a group of at least two measurements that share one grid cell.
type Cluster struct {
	ID            string    `json:"id"`
	CenterLat     float64   `json:"centerLat"`
	CenterLon     float64   `json:"centerLon"`
	PointCount    int       `json:"pointCount"`
	MemberAmounts []float64 `json:"memberAmounts"`
	MaxAmount     float64   `json:"maxAmount"`
	ExpansionZoom int       `json:"expansionZoom"`
}

// Result holds the clusters and the measurements left unclustered at one zoom.
type Result struct {
	Zoom     int                    `json:"zoom"`
	RadiusPx float64                `json:"radiusPx"`
	Clusters []Cluster              `json:"clusters"`
	Points   []snowfall.Measurement `json:"points"`
}

// Query selects the zoom, grid radius and optional viewport. A zero RadiusPx
// uses the engine default.
type Query struct {
	Zoom     float64
	RadiusPx float64
	BBox     *geo.Bounds
}

// Engine clusters points on a Web Mercator grid. It holds no state between
// calls and is safe for concurrent use.
type Engine struct {
	RadiusPx float64
	MaxZoom  int
}

func New(radiusPx float64, maxZoom int) *Engine {
	if radiusPx <= 0 {
		radiusPx = DefaultRadiusPx
	}
	if maxZoom <= 0 {
		maxZoom = DefaultMaxZoom
	}
	return &Engine{RadiusPx: radiusPx, MaxZoom: maxZoom}
}

type cell struct {
	x, y int64
}

// Cluster partitions measurements into grid cells of RadiusPx pixels at the
// query zoom. Cells holding two or more points become clusters; lone points
// pass through. Above MaxZoom nothing is clustered.
//
// Cells at zoom z+1 nest inside cells at zoom z, so raising the zoom only ever
// splits clusters.
func (e *Engine) Cluster(measurements []snowfall.Measurement, q Query) (Result, error) {
	if math.IsNaN(q.Zoom) || math.IsInf(q.Zoom, 0) {
		return Result{}, fmt.Errorf("%w: zoom must be a finite number", ErrInvalidQuery)
	}
	radius := q.RadiusPx
	if radius == 0 {
		radius = e.RadiusPx
	}
	if radius < 0 || math.IsNaN(radius) || math.IsInf(radius, 0) {
		return Result{}, fmt.Errorf("%w: radius must be positive", ErrInvalidQuery)
	}
	if q.BBox != nil {
		if err := q.BBox.Validate(); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
	}

	zoom := e.clampZoom(q.Zoom)
	points := sortedPoints(measurements, q.BBox)

	res := Result{
		Zoom:     zoom,
		RadiusPx: radius,
		Clusters: []Cluster{},
		Points:   []snowfall.Measurement{},
	}

	if zoom > e.MaxZoom {
		res.Points = append(res.Points, points...)
		return res, nil
	}

	cells := make(map[cell][]snowfall.Measurement)
	for _, p := range points {
		c := cellOf(p, zoom, radius)
		cells[c] = append(cells[c], p)
	}

	keys := make([]cell, 0, len(cells))
	for c := range cells {
		keys = append(keys, c)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].y != keys[j].y {
			return keys[i].y < keys[j].y
		}
		return keys[i].x < keys[j].x
	})

	for _, c := range keys {
		members := cells[c]
		if len(members) == 1 {
			res.Points = append(res.Points, members[0])
			continue
		}
		res.Clusters = append(res.Clusters, e.buildCluster(c, zoom, radius, members))
	}
	return res, nil
}

// clampZoom floors z and limits it to [0, MaxZoom+1].
func (e *Engine) clampZoom(z float64) int {
	zoom := int(math.Floor(z))
	if zoom < 0 {
		return 0
	}
	if zoom > e.MaxZoom+1 {
		return e.MaxZoom + 1
	}
	return zoom
}

func (e *Engine) buildCluster(c cell, zoom int, radius float64, members []snowfall.Measurement) Cluster {
	cl := Cluster{
		ID:            fmt.Sprintf("%d/%d/%d", zoom, c.x, c.y),
		PointCount:    len(members),
		MemberAmounts: make([]float64, 0, len(members)),
		ExpansionZoom: e.expansionZoom(members, zoom, radius),
	}

	var sumLat, sumLon float64
	for _, m := range members {
		sumLat += m.Lat
		sumLon += m.Lon
		cl.MemberAmounts = append(cl.MemberAmounts, m.Amount)
		if m.Amount > cl.MaxAmount {
			cl.MaxAmount = m.Amount
		}
	}
	n := float64(len(members))
	cl.CenterLat = sumLat / n
	cl.CenterLon = sumLon / n
	return cl
}

// expansionZoom is the first zoom above the current one at which the members
// stop sharing a single cell.
func (e *Engine) expansionZoom(members []snowfall.Measurement, zoom int, radius float64) int {
	for z := zoom + 1; z <= e.MaxZoom; z++ {
		first := cellOf(members[0], z, radius)
		for _, m := range members[1:] {
			if cellOf(m, z, radius) != first {
				return z
			}
		}
	}
	return e.MaxZoom + 1
}

func cellOf(m snowfall.Measurement, zoom int, radius float64) cell {
	x, y := geo.Project(m.Lat, m.Lon, zoom)
	return cell{x: int64(math.Floor(x / radius)), y: int64(math.Floor(y / radius))}
}

// sortedPoints copies the measurements inside bbox, ordered by station then
// source so grid assignment never depends on input order.
func sortedPoints(measurements []snowfall.Measurement, bbox *geo.Bounds) []snowfall.Measurement {
	out := make([]snowfall.Measurement, 0, len(measurements))
	for _, m := range measurements {
		if bbox != nil && !bbox.Contains(m.Lat, m.Lon) {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Station != out[j].Station {
			return out[i].Station < out[j].Station
		}
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
