package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"

	"github.com/i474232898/snowfall-aggregation/internal/geo"
	"github.com/i474232898/snowfall-aggregation/internal/snowfall"
)

const (
	// Layer 3 of the NOHRSC Snow Analysis MapServer is the snow depth raster (meters).
	nohrscSnowDepthLayer = "all:3"
	gridSpacingDegrees   = 0.5
	traceDepthMeters     = 0.00254 // 0.1 in
)

// GriddedOptions configures the NOHRSC gridded connector.
type GriddedOptions struct {
	BaseURL string
	Points  []SamplePoint
	Bounds  geo.Bounds

	// Mock returns fixed Chicagoland grid values instead of calling NOHRSC.
	Mock  bool
	Clock clockwork.Clock
}

// GriddedConnector samples the NOHRSC National Snow Analysis raster at
// strategic points and densifies them by inverse distance weighting.
type GriddedConnector struct {
	baseURL string
	points  []SamplePoint
	bounds  geo.Bounds
	mock    bool
	clock   clockwork.Clock
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

func NewGriddedConnector(client *http.Client, userAgent string, opts GriddedOptions) *GriddedConnector {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://mapservices.weather.noaa.gov/raster/rest/services/snow/NOHRSC_Snow_Analysis/MapServer"
	}
	if len(opts.Points) == 0 {
		opts.Points = DefaultSamplePoints
	}
	if opts.Bounds == (geo.Bounds{}) {
		opts.Bounds = geo.Illinois
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	return &GriddedConnector{
		baseURL: opts.BaseURL,
		points:  opts.Points,
		bounds:  opts.Bounds,
		mock:    opts.Mock,
		clock:   opts.Clock,
		httpCfg: HTTPClientConfig{
			Client:    client,
			UserAgent: userAgent,
		},
		circuit: newBreaker("noaa_gridded"),
	}
}

func (c *GriddedConnector) Source() snowfall.Source {
	return snowfall.SourceGridded
}

// Fetch returns the raw samples with snow plus the interpolated grid.
// NOHRSC only serves the current analysis, so the storm id does not change
// the query.
func (c *GriddedConnector) Fetch(ctx context.Context, _ snowfall.StormID) (snowfall.RawBatch, error) {
	now := c.clock.Now().UTC().Format(time.RFC3339)
	if c.mock {
		return snowfall.RawBatch{Source: snowfall.SourceGridded, Records: mockGriddedRecords(now)}, nil
	}

	start := time.Now()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		samples  []geo.Sample
		records  []snowfall.RawRecord
		failures int
		lastErr  error
	)

	for _, p := range c.points {
		wg.Add(1)
		go func(p SamplePoint) {
			defer wg.Done()

			depth, err := c.queryPoint(ctx, p)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("WARN: nohrsc query failed for %s: %v", p.Name, err)
				failures++
				lastErr = err
				return
			}
			if depth <= 0 {
				return
			}
			samples = append(samples, geo.Sample{Lat: p.Lat, Lon: p.Lon, Value: depth})
			records = append(records, snowfall.RawRecord{
				Station:   "NOHRSC_" + p.Name,
				Lat:       p.Lat,
				Lon:       p.Lon,
				Value:     depth,
				Unit:      "m",
				Timestamp: now,
			})
		}(p)
	}

	wg.Wait()

	if failures == len(c.points) {
		return snowfall.RawBatch{}, fmt.Errorf("nohrsc: %w: %v", errNoData, lastErr)
	}

	log.Printf("DEBUG: nohrsc sampled %d points in %s: %d with snow, %d failed",
		len(c.points), time.Since(start).Round(time.Millisecond), len(samples), failures)

	for _, g := range geo.ExpandGrid(samples, gridSpacingDegrees, c.bounds, traceDepthMeters) {
		records = append(records, snowfall.RawRecord{
			Station:   "INTERPOLATED_" + geo.GridName(g.Lat, g.Lon),
			Lat:       g.Lat,
			Lon:       g.Lon,
			Value:     g.Value,
			Unit:      "m",
			Timestamp: now,
		})
	}

	return snowfall.RawBatch{Source: snowfall.SourceGridded, Records: records}, nil
}

// queryPoint returns the snow depth in meters at p; NoData reads as zero.
func (c *GriddedConnector) queryPoint(ctx context.Context, p SamplePoint) (float64, error) {
	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("geometry", fmt.Sprintf("%f,%f", p.Lon, p.Lat))
		values.Set("geometryType", "esriGeometryPoint")
		values.Set("tolerance", "1")
		values.Set("layers", nohrscSnowDepthLayer)
		values.Set("mapExtent", fmt.Sprintf("%f,%f,%f,%f", c.bounds.MinLon, c.bounds.MinLat, c.bounds.MaxLon, c.bounds.MaxLat))
		values.Set("imageDisplay", "400,400,96")
		values.Set("returnGeometry", "false")
		values.Set("f", "json")

		u := fmt.Sprintf("%s/identify?%s", c.baseURL, values.Encode())
		return http.NewRequest(http.MethodGet, u, nil)
	}

	resp, err := doRequest(ctx, c.httpCfg, c.circuit, buildRequest)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var payload struct {
		Results []struct {
			Attributes map[string]any `json:"attributes"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode identify response: %w", err)
	}
	if len(payload.Results) == 0 {
		return 0, nil
	}

	return parsePixelValue(payload.Results[0].Attributes["Service Pixel Value"]), nil
}

func parsePixelValue(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case string:
		s := strings.TrimSpace(val)
		if s == "" || strings.EqualFold(s, "NoData") {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func mockGriddedRecords(ts string) []snowfall.RawRecord {
	return []snowfall.RawRecord{
		{Station: "GRID_CHICAGO_DOWNTOWN", Lat: 41.8781, Lon: -87.6298, Value: 3.2, Unit: "in", Timestamp: ts},
		{Station: "GRID_OHARE", Lat: 41.9742, Lon: -87.9073, Value: 4.5, Unit: "in", Timestamp: ts},
		{Station: "GRID_MIDWAY", Lat: 41.7866, Lon: -87.7515, Value: 3.8, Unit: "in", Timestamp: ts},
		{Station: "GRID_EVANSTON", Lat: 42.0584, Lon: -87.6833, Value: 5.2, Unit: "in", Timestamp: ts},
		{Station: "GRID_NAPERVILLE", Lat: 41.5236, Lon: -88.0814, Value: 2.9, Unit: "in", Timestamp: ts},
	}
}
