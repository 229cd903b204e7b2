package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/snowfall-aggregation/internal/snowfall"
)

// DefaultNWSStations are the Chicagoland ASOS stations queried by default.
var DefaultNWSStations = []string{"KORD", "KMDW", "KPWK"}

// NWSConnector reads station snow depth from the api.weather.gov observations API.
type NWSConnector struct {
	baseURL  string
	stations []string
	httpCfg  HTTPClientConfig
	circuit  *gobreaker.CircuitBreaker
}

func NewNWSConnector(client *http.Client, baseURL, userAgent string, stations []string) *NWSConnector {
	if baseURL == "" {
		baseURL = "https://api.weather.gov"
	}
	if len(stations) == 0 {
		stations = DefaultNWSStations
	}
	return &NWSConnector{
		baseURL:  baseURL,
		stations: stations,
		httpCfg: HTTPClientConfig{
			Client:    client,
			UserAgent: userAgent,
		},
		circuit: newBreaker("noaa_nws"),
	}
}

func (c *NWSConnector) Source() snowfall.Source {
	return snowfall.SourceNWS
}

// Fetch queries every station's observations for the storm day concurrently.
// A station without snow depth contributes nothing; the connector only fails
// when no station request succeeds.
func (c *NWSConnector) Fetch(ctx context.Context, id snowfall.StormID) (snowfall.RawBatch, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		records  []snowfall.RawRecord
		failures int
		lastErr  error
	)

	for _, st := range c.stations {
		wg.Add(1)
		go func(st string) {
			defer wg.Done()

			recs, err := c.fetchStation(ctx, st, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("WARN: nws station %s fetch failed for %s: %v", st, id, err)
				failures++
				lastErr = err
				return
			}
			records = append(records, recs...)
		}(st)
	}

	wg.Wait()

	if failures == len(c.stations) {
		return snowfall.RawBatch{}, fmt.Errorf("nws: %w: %v", errNoData, lastErr)
	}
	return snowfall.RawBatch{Source: snowfall.SourceNWS, Records: records}, nil
}

type nwsObservation struct {
	Geometry struct {
		Coordinates []float64 `json:"coordinates"` // [lon, lat]
	} `json:"geometry"`
	Properties struct {
		Timestamp string `json:"timestamp"`
		SnowDepth struct {
			Value    *float64 `json:"value"`
			UnitCode string   `json:"unitCode"`
		} `json:"snowDepth"`
	} `json:"properties"`
}

func (c *NWSConnector) fetchStation(ctx context.Context, station string, id snowfall.StormID) ([]snowfall.RawRecord, error) {
	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("start", id.Date().Format(time.RFC3339))
		values.Set("end", id.Date().Add(24*time.Hour).Format(time.RFC3339))

		u := fmt.Sprintf("%s/stations/%s/observations?%s", c.baseURL, url.PathEscape(station), values.Encode())
		req, err := http.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/geo+json")
		return req, nil
	}

	resp, err := doRequest(ctx, c.httpCfg, c.circuit, buildRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload struct {
		Features []nwsObservation `json:"features"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode observations: %w", err)
	}

	var out []snowfall.RawRecord
	for _, f := range payload.Features {
		depth := f.Properties.SnowDepth
		if depth.Value == nil || len(f.Geometry.Coordinates) < 2 {
			continue
		}
		out = append(out, snowfall.RawRecord{
			Station:   station,
			Lat:       f.Geometry.Coordinates[1],
			Lon:       f.Geometry.Coordinates[0],
			Value:     *depth.Value,
			Unit:      depth.UnitCode,
			Timestamp: f.Properties.Timestamp,
		})
	}
	return out, nil
}
