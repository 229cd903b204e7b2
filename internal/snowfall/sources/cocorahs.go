package sources

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/snowfall-aggregation/internal/snowfall"
)

var errMissingColumn = errors.New("cocorahs csv missing column")

// CoCoRaHSConnector reads volunteer daily reports from the CoCoRaHS CSV export.
type CoCoRaHSConnector struct {
	baseURL string
	state   string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

func NewCoCoRaHSConnector(client *http.Client, baseURL, userAgent, state string) *CoCoRaHSConnector {
	if baseURL == "" {
		baseURL = "https://data.cocorahs.org/export/exportreports.aspx"
	}
	if state == "" {
		state = "IL"
	}
	return &CoCoRaHSConnector{
		baseURL: baseURL,
		state:   state,
		httpCfg: HTTPClientConfig{
			Client:    client,
			UserAgent: userAgent,
		},
		circuit: newBreaker("cocorahs"),
	}
}

func (c *CoCoRaHSConnector) Source() snowfall.Source {
	return snowfall.SourceCoCoRaHS
}

// Fetch downloads the daily reports filed for the storm's date.
func (c *CoCoRaHSConnector) Fetch(ctx context.Context, id snowfall.StormID) (snowfall.RawBatch, error) {
	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("ReportType", "Daily")
		values.Set("dtf", "1")
		values.Set("Format", "CSV")
		values.Set("State", c.state)
		values.Set("ReportDateType", "reportdate")
		values.Set("Date", id.Date().Format("01/02/2006"))
		values.Set("TimesInGMT", "True")

		u := fmt.Sprintf("%s?%s", c.baseURL, values.Encode())
		return http.NewRequest(http.MethodGet, u, nil)
	}

	resp, err := doRequest(ctx, c.httpCfg, c.circuit, buildRequest)
	if err != nil {
		return snowfall.RawBatch{}, err
	}
	defer resp.Body.Close()

	records, err := parseCoCoRaHSCSV(resp.Body)
	if err != nil {
		return snowfall.RawBatch{}, err
	}
	return snowfall.RawBatch{Source: snowfall.SourceCoCoRaHS, Records: records}, nil
}

var cocorahsColumns = []string{
	"StationNumber", "Latitude", "Longitude", "ObservationDate", "ObservationTime", "TotalSnowDepth",
}

// parseCoCoRaHSCSV maps export rows to raw records. Rows with a missing depth
// ("NA") are skipped; trace ("T") reads as zero. Malformed coordinates or
// times are passed through for the normalizer to reject.
func parseCoCoRaHSCSV(r io.Reader) ([]snowfall.RawRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cocorahs header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	cols := make(map[string]int, len(cocorahsColumns))
	for _, name := range cocorahsColumns {
		i, ok := idx[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("%w: %s", errMissingColumn, name)
		}
		cols[name] = i
	}

	var out []snowfall.RawRecord
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read cocorahs row: %w", err)
		}

		field := func(name string) string {
			i := cols[name]
			if i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		depth, ok := parseDepth(field("TotalSnowDepth"))
		if !ok {
			continue
		}

		out = append(out, snowfall.RawRecord{
			Station:   field("StationNumber"),
			Lat:       parseCoord(field("Latitude")),
			Lon:       parseCoord(field("Longitude")),
			Value:     depth,
			Unit:      "in",
			Timestamp: observationTimestamp(field("ObservationDate"), field("ObservationTime")),
		})
	}
	return out, nil
}

func parseDepth(s string) (float64, bool) {
	switch strings.ToUpper(s) {
	case "", "NA", "N/A":
		return 0, false
	case "T":
		return 0, true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseCoord(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// observationTimestamp converts the GMT date and time columns to RFC 3339.
// Unparsable values are returned as-is so the normalizer drops the record.
func observationTimestamp(date, clock string) string {
	layouts := []string{"2006-01-02 03:04 PM", "2006-01-02 15:04", "01/02/2006 03:04 PM"}
	joined := date + " " + clock
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, joined, time.UTC); err == nil {
			return t.Format(time.RFC3339)
		}
	}
	return joined
}
