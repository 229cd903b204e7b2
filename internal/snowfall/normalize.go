package snowfall

import (
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/i474232898/snowfall-aggregation/internal/geo"
)

const (
	inchesPerMeter     = 39.3701
	millimetersPerInch = 25.4
	centimetersPerInch = 2.54
	maxPlausibleInches = 1200 // 100 ft; anything above is a sensor or unit fault
	timestampPrecision = time.Millisecond
)

// Dropped describes a raw record the normalizer rejected.
type Dropped struct {
	Source  Source
	Station string
	Reason  string
}

// Normalize maps every provider's raw records into Measurements. Records that
// fail validation are dropped and reported, never fatal to the batch.
// Same-source duplicates collapse to the latest timestamp; records from
// different sources are always kept apart. The result is sorted by
// (source, station).
func Normalize(batches map[Source]RawBatch) ([]Measurement, []Dropped) {
	type key struct {
		source  Source
		station string
	}

	var dropped []Dropped
	latest := make(map[key]Measurement)

	for src, batch := range batches {
		if batch.Source != "" && batch.Source != src {
			dropped = append(dropped, Dropped{Source: src, Reason: fmt.Sprintf("batch tagged %s", batch.Source)})
			continue
		}
		for _, rec := range batch.Records {
			m, err := normalizeRecord(src, rec)
			if err != nil {
				dropped = append(dropped, Dropped{Source: src, Station: rec.Station, Reason: err.Error()})
				continue
			}

			k := key{source: m.Source, station: m.Station}
			prev, exists := latest[k]
			if !exists || newer(m, prev) {
				latest[k] = m
			}
		}
	}

	out := make([]Measurement, 0, len(latest))
	for _, m := range latest {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Station < out[j].Station
	})

	sort.Slice(dropped, func(i, j int) bool {
		if dropped[i].Source != dropped[j].Source {
			return dropped[i].Source < dropped[j].Source
		}
		return dropped[i].Station < dropped[j].Station
	})

	return out, dropped
}

// LogDropped writes one line per rejected record.
func LogDropped(stormID string, dropped []Dropped) {
	for _, d := range dropped {
		log.Printf("WARN: normalizer dropped %s record %q for %s: %s", d.Source, d.Station, stormID, d.Reason)
	}
}

func newer(a, b Measurement) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	// Tie-break so the result never depends on provider response order.
	return a.Amount > b.Amount
}

func normalizeRecord(src Source, rec RawRecord) (Measurement, error) {
	station := strings.TrimSpace(rec.Station)
	if station == "" {
		return Measurement{}, fmt.Errorf("missing station id")
	}
	if !src.Valid() {
		return Measurement{}, fmt.Errorf("unknown source %q", src)
	}
	if !geo.ValidCoordinate(rec.Lat, rec.Lon) {
		return Measurement{}, fmt.Errorf("coordinate out of range (%v, %v)", rec.Lat, rec.Lon)
	}

	inches, err := toInches(rec.Value, rec.Unit)
	if err != nil {
		return Measurement{}, err
	}
	if math.IsNaN(inches) || math.IsInf(inches, 0) || inches < 0 || inches > maxPlausibleInches {
		return Measurement{}, fmt.Errorf("implausible amount %v in", inches)
	}

	ts, err := ParseTimestamp(rec.Timestamp)
	if err != nil {
		return Measurement{}, err
	}

	return Measurement{
		Lat:       rec.Lat,
		Lon:       rec.Lon,
		Amount:    inches,
		Source:    src,
		Station:   station,
		Timestamp: ts,
	}, nil
}

// toInches converts a depth from a provider unit code. NWS uses WMO codes
// such as "wmoUnit:m"; other providers use plain abbreviations.
func toInches(v float64, unit string) (float64, error) {
	u := strings.ToLower(strings.TrimSpace(unit))
	u = strings.TrimPrefix(u, "wmounit:")
	u = strings.TrimPrefix(u, "unit:")

	switch u {
	case "m", "meter", "meters":
		return v * inchesPerMeter, nil
	case "cm", "centimeter", "centimeters":
		return v / centimetersPerInch, nil
	case "mm", "millimeter", "millimeters":
		return v / millimetersPerInch, nil
	case "in", "inch", "inches":
		return v, nil
	default:
		return 0, fmt.Errorf("unsupported unit %q", unit)
	}
}

// ParseTimestamp accepts RFC 3339 timestamps that carry an explicit offset or Z
// and returns them in UTC, truncated to milliseconds.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparsable timestamp %q", s)
	}
	return ts.UTC().Truncate(timestampPrecision), nil
}

// FormatTimestamp renders t the way measurements are transmitted.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
