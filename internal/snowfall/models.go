package snowfall

import (
	"math"
	"time"
)

// Source identifies the upstream provider a measurement came from.
type Source string

const (
	SourceNWS      Source = "NOAA_NWS"
	SourceGridded  Source = "NOAA_GRIDDED"
	SourceCoCoRaHS Source = "COCORAHS"
)

// AllSources lists every known provider in a stable order.
var AllSources = []Source{SourceNWS, SourceGridded, SourceCoCoRaHS}

// Valid reports whether s is a known provider tag.
func (s Source) Valid() bool {
	switch s {
	case SourceNWS, SourceGridded, SourceCoCoRaHS:
		return true
	}
	return false
}

// Measurement is one normalized snowfall observation. Values are immutable
// once produced by the normalizer and may be shared between readers.
type Measurement struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Amount    float64   `json:"amount"` // inches
	Source    Source    `json:"source"`
	Station   string    `json:"station"`
	Timestamp time.Time `json:"timestamp"` // always UTC
}

// SourceStatus records how one connector fared during an aggregation run.
type SourceStatus struct {
	Source Source `json:"source"`
	OK     bool   `json:"ok"`
	Count  int    `json:"count"`
	Error  string `json:"error,omitempty"`
}

// Storm is the aggregated view of one snow event.
type Storm struct {
	StormID      string         `json:"stormId"`
	Date         time.Time      `json:"date"`
	Measurements []Measurement  `json:"measurements"`
	MaxSnowfall  float64        `json:"maxSnowfall"`
	AvgSnowfall  float64        `json:"avgSnowfall"`
	StationCount int            `json:"stationCount"`
	Sources      []SourceStatus `json:"sources"`
	FetchedAt    time.Time      `json:"fetchedAt"`
}

// StormMetadata is the summary shown in the storm selector.
type StormMetadata struct {
	ID            string    `json:"id"`
	Date          time.Time `json:"date"`
	TotalStations int       `json:"totalStations"`
	MaxSnowfall   float64   `json:"maxSnowfall"`
}

// NewStorm builds a Storm and derives its statistics from measurements.
func NewStorm(id StormID, measurements []Measurement, sources []SourceStatus, fetchedAt time.Time) Storm {
	if measurements == nil {
		measurements = []Measurement{}
	}

	var maxAmount, sum float64
	for _, m := range measurements {
		sum += m.Amount
		if m.Amount > maxAmount {
			maxAmount = m.Amount
		}
	}

	var avg float64
	if len(measurements) > 0 {
		avg = sum / float64(len(measurements))
	}

	return Storm{
		StormID:      id.String(),
		Date:         id.Date(),
		Measurements: measurements,
		MaxSnowfall:  roundTenth(maxAmount),
		AvgSnowfall:  roundTenth(avg),
		StationCount: len(measurements),
		Sources:      sources,
		FetchedAt:    fetchedAt.UTC(),
	}
}

// Metadata summarizes the storm for listings.
func (s Storm) Metadata() StormMetadata {
	return StormMetadata{
		ID:            s.StormID,
		Date:          s.Date,
		TotalStations: s.StationCount,
		MaxSnowfall:   s.MaxSnowfall,
	}
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}
