package snowfall

import (
	"context"
)

// RawRecord is one provider-native observation before normalization.
// Value is expressed in Unit; Timestamp is the provider's time string.
type RawRecord struct {
	Station   string
	Lat       float64
	Lon       float64
	Value     float64
	Unit      string
	Timestamp string
}

// RawBatch is everything one connector returned for a storm.
type RawBatch struct {
	Source  Source
	Records []RawRecord
}

// Connector abstracts one upstream snowfall provider (NWS, NOHRSC, CoCoRaHS).
// Fetch must honor ctx's deadline and must not retry on its own.
type Connector interface {
	Source() Source
	Fetch(ctx context.Context, id StormID) (RawBatch, error)
}
