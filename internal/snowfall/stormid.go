package snowfall

import (
	"fmt"
	"regexp"
	"time"
)

const stormDateLayout = "2006-01-02"

var stormIDPattern = regexp.MustCompile(`^storm-(\d{4}-\d{2}-\d{2})$`)

// StormID identifies a storm by its calendar day (UTC).
type StormID struct {
	date time.Time
}

// ParseStormID validates the storm-YYYY-MM-DD format and that the date exists.
// It never checks whether data for that day is available.
func ParseStormID(raw string) (StormID, error) {
	m := stormIDPattern.FindStringSubmatch(raw)
	if m == nil {
		return StormID{}, fmt.Errorf("storm id %q must be in format storm-YYYY-MM-DD", raw)
	}
	d, err := time.Parse(stormDateLayout, m[1])
	if err != nil {
		return StormID{}, fmt.Errorf("storm id %q has an invalid date", raw)
	}
	return StormID{date: d}, nil
}

// StormIDFor returns the id of the storm on the UTC day containing t.
func StormIDFor(t time.Time) StormID {
	t = t.UTC()
	return StormID{date: time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)}
}

// ValidStormID reports whether raw is a well-formed storm id.
func ValidStormID(raw string) bool {
	_, err := ParseStormID(raw)
	return err == nil
}

func (id StormID) String() string {
	return "storm-" + id.date.Format(stormDateLayout)
}

// Date is midnight UTC of the storm day.
func (id StormID) Date() time.Time {
	return id.date
}

// IsZero reports whether id was never set.
func (id StormID) IsZero() bool {
	return id.date.IsZero()
}

// After reports whether the storm day starts after the UTC day containing now.
func (id StormID) After(now time.Time) bool {
	return id.date.After(StormIDFor(now).date)
}
