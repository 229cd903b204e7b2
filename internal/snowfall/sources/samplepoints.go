package sources

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/i474232898/snowfall-aggregation/internal/geo"
)

// SamplePoint is a location where the gridded analysis is sampled.
// Place is an optional address used when Lat/Lon are not known up front.
type SamplePoint struct {
	Name     string  `yaml:"name"`
	Lat      float64 `yaml:"lat"`
	Lon      float64 `yaml:"lon"`
	Place    string  `yaml:"place,omitempty"`
	Priority string  `yaml:"priority,omitempty"`
}

// Located reports whether the point has usable coordinates.
func (p SamplePoint) Located() bool {
	return !(p.Lat == 0 && p.Lon == 0) && geo.ValidCoordinate(p.Lat, p.Lon)
}

// SamplePlan is the file format for SAMPLE_POINTS_FILE.
type SamplePlan struct {
	Bounds *geo.Bounds   `yaml:"bounds,omitempty"`
	Points []SamplePoint `yaml:"points"`
}

// LoadSamplePlan reads a YAML sample plan. Points without coordinates are
// kept so the caller can geocode their Place.
func LoadSamplePlan(path string) (SamplePlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SamplePlan{}, fmt.Errorf("read sample points: %w", err)
	}

	var plan SamplePlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return SamplePlan{}, fmt.Errorf("parse sample points: %w", err)
	}
	if len(plan.Points) == 0 {
		return SamplePlan{}, fmt.Errorf("sample points file %s lists no points", path)
	}
	for i, p := range plan.Points {
		if p.Name == "" {
			return SamplePlan{}, fmt.Errorf("sample point %d has no name", i)
		}
		if !p.Located() && p.Place == "" {
			return SamplePlan{}, fmt.Errorf("sample point %s needs lat/lon or place", p.Name)
		}
	}
	if plan.Bounds != nil {
		if err := plan.Bounds.Validate(); err != nil {
			return SamplePlan{}, err
		}
	}
	return plan, nil
}

// DefaultSamplePoints are 20 strategic Illinois locations, weighted toward the
// Chicago metro where most of the population lives.
var DefaultSamplePoints = []SamplePoint{
	// Chicago metro
	{Name: "Chicago_Downtown", Lat: 41.88, Lon: -87.63, Priority: "high"},
	{Name: "Chicago_OHare", Lat: 41.97, Lon: -87.91, Priority: "high"},
	{Name: "Chicago_Midway", Lat: 41.79, Lon: -87.75, Priority: "high"},
	{Name: "Evanston", Lat: 42.06, Lon: -87.68, Priority: "high"},
	{Name: "Naperville", Lat: 41.76, Lon: -88.14, Priority: "high"},
	{Name: "Joliet", Lat: 41.61, Lon: -87.86, Priority: "medium"},

	// Northern Illinois
	{Name: "Rockford", Lat: 42.27, Lon: -89.09, Priority: "medium"},
	{Name: "Moline_QuadCities", Lat: 41.51, Lon: -90.58, Priority: "medium"},
	{Name: "McHenry", Lat: 42.25, Lon: -88.32, Priority: "low"},
	{Name: "Ottawa", Lat: 41.44, Lon: -88.81, Priority: "low"},

	// Central Illinois
	{Name: "Peoria", Lat: 40.69, Lon: -89.59, Priority: "medium"},
	{Name: "Champaign_Urbana", Lat: 40.11, Lon: -88.24, Priority: "medium"},
	{Name: "Springfield", Lat: 39.78, Lon: -89.65, Priority: "medium"},
	{Name: "Bloomington_Normal", Lat: 40.48, Lon: -88.99, Priority: "medium"},

	// Southern Illinois
	{Name: "Belleville_StLouis", Lat: 38.63, Lon: -90.20, Priority: "medium"},
	{Name: "Carbondale", Lat: 37.73, Lon: -89.22, Priority: "low"},
	{Name: "Mount_Vernon", Lat: 38.52, Lon: -88.85, Priority: "low"},

	// Border coverage for edge interpolation
	{Name: "Border_NW_Galena", Lat: 42.48, Lon: -90.43, Priority: "low"},
	{Name: "Border_S_Cairo", Lat: 37.07, Lon: -88.63, Priority: "low"},
	{Name: "Border_E_TerreHaute", Lat: 39.48, Lon: -87.53, Priority: "low"},
}
