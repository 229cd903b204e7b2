package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelvins/geocoder"

	"github.com/i474232898/snowfall-aggregation/internal/common"
	"github.com/i474232898/snowfall-aggregation/internal/geo"
	"github.com/i474232898/snowfall-aggregation/internal/snowfall"
	"github.com/i474232898/snowfall-aggregation/internal/snowfall/sources"
)

type NWSConfig struct {
	BaseURL   string   `validate:"omitempty,url"`
	Stations  []string `validate:"min=1,dive,alphanum"`
	UserAgent string   `validate:"required"`
}

type GriddedConfig struct {
	BaseURL     string `validate:"omitempty,url"`
	UseRealData bool

	// Sample plan; empty Points means the built-in Illinois points.
	SamplePointsFile string
	Points           []sources.SamplePoint
	Bounds           geo.Bounds
}

type CoCoRaHSConfig struct {
	BaseURL string `validate:"omitempty,url"`
	State   string `validate:"len=2,alpha"`
}

type AppConfig struct {
	Port string `validate:"required,numeric"`

	// Storm cache.
	CacheTTL        time.Duration `validate:"gt=0"`
	CacheMaxEntries int           `validate:"gte=0"`

	// Fetch policy.
	HTTPTimeout   time.Duration `validate:"gt=0"`
	SourceTimeout time.Duration `validate:"gt=0"`
	FetchTimeout  time.Duration `validate:"gtefield=SourceTimeout"`
	SourceRetries int           `validate:"gte=0,lte=5"`
	RetryBackoff  time.Duration `validate:"gt=0"`

	// WarmInterval controls how often the latest storm is refreshed in the
	// background (0 disables).
	WarmInterval time.Duration `validate:"gte=0"`

	EnabledSources []snowfall.Source `validate:"min=1,dive,oneof=NOAA_NWS NOAA_GRIDDED COCORAHS"`
	NWS            NWSConfig
	Gridded        GriddedConfig
	CoCoRaHS       CoCoRaHSConfig

	ClusterRadiusPx float64 `validate:"gt=0,lte=1024"`
	ClusterMaxZoom  int     `validate:"gte=1,lte=22"`
}

// SourceEnabled reports whether src is listed in ENABLED_SOURCES.
func (c *AppConfig) SourceEnabled(src snowfall.Source) bool {
	for _, s := range c.EnabledSources {
		if s == src {
			return true
		}
	}
	return false
}

var validate = validator.New()

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}
	return fromEnv(geocodePlace)
}

// geocodeFunc resolves a free-form place such as "Elgin, IL" to coordinates.
type geocodeFunc func(place string) (lat, lon float64, err error)

func fromEnv(geocode geocodeFunc) (*AppConfig, error) {
	cfg := &AppConfig{
		Port: getenvDefault("PORT", "8080"),
		NWS: NWSConfig{
			BaseURL:   os.Getenv("NWS_BASE_URL"),
			Stations:  common.SplitList(getenvDefault("NWS_STATIONS", strings.Join(sources.DefaultNWSStations, ","))),
			UserAgent: getenvDefault("NWS_USER_AGENT", "snowfall-aggregation (ops@example.com)"),
		},
		Gridded: GriddedConfig{
			BaseURL:          os.Getenv("NOHRSC_BASE_URL"),
			SamplePointsFile: os.Getenv("SAMPLE_POINTS_FILE"),
			Bounds:           geo.Illinois,
		},
		CoCoRaHS: CoCoRaHSConfig{
			BaseURL: os.Getenv("COCORAHS_BASE_URL"),
			State:   strings.ToUpper(getenvDefault("COCORAHS_STATE", "IL")),
		},
	}

	var err error
	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"CACHE_TTL", 2 * time.Hour, &cfg.CacheTTL},
		{"HTTP_TIMEOUT", 10 * time.Second, &cfg.HTTPTimeout},
		{"SOURCE_TIMEOUT", 5 * time.Second, &cfg.SourceTimeout},
		{"FETCH_TIMEOUT", 20 * time.Second, &cfg.FetchTimeout},
		{"RETRY_BACKOFF", 250 * time.Millisecond, &cfg.RetryBackoff},
		{"WARM_INTERVAL", 15 * time.Minute, &cfg.WarmInterval},
	}
	for _, d := range durations {
		if *d.dst, err = getenvDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	if cfg.CacheMaxEntries, err = getenvInt("CACHE_MAX_ENTRIES", 256); err != nil {
		return nil, err
	}
	if cfg.SourceRetries, err = getenvInt("SOURCE_RETRIES", 1); err != nil {
		return nil, err
	}
	if cfg.ClusterMaxZoom, err = getenvInt("CLUSTER_MAX_ZOOM", 14); err != nil {
		return nil, err
	}
	if cfg.ClusterRadiusPx, err = getenvFloat("CLUSTER_RADIUS_PX", 60); err != nil {
		return nil, err
	}
	if cfg.Gridded.UseRealData, err = getenvBool("USE_REAL_NOAA_DATA", false); err != nil {
		return nil, err
	}

	for _, s := range common.SplitList(getenvDefault("ENABLED_SOURCES", joinSources(snowfall.AllSources))) {
		cfg.EnabledSources = append(cfg.EnabledSources, snowfall.Source(strings.ToUpper(s)))
	}

	if cfg.Gridded.SamplePointsFile != "" {
		if err := loadSamplePlan(&cfg.Gridded, os.Getenv("GEOCODER_API_KEY"), geocode); err != nil {
			return nil, err
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadSamplePlan reads the YAML plan and geocodes points that only name a place.
func loadSamplePlan(g *GriddedConfig, apiKey string, geocode geocodeFunc) error {
	plan, err := sources.LoadSamplePlan(g.SamplePointsFile)
	if err != nil {
		return err
	}
	if apiKey != "" {
		geocoder.ApiKey = apiKey
	}

	for i, p := range plan.Points {
		if p.Located() {
			continue
		}
		if apiKey == "" {
			return fmt.Errorf("sample point %s has no coordinates and GEOCODER_API_KEY is not set", p.Name)
		}
		lat, lon, err := geocode(p.Place)
		if err != nil {
			return fmt.Errorf("geocode sample point %s (%q): %w", p.Name, p.Place, err)
		}
		plan.Points[i].Lat, plan.Points[i].Lon = lat, lon
		log.Printf("INFO: geocoded sample point %s to %.4f,%.4f", p.Name, lat, lon)
	}

	g.Points = plan.Points
	if plan.Bounds != nil {
		g.Bounds = *plan.Bounds
	}
	return nil
}

// geocodePlace looks up "City, ST" through the Google Geocoding API.
func geocodePlace(place string) (float64, float64, error) {
	parts := common.SplitList(place)
	addr := geocoder.Address{Country: "United States"}
	switch len(parts) {
	case 0:
		return 0, 0, fmt.Errorf("empty place")
	case 1:
		addr.City = parts[0]
	default:
		addr.City = parts[0]
		addr.State = parts[1]
	}

	loc, err := geocoder.Geocoding(addr)
	if err != nil {
		return 0, 0, err
	}
	if !geo.ValidCoordinate(loc.Latitude, loc.Longitude) {
		return 0, 0, fmt.Errorf("geocoder returned invalid coordinate %v,%v", loc.Latitude, loc.Longitude)
	}
	return loc.Latitude, loc.Longitude, nil
}

func joinSources(srcs []snowfall.Source) string {
	parts := make([]string, len(srcs))
	for i, s := range srcs {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
