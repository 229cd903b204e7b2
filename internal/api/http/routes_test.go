package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/snowfall-aggregation/internal/cache"
	"github.com/i474232898/snowfall-aggregation/internal/cluster"
	"github.com/i474232898/snowfall-aggregation/internal/metrics"
	"github.com/i474232898/snowfall-aggregation/internal/snowfall"
)

var testNow = time.Date(2024, 1, 5, 18, 0, 0, 0, time.UTC)

type stubConnector struct {
	source  snowfall.Source
	records []snowfall.RawRecord
	err     error
	block   bool
	calls   atomic.Int32
}

func (s *stubConnector) Source() snowfall.Source { return s.source }

func (s *stubConnector) Fetch(ctx context.Context, _ snowfall.StormID) (snowfall.RawBatch, error) {
	s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return snowfall.RawBatch{}, ctx.Err()
	}
	if s.err != nil {
		return snowfall.RawBatch{}, s.err
	}
	return snowfall.RawBatch{Source: s.source, Records: s.records}, nil
}

func nwsStations(n int) []snowfall.RawRecord {
	out := make([]snowfall.RawRecord, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, snowfall.RawRecord{
			Station:   fmt.Sprintf("K%03d", i),
			Lat:       41.5 + float64(i)*0.05,
			Lon:       -88 + float64(i)*0.05,
			Value:     0.1,
			Unit:      "wmoUnit:m",
			Timestamp: "2024-01-05T12:00:00Z",
		})
	}
	return out
}

type testEnv struct {
	app   *fiber.App
	clock *clockwork.FakeClock
	reg   *prometheus.Registry
}

func newTestEnv(t *testing.T, conns ...snowfall.Connector) testEnv {
	t.Helper()

	clock := clockwork.NewFakeClockAt(testNow)
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	svc := snowfall.NewService(conns, cache.New[snowfall.Storm](2*time.Hour, 0, clock), clock, m, snowfall.Options{
		SourceTimeout: 50 * time.Millisecond,
		FetchTimeout:  500 * time.Millisecond,
	})

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(clock, m)})
	app.Use(RequestID())
	RegisterRoutes(app, svc, cluster.New(60, 14))
	RegisterSystemRoutes(app, "snowfall-aggregation", reg)

	return testEnv{app: app, clock: clock, reg: reg}
}

func (e testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := e.app.Test(httptest.NewRequest(http.MethodGet, path, nil), 5000)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func decodeEnvelope(t *testing.T, resp *http.Response, body []byte) ErrorEnvelope {
	t.Helper()

	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))
	assert.Len(t, raw, 4, "envelope carries exactly error, message, statusCode and timestamp")

	var env ErrorEnvelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.NotEmpty(t, env.Error)
	assert.NotEmpty(t, env.Message)
	assert.Equal(t, resp.StatusCode, env.StatusCode)

	_, err := time.Parse(time.RFC3339, env.Timestamp)
	assert.NoError(t, err)
	return env
}

func TestGetStorm_MalformedID(t *testing.T) {
	nws := &stubConnector{source: snowfall.SourceNWS, records: nwsStations(3)}
	env := newTestEnv(t, nws)

	resp, body := env.get(t, "/api/snowfall/invalid-id")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	e := decodeEnvelope(t, resp, body)
	assert.Equal(t, "Bad Request", e.Error)
	assert.Equal(t, "2024-01-05T18:00:00.000Z", e.Timestamp)
	assert.Equal(t, int32(0), nws.calls.Load(), "validation must not reach upstream")
}

func TestGetStorm_FutureDate(t *testing.T) {
	nws := &stubConnector{source: snowfall.SourceNWS, records: nwsStations(3)}
	env := newTestEnv(t, nws)

	resp, body := env.get(t, "/api/snowfall/storm-2099-12-31")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	e := decodeEnvelope(t, resp, body)
	assert.Equal(t, "Not Found", e.Error)
	assert.Equal(t, int32(0), nws.calls.Load())
}

func TestGetStorm_AllSourcesDown(t *testing.T) {
	env := newTestEnv(t,
		&stubConnector{source: snowfall.SourceNWS, err: errors.New("connection refused")},
		&stubConnector{source: snowfall.SourceGridded, block: true},
		&stubConnector{source: snowfall.SourceCoCoRaHS, err: errors.New("503")},
	)

	resp, body := env.get(t, "/api/snowfall/storm-2024-01-05")
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	e := decodeEnvelope(t, resp, body)
	assert.Equal(t, "Bad Gateway", e.Error)
	assert.NotContains(t, e.Message, "connection refused")
	assert.Empty(t, resp.Header.Get(HeaderCacheHit))
}

func TestGetStorm_PartialFailureThenHit(t *testing.T) {
	nws := &stubConnector{source: snowfall.SourceNWS, records: nwsStations(12)}
	gridded := &stubConnector{source: snowfall.SourceGridded, block: true}
	env := newTestEnv(t, nws, gridded)

	type stormBody struct {
		StormID      string          `json:"stormId"`
		StationCount int             `json:"stationCount"`
		Measurements json.RawMessage `json:"measurements"`
	}

	resp, body := env.get(t, "/api/snowfall/storm-2024-01-05")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "false", resp.Header.Get(HeaderCacheHit))

	var first stormBody
	require.NoError(t, json.Unmarshal(body, &first))
	assert.Equal(t, "storm-2024-01-05", first.StormID)
	assert.Equal(t, 12, first.StationCount)

	var ms []snowfall.Measurement
	require.NoError(t, json.Unmarshal(first.Measurements, &ms))
	require.Len(t, ms, 12)
	for _, m := range ms {
		assert.Equal(t, snowfall.SourceNWS, m.Source)
	}

	env.clock.Advance(time.Hour)

	resp, body = env.get(t, "/api/snowfall/storm-2024-01-05")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get(HeaderCacheHit))

	var second stormBody
	require.NoError(t, json.Unmarshal(body, &second))
	assert.Equal(t, string(first.Measurements), string(second.Measurements))
	assert.Equal(t, int32(1), nws.calls.Load())

	env.clock.Advance(time.Hour)

	resp, _ = env.get(t, "/api/snowfall/storm-2024-01-05")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "false", resp.Header.Get(HeaderCacheHit), "expired after two hours")
	assert.Equal(t, int32(2), nws.calls.Load())
}

func TestGetLatestAndStorms(t *testing.T) {
	nws := &stubConnector{source: snowfall.SourceNWS, records: nwsStations(4)}
	env := newTestEnv(t, nws)

	resp, body := env.get(t, "/api/snowfall/latest")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "false", resp.Header.Get(HeaderCacheHit))

	var storm snowfall.Storm
	require.NoError(t, json.Unmarshal(body, &storm))
	assert.Equal(t, "storm-2024-01-05", storm.StormID)

	resp, body = env.get(t, "/api/storms")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get(HeaderCacheHit))

	var list []snowfall.StormMetadata
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "storm-2024-01-05", list[0].ID)
	assert.Equal(t, 4, list[0].TotalStations)
	assert.Equal(t, int32(1), nws.calls.Load())
}

func TestClusters(t *testing.T) {
	nws := &stubConnector{source: snowfall.SourceNWS, records: nwsStations(12)}
	env := newTestEnv(t, nws)

	resp, body := env.get(t, "/api/snowfall/storm-2024-01-05/clusters?zoom=0")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var res struct {
		StormID  string            `json:"stormId"`
		Zoom     int               `json:"zoom"`
		Clusters []cluster.Cluster `json:"clusters"`
		Points   []json.RawMessage `json:"points"`
	}
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, "storm-2024-01-05", res.StormID)
	require.Len(t, res.Clusters, 1)
	assert.Equal(t, 12, res.Clusters[0].PointCount)
	assert.Empty(t, res.Points)

	resp, body = env.get(t, "/api/snowfall/storm-2024-01-05/clusters?zoom=15&bbox=-88.01,41.49,-87.79,41.71")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "true", resp.Header.Get(HeaderCacheHit))
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Empty(t, res.Clusters)
	assert.Len(t, res.Points, 5)

	// Same input and zoom render the same clusters.
	_, a := env.get(t, "/api/snowfall/storm-2024-01-05/clusters?zoom=9")
	_, b := env.get(t, "/api/snowfall/storm-2024-01-05/clusters?zoom=9")
	assert.JSONEq(t, string(a), string(b))
}

func TestClusters_BadParameters(t *testing.T) {
	nws := &stubConnector{source: snowfall.SourceNWS, records: nwsStations(3)}
	env := newTestEnv(t, nws)

	paths := []string{
		"/api/snowfall/invalid-id/clusters?zoom=3",
		"/api/snowfall/storm-2024-01-05/clusters",
		"/api/snowfall/storm-2024-01-05/clusters?zoom=abc",
		"/api/snowfall/storm-2024-01-05/clusters?zoom=-1",
		"/api/snowfall/storm-2024-01-05/clusters?zoom=3&radius=-5",
		"/api/snowfall/storm-2024-01-05/clusters?zoom=3&bbox=1,2,3",
		"/api/snowfall/storm-2024-01-05/clusters?zoom=3&bbox=-87,41,-88,42",
	}
	for _, p := range paths {
		t.Run(p, func(t *testing.T) {
			resp, body := env.get(t, p)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
			decodeEnvelope(t, resp, body)
		})
	}
	assert.Equal(t, int32(0), nws.calls.Load())
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.get(t, "/api/nope")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	decodeEnvelope(t, resp, body)
}

func TestNoSourcesIsInternal(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.get(t, "/api/snowfall/storm-2024-01-05")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	e := decodeEnvelope(t, resp, body)
	assert.Equal(t, "Internal Server Error", e.Error)
	assert.Equal(t, "an unexpected error occurred", e.Message)
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.get(t, "/health")
	_, err := uuid.Parse(resp.Header.Get(HeaderRequestID))
	assert.NoError(t, err)

	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(HeaderRequestID, id)
	resp, err = env.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, id, resp.Header.Get(HeaderRequestID))

	// Error responses carry it too.
	resp, _ = env.get(t, "/api/snowfall/invalid-id")
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","service":"snowfall-aggregation"}`, string(body))

	env.get(t, "/api/snowfall/invalid-id")

	resp, body = env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `snowfall_api_errors_total{kind="validation"} 1`)
}

func TestFormat(t *testing.T) {
	now := time.Date(2024, 1, 5, 18, 0, 0, 123456789, time.FixedZone("CST", -6*3600))

	tests := []struct {
		name    string
		err     error
		code    int
		label   string
		message string
	}{
		{"validation", snowfall.ValidationError("x", "bad id"), 400, "Bad Request", "bad id"},
		{"not found", snowfall.NotFoundError("storm-2099-12-31", "future"), 404, "Not Found", "future"},
		{"upstream", snowfall.UpstreamError("s", errors.New("dial tcp")), 502, "Bad Gateway", "all snowfall data sources are unavailable"},
		{"internal", snowfall.InternalError("s", "cache", errors.New("nil map write")), 500, "Internal Server Error", "an unexpected error occurred"},
		{"wrapped", fmt.Errorf("handler: %w", snowfall.NotFoundError("s", "gone")), 404, "Not Found", "gone"},
		{"plain", errors.New("boom"), 500, "Internal Server Error", "an unexpected error occurred"},
		{"fiber", fiber.NewError(fiber.StatusMethodNotAllowed, "Method Not Allowed"), 405, "Method Not Allowed", "Method Not Allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Format(tt.err, now)
			assert.Equal(t, tt.code, env.StatusCode)
			assert.Equal(t, tt.label, env.Error)
			assert.Equal(t, tt.message, env.Message)
			assert.Equal(t, "2024-01-06T00:00:00.123Z", env.Timestamp)
		})
	}
}
