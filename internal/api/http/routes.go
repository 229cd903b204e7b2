package httpapi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/snowfall-aggregation/internal/cluster"
	"github.com/i474232898/snowfall-aggregation/internal/geo"
	"github.com/i474232898/snowfall-aggregation/internal/snowfall"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("stormid", func(fl validator.FieldLevel) bool {
		return snowfall.ValidStormID(fl.Field().String())
	})
	return v
}

// RegisterRoutes wires the snowfall API into the Fiber app.
func RegisterRoutes(app *fiber.App, service *snowfall.Service, engine *cluster.Engine) {
	api := app.Group("/api")

	// Registered before /:stormId so "latest" is not parsed as an id.
	api.Get("/snowfall/latest", func(c *fiber.Ctx) error {
		storm, hit, err := service.GetLatest(c.UserContext())
		if err != nil {
			return err
		}
		setCacheHit(c, hit)
		return c.JSON(storm)
	})

	api.Get("/snowfall/:stormId/clusters", func(c *fiber.Ctx) error {
		q, err := parseClusterQuery(c)
		if err != nil {
			return err
		}

		storm, hit, err := service.GetStorm(c.UserContext(), q.StormID)
		if err != nil {
			return err
		}

		res, err := engine.Cluster(storm.Measurements, cluster.Query{Zoom: q.Zoom, RadiusPx: q.Radius, BBox: q.bounds})
		if err != nil {
			if errors.Is(err, cluster.ErrInvalidQuery) {
				return snowfall.ValidationError(q.StormID, err.Error())
			}
			return snowfall.InternalError(q.StormID, "cluster", err)
		}

		setCacheHit(c, hit)
		return c.JSON(clusterResponse{StormID: storm.StormID, Result: res})
	})

	api.Get("/snowfall/:stormId", func(c *fiber.Ctx) error {
		storm, hit, err := service.GetStorm(c.UserContext(), c.Params("stormId"))
		if err != nil {
			return err
		}
		setCacheHit(c, hit)
		return c.JSON(storm)
	})

	api.Get("/storms", func(c *fiber.Ctx) error {
		storms, hit, err := service.ListStorms(c.UserContext())
		if err != nil {
			return err
		}
		setCacheHit(c, hit)
		return c.JSON(storms)
	})
}

// RegisterSystemRoutes adds the health probe and the Prometheus scrape endpoint.
func RegisterSystemRoutes(app *fiber.App, name string, gatherer prometheus.Gatherer) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": name,
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

func setCacheHit(c *fiber.Ctx, hit bool) {
	c.Set(HeaderCacheHit, strconv.FormatBool(hit))
}

type clusterResponse struct {
	StormID string `json:"stormId"`
	cluster.Result
}

// clusterQuery holds the path and query parameters for the clusters endpoint.
type clusterQuery struct {
	StormID string  `validate:"required,stormid"`
	Zoom    float64 `validate:"gte=0,lte=30"`
	Radius  float64 `validate:"gte=0,lte=1024"`
	BBox    string

	bounds *geo.Bounds
}

func parseClusterQuery(c *fiber.Ctx) (clusterQuery, error) {
	q := clusterQuery{StormID: c.Params("stormId")}

	// The id is checked first so a malformed id is reported as such.
	if err := validate.Var(q.StormID, "required,stormid"); err != nil {
		return q, snowfall.ValidationError(q.StormID, fmt.Sprintf("invalid storm id %q; expected storm-YYYY-MM-DD", q.StormID))
	}

	zoom := c.Query("zoom")
	if zoom == "" {
		return q, snowfall.ValidationError(q.StormID, "zoom query parameter is required")
	}
	z, err := strconv.ParseFloat(zoom, 64)
	if err != nil {
		return q, snowfall.ValidationError(q.StormID, "zoom must be a number")
	}
	q.Zoom = z

	if radius := c.Query("radius"); radius != "" {
		r, err := strconv.ParseFloat(radius, 64)
		if err != nil {
			return q, snowfall.ValidationError(q.StormID, "radius must be a number")
		}
		q.Radius = r
	}

	q.BBox = c.Query("bbox")
	if q.BBox != "" {
		b, err := parseBBox(q.BBox)
		if err != nil {
			return q, snowfall.ValidationError(q.StormID, err.Error())
		}
		q.bounds = &b
	}

	if err := validate.Struct(q); err != nil {
		return q, snowfall.ValidationError(q.StormID, describeValidation(err))
	}
	return q, nil
}

// parseBBox reads "minLon,minLat,maxLon,maxLat".
func parseBBox(s string) (geo.Bounds, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return geo.Bounds{}, errors.New("bbox must be minLon,minLat,maxLon,maxLat")
	}

	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geo.Bounds{}, fmt.Errorf("bbox value %q is not a number", p)
		}
		v[i] = f
	}

	b := geo.Bounds{MinLon: v[0], MinLat: v[1], MaxLon: v[2], MaxLat: v[3]}
	if err := b.Validate(); err != nil {
		return geo.Bounds{}, err
	}
	return b, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	if fe.Param() != "" {
		return fmt.Sprintf("%s must satisfy %s=%s", strings.ToLower(fe.Field()), fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag())
}
