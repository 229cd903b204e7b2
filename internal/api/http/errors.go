package httpapi

import (
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/jonboulle/clockwork"

	"github.com/i474232898/snowfall-aggregation/internal/metrics"
	"github.com/i474232898/snowfall-aggregation/internal/snowfall"
)

// timestampLayout is RFC 3339 with milliseconds; UTC times render with a Z.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrorEnvelope is the body of every error response.
type ErrorEnvelope struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
	Timestamp  string `json:"timestamp"`
}

// Format maps err to the client-facing envelope. Internal faults get a
// generic message so nothing about the failure leaks to clients.
func Format(err error, now time.Time) ErrorEnvelope {
	code := fiber.StatusInternalServerError
	message := "an unexpected error occurred"

	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
		message = fe.Message
	default:
		if e, ok := snowfall.AsError(err); ok {
			code = statusForKind(e.Kind)
			if e.Kind != snowfall.KindInternal {
				message = e.Message
			}
		}
	}

	return ErrorEnvelope{
		Error:      utils.StatusMessage(code),
		Message:    message,
		StatusCode: code,
		Timestamp:  now.UTC().Format(timestampLayout),
	}
}

func statusForKind(k snowfall.Kind) int {
	switch k {
	case snowfall.KindValidation:
		return fiber.StatusBadRequest
	case snowfall.KindNotFound:
		return fiber.StatusNotFound
	case snowfall.KindUpstream:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// ErrorHandler is the single place errors leave the service. It logs the
// failure with its context, counts it and writes the envelope.
func ErrorHandler(clock clockwork.Clock, m *metrics.Metrics) fiber.ErrorHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if m == nil {
		m = metrics.NewMetricsForTesting()
	}

	return func(c *fiber.Ctx, err error) error {
		env := Format(err, clock.Now())

		kind := "http"
		if e, ok := snowfall.AsError(err); ok {
			kind = e.Kind.String()
			log.Printf("ERROR: %s %s -> %d kind=%s storm=%q component=%s request=%s: %v",
				c.Method(), c.Path(), env.StatusCode, kind, e.StormID, e.Component, requestID(c), err)
		} else {
			var fe *fiber.Error
			if !errors.As(err, &fe) {
				kind = snowfall.KindInternal.String()
			}
			log.Printf("ERROR: %s %s -> %d kind=%s request=%s: %v",
				c.Method(), c.Path(), env.StatusCode, kind, requestID(c), err)
		}
		m.APIErrors.WithLabelValues(kind).Inc()

		return c.Status(env.StatusCode).JSON(env)
	}
}
