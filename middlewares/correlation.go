package middlewares

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	correlationHeader = "X-Correlation-Id"
	localCorrelation  = "correlationID"
	localLogger       = "logger"
)

// Correlation reads or mints X-Correlation-Id, echoes it on the response and attaches a
// request scoped logger carrying it.
func Correlation(log logrus.FieldLogger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := strings.TrimSpace(c.Get(correlationHeader))
		if id == "" {
			id = uuid.NewString()
		}
		entry := log.WithField("correlation_id", id)
		c.Locals(localCorrelation, id)
		c.Locals(localLogger, entry)
		c.Set(correlationHeader, id)

		start := time.Now()
		err := c.Next()
		entry.WithFields(logrus.Fields{
			"method":      c.Method(),
			"path":        c.Path(),
			"status":      c.Response().StatusCode(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("request_completed")
		return err
	}
}

// Logger returns the request scoped logger, or the standard logger outside Correlation.
func Logger(c *fiber.Ctx) logrus.FieldLogger {
	if entry, ok := c.Locals(localLogger).(*logrus.Entry); ok {
		return entry
	}
	return logrus.StandardLogger()
}

func CorrelationID(c *fiber.Ctx) string {
	id, _ := c.Locals(localCorrelation).(string)
	return id
}
