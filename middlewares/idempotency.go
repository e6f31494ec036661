package middlewares

import (
	"strings"

	"careconnect-backend/ledger"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/sirupsen/logrus"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
)

// Idempotency wraps mutating routes in the ledger. There are exactly two ways through:
// a stored response is replayed without running the handler, or the handler runs once and
// its response is committed. Run it AFTER Authenticate so the tenant is known.
func Idempotency(l *ledger.Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		method := strings.ToUpper(c.Method())
		if method != fiber.MethodPost && method != fiber.MethodPut && method != fiber.MethodPatch {
			return c.Next()
		}

		// header values point into fiber's reused request buffer; the ledger keeps the key
		key := utils.CopyString(strings.TrimSpace(c.Get(idempotencyHeader)))
		if err := ledger.ValidateKey(key); err != nil {
			return err
		}

		tenant, _ := c.Locals(localTenantID).(string)
		if tenant == "" {
			tenant = "default"
		}
		endpoint := method + " " + utils.CopyString(c.Path())
		ctx := c.UserContext()

		adm, err := l.Begin(ctx, tenant, endpoint, key, c.Body())
		if err != nil {
			return err
		}
		if adm.Outcome == ledger.OutcomeReplay {
			Logger(c).WithFields(logrus.Fields{
				"endpoint":    endpoint,
				"status_code": adm.Record.StatusCode,
			}).Debug("idempotent_response_replayed")
			c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			c.Set(replayedHeader, "true")
			return c.Status(adm.Record.StatusCode).Send(adm.Record.Body)
		}

		// New: run the handler exactly once while the key is held.
		var handlerErr error
		func() {
			defer func() {
				if r := recover(); r != nil {
					adm.Abort()
					panic(r)
				}
			}()
			handlerErr = c.Next()
		}()
		if handlerErr != nil {
			adm.Abort()
			return handlerErr
		}

		if err := adm.Commit(ctx, c.Response().StatusCode(), c.Response().Body()); err != nil {
			// the mutation already happened; the client still gets its response
			Logger(c).WithError(err).WithField("endpoint", endpoint).Error("idempotency_commit_failed")
		}
		return nil
	}
}
