package middlewares

import (
	"careconnect-backend/consent"
	"careconnect-backend/models"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
)

// ScopeFunc picks the categories a request needs.
type ScopeFunc func(c *fiber.Ctx) models.Scope

// QueryScope reads a comma separated ?scope= parameter.
func QueryScope(c *fiber.Ctx) models.Scope {
	return models.ParseScope(c.Query("scope"))
}

// RequireConsent refuses the request unless the caller holds an active grant for the subject
// named by the route param subjectParam. Runs AFTER Authenticate.
func RequireConsent(g *consent.Gate, subjectParam string, scope ScopeFunc) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := CurrentIdentity(c)
		if err != nil {
			return err
		}
		subject := utils.CopyString(c.Params(subjectParam))
		if err := g.Require(c.UserContext(), subject, id.UserID, scope(c)); err != nil {
			return err
		}
		return c.Next()
	}
}
