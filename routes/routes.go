package routes

import (
	"github.com/gofiber/fiber/v2"

	"careconnect-backend/consent"
	"careconnect-backend/controllers"
	"careconnect-backend/ledger"
	"careconnect-backend/middlewares"
	"careconnect-backend/tokens"
)

// Deps are the long lived services the handlers close over.
type Deps struct {
	Ledger      *ledger.Ledger
	Gate        *consent.Gate
	Registry    *tokens.Registry
	Validator   middlewares.Validator
	ServiceName string
}

// Register wires all HTTP routes.
func Register(app *fiber.App, d Deps) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "service": d.ServiceName})
	})

	qr := &controllers.QRController{Registry: d.Registry}
	cc := &controllers.ConsentController{Gate: d.Gate}

	v1 := app.Group("/v1")
	v1.Use(middlewares.Authenticate(d.Validator))

	// Idempotency guard after auth so every key is scoped to the caller's tenant
	v1.Use(middlewares.Idempotency(d.Ledger))

	// One-time QR links
	v1.Post("/qr/links", qr.CreateQRLink)
	v1.Get("/qr/links/:token", qr.PeekQRLink)
	v1.Post("/qr/links/:token/consume", qr.ConsumeQRLink)

	// Consent grants
	v1.Post("/consents", cc.CreateConsent)
	v1.Get("/consents/:consent_id", cc.GetConsent)
	v1.Post("/consents/:consent_id/revoke", cc.RevokeConsent)

	// Gated patient access
	v1.Get("/patients/:patient_id/access",
		middlewares.RequireConsent(d.Gate, "patient_id", middlewares.QueryScope),
		cc.CheckAccess)
}
