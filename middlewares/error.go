package middlewares

import (
	"errors"

	"careconnect-backend/consent"
	"careconnect-backend/ledger"
	"careconnect-backend/tokens"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// ErrorHandler centralizes error responses and keeps messages sanitized.
// Bodies are {"error": <code>, "message": <text>}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	// 1) Fiber errors (use their status code + message)
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fiberErrorCode(fe.Code), "message": fe.Message})
	}

	// 2) Validation errors (422 + per-field info)
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		out := make(map[string]string, len(ve))
		for _, fe := range ve {
			out[fe.Field()] = fe.Tag()
		}
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":   "validation_failed",
			"message": "validation failed",
			"errors":  out,
		})
	}

	// 3) Consent denial carries the subject
	var denied *consent.DeniedError
	if errors.As(err, &denied) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":      "consent_required",
			"subject_id": denied.SubjectID,
			"message":    denied.Message,
		})
	}

	// 4) Domain errors
	switch {
	case errors.Is(err, ledger.ErrKeyMissing):
		return reply(c, fiber.StatusBadRequest, "missing_idempotency_key", "Idempotency-Key header required for mutations")
	case errors.Is(err, ledger.ErrKeyTooLong):
		return reply(c, fiber.StatusBadRequest, "invalid_idempotency_key", "Idempotency-Key too long")
	case errors.Is(err, ledger.ErrConflict):
		return reply(c, fiber.StatusConflict, "idempotency_conflict", "Idempotency-Key reused with different payload")
	case errors.Is(err, ledger.ErrInFlight):
		return reply(c, fiber.StatusConflict, "idempotency_in_progress", "a request with this Idempotency-Key is still being processed")
	case errors.Is(err, tokens.ErrNotFound):
		return reply(c, fiber.StatusNotFound, "token_not_found", "Token not found or expired")
	case errors.Is(err, tokens.ErrAlreadyConsumed):
		return reply(c, fiber.StatusGone, "token_already_consumed", "Token already consumed")
	case errors.Is(err, tokens.ErrInvalidRequest):
		return reply(c, fiber.StatusUnprocessableEntity, "invalid_token_request", err.Error())
	case errors.Is(err, consent.ErrGrantNotFound):
		return reply(c, fiber.StatusNotFound, "consent_not_found", "Consent not found")
	case errors.Is(err, consent.ErrInvalidGrant):
		return reply(c, fiber.StatusUnprocessableEntity, "invalid_consent", err.Error())
	case errors.Is(err, consent.ErrStoreUnavailable):
		Logger(c).WithError(err).Error("consent_store_unavailable")
		return reply(c, fiber.StatusServiceUnavailable, "consent_unavailable", "consent could not be evaluated")
	case errors.Is(err, ErrUnauthenticated):
		return reply(c, fiber.StatusUnauthorized, "unauthenticated", "Authentication required")
	}

	// 5) Unknown errors (500), with the correlation id so support can find the log entry
	Logger(c).WithError(err).Error("internal_error")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error":          "internal_error",
		"message":        "internal server error",
		"correlation_id": CorrelationID(c),
	})
}

func reply(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

func fiberErrorCode(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return "bad_request"
	case fiber.StatusUnauthorized:
		return "unauthenticated"
	case fiber.StatusForbidden:
		return "forbidden"
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case fiber.StatusTooManyRequests:
		return "rate_limited"
	}
	if status >= 500 {
		return "internal_error"
	}
	return "request_failed"
}
