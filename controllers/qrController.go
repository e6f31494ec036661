package controllers

import (
	"time"

	"careconnect-backend/middlewares"
	"careconnect-backend/models"
	"careconnect-backend/tokens"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
)

type QrLinkCreate struct {
	PatientID    string   `json:"patient_id" validate:"required"`
	ConsentScope []string `json:"consent_scope" validate:"required,min=1,dive,required"`
	TTLSeconds   *int     `json:"ttl_seconds"`
}

type QrLinkConsume struct {
	ClinicianID string `json:"clinician_id"`
}

// QRController serves one-time share links.
type QRController struct {
	Registry *tokens.Registry
}

// CreateQRLink issues a one-time token. ttl_seconds defaults to 300 and must lie within the
// registry policy; it is never clamped.
func (q *QRController) CreateQRLink(c *fiber.Ctx) error {
	var in QrLinkCreate
	if err := middlewares.BindAndValidate(c, &in); err != nil {
		return err
	}
	ttl := tokens.DefaultTTL
	if in.TTLSeconds != nil {
		ttl = time.Duration(*in.TTLSeconds) * time.Second
	}

	middlewares.Logger(c).WithField("patient_id", in.PatientID).Info("create_qr_link_requested")

	issued, err := q.Registry.Issue(c.UserContext(), in.PatientID, models.Scope(in.ConsentScope), ttl)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"token":      issued.Token,
		"qr_payload": issued.Payload,
		"expires_at": issued.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// ConsumeQRLink consumes a token for the clinician in the body, or the caller when omitted.
func (q *QRController) ConsumeQRLink(c *fiber.Ctx) error {
	id, err := middlewares.CurrentIdentity(c)
	if err != nil {
		return err
	}
	var in QrLinkConsume
	if len(c.Body()) > 0 {
		if err := middlewares.BindAndValidate(c, &in); err != nil {
			return err
		}
	}
	consumer := in.ClinicianID
	if consumer == "" {
		consumer = id.UserID
	}

	token := utils.CopyString(c.Params("token"))
	middlewares.Logger(c).WithField("clinician_id", consumer).Info("consume_qr_link_requested")

	binding, err := q.Registry.Consume(c.UserContext(), token, consumer)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"session_id":    binding.SessionID,
		"patient_id":    binding.ResourceID,
		"consent_scope": binding.Scope,
	})
}

// PeekQRLink reports whether a token is still usable without consuming it. Expired tokens
// answer 404 like unknown ones.
func (q *QRController) PeekQRLink(c *fiber.Ctx) error {
	tok, err := q.Registry.Peek(c.UserContext(), utils.CopyString(c.Params("token")))
	if err != nil {
		return err
	}
	if tok.State == models.TokenExpired {
		return tokens.ErrNotFound
	}
	return c.JSON(fiber.Map{
		"token":      tok.ID,
		"state":      tok.State,
		"expires_at": tok.ExpiresAt.UTC().Format(time.RFC3339),
	})
}
