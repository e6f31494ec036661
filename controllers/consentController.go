package controllers

import (
	"time"

	"careconnect-backend/consent"
	"careconnect-backend/middlewares"
	"careconnect-backend/models"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/sirupsen/logrus"
)

type ConsentCreate struct {
	PatientID string    `json:"patient_id" validate:"required"`
	Scope     []string  `json:"scope" validate:"required,min=1,dive,required"`
	Purpose   string    `json:"purpose" validate:"required"`
	ExpiresAt time.Time `json:"expires_at" validate:"required"`
	GranteeID *string   `json:"grantee_id"`
}

// DelegateRoles may grant, read and revoke consent on behalf of a patient.
var DelegateRoles = []string{"guardian", "consent_admin"}

var errNotSubject = fiber.NewError(fiber.StatusForbidden, "only the patient or a delegate may manage this consent")

// ConsentController manages grants and answers gated access checks.
type ConsentController struct {
	Gate *consent.Gate
}

func (cc *ConsentController) CreateConsent(c *fiber.Ctx) error {
	id, err := middlewares.CurrentIdentity(c)
	if err != nil {
		return err
	}
	var in ConsentCreate
	if err := middlewares.BindAndValidate(c, &in); err != nil {
		return err
	}
	if !actsFor(id, in.PatientID) {
		return errNotSubject
	}
	grant := &models.ConsentGrant{
		SubjectID: in.PatientID,
		GranteeID: in.GranteeID,
		Scope:     models.Scope(in.Scope),
		Purpose:   in.Purpose,
		Status:    models.ConsentActive,
		ExpiresAt: in.ExpiresAt.UTC(),
	}
	if err := cc.Gate.Store(c.UserContext(), grant); err != nil {
		return err
	}
	middlewares.Logger(c).WithFields(logrus.Fields{
		"consent_id": grant.ID,
		"patient_id": grant.SubjectID,
		"granted_by": id.UserID,
	}).Info("consent_granted")
	return c.Status(fiber.StatusCreated).JSON(grant)
}

// GetConsent is visible to the patient, a delegate and the grantee.
func (cc *ConsentController) GetConsent(c *fiber.Ctx) error {
	id, err := middlewares.CurrentIdentity(c)
	if err != nil {
		return err
	}
	grant, err := cc.Gate.Get(c.UserContext(), utils.CopyString(c.Params("consent_id")))
	if err != nil {
		return err
	}
	if !actsFor(id, grant.SubjectID) && (grant.GranteeID == nil || *grant.GranteeID != id.UserID) {
		return errNotSubject
	}
	return c.JSON(grant)
}

func (cc *ConsentController) RevokeConsent(c *fiber.Ctx) error {
	id, err := middlewares.CurrentIdentity(c)
	if err != nil {
		return err
	}
	consentID := utils.CopyString(c.Params("consent_id"))
	grant, err := cc.Gate.Get(c.UserContext(), consentID)
	if err != nil {
		return err
	}
	if !actsFor(id, grant.SubjectID) {
		return errNotSubject
	}
	grant, err = cc.Gate.Revoke(c.UserContext(), consentID)
	if err != nil {
		return err
	}
	middlewares.Logger(c).WithFields(logrus.Fields{
		"consent_id": consentID,
		"revoked_by": id.UserID,
	}).Info("consent_revoke_requested")
	return c.JSON(grant)
}

func actsFor(id *middlewares.Identity, subjectID string) bool {
	return id.UserID == subjectID || id.HasRole(DelegateRoles...)
}

// CheckAccess only runs behind middlewares.RequireConsent, so reaching it means allowed.
func (cc *ConsentController) CheckAccess(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"allowed":    true,
		"patient_id": c.Params("patient_id"),
		"scope":      middlewares.QueryScope(c),
	})
}
