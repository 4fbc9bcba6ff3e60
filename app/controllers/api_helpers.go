package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
	"github.com/ManuelReschke/PayFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PayFox/internal/pkg/providers"
	"github.com/ManuelReschke/PayFox/internal/pkg/reconciliation"
	"github.com/ManuelReschke/PayFox/internal/pkg/submission"
	"github.com/ManuelReschke/PayFox/internal/pkg/webhook"
)

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": message})
}

// apiError maps domain errors to the operator API's error body.
func apiError(c *fiber.Ctx, err error) error {
	status, code := fiber.StatusInternalServerError, "internal_server_error"
	switch {
	case errors.Is(err, ledger.ErrValidation),
		errors.Is(err, providers.ErrInvalidSettings),
		errors.Is(err, providers.ErrDailyLimitExceeded),
		errors.Is(err, models.ErrUnknownTransactable),
		errors.Is(err, reconciliation.ErrInvalidWindow),
		errors.Is(err, reconciliation.ErrNotMomo),
		errors.Is(err, submission.ErrNoDocument):
		status, code = fiber.StatusUnprocessableEntity, "validation_failed"
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, providers.ErrProviderNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		status, code = fiber.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, submission.ErrNotSubmittable),
		errors.Is(err, models.ErrSubmissionInFlight),
		errors.Is(err, ledger.ErrStaleState),
		errors.Is(err, webhook.ErrNotReplayable),
		errors.Is(err, webhook.ErrReplayLimit):
		status, code = fiber.StatusConflict, "conflict"
	case errors.Is(err, providers.ErrMissingCredentials):
		status, code = fiber.StatusFailedDependency, "provider_not_configured"
	case errors.Is(err, gateway.ErrTransient):
		status, code = fiber.StatusBadGateway, "provider_unavailable"
	}
	if status == fiber.StatusInternalServerError {
		log.Errorf("[API] %s %s: %v", c.Method(), c.Path(), err)
		return c.Status(status).JSON(fiber.Map{"error": code, "message": "Request failed"})
	}
	return c.Status(status).JSON(fiber.Map{"error": code, "message": err.Error()})
}

// attemptOutcome reports a provider call whose result was recorded on the entity.
func attemptOutcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, gateway.ErrRejected):
		return "rejected"
	case errors.Is(err, gateway.ErrTransient):
		return "transient_failure"
	}
	return "error"
}

func parseWindow(from, to string) (time.Time, time.Time, error) {
	start, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start.UTC(), end.UTC(), nil
}
