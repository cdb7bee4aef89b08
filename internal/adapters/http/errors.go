package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/melih/lighthouse/internal/core/domain"
)

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		return fiber.StatusNotFound
	case domain.KindConflict:
		return fiber.StatusConflict
	case domain.KindInvalid:
		return fiber.StatusBadRequest
	case domain.KindTransport:
		return fiber.StatusServiceUnavailable
	case domain.KindProxy:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// ErrorHandler renders every handler error as {"error": ..., "kind": ...}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	body := fiber.Map{"error": err.Error()}
	if k := domain.KindOf(err); k != domain.KindUnknown {
		body["kind"] = k.String()
	}
	if out := domain.OutputOf(err); out != "" {
		body["output"] = out
	}
	return c.Status(statusFor(err)).JSON(body)
}
