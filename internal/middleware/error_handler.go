package middleware

import (
	"mutuo-backend/internal/pkg/apperrors"
	"mutuo-backend/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// ErrorHandler is the global error handler. Taxonomy errors map to their
// status codes; everything else is a 500 with a generic message.
func ErrorHandler(c *fiber.Ctx, err error) error {
	if e, ok := err.(*fiber.Error); ok {
		return response.Error(c, e.Message, e.Code, nil)
	}

	code := apperrors.StatusCode(err)
	message := err.Error()
	if code == fiber.StatusInternalServerError {
		message = "Internal Server Error"
	}
	return response.Error(c, message, code, nil)
}
