package middleware

import (
	"errors"

	"mutuo-backend/internal/domain"
	"mutuo-backend/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const userIDLocal = "user_id"

// Identity reads the authenticated member id supplied by the upstream
// identity collaborator. Session mechanics live there, not here.
func Identity() fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := c.Get("X-User-Id")
		if raw == "" {
			return response.Error(c, "Unauthorized", fiber.StatusUnauthorized, nil)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return response.Error(c, "Invalid user id", fiber.StatusUnauthorized, nil)
		}
		c.Locals(userIDLocal, id)
		return c.Next()
	}
}

// UserID returns the authenticated member id from Locals.
func UserID(c *fiber.Ctx) (uuid.UUID, bool) {
	id, ok := c.Locals(userIDLocal).(uuid.UUID)
	return id, ok
}

// RequireAdmin re-checks the role against the database before privileged
// operations instead of trusting the upstream role claim alone.
func RequireAdmin(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, ok := UserID(c)
		if !ok {
			return response.Error(c, "Unauthorized", fiber.StatusUnauthorized, nil)
		}
		var user domain.User
		if err := db.Where("id = ?", id).First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return response.Error(c, "Unauthorized", fiber.StatusUnauthorized, nil)
			}
			return err
		}
		if user.Role != domain.RoleAdmin {
			return response.Error(c, "Forbidden", fiber.StatusForbidden, nil)
		}
		return c.Next()
	}
}
