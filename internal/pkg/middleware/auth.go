package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/reelworks/reelpay/internal/pkg/jwtverify"
)

const userIDLocal = "auth_user_id"

// RequireUser authenticates the request via the Authorization bearer token
// and stores the verified user id in Locals. Client-initiated billing
// endpoints never read a user id from the request body.
func RequireUser(verifier *jwtverify.Verifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
		if header == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing bearer token"})
		}

		userID, err := verifier.UserID(c.Context(), header)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid token"})
		}

		c.Locals(userIDLocal, userID)
		return c.Next()
	}
}

// UserID returns the authenticated user id set by RequireUser, or "".
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(userIDLocal).(string)
	return id
}
