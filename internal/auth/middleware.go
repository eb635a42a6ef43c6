package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"forge-backend/internal/engine"
	"forge-backend/internal/metadata"
)

// AuthMiddleware returns a Fiber middleware that validates JWT tokens and
// sets the UserContext on the request. Requests without an Authorization
// header pass through with no user, so access conditions see an absent
// session and decide for themselves. A token that is present but invalid
// is rejected outright.
func AuthMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return c.Next()
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return engine.UnauthorizedError("Invalid auth header format")
		}

		claims, err := ParseAccessToken(parts[1], secret)
		if err != nil {
			return engine.UnauthorizedError("Invalid or expired token")
		}

		c.Locals("user", &metadata.UserContext{
			ID:    claims.Subject,
			Role:  claims.Role,
			Attrs: claims.Attrs,
		})

		return c.Next()
	}
}

// RequireAuth is a Fiber middleware that rejects unauthenticated requests.
func RequireAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if GetUser(c) == nil {
			return engine.UnauthorizedError("Missing auth token")
		}
		return c.Next()
	}
}

// RequireAdmin is a Fiber middleware that checks the authenticated user has the admin role.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := GetUser(c)
		if user == nil {
			return engine.UnauthorizedError("Missing auth token")
		}
		if !user.IsAdmin() {
			return engine.ForbiddenError("Admin access required")
		}
		return c.Next()
	}
}

// GetUser extracts the UserContext from a Fiber context.
func GetUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals("user").(*metadata.UserContext)
	return user
}
