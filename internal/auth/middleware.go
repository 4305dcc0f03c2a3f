package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

const claimsLocal = "auth_claims"

// Middleware checks the bearer token on routes that mutate sessions or serve
// recordings. Verified claims are stored on the request context.
func Middleware(jwtService *JWTService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authorization header required",
			})
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid authorization header format",
			})
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")

		claims, err := jwtService.VerifyToken(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid token",
			})
		}

		c.Locals(claimsLocal, claims)
		c.Locals("user_id", claims.UserID)

		return c.Next()
	}
}

// ClaimsFrom returns the verified claims set by Middleware, or nil when the
// route was not protected.
func ClaimsFrom(c *fiber.Ctx) *Claims {
	claims, _ := c.Locals(claimsLocal).(*Claims)
	return claims
}

// ScopeAllowed reports whether the authenticated caller owns the given scope.
func ScopeAllowed(c *fiber.Ctx, scopeID string) bool {
	claims := ClaimsFrom(c)
	return claims != nil && claims.Allows(scopeID)
}
