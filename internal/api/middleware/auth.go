package middleware

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/auth"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/domain"
)

// LocalIdentity is the key to retrieve the caller's domain.Identity from context
const LocalIdentity = "identity"

// TokenVerifier turns a bearer token into an identity.
type TokenVerifier interface {
	Identity(token string) (domain.Identity, error)
}

// Auth authenticates the caller from the Authorization header. Websocket
// upgrades may pass the token as ?token= since browsers cannot set headers
// on them.
func Auth(verifier TokenVerifier, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := extractBearerToken(c)
		if token == "" && websocket.IsWebSocketUpgrade(c) {
			token = c.Query("token")
		}
		if token == "" {
			return domain.ErrUnauthorized
		}

		identity, err := verifier.Identity(token)
		if err != nil {
			logger.Debug("rejected bearer token", "error", err, "path", c.Path())
			if errors.Is(err, auth.ErrExpiredToken) {
				return domain.ErrUnauthorized.WithMessage("Access token expired. Please sign in again.")
			}
			return domain.ErrUnauthorized
		}

		c.Locals(LocalIdentity, identity)
		return c.Next()
	}
}

// RequireRole lets through only identities holding one of roles.
func RequireRole(roles ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		identity, err := GetIdentity(c)
		if err != nil {
			return err
		}
		for _, role := range roles {
			if identity.Role == role {
				return c.Next()
			}
		}
		return domain.ErrForbidden
	}
}

// GetIdentity retrieves the authenticated identity from context
func GetIdentity(c *fiber.Ctx) (domain.Identity, error) {
	identity, ok := c.Locals(LocalIdentity).(domain.Identity)
	if !ok || identity.UserID == "" {
		return domain.Identity{}, domain.ErrUnauthorized
	}
	return identity, nil
}

// extractBearerToken extracts token from Authorization header
func extractBearerToken(c *fiber.Ctx) string {
	header := c.Get("Authorization")
	if header == "" {
		return ""
	}

	// Expected format: "Bearer <token>"
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
