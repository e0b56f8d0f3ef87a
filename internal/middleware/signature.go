package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/mirrornode/edgenode/internal/logging"
	"github.com/mirrornode/edgenode/internal/signature"
)

// IdentityFunc extracts the signed identity from a request
type IdentityFunc func(c *fiber.Ctx) string

// HashIdentity signs the lower-cased :hash route parameter
func HashIdentity(c *fiber.Ctx) string {
	return strings.ToLower(c.Params("hash"))
}

// PathIdentity signs the request path
func PathIdentity(c *fiber.Ctx) string {
	return c.Path()
}

// RequireSignature rejects requests whose s and e query parameters do not
// sign the identity with 403 "invalid sign"
func RequireSignature(logger *logging.Logger, verifier *signature.Verifier, identity IdentityFunc) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := identity(c)
		sig := c.Query(signature.ParamSignature)
		expiry := c.Query(signature.ParamExpiry)

		if !verifier.Verify(id, sig, expiry) {
			logger.Debug("Rejected signed request",
				"path", c.Path(),
				"ip", c.IP(),
				"has_signature", sig != "",
			)
			return c.Status(fiber.StatusForbidden).SendString("invalid sign")
		}

		return c.Next()
	}
}
