package handlers

import (
	"net/url"
	"path"

	"github.com/gofiber/fiber/v2"
)

// HeaderOriginalURI carries the URI a reverse proxy is asking about
const HeaderOriginalURI = "X-Original-URI"

// Auth answers a reverse proxy auth subrequest: 204 when the original
// request is validly signed for the last segment of its path, 403 otherwise
func (h *Handler) Auth(c *fiber.Ctx) error {
	original := c.Get(HeaderOriginalURI)
	if original == "" {
		return c.Status(fiber.StatusForbidden).SendString("invalid sign")
	}

	u, err := url.Parse(original)
	if err != nil {
		return c.Status(fiber.StatusForbidden).SendString("invalid sign")
	}

	if !h.verifier.VerifyQuery(path.Base(u.Path), u.Query()) {
		return c.Status(fiber.StatusForbidden).SendString("invalid sign")
	}

	return c.SendStatus(fiber.StatusNoContent)
}
