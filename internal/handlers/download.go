package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/mirrornode/edgenode/internal/storage"
)

// Download serves a synced file. The signature is checked by middleware.
// Hashes outside the current file list fall through to the next route.
func (h *Handler) Download(c *fiber.Ctx) error {
	hash := strings.ToLower(c.Params("hash"))

	file, ok := h.index.Lookup(hash)
	if !ok {
		return c.Next()
	}

	err := h.storage.Express(c, file, h.acct)
	if errors.Is(err, storage.ErrNotFound) {
		h.logger.WithContext(c.UserContext()).Warn("Indexed file missing from storage", "hash", hash)
		return c.Next()
	}
	return err
}
