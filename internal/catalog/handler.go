package catalog

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"

	"courtcam/internal/auth"
	"courtcam/internal/session"
)

type Handler struct {
	catalog  *Catalog
	registry *session.Registry
}

func NewHandler(catalog *Catalog, registry *session.Registry) *Handler {
	return &Handler{catalog: catalog, registry: registry}
}

// Download serves a finalized recording. Sessions the registry still knows
// about must have stopped cleanly; anything else is not ready or, for failed
// sessions without usable output, not found. Evicted sessions resolve from
// disk alone.
func (h *Handler) Download(c *fiber.Ctx) error {
	id := c.Params("id")

	if snap, err := h.registry.Status(id); err == nil {
		if !auth.ScopeAllowed(c, snap.ScopeID) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Scope not permitted",
			})
		}
		switch {
		case snap.State == session.StateStopped:
			// Finalized; fall through to disk.
		case snap.State.Terminal():
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": ErrNotFound.Error(),
			})
		default:
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": ErrNotReady.Error(),
			})
		}
	}

	entry, err := h.catalog.Resolve(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if !auth.ScopeAllowed(c, entry.ScopeID) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "Scope not permitted",
		})
	}

	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s.mp4"`, entry.SessionID))
	return c.SendFile(entry.Path)
}

// ListFiles returns the finalized recordings visible to the caller's scopes.
func (h *Handler) ListFiles(c *fiber.Ctx) error {
	entries, err := h.catalog.List()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	visible := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if auth.ScopeAllowed(c, e.ScopeID) {
			visible = append(visible, e)
		}
	}
	return c.JSON(visible)
}
