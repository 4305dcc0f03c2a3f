package session

import (
	"bufio"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"

	"courtcam/internal/auth"
	"courtcam/internal/camera"
)

type Handler struct {
	registry *Registry
	sweeper  *Sweeper
}

func NewHandler(registry *Registry, sweeper *Sweeper) *Handler {
	return &Handler{registry: registry, sweeper: sweeper}
}

type CreateSessionRequest struct {
	ScopeID       string `json:"scope_id"`
	CameraAddress string `json:"camera_address"`
	Protocol      string `json:"protocol,omitempty"`
}

type StartRecordingRequest struct {
	SessionID       string `json:"session_id"`
	DurationSeconds int    `json:"duration_seconds"`
}

type StopRecordingRequest struct {
	SessionID string `json:"session_id"`
}

func (h *Handler) CreateSession(c *fiber.Ctx) error {
	var req CreateSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.ScopeID == "" || req.CameraAddress == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "scope_id and camera_address are required",
		})
	}
	if !auth.ScopeAllowed(c, req.ScopeID) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "Scope not permitted",
		})
	}

	snap, err := h.registry.CreateSession(req.ScopeID, req.CameraAddress, req.Protocol)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(snap)
}

// previewKeepalive bounds how long a disconnected viewer can hold a
// subscription while the camera delivers no frames.
const previewKeepalive = 15 * time.Second

// PreviewStream serves the live multipart MJPEG preview. The client owns the
// connection lifetime; dropping it releases only this reader's subscription.
func (h *Handler) PreviewStream(c *fiber.Ctx) error {
	handle, err := h.registry.AttachPreview(c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}

	c.Set(fiber.HeaderContentType, "multipart/x-mixed-replace; boundary=frame")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer handle.Release()
		writeMJPEGStream(w, handle.Frames(), previewKeepalive)
	})
	return nil
}

// writeMJPEGStream pumps frames to a viewer as multipart parts until the feed
// closes or a write fails. A failed write or flush means the viewer
// disconnected; the keepalive probe surfaces that even while the camera has
// yet to deliver a frame.
func writeMJPEGStream(w *bufio.Writer, frames <-chan []byte, keepalive time.Duration) {
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			if _, err := w.WriteString("\r\n"); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		case <-ticker.C:
			// Stray CRLF between parts is ignored by multipart parsers.
			if _, err := w.WriteString("\r\n"); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

func (h *Handler) Snapshot(c *fiber.Ctx) error {
	frame, err := h.registry.SnapshotFrame(c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	c.Set(fiber.HeaderContentType, "image/jpeg")
	return c.Send(frame)
}

func (h *Handler) StartRecording(c *fiber.Ctx) error {
	var req StartRecordingRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	current, err := h.registry.Status(req.SessionID)
	if err != nil {
		return respondError(c, err)
	}
	if !auth.ScopeAllowed(c, current.ScopeID) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "Scope not permitted",
		})
	}

	snap, err := h.registry.StartRecording(req.SessionID, req.DurationSeconds)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(snap)
}

func (h *Handler) StopRecording(c *fiber.Ctx) error {
	var req StopRecordingRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	current, err := h.registry.Status(req.SessionID)
	if err != nil {
		return respondError(c, err)
	}
	if !auth.ScopeAllowed(c, current.ScopeID) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "Scope not permitted",
		})
	}

	output, err := h.registry.StopRecording(req.SessionID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"session_id": req.SessionID,
		"output":     output,
	})
}

func (h *Handler) Status(c *fiber.Ctx) error {
	snap, err := h.registry.Status(c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(snap)
}

func (h *Handler) ListSessions(c *fiber.Ctx) error {
	return c.JSON(h.registry.ListActive())
}

func (h *Handler) Cleanup(c *fiber.Ctx) error {
	reclaimed := h.sweeper.Sweep()
	return c.JSON(fiber.Map{
		"reclaimed": reclaimed,
	})
}

// respondError maps the session and camera error kinds onto HTTP statuses.
func respondError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, ErrSessionNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, ErrScopeAlreadyActive),
		errors.Is(err, ErrAlreadyRecording),
		errors.Is(err, ErrNotRecording),
		errors.Is(err, ErrTooManySessions):
		status = fiber.StatusConflict
	case errors.Is(err, ErrSessionTerminal):
		status = fiber.StatusGone
	case errors.Is(err, ErrInvalidDuration),
		errors.Is(err, camera.ErrUnsupportedProtocol):
		status = fiber.StatusBadRequest
	case errors.Is(err, camera.ErrUpstreamUnavailable):
		status = fiber.StatusBadGateway
	case errors.Is(err, camera.ErrNoFrame):
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
	})
}
