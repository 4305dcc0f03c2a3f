package server

import (
	"github.com/gofiber/fiber/v2"

	"courtcam/internal/auth"
	"courtcam/internal/catalog"
	"courtcam/internal/session"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Get("/health", s.healthHandler)

	sessionHandler := session.NewHandler(s.registry, s.sweeper)
	catalogHandler := catalog.NewHandler(s.catalog, s.registry)

	// Viewing endpoints (preview and status) are public; clubs embed them
	// in shared pages.
	s.App.Get("/preview/:id/stream", sessionHandler.PreviewStream)
	s.App.Get("/preview/:id/snapshot", sessionHandler.Snapshot)
	s.App.Get("/record/status/:id", sessionHandler.Status)
	s.App.Get("/session/list", sessionHandler.ListSessions)

	// Mutating calls and downloads are gated by caller identity and scope
	// ownership.
	authRequired := auth.Middleware(s.jwtService)
	s.App.Post("/session", authRequired, sessionHandler.CreateSession)
	s.App.Post("/record/start", authRequired, sessionHandler.StartRecording)
	s.App.Post("/record/stop", authRequired, sessionHandler.StopRecording)
	s.App.Post("/cleanup", authRequired, sessionHandler.Cleanup)
	s.App.Get("/files/list", authRequired, catalogHandler.ListFiles)
	s.App.Get("/files/:id/download", authRequired, catalogHandler.Download)
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	encoderAvailable := s.ffmpeg.CheckAvailable() == nil
	return c.JSON(fiber.Map{
		"status":            "ok",
		"encoder_available": encoderAvailable,
		"active_sessions":   s.registry.ActiveCount(),
	})
}
