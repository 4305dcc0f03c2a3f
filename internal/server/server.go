package server

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"courtcam/internal/auth"
	"courtcam/internal/camera"
	"courtcam/internal/catalog"
	"courtcam/internal/config"
	"courtcam/internal/session"
)

type FiberServer struct {
	*fiber.App
	cfg *config.Config

	jwtService *auth.JWTService
	ffmpeg     *session.FFmpegService
	registry   *session.Registry
	sweeper    *session.Sweeper
	catalog    *catalog.Catalog
}

func New(cfg *config.Config) *FiberServer {
	app := fiber.New(fiber.Config{
		ServerHeader: "courtcam",
		AppName:      "courtcam",
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	})

	camCfg := camera.Config{
		ConnectTimeout:   cfg.Camera.ConnectTimeout,
		ReadTimeout:      cfg.Camera.ReadTimeout,
		MaxRetries:       cfg.Camera.MaxRetries,
		BackoffBase:      cfg.Camera.BackoffBase,
		BackoffMax:       cfg.Camera.BackoffMax,
		SnapshotWait:     cfg.Camera.SnapshotWait,
		SubscriberBuffer: cfg.Camera.SubscriberBuffer,
		ChunkSize:        cfg.Camera.ChunkSize,
		FFmpegPath:       cfg.Recording.FFmpegPath,
	}

	ffmpeg := session.NewFFmpegService(cfg.Recording.FFmpegPath)
	recorder := session.NewRecorder(cfg.Recording, ffmpeg)
	registry := session.NewRegistry(camCfg, camera.NewFactory(camCfg), recorder,
		cfg.Recording.MaxDuration, cfg.Recording.MaxSessions)
	sweeper := session.NewSweeper(registry, cfg.Cleanup)

	server := &FiberServer{
		App:        app,
		cfg:        cfg,
		jwtService: auth.NewJWTService(cfg.Auth.SecretKey, cfg.Auth.Expiration),
		ffmpeg:     ffmpeg,
		registry:   registry,
		sweeper:    sweeper,
		catalog:    catalog.New(cfg.Recording.StoragePath),
	}
	server.applyMiddleware()

	return server
}

func (s *FiberServer) applyMiddleware() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(s.cfg.Security.CORSOrigins, ","),
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.App.Use(limiter.New(limiter.Config{
		Max:        s.cfg.Security.RateLimit,
		Expiration: s.cfg.Security.RateWindow,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP() // limit by IP address
		},
	}))
}

// Registry exposes the session registry for lifecycle management (sweeper
// start, shutdown teardown).
func (s *FiberServer) Registry() *session.Registry {
	return s.registry
}

// Sweeper exposes the background reclamation task.
func (s *FiberServer) Sweeper() *session.Sweeper {
	return s.sweeper
}
