// Package status exposes listener health over HTTP for unattended
// deployments: a liveness probe and a stats snapshot.
package status

import (
	"log/slog"

	"github.com/aaronromeo/idlewatch/internal/listener"
	"github.com/gofiber/fiber/v2"
)

// Server serves /healthz and /status.
type Server struct {
	app   *fiber.App
	stats *listener.Stats
	log   *slog.Logger
}

// New builds the status server around a shared Stats.
func New(stats *listener.Stats, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
		}),
		stats: stats,
		log:   log,
	}
	s.app.Get("/healthz", s.healthz)
	s.app.Get("/status", s.status)
	return s
}

// Listen blocks serving on addr.
func (s *Server) Listen(addr string) error {
	s.log.Info("status server listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) healthz(c *fiber.Ctx) error {
	return c.SendString("ok")
}

func (s *Server) status(c *fiber.Ctx) error {
	return c.JSON(s.stats.Snapshot())
}
