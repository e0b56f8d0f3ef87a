// Package router assembles the node's fiber application.
package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/mirrornode/edgenode/internal/handlers"
	"github.com/mirrornode/edgenode/internal/logging"
	"github.com/mirrornode/edgenode/internal/metrics"
	"github.com/mirrornode/edgenode/internal/middleware"
)

// Options controls optional router behaviour
type Options struct {
	AccessLog bool
}

// Setup configures all routes and middlewares
func Setup(app *fiber.App, logger *logging.Logger, h *handlers.Handler, m *metrics.Metrics, opts Options) {
	// Global middlewares
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,HEAD,OPTIONS",
		AllowHeaders: "Origin,Range,Accept,X-Request-ID",
	}))

	logCfg := logging.DefaultMiddlewareConfig()
	logCfg.Quiet = !opts.AccessLog
	app.Use(logging.FiberMiddleware(logger, logCfg))

	if m != nil {
		app.Use(middleware.Metrics(m))
		app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	}

	app.Get("/health", h.Health)

	// Reverse proxy auth subrequest; checks the original URI itself
	app.Get("/auth", h.Auth)

	v := h.Verifier()
	app.Get("/download/:hash", middleware.RequireSignature(logger, v, middleware.HashIdentity), h.Download)
	app.Get("/measure/:size", middleware.RequireSignature(logger, v, middleware.PathIdentity), h.Measure)

	// 404 handler
	app.Use(h.NotFound)
}

// New creates a new Fiber app with configuration
func New(logger *logging.Logger, h *handlers.Handler, m *metrics.Metrics, opts Options) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "edgenode",
		DisableStartupMessage: true,
		ErrorHandler:          middleware.ErrorHandler(logger),
	})

	Setup(app, logger, h, m, opts)

	return app
}
