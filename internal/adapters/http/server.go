// Package http exposes the lighthouse API over fiber.
package http

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/melih/lighthouse/internal/core/ports"
)

type ServerOptions struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server owns the fiber app and runs it as a supervised service.
type Server struct {
	app  *fiber.App
	addr string
	log  zerolog.Logger
}

// NewServer registers all routes. proxy may be nil.
func NewServer(opts ServerOptions, apps *AppHandler, ops *OpsHandler, proxy *ProxyHandler, rt ports.ContainerRuntime, log zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "lighthouse",
		ErrorHandler:          ErrorHandler,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(requestLogger(log))
	if proxy != nil {
		app.Use(proxy.ProxyRequest)
	}

	app.Get("/healthz", health(rt))
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := app.Group("/api").Group("/v1")

	a := v1.Group("/apps")
	a.Get("/", apps.ListApps)
	a.Post("/", apps.CreateApp)
	a.Get("/:id", apps.GetApp)
	a.Put("/:id", apps.UpdateApp)
	a.Delete("/:id", apps.RemoveApp)
	a.Post("/:id/deploy", apps.DeployApp)
	a.Post("/:id/deploy-built", apps.DeployBuilt)
	a.Post("/:id/stop", apps.StopApp)
	a.Get("/:id/logs", apps.GetAppLogs)
	a.Get("/:id/deployments", apps.GetDeployments)
	a.Get("/:id/reconcile", apps.ReconcileApp)
	a.Get("/:id/route", apps.RouteStatus)

	jobs := v1.Group("/jobs")
	jobs.Get("/:id", apps.GetJob)
	jobs.Delete("/:id", apps.CancelJob)

	v1.Post("/credentials", apps.CreateCredential)

	routes := v1.Group("/routes")
	routes.Get("/", ops.ListRoutes)
	routes.Post("/cleanup", ops.CleanupRoutes)
	routes.Post("/validate", ops.ValidateRoutes)

	orphans := v1.Group("/orphans")
	orphans.Get("/", ops.ListOrphans)
	orphans.Delete("/", ops.RemoveOrphans)

	sys := v1.Group("/system")
	sys.Get("/", ops.SystemInfo)
	sys.Post("/prune", ops.Prune)

	return &Server{app: app, addr: opts.Addr, log: log}
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) String() string { return "http-server" }

// Serve listens until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("HTTP server listening")
		errCh <- s.app.Listen(s.addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		return ctx.Err()
	}
}

func health(rt ports.ContainerRuntime) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
		defer cancel()
		if err := rt.Ping(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status":  "degraded",
				"backend": rt.Name(),
				"error":   err.Error(),
			})
		}
		return c.JSON(fiber.Map{"status": "ok", "backend": rt.Name()})
	}
}

func requestLogger(log zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			status = statusFor(err)
		}
		ev := log.Debug()
		if status >= fiber.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("request")
		return err
	}
}
