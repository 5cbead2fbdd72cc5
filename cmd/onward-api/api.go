// Package main provides the Onward API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/onwardhq/onward/pkg/onboarding"
	"github.com/onwardhq/onward/pkg/web"
)

type API struct {
	logger  *slog.Logger
	service *onboarding.Service
}

func NewAPI(logger *slog.Logger, service *onboarding.Service) *API {
	return &API{
		logger:  logger,
		service: service,
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.service)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Onward API")
	})

	instances := app.Group("/instances")
	instances.Post("/", handlers.CreateInstance)
	instances.Get("/:id", handlers.GetInstance)
	instances.Post("/:id/actions", handlers.HandleAction)
	instances.Get("/:id/events", handlers.GetEvents)
	instances.Post("/:id/compensate", handlers.CompensateInstance)
	instances.Post("/:id/replay", handlers.ReplayInstance)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
