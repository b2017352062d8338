package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-battle-api/internal/config"
	"github.com/noah-isme/gema-battle-api/internal/handler"
	"github.com/noah-isme/gema-battle-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	BattleHandler *handler.BattleHandler
	HealthProbes  map[string]handler.HealthProbe
	// IdentityMiddleware binds the caller's identity when a token is present.
	IdentityMiddleware fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes))

	app.Get("/metrics", observability.MetricsHandler())

	identity := deps.IdentityMiddleware
	if identity == nil {
		identity = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.BattleHandler != nil {
		battle := app.Group("/api/v2/battle", identity)
		deps.BattleHandler.Register(battle)
	}
}
