package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-battle-api/internal/utils"
)

// AuthOptions configures the WithAuth helper. The zero value accepts any
// authenticated caller.
type AuthOptions struct {
	Roles          []string
	AllowAnonymous bool
}

// WithAuth wraps a single handler with the same guard RequireRole applies to a route.
func WithAuth(handler fiber.Handler, opts AuthOptions) fiber.Handler {
	guard := authorize(opts.Roles, !opts.AllowAnonymous)
	return func(c *fiber.Ctx) error {
		if status, message := guard(c); status != 0 {
			return utils.Fail(c, status, message, nil)
		}
		return handler(c)
	}
}
