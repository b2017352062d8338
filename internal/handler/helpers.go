package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-battle-api/internal/middleware"
	"github.com/noah-isme/gema-battle-api/internal/service"
)

func userIDFromContext(c *fiber.Ctx) uint {
	return normalizeUserID(c.Locals("user_id"))
}

func normalizeUserID(value interface{}) uint {
	switch id := value.(type) {
	case uint:
		return id
	case int:
		if id < 0 {
			return 0
		}
		return uint(id)
	case float64:
		if id < 0 {
			return 0
		}
		return uint(id)
	}
	return 0
}

// identityFromLocals builds the battle identity bound by the JWT middleware.
func identityFromLocals(userID, username interface{}) service.Identity {
	id := normalizeUserID(userID)
	if id == 0 {
		return service.AnonymousIdentity()
	}
	name, _ := username.(string)
	return service.Identity{UserID: id, Username: strings.TrimSpace(name)}
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

func validationDetails(err error) map[string]string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	details := make(map[string]string, len(validationErrors))
	for _, fieldErr := range validationErrors {
		field := strings.ToLower(fieldErr.Field())
		if fieldErr.Param() != "" {
			details[field] = fmt.Sprintf("%s=%s", fieldErr.Tag(), fieldErr.Param())
			continue
		}
		details[field] = fieldErr.Tag()
	}
	return details
}
