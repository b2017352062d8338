package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-battle-api/internal/utils"
)

// Roles carried in the JWT role claim.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

// RequireRole rejects anonymous callers with 401 and callers outside roles with 403.
func RequireRole(roles ...string) fiber.Handler {
	guard := authorize(roles, true)
	return func(c *fiber.Ctx) error {
		if status, message := guard(c); status != 0 {
			return utils.Fail(c, status, message, nil)
		}
		return c.Next()
	}
}

// authorize returns a check yielding the rejection status and message, or 0
// when the request may proceed. Naming any role implies requireUser.
func authorize(roles []string, requireUser bool) func(c *fiber.Ctx) (int, string) {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		if normalized := strings.ToLower(strings.TrimSpace(role)); normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}
	if len(allowed) > 0 {
		requireUser = true
	}

	return func(c *fiber.Ctx) (int, string) {
		if c.Locals("user_id") == nil {
			if requireUser {
				return fiber.StatusUnauthorized, "authentication required"
			}
			return 0, ""
		}
		if len(allowed) == 0 {
			return 0, ""
		}
		if _, ok := allowed[normalizeRoleValue(c.Locals("user_role"))]; !ok {
			return fiber.StatusForbidden, "insufficient permissions"
		}
		return 0, ""
	}
}

func normalizeRoleValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case fmt.Stringer:
		return strings.ToLower(strings.TrimSpace(v.String()))
	default:
		return strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", value)))
	}
}
