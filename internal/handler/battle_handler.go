package handler

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-battle-api/internal/dto"
	"github.com/noah-isme/gema-battle-api/internal/middleware"
	"github.com/noah-isme/gema-battle-api/internal/service"
	"github.com/noah-isme/gema-battle-api/internal/utils"
)

// BattleHandlerConfig tunes the HTTP side of the battle API.
type BattleHandlerConfig struct {
	DryRunLimit  int
	DryRunWindow time.Duration
}

// BattleHandler wires the battle websocket and its supporting HTTP endpoints.
type BattleHandler struct {
	battles service.BattleService
	runs    service.BattleRunService
	records service.BattleRecordService
	logger  zerolog.Logger
	cfg     BattleHandlerConfig
}

// NewBattleHandler creates a battle handler instance.
func NewBattleHandler(battles service.BattleService, runs service.BattleRunService, records service.BattleRecordService, logger zerolog.Logger, cfg BattleHandlerConfig) *BattleHandler {
	if cfg.DryRunLimit <= 0 {
		cfg.DryRunLimit = 10
	}
	if cfg.DryRunWindow <= 0 {
		cfg.DryRunWindow = time.Minute
	}
	return &BattleHandler{
		battles: battles,
		runs:    runs,
		records: records,
		logger:  logger.With().Str("component", "battle_handler").Logger(),
		cfg:     cfg,
	}
}

// Register binds battle routes under the provided router group. Identity is
// expected in the request locals, see middleware.OptionalJWT.
func (h *BattleHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			ctx := c.UserContext()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx = middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
			c.Locals("request_ctx", ctx)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/ws/:room", websocket.New(h.handleConnection))

	router.Post("/tasks/:id/run",
		middleware.RateLimit("battle_run", h.cfg.DryRunLimit, h.cfg.DryRunWindow),
		middleware.WithAuth(h.dryRun, middleware.AuthOptions{}),
	)
	router.Post("/scout", h.scout)
	router.Get("/rooms/:room/submissions", middleware.RequireRole(middleware.RoleTeacher, middleware.RoleAdmin), h.roomSubmissions)
	router.Get("/rooms/:room", h.room)
	router.Get("/leaderboard", h.leaderboard)
	router.Get("/profiles/me", middleware.WithAuth(h.myProfile, middleware.AuthOptions{}))
	router.Get("/profiles/:user_id", h.profile)
}

func (h *BattleHandler) handleConnection(conn *websocket.Conn) {
	identity := identityFromLocals(conn.Locals("user_id"), conn.Locals("username"))
	correlation, _ := conn.Locals("correlation_id").(string)
	baseCtx, _ := conn.Locals("request_ctx").(context.Context)
	room := strings.TrimSpace(conn.Params("room"))

	logger := h.logger.With().
		Str("room", room).
		Uint("user_id", identity.UserID).
		Str("correlation_id", correlation).
		Logger()

	logger.Info().Msg("battle websocket connected")
	h.battles.ServeConnection(conn, service.BattleConnectionOptions{
		RoomKey:       room,
		Identity:      identity,
		CorrelationID: correlation,
		Context:       baseCtx,
	})
	logger.Info().Msg("battle websocket disconnected")
}

func (h *BattleHandler) dryRun(c *fiber.Ctx) error {
	taskID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid task id")
	}

	var payload dto.DryRunRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	result, err := h.runs.DryRun(requestContext(c), taskID, payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "code evaluated", result)
}

func (h *BattleHandler) scout(c *fiber.Ctx) error {
	var payload dto.ScoutRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
		}
	}

	player := identityFromLocals(c.Locals("user_id"), c.Locals("username"))
	result, err := h.runs.Scout(requestContext(c), player, payload)
	if err != nil {
		if errors.Is(err, service.ErrTaskNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, "No tasks available")
		}
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "battle room created", result)
}

func (h *BattleHandler) room(c *fiber.Ctx) error {
	snapshot, ok := h.battles.Room(c.Params("room"))
	if !ok {
		return h.handleError(c, service.ErrRoomNotFound)
	}

	members := make([]string, 0, len(snapshot.Members))
	for _, member := range snapshot.Members {
		members = append(members, member.DisplayName())
	}

	return utils.SendSuccess(c, "room retrieved", dto.RoomSnapshotResponse{
		Room:    snapshot.Room,
		Members: members,
		Active:  snapshot.Active,
	})
}

func (h *BattleHandler) roomSubmissions(c *fiber.Ctx) error {
	submissions, err := h.records.RoomSubmissions(requestContext(c), c.Params("room"))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.OK(c, submissions, "room submissions retrieved", fiber.Map{"count": len(submissions)})
}

func (h *BattleHandler) leaderboard(c *fiber.Ctx) error {
	var query dto.LeaderboardQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid leaderboard query")
	}

	page, err := h.records.Leaderboard(requestContext(c), query)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.OK(c, page.Entries, "leaderboard retrieved", fiber.Map{
		"total":  page.Total,
		"limit":  page.Limit,
		"offset": page.Offset,
	})
}

func (h *BattleHandler) myProfile(c *fiber.Ctx) error {
	profile, err := h.records.Profile(requestContext(c), userIDFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "profile retrieved", profile)
}

func (h *BattleHandler) profile(c *fiber.Ctx) error {
	userID, err := parseUintParam(c, "user_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid user id")
	}
	profile, err := h.records.Profile(requestContext(c), userID)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "profile retrieved", profile)
}

func (h *BattleHandler) handleError(c *fiber.Ctx, err error) error {
	switch {
	case isValidationError(err):
		return utils.Fail(c, fiber.StatusBadRequest, "validation failed", validationDetails(err))
	case errors.Is(err, service.ErrTaskNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "Task not found")
	case errors.Is(err, service.ErrNoTestCases):
		return utils.SendError(c, fiber.StatusBadRequest, "No test cases defined for this task")
	case errors.Is(err, service.ErrRoomNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrProfileNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "Profile not found")
	case errors.Is(err, service.ErrRoomKeyRequired):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrRoomCodeExhausted):
		return utils.SendError(c, fiber.StatusServiceUnavailable, err.Error())
	}

	requestLogger(h.logger, c).Error().Err(err).Str("route", c.Path()).Msg("battle request failed")
	return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
}

func parseUintParam(c *fiber.Ctx, key string) (uint, error) {
	parsed, err := strconv.ParseUint(strings.TrimSpace(c.Params(key)), 10, 64)
	if err != nil || parsed == 0 {
		return 0, errors.New("invalid identifier")
	}
	return uint(parsed), nil
}
