package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-battle-api/internal/dto"
	"github.com/noah-isme/gema-battle-api/internal/models"
	"github.com/noah-isme/gema-battle-api/internal/repository"
	"github.com/noah-isme/gema-battle-api/pkg/sandbox"
)

const (
	roomCodeLength   = 6
	roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	roomCodeAttempts = 10
)

// ErrRoomCodeExhausted indicates no unused room code could be generated.
var ErrRoomCodeExhausted = errors.New("could not allocate a unique room code")

// BattleRunService exposes practice runs and matchmaking.
type BattleRunService interface {
	DryRun(ctx context.Context, taskID uint, request dto.DryRunRequest) (dto.DryRunResponse, error)
	Scout(ctx context.Context, player Identity, request dto.ScoutRequest) (dto.ScoutResponse, error)
}

type battleRunService struct {
	tasks     TaskStore
	taskRepo  repository.BattleTaskRepository
	rooms     repository.BattleRoomRepository
	verdicts  VerdictService
	validator *validator.Validate
	logger    zerolog.Logger
	newCode   func() string
}

// NewBattleRunService creates the dry run and matchmaking service.
func NewBattleRunService(tasks TaskStore, taskRepo repository.BattleTaskRepository, rooms repository.BattleRoomRepository, verdicts VerdictService, validate *validator.Validate, logger zerolog.Logger) BattleRunService {
	return &battleRunService{
		tasks:     tasks,
		taskRepo:  taskRepo,
		rooms:     rooms,
		verdicts:  verdicts,
		validator: validate,
		logger:    logger.With().Str("component", "battle_run_service").Logger(),
		newCode:   NewRoomCode,
	}
}

// DryRun grades code against the task without persisting anything. Hidden
// results are withheld from the response but counted in the totals.
func (s *battleRunService) DryRun(ctx context.Context, taskID uint, request dto.DryRunRequest) (dto.DryRunResponse, error) {
	if err := s.validator.Struct(request); err != nil {
		return dto.DryRunResponse{}, err
	}

	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return dto.DryRunResponse{}, err
	}
	if len(task.TestCases) == 0 {
		return dto.DryRunResponse{}, ErrNoTestCases
	}

	language := strings.TrimSpace(request.Language)
	if language == "" {
		language = task.Language
	}

	report := s.verdicts.Evaluate(ctx, request.Code, sandbox.NormalizeLanguage(language), task.TestCases)
	s.logger.Debug().
		Uint("task_id", taskID).
		Bool("all_passed", report.AllPassed).
		Int("passed", report.PassedCount()).
		Int("total", report.Total()).
		Msg("dry run evaluated")

	return dto.DryRunResponse{
		AllPassed:   report.AllPassed,
		Results:     report.VisibleResults(),
		Total:       report.Total(),
		PassedCount: report.PassedCount(),
	}, nil
}

// Scout picks a task and opens a room record for a new battle.
func (s *battleRunService) Scout(ctx context.Context, player Identity, request dto.ScoutRequest) (dto.ScoutResponse, error) {
	if err := s.validator.Struct(request); err != nil {
		return dto.ScoutResponse{}, err
	}

	task, err := s.taskRepo.PickRandom(ctx, repository.BattleTaskFilter{
		Difficulty: request.Difficulty,
		Language:   request.Language,
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.ScoutResponse{}, ErrTaskNotFound
		}
		return dto.ScoutResponse{}, fmt.Errorf("pick battle task: %w", err)
	}

	code, err := s.uniqueCode(ctx)
	if err != nil {
		return dto.ScoutResponse{}, err
	}

	room := models.BattleRoom{
		RoomCode: code,
		TaskID:   task.ID,
		IsActive: true,
	}
	if player.Authenticated() {
		id := player.UserID
		room.Player1ID = &id
	}
	if err := s.rooms.Create(ctx, &room); err != nil {
		return dto.ScoutResponse{}, fmt.Errorf("create battle room: %w", err)
	}

	s.logger.Info().Str("room_code", code).Uint("task_id", task.ID).Uint("user_id", player.UserID).Msg("battle room created")

	return dto.ScoutResponse{
		RoomID:    fmt.Sprintf("battle_%d", task.ID),
		RoomCode:  code,
		TaskID:    task.ID,
		TaskTitle: task.Title,
	}, nil
}

func (s *battleRunService) uniqueCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < roomCodeAttempts; attempt++ {
		code := s.newCode()
		exists, err := s.rooms.CodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check room code: %w", err)
		}
		if !exists {
			return code, nil
		}
	}
	return "", ErrRoomCodeExhausted
}

// NewRoomCode returns a random six character code of uppercase letters and digits.
func NewRoomCode() string {
	id := uuid.New()
	code := make([]byte, roomCodeLength)
	for i := range code {
		code[i] = roomCodeAlphabet[int(id[i])%len(roomCodeAlphabet)]
	}
	return string(code)
}
