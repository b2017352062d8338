package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-battle-api/internal/dto"
	"github.com/noah-isme/gema-battle-api/internal/repository"
)

// ErrProfileNotFound indicates the user has not finished a battle yet.
var ErrProfileNotFound = errors.New("profile not found")

const defaultLeaderboardLimit = 20

// BattleRecordService reads persisted battle history.
type BattleRecordService interface {
	Profile(ctx context.Context, userID uint) (dto.CoderProfileResponse, error)
	RoomSubmissions(ctx context.Context, roomKey string) ([]dto.BattleSubmissionResponse, error)
	Leaderboard(ctx context.Context, query dto.LeaderboardQuery) (dto.LeaderboardPage, error)
}

type battleRecordService struct {
	outcomes  repository.BattleOutcomeRepository
	validator *validator.Validate
}

// NewBattleRecordService creates a read-side service over battle outcomes.
func NewBattleRecordService(outcomes repository.BattleOutcomeRepository, validate *validator.Validate) BattleRecordService {
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	return &battleRecordService{outcomes: outcomes, validator: validate}
}

func (s *battleRecordService) Profile(ctx context.Context, userID uint) (dto.CoderProfileResponse, error) {
	if userID == 0 {
		return dto.CoderProfileResponse{}, ErrProfileNotFound
	}
	profile, err := s.outcomes.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.CoderProfileResponse{}, ErrProfileNotFound
		}
		return dto.CoderProfileResponse{}, fmt.Errorf("load coder profile: %w", err)
	}
	return dto.NewCoderProfileResponse(profile), nil
}

func (s *battleRecordService) RoomSubmissions(ctx context.Context, roomKey string) ([]dto.BattleSubmissionResponse, error) {
	roomKey = strings.TrimSpace(roomKey)
	if roomKey == "" {
		return nil, ErrRoomKeyRequired
	}
	submissions, err := s.outcomes.ListSubmissions(ctx, roomKey)
	if err != nil {
		return nil, fmt.Errorf("list room submissions: %w", err)
	}
	return dto.NewBattleSubmissionResponseSlice(submissions), nil
}

// Leaderboard ranks players by wins. A zero limit means the default page size.
func (s *battleRecordService) Leaderboard(ctx context.Context, query dto.LeaderboardQuery) (dto.LeaderboardPage, error) {
	if err := s.validator.Struct(query); err != nil {
		return dto.LeaderboardPage{}, err
	}
	if query.Limit == 0 {
		query.Limit = defaultLeaderboardLimit
	}

	profiles, total, err := s.outcomes.ListLeaderboard(ctx, query.Limit, query.Offset)
	if err != nil {
		return dto.LeaderboardPage{}, fmt.Errorf("list leaderboard: %w", err)
	}

	return dto.LeaderboardPage{
		Entries: dto.NewLeaderboardEntries(profiles, query.Offset),
		Total:   total,
		Limit:   query.Limit,
		Offset:  query.Offset,
	}, nil
}
