package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-battle-api/internal/models"
)

// BattleParticipant identifies an authenticated player whose record is updated.
type BattleParticipant struct {
	UserID   uint
	Username string
}

// BattleOutcomeRepository persists graded submissions and battle results.
type BattleOutcomeRepository interface {
	CreateSubmission(ctx context.Context, submission *models.BattleSubmission) error
	RecordResult(ctx context.Context, roomKey string, winner BattleParticipant, losers []BattleParticipant, finishedAt time.Time) error
	GetProfile(ctx context.Context, userID uint) (models.CoderProfile, error)
	ListSubmissions(ctx context.Context, roomKey string) ([]models.BattleSubmission, error)
	ListLeaderboard(ctx context.Context, limit, offset int) ([]models.CoderProfile, int64, error)
}

// NewBattleOutcomeRepository constructs a battle outcome repository.
func NewBattleOutcomeRepository(db *gorm.DB) BattleOutcomeRepository {
	return &battleOutcomeRepository{db: db}
}

type battleOutcomeRepository struct {
	db *gorm.DB
}

func (r *battleOutcomeRepository) CreateSubmission(ctx context.Context, submission *models.BattleSubmission) error {
	return r.db.WithContext(ctx).Create(submission).Error
}

// RecordResult bumps the winner's wins and every loser's losses and closes the
// persisted room record, if one exists for roomKey, in a single transaction.
// Participants without a user id are skipped.
func (r *battleOutcomeRepository) RecordResult(ctx context.Context, roomKey string, winner BattleParticipant, losers []BattleParticipant, finishedAt time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := bumpProfile(tx, winner, "wins", finishedAt); err != nil {
			return err
		}
		for _, loser := range losers {
			if err := bumpProfile(tx, loser, "losses", finishedAt); err != nil {
				return err
			}
		}

		updates := map[string]interface{}{
			"is_active":   false,
			"winner_name": winner.Username,
			"finished_at": finishedAt,
		}
		if winner.UserID != 0 {
			updates["winner_id"] = winner.UserID
		}
		return tx.Model(&models.BattleRoom{}).
			Where("room_code = ? AND is_active = ?", roomKey, true).
			Updates(updates).Error
	})
}

func bumpProfile(tx *gorm.DB, participant BattleParticipant, column string, now time.Time) error {
	if participant.UserID == 0 {
		return nil
	}

	profile := models.CoderProfile{
		UserID:    participant.UserID,
		Username:  participant.Username,
		CreatedAt: now,
		UpdatedAt: now,
	}
	switch column {
	case "wins":
		profile.Wins = 1
	case "losses":
		profile.Losses = 1
	}

	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			column:       gorm.Expr("coder_profiles."+column+" + ?", 1),
			"username":   participant.Username,
			"updated_at": now,
		}),
	}).Create(&profile).Error
}

func (r *battleOutcomeRepository) GetProfile(ctx context.Context, userID uint) (models.CoderProfile, error) {
	var profile models.CoderProfile
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error; err != nil {
		return models.CoderProfile{}, err
	}
	return profile, nil
}

func (r *battleOutcomeRepository) ListSubmissions(ctx context.Context, roomKey string) ([]models.BattleSubmission, error) {
	var submissions []models.BattleSubmission
	err := r.db.WithContext(ctx).
		Where("room_key = ?", roomKey).
		Order("submitted_at ASC, id ASC").
		Find(&submissions).Error
	if err != nil {
		return nil, err
	}
	return submissions, nil
}

// ListLeaderboard pages profiles by wins, fewest losses first on ties. The
// second return value counts every profile.
func (r *battleOutcomeRepository) ListLeaderboard(ctx context.Context, limit, offset int) ([]models.CoderProfile, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.CoderProfile{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var profiles []models.CoderProfile
	err := query.
		Order("wins DESC, losses ASC, user_id ASC").
		Limit(limit).
		Offset(offset).
		Find(&profiles).Error
	if err != nil {
		return nil, 0, err
	}
	return profiles, total, nil
}
