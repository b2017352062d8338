package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-battle-api/internal/models"
)

// BattleRoomRepository persists matchmaking room records.
type BattleRoomRepository interface {
	Create(ctx context.Context, room *models.BattleRoom) error
	CodeExists(ctx context.Context, code string) (bool, error)
	GetByCode(ctx context.Context, code string) (models.BattleRoom, error)
}

// NewBattleRoomRepository constructs a battle room repository.
func NewBattleRoomRepository(db *gorm.DB) BattleRoomRepository {
	return &battleRoomRepository{db: db}
}

type battleRoomRepository struct {
	db *gorm.DB
}

func (r *battleRoomRepository) Create(ctx context.Context, room *models.BattleRoom) error {
	return r.db.WithContext(ctx).Create(room).Error
}

func (r *battleRoomRepository) CodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.BattleRoom{}).Where("room_code = ?", code).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *battleRoomRepository) GetByCode(ctx context.Context, code string) (models.BattleRoom, error) {
	var room models.BattleRoom
	if err := r.db.WithContext(ctx).Where("room_code = ?", code).First(&room).Error; err != nil {
		return models.BattleRoom{}, err
	}
	return room, nil
}
