package repository

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-battle-api/internal/models"
)

// BattleTaskFilter narrows matchmaking to tasks of a difficulty and/or language.
type BattleTaskFilter struct {
	Difficulty string
	Language   string
}

// BattleTaskRepository exposes read access to battle tasks and their test cases.
type BattleTaskRepository interface {
	GetByID(ctx context.Context, id uint) (models.BattleTask, error)
	Create(ctx context.Context, task *models.BattleTask) error
	PickRandom(ctx context.Context, filter BattleTaskFilter) (models.BattleTask, error)
}

// NewBattleTaskRepository constructs a battle task repository.
func NewBattleTaskRepository(db *gorm.DB) BattleTaskRepository {
	return &battleTaskRepository{db: db}
}

type battleTaskRepository struct {
	db *gorm.DB
}

func (r *battleTaskRepository) GetByID(ctx context.Context, id uint) (models.BattleTask, error) {
	var task models.BattleTask
	err := r.db.WithContext(ctx).
		Preload("TestCases", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC, id ASC")
		}).
		First(&task, id).Error
	if err != nil {
		return models.BattleTask{}, err
	}
	return task, nil
}

func (r *battleTaskRepository) Create(ctx context.Context, task *models.BattleTask) error {
	for i := range task.TestCases {
		if task.TestCases[i].Position == 0 {
			task.TestCases[i].Position = i + 1
		}
	}
	return r.db.WithContext(ctx).Create(task).Error
}

// PickRandom returns a random task matching the filter. When nothing matches it
// falls back to any task; gorm.ErrRecordNotFound means there are no tasks at all.
func (r *battleTaskRepository) PickRandom(ctx context.Context, filter BattleTaskFilter) (models.BattleTask, error) {
	task, err := r.pick(r.filtered(ctx, filter))
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) || (filter.Difficulty == "" && filter.Language == "") {
		return models.BattleTask{}, err
	}
	return r.pick(r.db.WithContext(ctx).Model(&models.BattleTask{}))
}

func (r *battleTaskRepository) filtered(ctx context.Context, filter BattleTaskFilter) *gorm.DB {
	db := r.db.WithContext(ctx).Model(&models.BattleTask{})
	if difficulty := strings.TrimSpace(filter.Difficulty); difficulty != "" {
		db = db.Where("LOWER(difficulty) = ?", strings.ToLower(difficulty))
	}
	if language := strings.TrimSpace(filter.Language); language != "" {
		db = db.Where("LOWER(language) = ?", strings.ToLower(language))
	}
	return db
}

func (r *battleTaskRepository) pick(db *gorm.DB) (models.BattleTask, error) {
	var total int64
	if err := db.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return models.BattleTask{}, err
	}
	if total == 0 {
		return models.BattleTask{}, gorm.ErrRecordNotFound
	}

	var task models.BattleTask
	err := db.Session(&gorm.Session{}).
		Order("id ASC").
		Offset(rand.IntN(int(total))).
		Limit(1).
		Find(&task).Error
	if err != nil {
		return models.BattleTask{}, err
	}
	if task.ID == 0 {
		return models.BattleTask{}, gorm.ErrRecordNotFound
	}
	return task, nil
}
