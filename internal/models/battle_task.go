package models

import "time"

// BattleTask is a coding problem players race to solve inside a battle room.
type BattleTask struct {
	ID          uint             `gorm:"primaryKey" json:"id"`
	Title       string           `gorm:"size:255;not null" json:"title"`
	Description string           `gorm:"type:text" json:"description"`
	Language    string           `gorm:"size:32;not null;default:python" json:"language"`
	Difficulty  string           `gorm:"size:32;not null;default:easy;index" json:"difficulty"`
	TestCases   []BattleTestCase `gorm:"foreignKey:TaskID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"test_cases"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// BattleTestCase is one input/expected-output pair of a task. Position fixes the
// evaluation order.
type BattleTestCase struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	TaskID         uint   `gorm:"not null;index" json:"task_id"`
	Position       int    `gorm:"not null;default:0" json:"position"`
	Input          string `gorm:"type:text" json:"input"`
	ExpectedOutput string `gorm:"type:text" json:"expected_output"`
	Hidden         bool   `gorm:"not null;default:false" json:"is_hidden"`
}
