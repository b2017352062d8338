package models

import (
	"time"

	"gorm.io/datatypes"
)

// BattleSubmission is a graded submission made from inside a battle room.
type BattleSubmission struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	RoomKey     string         `gorm:"size:128;index" json:"room_key"`
	TaskID      uint           `gorm:"not null;index" json:"task_id"`
	UserID      uint           `gorm:"index" json:"user_id"`
	Username    string         `gorm:"size:150" json:"username"`
	Language    string         `gorm:"size:32;not null" json:"language"`
	Code        string         `gorm:"type:text" json:"code"`
	Passed      bool           `gorm:"not null;default:false" json:"passed"`
	PassedCount int            `gorm:"not null;default:0" json:"passed_count"`
	Total       int            `gorm:"not null;default:0" json:"total"`
	Output      string         `gorm:"type:text" json:"output"`
	Results     datatypes.JSON `json:"results"`
	SubmittedAt time.Time      `json:"submitted_at"`
	CreatedAt   time.Time      `json:"created_at"`
}

// CoderProfile keeps a player's battle record.
type CoderProfile struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"uniqueIndex;not null" json:"user_id"`
	Username  string    `gorm:"size:150" json:"username"`
	Wins      int       `gorm:"not null;default:0" json:"wins"`
	Losses    int       `gorm:"not null;default:0" json:"losses"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BattleRoom is the persisted matchmaking record behind a room code.
type BattleRoom struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	RoomCode   string     `gorm:"size:16;uniqueIndex;not null" json:"room_code"`
	TaskID     uint       `gorm:"not null;index" json:"task_id"`
	Player1ID  *uint      `json:"player1_id,omitempty"`
	WinnerID   *uint      `json:"winner_id,omitempty"`
	WinnerName string     `gorm:"size:150" json:"winner_name"`
	IsActive   bool       `gorm:"not null;default:true" json:"is_active"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
