package dto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/noah-isme/gema-battle-api/internal/models"
	"github.com/noah-isme/gema-battle-api/pkg/sandbox"
)

// Inbound battle frame types.
const (
	FrameCodeSubmit  = "code_submit"
	FrameAttack      = "attack"
	FrameChatMessage = "chat_message"
)

// Outbound battle frame types.
const (
	FramePlayerJoined     = "player_joined"
	FrameAttackReceived   = "attack_received"
	FrameSubmissionResult = "submission_result"
	FrameGameOver         = "game_over"
	FrameError            = "error"
)

// DefaultAttackType is relayed when an attack frame does not name one.
const DefaultAttackType = "blur"

// TaskRef accepts a task id sent either as a JSON number or as a numeric string.
type TaskRef uint

// UnmarshalJSON implements json.Unmarshaler.
func (r *TaskRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = 0
		return nil
	}

	raw := string(data)
	if data[0] == '"' {
		unquoted, err := strconv.Unquote(raw)
		if err != nil {
			return fmt.Errorf("invalid task_id: %w", err)
		}
		raw = strings.TrimSpace(unquoted)
		if raw == "" {
			*r = 0
			return nil
		}
	}

	parsed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid task_id %s", string(data))
	}
	*r = TaskRef(parsed)
	return nil
}

// BattleInboundFrame is the envelope of every client frame. Only the fields
// relevant to Type are read.
type BattleInboundFrame struct {
	Type       string  `json:"type"`
	Code       string  `json:"code"`
	TaskID     TaskRef `json:"task_id"`
	Language   string  `json:"language"`
	AttackType string  `json:"attack_type"`
	Message    string  `json:"message"`
}

// CodeSubmitRequest is the validated form of a code_submit frame.
type CodeSubmitRequest struct {
	TaskID   uint   `validate:"required,gt=0"`
	Code     string `validate:"max=65536"`
	Language string `validate:"max=32"`
}

// AttackRequest is the validated form of an attack frame.
type AttackRequest struct {
	AttackType string `validate:"required,max=32"`
}

// ChatRequest is the validated form of a chat_message frame.
type ChatRequest struct {
	Message string `validate:"required,max=2000"`
}

// PlayerJoinedFrame announces an authenticated player entering the room.
type PlayerJoinedFrame struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

// ChatMessageFrame relays chat text to the room.
type ChatMessageFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Sender  string `json:"sender"`
}

// AttackReceivedFrame relays a cosmetic attack to the room.
type AttackReceivedFrame struct {
	Type       string `json:"type"`
	AttackType string `json:"attack_type"`
	Attacker   string `json:"attacker"`
}

// SubmissionResultFrame is sent to the submitter only.
type SubmissionResultFrame struct {
	Type        string `json:"type"`
	Passed      bool   `json:"passed"`
	Output      string `json:"output"`
	PassedCount int    `json:"passed_count"`
	Total       int    `json:"total"`
	Note        string `json:"note,omitempty"`
}

// GameOverFrame ends the battle for everyone in the room.
type GameOverFrame struct {
	Type   string `json:"type"`
	Winner string `json:"winner"`
}

// ErrorFrame reports a rejected client frame to its sender.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorFrame builds an error frame.
func NewErrorFrame(message string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Message: message}
}

// DryRunRequest is the body of the practice run endpoint.
type DryRunRequest struct {
	Code     string `json:"code" validate:"required,max=65536"`
	Language string `json:"language" validate:"max=32"`
}

// DryRunResponse reports a practice run. Results only contain visible test
// cases while AllPassed and PassedCount cover hidden ones too.
type DryRunResponse struct {
	AllPassed   bool                      `json:"all_passed"`
	Results     []sandbox.ExecutionResult `json:"results"`
	Total       int                       `json:"total"`
	PassedCount int                       `json:"passed_count"`
}

// ScoutRequest filters the task picked for a new battle.
type ScoutRequest struct {
	Difficulty string `json:"difficulty" validate:"omitempty,oneof=easy medium hard Easy Medium Hard"`
	Language   string `json:"language" validate:"max=32"`
}

// ScoutResponse describes a freshly created battle room.
type ScoutResponse struct {
	RoomID    string `json:"room_id"`
	RoomCode  string `json:"room_code"`
	TaskID    uint   `json:"task_id"`
	TaskTitle string `json:"task_title"`
}

// RoomSnapshotResponse describes the live state of a room on this node.
type RoomSnapshotResponse struct {
	Room    string   `json:"room"`
	Members []string `json:"members"`
	Active  bool     `json:"active"`
}

// MarshalFrame encodes an outbound frame.
func MarshalFrame(frame interface{}) ([]byte, error) {
	return json.Marshal(frame)
}

// CoderProfileResponse is a player's battle record.
type CoderProfileResponse struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	Wins     int    `json:"wins"`
	Losses   int    `json:"losses"`
}

// NewCoderProfileResponse converts a profile model into a DTO.
func NewCoderProfileResponse(profile models.CoderProfile) CoderProfileResponse {
	return CoderProfileResponse{
		UserID:   profile.UserID,
		Username: profile.Username,
		Wins:     profile.Wins,
		Losses:   profile.Losses,
	}
}

// LeaderboardQuery pages the leaderboard.
type LeaderboardQuery struct {
	Limit  int `query:"limit" validate:"gte=0,lte=100"`
	Offset int `query:"offset" validate:"gte=0"`
}

// LeaderboardEntry is one ranked player.
type LeaderboardEntry struct {
	Rank     int    `json:"rank"`
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	Wins     int    `json:"wins"`
	Losses   int    `json:"losses"`
}

// LeaderboardPage is a ranked slice of players plus the total number ranked.
type LeaderboardPage struct {
	Entries []LeaderboardEntry
	Total   int64
	Limit   int
	Offset  int
}

// NewLeaderboardEntries ranks profiles that start at offset in the global order.
func NewLeaderboardEntries(profiles []models.CoderProfile, offset int) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, len(profiles))
	for i, profile := range profiles {
		entries = append(entries, LeaderboardEntry{
			Rank:     offset + i + 1,
			UserID:   profile.UserID,
			Username: profile.Username,
			Wins:     profile.Wins,
			Losses:   profile.Losses,
		})
	}
	return entries
}

// BattleSubmissionResponse is a persisted battle submission for reviewers.
type BattleSubmissionResponse struct {
	ID          uint      `json:"id"`
	RoomKey     string    `json:"room_key"`
	TaskID      uint      `json:"task_id"`
	UserID      uint      `json:"user_id"`
	Username    string    `json:"username"`
	Language    string    `json:"language"`
	Code        string    `json:"code"`
	Passed      bool      `json:"passed"`
	PassedCount int       `json:"passed_count"`
	Total       int       `json:"total"`
	Output      string    `json:"output"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// NewBattleSubmissionResponseSlice converts submission models into DTOs.
func NewBattleSubmissionResponseSlice(submissions []models.BattleSubmission) []BattleSubmissionResponse {
	responses := make([]BattleSubmissionResponse, 0, len(submissions))
	for _, submission := range submissions {
		responses = append(responses, BattleSubmissionResponse{
			ID:          submission.ID,
			RoomKey:     submission.RoomKey,
			TaskID:      submission.TaskID,
			UserID:      submission.UserID,
			Username:    submission.Username,
			Language:    submission.Language,
			Code:        submission.Code,
			Passed:      submission.Passed,
			PassedCount: submission.PassedCount,
			Total:       submission.Total,
			Output:      submission.Output,
			SubmittedAt: submission.SubmittedAt,
		})
	}
	return responses
}
