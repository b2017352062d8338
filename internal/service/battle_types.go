package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-battle-api/internal/models"
	"github.com/noah-isme/gema-battle-api/internal/repository"
)

var (
	// ErrTaskNotFound indicates the requested battle task does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrNoTestCases indicates the task cannot be graded.
	ErrNoTestCases = errors.New("no test cases defined for this task")
	// ErrInvalidFrame indicates a client frame could not be decoded or validated.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrUnknownMessageType indicates a client frame with an unsupported type.
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrRoomKeyRequired indicates a connection without a room.
	ErrRoomKeyRequired = errors.New("room key required")
	// ErrRoomNotFound indicates no live room exists for the key on this node.
	ErrRoomNotFound = errors.New("room not found")
)

// AnonymousName is the display name of unauthenticated players.
const AnonymousName = "Anonymous"

// Identity is who a connection or request acts as. A zero UserID is anonymous.
type Identity struct {
	UserID   uint
	Username string
}

// AnonymousIdentity returns the identity of an unauthenticated player.
func AnonymousIdentity() Identity {
	return Identity{Username: AnonymousName}
}

// Authenticated reports whether the identity belongs to a known user.
func (i Identity) Authenticated() bool {
	return i.UserID != 0
}

// DisplayName never returns an empty string.
func (i Identity) DisplayName() string {
	if name := strings.TrimSpace(i.Username); name != "" {
		return name
	}
	if i.Authenticated() {
		return fmt.Sprintf("user-%d", i.UserID)
	}
	return AnonymousName
}

// TestCase is one graded input/expected output pair.
type TestCase struct {
	Input    string
	Expected string
	Hidden   bool
}

// BattleTask is the read-only view of a task the battle core needs.
type BattleTask struct {
	ID        uint
	Title     string
	Language  string
	TestCases []TestCase
}

// TaskStore fetches tasks by id. Get fails with ErrTaskNotFound for unknown ids.
type TaskStore interface {
	Get(ctx context.Context, id uint) (BattleTask, error)
}

// SubmissionOutcome is a graded submission handed to the OutcomeSink.
type SubmissionOutcome struct {
	RoomKey     string
	TaskID      uint
	Submitter   Identity
	Code        string
	Language    string
	Output      string
	Report      VerdictReport
	SubmittedAt time.Time
}

// OutcomeSink persists graded submissions and battle results.
type OutcomeSink interface {
	RecordSubmission(ctx context.Context, outcome SubmissionOutcome) error
	RecordWin(ctx context.Context, roomKey string, winner Identity, losers []Identity, at time.Time) error
}

// NewRepositoryTaskStore adapts the battle task repository to a TaskStore.
func NewRepositoryTaskStore(repo repository.BattleTaskRepository) TaskStore {
	return &repositoryTaskStore{repo: repo}
}

type repositoryTaskStore struct {
	repo repository.BattleTaskRepository
}

func (s *repositoryTaskStore) Get(ctx context.Context, id uint) (BattleTask, error) {
	task, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return BattleTask{}, ErrTaskNotFound
		}
		return BattleTask{}, fmt.Errorf("load task %d: %w", id, err)
	}
	return newBattleTask(task), nil
}

func newBattleTask(task models.BattleTask) BattleTask {
	cases := make([]TestCase, 0, len(task.TestCases))
	for _, tc := range task.TestCases {
		cases = append(cases, TestCase{
			Input:    tc.Input,
			Expected: tc.ExpectedOutput,
			Hidden:   tc.Hidden,
		})
	}
	return BattleTask{
		ID:        task.ID,
		Title:     task.Title,
		Language:  task.Language,
		TestCases: cases,
	}
}
