package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-battle-api/internal/models"
)

func setupBattleTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.BattleTask{}, &models.BattleTestCase{}, &models.BattleSubmission{}, &models.CoderProfile{}, &models.BattleRoom{}))
	return db
}

func TestBattleTaskRepositoryGetByIDKeepsTestCaseOrder(t *testing.T) {
	db := setupBattleTestDB(t)
	repo := NewBattleTaskRepository(db)
	ctx := context.Background()

	task := models.BattleTask{
		Title:    "Echo",
		Language: "python",
		TestCases: []models.BattleTestCase{
			{Input: "1", ExpectedOutput: "1"},
			{Input: "2", ExpectedOutput: "2", Hidden: true},
			{Input: "3", ExpectedOutput: "3"},
		},
	}
	require.NoError(t, repo.Create(ctx, &task))

	require.NoError(t, db.Model(&models.BattleTestCase{}).Where("input = ?", "1").Update("position", 10).Error)

	stored, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, stored.TestCases, 3)
	require.Equal(t, "2", stored.TestCases[0].Input)
	require.True(t, stored.TestCases[0].Hidden)
	require.Equal(t, "3", stored.TestCases[1].Input)
	require.Equal(t, "1", stored.TestCases[2].Input)
}

func TestBattleTaskRepositoryGetByIDNotFound(t *testing.T) {
	repo := NewBattleTaskRepository(setupBattleTestDB(t))

	_, err := repo.GetByID(context.Background(), 404)
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestBattleTaskRepositoryPickRandomFiltersAndFallsBack(t *testing.T) {
	db := setupBattleTestDB(t)
	repo := NewBattleTaskRepository(db)
	ctx := context.Background()

	_, err := repo.PickRandom(ctx, BattleTaskFilter{})
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))

	easy := models.BattleTask{Title: "Easy", Language: "python", Difficulty: "easy"}
	hard := models.BattleTask{Title: "Hard", Language: "javascript", Difficulty: "hard"}
	require.NoError(t, repo.Create(ctx, &easy))
	require.NoError(t, repo.Create(ctx, &hard))

	for i := 0; i < 5; i++ {
		picked, err := repo.PickRandom(ctx, BattleTaskFilter{Difficulty: "HARD"})
		require.NoError(t, err)
		require.Equal(t, hard.ID, picked.ID)
	}

	picked, err := repo.PickRandom(ctx, BattleTaskFilter{Language: "go"})
	require.NoError(t, err)
	require.Contains(t, []uint{easy.ID, hard.ID}, picked.ID)
}

func TestBattleOutcomeRepositoryRecordResult(t *testing.T) {
	db := setupBattleTestDB(t)
	repo := NewBattleOutcomeRepository(db)
	rooms := NewBattleRoomRepository(db)
	ctx := context.Background()

	require.NoError(t, rooms.Create(ctx, &models.BattleRoom{RoomCode: "ABC123", TaskID: 1, IsActive: true}))

	winner := BattleParticipant{UserID: 7, Username: "alice"}
	losers := []BattleParticipant{{UserID: 8, Username: "bob"}, {UserID: 0, Username: "Anonymous"}}
	now := time.Now().UTC()

	require.NoError(t, repo.RecordResult(ctx, "ABC123", winner, losers, now))
	require.NoError(t, repo.RecordResult(ctx, "other-room", winner, nil, now))

	alice, err := repo.GetProfile(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 2, alice.Wins)
	require.Equal(t, 0, alice.Losses)
	require.Equal(t, "alice", alice.Username)

	bob, err := repo.GetProfile(ctx, 8)
	require.NoError(t, err)
	require.Equal(t, 0, bob.Wins)
	require.Equal(t, 1, bob.Losses)

	_, err = repo.GetProfile(ctx, 0)
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))

	room, err := rooms.GetByCode(ctx, "ABC123")
	require.NoError(t, err)
	require.False(t, room.IsActive)
	require.NotNil(t, room.WinnerID)
	require.Equal(t, uint(7), *room.WinnerID)
	require.Equal(t, "alice", room.WinnerName)
	require.NotNil(t, room.FinishedAt)
}

func TestBattleOutcomeRepositoryCreateSubmission(t *testing.T) {
	db := setupBattleTestDB(t)
	repo := NewBattleOutcomeRepository(db)
	ctx := context.Background()

	submission := models.BattleSubmission{
		RoomKey:     "R",
		TaskID:      3,
		UserID:      7,
		Username:    "alice",
		Language:    "python",
		Code:        "print(1)",
		Passed:      true,
		PassedCount: 1,
		Total:       1,
		Results:     datatypes.JSON(`[{"index":1,"passed":true}]`),
		SubmittedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.CreateSubmission(ctx, &submission))
	require.NotZero(t, submission.ID)

	stored, err := repo.ListSubmissions(ctx, "R")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.True(t, stored[0].Passed)
	require.JSONEq(t, `[{"index":1,"passed":true}]`, string(stored[0].Results))
}

func TestBattleRoomRepositoryCodeExists(t *testing.T) {
	rooms := NewBattleRoomRepository(setupBattleTestDB(t))
	ctx := context.Background()

	exists, err := rooms.CodeExists(ctx, "ZZZ999")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, rooms.Create(ctx, &models.BattleRoom{RoomCode: "ZZZ999", TaskID: 2, IsActive: true}))

	exists, err = rooms.CodeExists(ctx, "ZZZ999")
	require.NoError(t, err)
	require.True(t, exists)
}
