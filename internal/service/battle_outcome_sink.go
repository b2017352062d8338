package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/noah-isme/gema-battle-api/internal/models"
	"github.com/noah-isme/gema-battle-api/internal/repository"
)

// NewRepositoryOutcomeSink adapts the battle outcome repository to an OutcomeSink.
func NewRepositoryOutcomeSink(repo repository.BattleOutcomeRepository) OutcomeSink {
	return &repositoryOutcomeSink{repo: repo}
}

type repositoryOutcomeSink struct {
	repo repository.BattleOutcomeRepository
}

func (s *repositoryOutcomeSink) RecordSubmission(ctx context.Context, outcome SubmissionOutcome) error {
	results, err := json.Marshal(outcome.Report.Results)
	if err != nil {
		return fmt.Errorf("encode verdict results: %w", err)
	}

	submittedAt := outcome.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = time.Now().UTC()
	}

	submission := models.BattleSubmission{
		RoomKey:     outcome.RoomKey,
		TaskID:      outcome.TaskID,
		UserID:      outcome.Submitter.UserID,
		Username:    outcome.Submitter.DisplayName(),
		Language:    outcome.Language,
		Code:        outcome.Code,
		Passed:      outcome.Report.AllPassed,
		PassedCount: outcome.Report.PassedCount(),
		Total:       outcome.Report.Total(),
		Output:      outcome.Output,
		Results:     datatypes.JSON(results),
		SubmittedAt: submittedAt,
	}
	if err := s.repo.CreateSubmission(ctx, &submission); err != nil {
		return fmt.Errorf("save submission: %w", err)
	}
	return nil
}

func (s *repositoryOutcomeSink) RecordWin(ctx context.Context, roomKey string, winner Identity, losers []Identity, at time.Time) error {
	participants := make([]repository.BattleParticipant, 0, len(losers))
	for _, loser := range losers {
		participants = append(participants, repository.BattleParticipant{UserID: loser.UserID, Username: loser.DisplayName()})
	}

	err := s.repo.RecordResult(ctx, roomKey, repository.BattleParticipant{
		UserID:   winner.UserID,
		Username: winner.DisplayName(),
	}, participants, at)
	if err != nil {
		return fmt.Errorf("record battle result: %w", err)
	}
	return nil
}
