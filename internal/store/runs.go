package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"content-allocator/internal/models"
)

// StartRun records the beginning of a generation run for (model, date).
func (s *Store) StartRun(ctx context.Context, modelID string, date time.Time) (models.Run, error) {
	run := models.Run{
		ID:        uuid.New().String(),
		ModelID:   modelID,
		Date:      date,
		Status:    models.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (id, model_id, run_date, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`, run.ID, run.ModelID, run.Date, run.Status, run.StartedAt)
	if err != nil {
		return models.Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// FinishRun stamps the run's final status, task counts, and error if any.
func (s *Store) FinishRun(ctx context.Context, run models.Run) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status = $2, post_tasks = $3, engagement_tasks = $4, warmup_tasks = $5,
			last_error = $6, finished_at = NOW()
		WHERE id = $1
	`, run.ID, run.Status, run.PostTasks, run.EngagementTasks, run.WarmupTasks, run.Error)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	return nil
}

// LatestRun returns the most recent run for (model, date), if any.
func (s *Store) LatestRun(ctx context.Context, modelID string, date time.Time) (models.Run, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, model_id, run_date, status, post_tasks, engagement_tasks, warmup_tasks, last_error, started_at, finished_at
		FROM runs WHERE model_id = $1 AND run_date = $2
		ORDER BY started_at DESC LIMIT 1
	`, modelID, date)

	var run models.Run
	var lastErr pgtype.Text
	var finished pgtype.Timestamptz
	err := row.Scan(&run.ID, &run.ModelID, &run.Date, &run.Status, &run.PostTasks,
		&run.EngagementTasks, &run.WarmupTasks, &lastErr, &run.StartedAt, &finished)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Run{}, false, nil
	}
	if err != nil {
		return models.Run{}, false, fmt.Errorf("scan run: %w", err)
	}
	if lastErr.Valid {
		run.Error = &lastErr.String
	}
	run.FinishedAt = timePtr(finished)
	return run, true, nil
}
