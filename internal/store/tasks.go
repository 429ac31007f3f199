package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"content-allocator/internal/models"
)

const taskColumns = `id, model_id, account_id, channel_id, asset_id, task_date, task_type,
	title, scheduled_at, status, created_at, updated_at`

// CreateTasks inserts a full generation batch in one transaction.
func (s *Store) CreateTasks(ctx context.Context, tasks []models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	for _, t := range tasks {
		_, err := tx.Exec(ctx, `
			INSERT INTO tasks (id, model_id, account_id, channel_id, asset_id, task_date, task_type, title, scheduled_at, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		`, t.ID, t.ModelID, t.AccountID, t.ChannelID, t.AssetID, t.Date, t.Type, t.Title, t.ScheduledAt, t.Status, t.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tasks: %w", err)
	}
	return nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %s not found: %w", id, err)
	}
	return t, err
}

// ListDayTasks returns the tasks already generated for (model, date).
func (s *Store) ListDayTasks(ctx context.Context, modelID string, date time.Time) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE model_id = $1 AND task_date = $2
		ORDER BY account_id, scheduled_at
	`, modelID, date)
	if err != nil {
		return nil, fmt.Errorf("query day tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// UpdateTaskStatus advances a task's lifecycle status.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s not found", id)
	}
	return nil
}

// ChannelTitles returns titles posted to a channel within the lookback
// window, newest first. Input for the duplicate screen.
func (s *Store) ChannelTitles(ctx context.Context, channelID string, since time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT title FROM tasks
		WHERE channel_id = $1 AND task_type = $2 AND title <> '' AND created_at >= $3
		ORDER BY created_at DESC
	`, channelID, models.TaskPost, since)
	if err != nil {
		return nil, fmt.Errorf("query channel titles: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan title: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountTestingPosts counts today's posting tasks aimed at channels still in
// the testing state, which draws down the shared testing budget.
func (s *Store) CountTestingPosts(ctx context.Context, modelID string, date time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks t
		JOIN channels c ON c.id = t.channel_id
		WHERE t.model_id = $1 AND t.task_date = $2 AND t.task_type = $3 AND c.state = $4
	`, modelID, date, models.TaskPost, models.ChannelTesting).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count testing posts: %w", err)
	}
	return n, nil
}

func scanTask(row pgx.Row) (models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.ModelID, &t.AccountID, &t.ChannelID, &t.AssetID, &t.Date, &t.Type,
		&t.Title, &t.ScheduledAt, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func collectTasks(rows pgx.Rows) ([]models.Task, error) {
	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
