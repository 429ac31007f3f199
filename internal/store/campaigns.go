package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"content-allocator/internal/models"
)

// CreateModel inserts a campaign.
func (s *Store) CreateModel(ctx context.Context, name, assetSourcePrefix string) (models.Model, error) {
	now := time.Now().UTC()
	m := models.Model{
		ID:                uuid.New().String(),
		Name:              name,
		AssetSourcePrefix: assetSourcePrefix,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO models (id, name, asset_source_prefix, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, m.ID, m.Name, m.AssetSourcePrefix, now)
	if err != nil {
		return models.Model{}, fmt.Errorf("insert model: %w", err)
	}
	return m, nil
}

// GetModel fetches a campaign by id.
func (s *Store) GetModel(ctx context.Context, id string) (models.Model, error) {
	var m models.Model
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, asset_source_prefix, created_at, updated_at FROM models WHERE id = $1
	`, id).Scan(&m.ID, &m.Name, &m.AssetSourcePrefix, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Model{}, fmt.Errorf("model %s not found: %w", id, err)
	}
	if err != nil {
		return models.Model{}, fmt.Errorf("scan model: %w", err)
	}
	return m, nil
}

// CreateOutcome appends an execution-layer report for a task.
func (s *Store) CreateOutcome(ctx context.Context, taskID string, engagement int, removed bool, note string) (models.Outcome, error) {
	o := models.Outcome{
		ID:         uuid.New().String(),
		TaskID:     taskID,
		Engagement: engagement,
		Removed:    removed,
		Note:       note,
		RecordedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outcomes (id, task_id, engagement, removed, note, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, o.ID, o.TaskID, o.Engagement, o.Removed, o.Note, o.RecordedAt)
	if err != nil {
		return models.Outcome{}, fmt.Errorf("insert outcome: %w", err)
	}
	return o, nil
}
