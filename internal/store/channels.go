package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"content-allocator/internal/models"
)

const channelColumns = `id, model_id, name, state, niche_tag, min_account_age_days, min_reputation,
	verification_required, cooldown_until, pinned_account_id, error_count, error_history,
	sample_count, removed_count, avg_engagement, rules_text, required_flair, rules_fetched_at,
	created_at, updated_at`

// CreateChannelParams collects inputs required to insert a channel.
type CreateChannelParams struct {
	ModelID         string
	Name            string
	NicheTag        string
	PinnedAccountID string
}

// CreateChannel inserts a new channel in the testing state.
func (s *Store) CreateChannel(ctx context.Context, p CreateChannelParams) (models.Channel, error) {
	now := time.Now().UTC()
	ch := models.Channel{
		ID:        uuid.New().String(),
		ModelID:   p.ModelID,
		Name:      p.Name,
		State:     models.ChannelTesting,
		NicheTag:  p.NicheTag,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if p.PinnedAccountID != "" {
		ch.PinnedAccountID = &p.PinnedAccountID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO channels (id, model_id, name, state, niche_tag, pinned_account_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, ch.ID, ch.ModelID, ch.Name, ch.State, ch.NicheTag, ch.PinnedAccountID, now)
	if err != nil {
		return models.Channel{}, fmt.Errorf("insert channel: %w", err)
	}
	return ch, nil
}

// GetChannel fetches a channel by id.
func (s *Store) GetChannel(ctx context.Context, id string) (models.Channel, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id)
	ch, err := scanChannel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Channel{}, fmt.Errorf("channel %s not found: %w", id, err)
	}
	return ch, err
}

// ListModelChannels returns a model's channels.
func (s *Store) ListModelChannels(ctx context.Context, modelID string) ([]models.Channel, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+channelColumns+` FROM channels WHERE model_id = $1 ORDER BY created_at`, modelID)
	if err != nil {
		return nil, fmt.Errorf("query model channels: %w", err)
	}
	defer rows.Close()

	var out []models.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// SaveChannel writes back the full mutable channel row in one statement, so
// concurrent runs observe either the old or the new state, never a mix.
func (s *Store) SaveChannel(ctx context.Context, ch models.Channel) error {
	history, err := json.Marshal(ch.ErrorHistory)
	if err != nil {
		return fmt.Errorf("marshal error history: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE channels
		SET state = $2, niche_tag = $3, min_account_age_days = $4, min_reputation = $5,
			verification_required = $6, cooldown_until = $7, error_count = $8, error_history = $9,
			sample_count = $10, removed_count = $11, avg_engagement = $12,
			rules_text = $13, required_flair = $14, rules_fetched_at = $15, updated_at = NOW()
		WHERE id = $1
	`, ch.ID, ch.State, ch.NicheTag, ch.Constraints.MinAccountAgeDays, ch.Constraints.MinReputation,
		ch.Constraints.VerificationRequired, ch.CooldownUntil, ch.ErrorCount, history,
		ch.SampleCount, ch.RemovedCount, ch.AvgEngagement,
		ch.RulesText, ch.RequiredFlair, ch.RulesFetchedAt)
	if err != nil {
		return fmt.Errorf("save channel %s: %w", ch.ID, err)
	}
	return nil
}

// ChannelOutcomeStats aggregates outcome samples per channel for a model.
// Outcomes join through their task's channel id.
func (s *Store) ChannelOutcomeStats(ctx context.Context, modelID string) (map[string]models.OutcomeStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.channel_id, COUNT(*), COUNT(*) FILTER (WHERE o.removed), COALESCE(SUM(o.engagement), 0)
		FROM outcomes o
		JOIN tasks t ON t.id = o.task_id
		WHERE t.model_id = $1 AND t.channel_id <> ''
		GROUP BY t.channel_id
	`, modelID)
	if err != nil {
		return nil, fmt.Errorf("query channel outcome stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.OutcomeStats)
	for rows.Next() {
		var id string
		var st models.OutcomeStats
		if err := rows.Scan(&id, &st.Samples, &st.Removed, &st.EngagementSum); err != nil {
			return nil, fmt.Errorf("scan channel stats: %w", err)
		}
		out[id] = st
	}
	return out, rows.Err()
}

// UnlinkedOutcomes returns outcomes whose task carries no channel reference.
// The caller matches them to channels by name as a fallback join.
func (s *Store) UnlinkedOutcomes(ctx context.Context, modelID string) ([]models.Outcome, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT o.id, o.task_id, o.engagement, o.removed, o.note, o.recorded_at
		FROM outcomes o
		JOIN tasks t ON t.id = o.task_id
		WHERE t.model_id = $1 AND t.channel_id = ''
	`, modelID)
	if err != nil {
		return nil, fmt.Errorf("query unlinked outcomes: %w", err)
	}
	defer rows.Close()

	var out []models.Outcome
	for rows.Next() {
		var o models.Outcome
		if err := rows.Scan(&o.ID, &o.TaskID, &o.Engagement, &o.Removed, &o.Note, &o.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanChannel(row pgx.Row) (models.Channel, error) {
	var ch models.Channel
	var cooldown, rulesFetched pgtype.Timestamptz
	var pinned pgtype.Text
	var history []byte
	err := row.Scan(&ch.ID, &ch.ModelID, &ch.Name, &ch.State, &ch.NicheTag,
		&ch.Constraints.MinAccountAgeDays, &ch.Constraints.MinReputation, &ch.Constraints.VerificationRequired,
		&cooldown, &pinned, &ch.ErrorCount, &history,
		&ch.SampleCount, &ch.RemovedCount, &ch.AvgEngagement,
		&ch.RulesText, &ch.RequiredFlair, &rulesFetched, &ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		return models.Channel{}, err
	}
	ch.CooldownUntil = timePtr(cooldown)
	ch.RulesFetchedAt = timePtr(rulesFetched)
	if pinned.Valid {
		ch.PinnedAccountID = &pinned.String
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &ch.ErrorHistory); err != nil {
			return models.Channel{}, fmt.Errorf("unmarshal error history: %w", err)
		}
	}
	return ch, nil
}
