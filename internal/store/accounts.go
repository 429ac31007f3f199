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

const accountColumns = `id, model_id, username, phase, reputation, suspended, verified, consecutive_active_days,
	daily_cap, joined_at, last_active_date, rest_until, phase_changed_at, created_at, updated_at`

// CreateAccountParams collects inputs required to insert an account.
type CreateAccountParams struct {
	ModelID    string
	Username   string
	Reputation int
	DailyCap   int
	Verified   bool
	JoinedAt   time.Time
}

// CreateAccount inserts a new account in the warming phase.
func (s *Store) CreateAccount(ctx context.Context, p CreateAccountParams) (models.Account, error) {
	if p.DailyCap == 0 {
		p.DailyCap = 3
	}
	now := time.Now().UTC()
	acc := models.Account{
		ID:             uuid.New().String(),
		ModelID:        p.ModelID,
		Username:       p.Username,
		Phase:          models.PhaseWarming,
		Reputation:     p.Reputation,
		Verified:       p.Verified,
		DailyCap:       p.DailyCap,
		JoinedAt:       p.JoinedAt,
		PhaseChangedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, model_id, username, phase, reputation, verified, daily_cap, joined_at, phase_changed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, $9)
	`, acc.ID, acc.ModelID, acc.Username, acc.Phase, acc.Reputation, acc.Verified, acc.DailyCap, acc.JoinedAt, now)
	if err != nil {
		return models.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return acc, nil
}

// GetAccount fetches an account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (models.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	acc, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, fmt.Errorf("account %s not found: %w", id, err)
	}
	return acc, err
}

// ListAccounts returns every account across all models, for the global
// lifecycle sweep.
func (s *Store) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// ListModelAccounts returns a model's accounts.
func (s *Store) ListModelAccounts(ctx context.Context, modelID string) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE model_id = $1 ORDER BY created_at`, modelID)
	if err != nil {
		return nil, fmt.Errorf("query model accounts: %w", err)
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// SaveAccount writes back every lifecycle-owned field in one statement.
func (s *Store) SaveAccount(ctx context.Context, acc models.Account) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET phase = $2, reputation = $3, suspended = $4, verified = $5, consecutive_active_days = $6,
			last_active_date = $7, rest_until = $8, phase_changed_at = $9, updated_at = NOW()
		WHERE id = $1
	`, acc.ID, acc.Phase, acc.Reputation, acc.Suspended, acc.Verified, acc.ConsecutiveActiveDays,
		acc.LastActiveDate, acc.RestUntil, acc.PhaseChangedAt)
	if err != nil {
		return fmt.Errorf("save account %s: %w", acc.ID, err)
	}
	return nil
}

// AccountOutcomeStats aggregates outcome samples per account, for the burn
// check in the account lifecycle sweep.
func (s *Store) AccountOutcomeStats(ctx context.Context) (map[string]models.OutcomeStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.account_id, COUNT(*), COUNT(*) FILTER (WHERE o.removed), COALESCE(SUM(o.engagement), 0)
		FROM outcomes o
		JOIN tasks t ON t.id = o.task_id
		GROUP BY t.account_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query account outcome stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.OutcomeStats)
	for rows.Next() {
		var id string
		var st models.OutcomeStats
		if err := rows.Scan(&id, &st.Samples, &st.Removed, &st.EngagementSum); err != nil {
			return nil, fmt.Errorf("scan account stats: %w", err)
		}
		out[id] = st
	}
	return out, rows.Err()
}

func scanAccount(row pgx.Row) (models.Account, error) {
	var acc models.Account
	var lastActive, restUntil pgtype.Timestamptz
	err := row.Scan(&acc.ID, &acc.ModelID, &acc.Username, &acc.Phase, &acc.Reputation, &acc.Suspended, &acc.Verified,
		&acc.ConsecutiveActiveDays, &acc.DailyCap, &acc.JoinedAt, &lastActive, &restUntil,
		&acc.PhaseChangedAt, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return models.Account{}, err
	}
	acc.LastActiveDate = timePtr(lastActive)
	acc.RestUntil = timePtr(restUntil)
	return acc, nil
}

func collectAccounts(rows pgx.Rows) ([]models.Account, error) {
	var out []models.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
