package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"content-allocator/internal/models"
)

const assetColumns = `id, model_id, external_id, kind, niche_tag, approved, times_used,
	last_used_at, width, height, created_at, updated_at`

// CreateAssetParams collects inputs required to insert an asset.
type CreateAssetParams struct {
	ModelID    string
	ExternalID string
	Kind       string
	NicheTag   string
	Approved   bool
	Width      int
	Height     int
}

// CreateAsset inserts an asset. Import via external id is idempotent: an
// already-known external id returns the existing row untouched.
func (s *Store) CreateAsset(ctx context.Context, p CreateAssetParams) (models.Asset, bool, error) {
	if p.Kind == "" {
		p.Kind = models.AssetImage
	}
	now := time.Now().UTC()
	a := models.Asset{
		ID:         uuid.New().String(),
		ModelID:    p.ModelID,
		ExternalID: p.ExternalID,
		Kind:       p.Kind,
		NicheTag:   p.NicheTag,
		Approved:   p.Approved,
		Width:      p.Width,
		Height:     p.Height,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO assets (id, model_id, external_id, kind, niche_tag, approved, width, height, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (model_id, external_id) WHERE external_id <> '' DO NOTHING
	`, a.ID, a.ModelID, a.ExternalID, a.Kind, a.NicheTag, a.Approved, a.Width, a.Height, now)
	if err != nil {
		return models.Asset{}, false, fmt.Errorf("insert asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Asset{}, false, nil
	}
	return a, true, nil
}

// ListApprovedAssets returns a model's approved assets.
func (s *Store) ListApprovedAssets(ctx context.Context, modelID string) ([]models.Asset, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+assetColumns+` FROM assets WHERE model_id = $1 AND approved ORDER BY created_at
	`, modelID)
	if err != nil {
		return nil, fmt.Errorf("query approved assets: %w", err)
	}
	defer rows.Close()

	var out []models.Asset
	for rows.Next() {
		var a models.Asset
		var lastUsed pgtype.Timestamptz
		if err := rows.Scan(&a.ID, &a.ModelID, &a.ExternalID, &a.Kind, &a.NicheTag, &a.Approved,
			&a.TimesUsed, &lastUsed, &a.Width, &a.Height, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		a.LastUsedAt = timePtr(lastUsed)
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkAssetUsed bumps the usage counter and last-used timestamp.
func (s *Store) MarkAssetUsed(ctx context.Context, id string, usedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE assets SET times_used = times_used + 1, last_used_at = $2, updated_at = NOW() WHERE id = $1
	`, id, usedAt)
	if err != nil {
		return fmt.Errorf("mark asset used: %w", err)
	}
	return nil
}

// KnownExternalIDs returns the set of external ids already imported for a
// model, used to skip duplicates during source refresh.
func (s *Store) KnownExternalIDs(ctx context.Context, modelID string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT external_id FROM assets WHERE model_id = $1 AND external_id <> ''
	`, modelID)
	if err != nil {
		return nil, fmt.Errorf("query external ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan external id: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}
