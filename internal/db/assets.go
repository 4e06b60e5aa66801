package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const assetColumns = `id, account_id, storage_key, file_type, file_name, size_bytes, status,
	extracted_text, content_type, audience_tags, pain_tags, highlights, brand_voice,
	processing_note, run_id, created_at, updated_at, custom_created_at, last_reviewed_at, expires_at`

// scanAsset reads one row selected with assetColumns
func scanAsset(row pgx.Row) (*Asset, error) {
	var a Asset
	var highlights []byte
	err := row.Scan(&a.ID, &a.AccountID, &a.StorageKey, &a.FileType, &a.FileName, &a.SizeBytes, &a.Status,
		&a.ExtractedText, &a.ContentType, &a.AudienceTags, &a.PainTags, &highlights, &a.BrandVoice,
		&a.ProcessingNote, &a.RunID, &a.CreatedAt, &a.UpdatedAt, &a.CustomCreatedAt, &a.LastReviewedAt, &a.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if len(highlights) > 0 {
		if err := json.Unmarshal(highlights, &a.Highlights); err != nil {
			return nil, fmt.Errorf("failed to decode highlights for asset %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

// queryAsset runs a single-row asset query, mapping no rows to nil
func (db *DB) queryAsset(ctx context.Context, op, sql string, args ...any) (*Asset, error) {
	asset, err := scanAsset(db.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapError(err, op)
	}
	return asset, nil
}

// -----------------------------------------------------------------------------
// Asset Methods
// -----------------------------------------------------------------------------

// CreateAsset registers an uploaded object in PENDING state
func (db *DB) CreateAsset(ctx context.Context, input *AssetInput) (*Asset, error) {
	id := input.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return db.queryAsset(ctx, "create asset",
		`INSERT INTO assets (id, account_id, storage_key, file_type, file_name, size_bytes, status, expires_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5::text, ''), NULLIF($6::bigint, 0), 'PENDING', $7)
		 RETURNING `+assetColumns,
		id, input.AccountID, input.StorageKey, input.FileType, input.FileName, input.SizeBytes, input.ExpiresAt,
	)
}

// GetAsset retrieves an asset by ID
func (db *DB) GetAsset(ctx context.Context, id uuid.UUID) (*Asset, error) {
	return db.queryAsset(ctx, "get asset",
		`SELECT `+assetColumns+` FROM assets WHERE id = $1`, id)
}

// GetAssetForAccount retrieves an asset only if it belongs to the account
func (db *DB) GetAssetForAccount(ctx context.Context, id, accountID uuid.UUID) (*Asset, error) {
	return db.queryAsset(ctx, "get asset",
		`SELECT `+assetColumns+` FROM assets WHERE id = $1 AND account_id = $2`, id, accountID)
}

// ListAssets lists an account's assets, newest first, optionally filtered by status
func (db *DB) ListAssets(ctx context.Context, accountID uuid.UUID, status *string, limit int) ([]Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE account_id = $1`
	args := []any{accountID}

	if status != nil {
		query += " AND status = $2"
		args = append(args, *status)
	}
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapError(err, "list assets")
	}
	defer rows.Close()

	var assets []Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, wrapError(err, "scan asset")
		}
		assets = append(assets, *asset)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(err, "list assets")
	}
	return assets, nil
}

// BeginRun atomically moves an asset from one of the given statuses to PROCESSING
// and records runID as its current owner. Empty storageKey/fileType keep the
// stored values. Returns nil when no row matched (missing, foreign or wrong status).
func (db *DB) BeginRun(ctx context.Context, id, accountID, runID uuid.UUID, from []string, storageKey, fileType string) (*Asset, error) {
	return db.queryAsset(ctx, "begin run",
		`UPDATE assets
		 SET status = 'PROCESSING', processing_note = NULL, run_id = $4,
		     storage_key = COALESCE(NULLIF($5::text, ''), storage_key),
		     file_type = COALESCE(NULLIF($6::text, ''), file_type),
		     updated_at = NOW()
		 WHERE id = $1 AND account_id = $2 AND status = ANY($3)
		 RETURNING `+assetColumns,
		id, accountID, from, runID, storageKey, fileType,
	)
}

// Heartbeat refreshes updated_at while runID still owns the asset.
// A false result means the run was cancelled or superseded.
func (db *DB) Heartbeat(ctx context.Context, id, runID uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE assets SET updated_at = NOW()
		 WHERE id = $1 AND status = 'PROCESSING' AND run_id = $2`,
		id, runID,
	)
	if err != nil {
		return false, wrapError(err, "heartbeat run")
	}
	return tag.RowsAffected() == 1, nil
}

// FinalizeSuccess writes derived content and moves the asset to PROCESSED,
// only if runID is still the current owner.
func (db *DB) FinalizeSuccess(ctx context.Context, id, runID uuid.UUID, content *DerivedContent) (bool, error) {
	if content == nil {
		content = &DerivedContent{}
	}
	var highlights []byte
	if len(content.Highlights) > 0 {
		var err error
		highlights, err = json.Marshal(content.Highlights)
		if err != nil {
			return false, fmt.Errorf("failed to marshal highlights: %w", err)
		}
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE assets
		 SET status = 'PROCESSED', extracted_text = $3, content_type = $4, audience_tags = $5,
		     pain_tags = $6, highlights = $7, brand_voice = $8,
		     processing_note = NULL, run_id = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'PROCESSING' AND run_id = $2`,
		id, runID, content.ExtractedText, content.ContentType, content.AudienceTags,
		content.PainTags, highlights, content.BrandVoice,
	)
	if err != nil {
		return false, wrapError(err, "finalize asset")
	}
	return tag.RowsAffected() == 1, nil
}

// FinalizeFailure moves the asset to ERROR with a note, only if runID is still
// the current owner. Previously derived content is left untouched.
func (db *DB) FinalizeFailure(ctx context.Context, id, runID uuid.UUID, note string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE assets
		 SET status = 'ERROR', processing_note = $3, run_id = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'PROCESSING' AND run_id = $2`,
		id, runID, note,
	)
	if err != nil {
		return false, wrapError(err, "finalize asset")
	}
	return tag.RowsAffected() == 1, nil
}

// CancelRun moves a PROCESSING asset to ERROR with the given note and clears
// its owner. Returns false when the asset was not processing.
func (db *DB) CancelRun(ctx context.Context, id, accountID uuid.UUID, note string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE assets
		 SET status = 'ERROR', processing_note = $3, run_id = NULL, updated_at = NOW()
		 WHERE id = $1 AND account_id = $2 AND status = 'PROCESSING'`,
		id, accountID, note,
	)
	if err != nil {
		return false, wrapError(err, "cancel run")
	}
	return tag.RowsAffected() == 1, nil
}

// ApproveAsset promotes a PROCESSED asset to APPROVED
func (db *DB) ApproveAsset(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE assets
		 SET status = 'APPROVED', last_reviewed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'PROCESSED'`,
		id,
	)
	if err != nil {
		return false, wrapError(err, "approve asset")
	}
	return tag.RowsAffected() == 1, nil
}

// RecoverStaleAssets moves assets stuck in PROCESSING since before cutoff to ERROR
func (db *DB) RecoverStaleAssets(ctx context.Context, cutoff time.Time, note string) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE assets
		 SET status = 'ERROR', processing_note = $2, run_id = NULL, updated_at = NOW()
		 WHERE status = 'PROCESSING' AND updated_at < $1
		 RETURNING id`,
		cutoff, note,
	)
	if err != nil {
		return nil, wrapError(err, "recover stale assets")
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, wrapError(err, "scan recovered asset")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(err, "recover stale assets")
	}
	return ids, nil
}
