package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, asset_id, status, progress, error_message, engine, created_at, completed_at`

func scanJob(row pgx.Row) (*TranscriptionJob, error) {
	var j TranscriptionJob
	if err := row.Scan(&j.ID, &j.AssetID, &j.Status, &j.Progress, &j.ErrorMessage,
		&j.Engine, &j.CreatedAt, &j.CompletedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

// -----------------------------------------------------------------------------
// Transcription Job Methods
// -----------------------------------------------------------------------------

// ResetTranscriptionJob creates or replaces the asset's job row as a fresh QUEUED
// attempt with the given id, and deletes any segments from earlier attempts.
// Both writes happen in one transaction.
func (db *DB) ResetTranscriptionJob(ctx context.Context, assetID, jobID uuid.UUID, engine string) (*TranscriptionJob, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, wrapError(err, "begin transaction")
	}

	job, err := scanJob(tx.QueryRow(ctx,
		`INSERT INTO transcription_jobs (id, asset_id, status, progress, engine)
		 VALUES ($1, $2, 'QUEUED', 0, $3)
		 ON CONFLICT (asset_id) DO UPDATE
		 SET id = EXCLUDED.id, status = 'QUEUED', progress = 0, error_message = NULL,
		     engine = EXCLUDED.engine, created_at = NOW(), completed_at = NULL
		 RETURNING `+jobColumns,
		jobID, assetID, engine,
	))
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, wrapError(err, "reset transcription job")
	}

	if _, err := tx.Exec(ctx, `DELETE FROM transcript_segments WHERE asset_id = $1`, assetID); err != nil {
		_ = tx.Rollback(ctx)
		return nil, wrapError(err, "delete transcript segments")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrapError(err, "commit transcription job reset")
	}
	return job, nil
}

// GetTranscriptionJob retrieves a job by its ID
func (db *DB) GetTranscriptionJob(ctx context.Context, jobID uuid.UUID) (*TranscriptionJob, error) {
	job, err := scanJob(db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM transcription_jobs WHERE id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapError(err, "get transcription job")
	}
	return job, nil
}

// GetTranscriptionJobByAsset retrieves the live job for an asset
func (db *DB) GetTranscriptionJobByAsset(ctx context.Context, assetID uuid.UUID) (*TranscriptionJob, error) {
	job, err := scanJob(db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM transcription_jobs WHERE asset_id = $1`, assetID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapError(err, "get transcription job")
	}
	return job, nil
}

// UpdateTranscriptionProgress records progress for an active job and promotes
// QUEUED to RUNNING. Returns false without writing when percent is lower than
// the recorded value or the job is terminal or superseded.
func (db *DB) UpdateTranscriptionProgress(ctx context.Context, jobID uuid.UUID, percent int) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE transcription_jobs
		 SET progress = $2, status = 'RUNNING'
		 WHERE id = $1 AND status IN ('QUEUED', 'RUNNING') AND progress <= $2`,
		jobID, percent,
	)
	if err != nil {
		return false, wrapError(err, "update transcription progress")
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteTranscriptionJob marks an active job COMPLETED
func (db *DB) CompleteTranscriptionJob(ctx context.Context, jobID uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE transcription_jobs
		 SET status = 'COMPLETED', progress = 100, completed_at = NOW()
		 WHERE id = $1 AND status IN ('QUEUED', 'RUNNING')`,
		jobID,
	)
	if err != nil {
		return false, wrapError(err, "complete transcription job")
	}
	return tag.RowsAffected() == 1, nil
}

// FailTranscriptionJob marks an active job FAILED with an error message
func (db *DB) FailTranscriptionJob(ctx context.Context, jobID uuid.UUID, message string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE transcription_jobs
		 SET status = 'FAILED', error_message = $2, completed_at = NOW()
		 WHERE id = $1 AND status IN ('QUEUED', 'RUNNING')`,
		jobID, message,
	)
	if err != nil {
		return false, wrapError(err, "fail transcription job")
	}
	return tag.RowsAffected() == 1, nil
}
