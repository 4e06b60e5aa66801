package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var segmentCopyColumns = []string{"asset_id", "seq", "text", "start_pos", "end_pos", "unit"}

// -----------------------------------------------------------------------------
// Transcript Segment Methods
// -----------------------------------------------------------------------------

// AppendSegments appends segments after the asset's last stored segment.
// The job must be RUNNING; the job row is locked for the duration so
// concurrent appends for the same job are serialized in submission order.
// Returns ErrJobNotActive when the job is terminal or superseded.
func (db *DB) AppendSegments(ctx context.Context, jobID uuid.UUID, segments []SegmentInput) (int, error) {
	if len(segments) == 0 {
		return 0, nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, wrapError(err, "begin transaction")
	}

	var assetID uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT asset_id FROM transcription_jobs WHERE id = $1 AND status = 'RUNNING' FOR UPDATE`,
		jobID,
	).Scan(&assetID)
	if err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrJobNotActive
		}
		return 0, wrapError(err, "lock transcription job")
	}

	var next int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM transcript_segments WHERE asset_id = $1`,
		assetID,
	).Scan(&next); err != nil {
		_ = tx.Rollback(ctx)
		return 0, wrapError(err, "read next segment sequence")
	}

	rows := make([][]any, len(segments))
	for i, s := range segments {
		unit := s.Unit
		if unit == "" {
			unit = SegmentUnitMillis
		}
		rows[i] = []any{assetID, next + i, s.Text, s.Start, s.End, unit}
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"transcript_segments"}, segmentCopyColumns, pgx.CopyFromRows(rows)); err != nil {
		_ = tx.Rollback(ctx)
		return 0, wrapError(err, "append transcript segments")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, wrapError(err, "commit transcript segments")
	}
	return len(segments), nil
}

// CountSegments returns the number of stored segments for an asset
func (db *DB) CountSegments(ctx context.Context, assetID uuid.UUID) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM transcript_segments WHERE asset_id = $1`, assetID,
	).Scan(&count)
	if err != nil {
		return 0, wrapError(err, "count transcript segments")
	}
	return count, nil
}

// ListSegments returns an asset's segments in transcript order
func (db *DB) ListSegments(ctx context.Context, assetID uuid.UUID) ([]TranscriptSegment, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT asset_id, seq, text, start_pos, end_pos, unit
		 FROM transcript_segments
		 WHERE asset_id = $1
		 ORDER BY seq`,
		assetID,
	)
	if err != nil {
		return nil, wrapError(err, "list transcript segments")
	}
	defer rows.Close()

	var segments []TranscriptSegment
	for rows.Next() {
		var s TranscriptSegment
		if err := rows.Scan(&s.AssetID, &s.Seq, &s.Text, &s.Start, &s.End, &s.Unit); err != nil {
			return nil, wrapError(err, "scan transcript segment")
		}
		segments = append(segments, s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(err, "list transcript segments")
	}
	return segments, nil
}
