package db

import (
	"context"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Asset Run Methods
// -----------------------------------------------------------------------------

// CreateAssetRun records the start of a processing run
func (db *DB) CreateAssetRun(ctx context.Context, runID, assetID uuid.UUID, trigger string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO asset_runs (id, asset_id, trigger) VALUES ($1, $2, $3)`,
		runID, assetID, trigger,
	)
	if err != nil {
		return wrapError(err, "create asset run")
	}
	return nil
}

// CompleteAssetRun records a run's outcome and duration. Runs that already
// have an outcome are left unchanged.
func (db *DB) CompleteAssetRun(ctx context.Context, runID uuid.UUID, outcome string, errorMsg *string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE asset_runs
		 SET outcome = $2, error_message = $3, finished_at = NOW(),
		     duration_ms = (EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000)::int
		 WHERE id = $1 AND outcome IS NULL`,
		runID, outcome, errorMsg,
	)
	if err != nil {
		return wrapError(err, "complete asset run")
	}
	return nil
}

// ListAssetRuns returns the most recent runs for an asset, newest first
func (db *DB) ListAssetRuns(ctx context.Context, assetID uuid.UUID, limit int) ([]AssetRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, asset_id, trigger, outcome, started_at, finished_at, duration_ms, error_message
		 FROM asset_runs
		 WHERE asset_id = $1
		 ORDER BY started_at DESC
		 LIMIT $2`,
		assetID, limit,
	)
	if err != nil {
		return nil, wrapError(err, "list asset runs")
	}
	defer rows.Close()

	var runs []AssetRun
	for rows.Next() {
		var r AssetRun
		if err := rows.Scan(&r.ID, &r.AssetID, &r.Trigger, &r.Outcome, &r.StartedAt,
			&r.FinishedAt, &r.DurationMs, &r.ErrorMessage); err != nil {
			return nil, wrapError(err, "scan asset run")
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(err, "list asset runs")
	}
	return runs, nil
}
