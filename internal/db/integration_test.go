//go:build integration
// +build integration

package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB starts a disposable PostgreSQL container and applies the embedded migrations
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "assets",
				"POSTGRES_PASSWORD": "assets",
				"POSTGRES_DB":       "assets_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("Skipping integration test: failed to start postgres container: %v", err)
	}

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	databaseURL := fmt.Sprintf("postgres://assets:assets@%s:%s/assets_test?sslmode=disable", host, port.Port())

	require.NoError(t, MigrateUp(databaseURL))

	db, err := Connect(ctx, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
		_ = container.Terminate(ctx)
	})
	return db
}

func createTestAsset(t *testing.T, db *DB, fileType string) *Asset {
	t.Helper()
	asset, err := db.CreateAsset(context.Background(), &AssetInput{
		AccountID:  uuid.New(),
		StorageKey: "uploads/" + uuid.NewString(),
		FileType:   fileType,
		FileName:   "sample",
	})
	require.NoError(t, err)
	require.NotNil(t, asset)
	return asset
}

func TestAssetLifecycle_Integration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	asset := createTestAsset(t, db, "application/pdf")
	assert.Equal(t, AssetStatusPending, asset.Status)
	assert.Nil(t, asset.SizeBytes)

	runID := uuid.New()
	started, err := db.BeginRun(ctx, asset.ID, asset.AccountID, runID, StartableStatuses, "", "")
	require.NoError(t, err)
	require.NotNil(t, started)
	assert.Equal(t, AssetStatusProcessing, started.Status)

	// Second start loses the race
	again, err := db.BeginRun(ctx, asset.ID, asset.AccountID, uuid.New(), StartableStatuses, "", "")
	require.NoError(t, err)
	assert.Nil(t, again)

	alive, err := db.Heartbeat(ctx, asset.ID, runID)
	require.NoError(t, err)
	assert.True(t, alive)

	text := "Quarterly report"
	ok, err := db.FinalizeSuccess(ctx, asset.ID, runID, &DerivedContent{
		ExtractedText: &text,
		PainTags:      []string{"cost", "speed"},
		Highlights:    []Highlight{{Text: "Revenue up 20%", Type: "metric"}},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := db.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, AssetStatusProcessed, got.Status)
	assert.Nil(t, got.RunID)
	assert.Equal(t, []string{"cost", "speed"}, got.PainTags)
	require.Len(t, got.Highlights, 1)
	assert.Equal(t, "metric", got.Highlights[0].Type)

	approved, err := db.ApproveAsset(ctx, asset.ID)
	require.NoError(t, err)
	assert.True(t, approved)

	// Approved assets are not retryable
	retried, err := db.BeginRun(ctx, asset.ID, asset.AccountID, uuid.New(), RetryableStatuses, "", "")
	require.NoError(t, err)
	assert.Nil(t, retried)
}

func TestCancelThenStaleFinalize_Integration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	asset := createTestAsset(t, db, "image/png")

	runID := uuid.New()
	_, err := db.BeginRun(ctx, asset.ID, asset.AccountID, runID, StartableStatuses, "", "")
	require.NoError(t, err)

	cancelled, err := db.CancelRun(ctx, asset.ID, asset.AccountID, "cancelled by user")
	require.NoError(t, err)
	assert.True(t, cancelled)

	alive, err := db.Heartbeat(ctx, asset.ID, runID)
	require.NoError(t, err)
	assert.False(t, alive)

	ok, err := db.FinalizeSuccess(ctx, asset.ID, runID, &DerivedContent{})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := db.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, AssetStatusError, got.Status)
	require.NotNil(t, got.ProcessingNote)
	assert.Equal(t, "cancelled by user", *got.ProcessingNote)
}

func TestPainTagLimit_Integration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	asset := createTestAsset(t, db, "text/plain")

	runID := uuid.New()
	_, err := db.BeginRun(ctx, asset.ID, asset.AccountID, runID, StartableStatuses, "", "")
	require.NoError(t, err)

	_, err = db.FinalizeSuccess(ctx, asset.ID, runID, &DerivedContent{PainTags: []string{"a", "b", "c", "d"}})
	var cerr *ConstraintError
	assert.ErrorAs(t, err, &cerr)
}

func TestTranscriptionSegments_Integration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	asset := createTestAsset(t, db, "audio/mpeg")

	first := uuid.New()
	_, err := db.ResetTranscriptionJob(ctx, asset.ID, first, "gemini")
	require.NoError(t, err)

	// QUEUED jobs reject appends until progress marks them RUNNING
	_, err = db.AppendSegments(ctx, first, []SegmentInput{{Text: "early"}})
	assert.ErrorIs(t, err, ErrJobNotActive)

	ok, err := db.UpdateTranscriptionProgress(ctx, first, 10)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := db.AppendSegments(ctx, first, []SegmentInput{{Text: "one", End: 1000}, {Text: "two", Start: 1000, End: 2000}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = db.AppendSegments(ctx, first, []SegmentInput{{Text: "three", Start: 2000, End: 3000}})
	require.NoError(t, err)

	segments, err := db.ListSegments(ctx, asset.ID)
	require.NoError(t, err)
	require.Len(t, segments, 3)
	for i, s := range segments {
		assert.Equal(t, i, s.Seq)
	}

	ok, err = db.UpdateTranscriptionProgress(ctx, first, 5)
	require.NoError(t, err)
	assert.False(t, ok, "progress must not regress")

	// A retry supersedes the first job and clears its segments
	second := uuid.New()
	_, err = db.ResetTranscriptionJob(ctx, asset.ID, second, "gemini")
	require.NoError(t, err)

	_, err = db.AppendSegments(ctx, first, []SegmentInput{{Text: "stale"}})
	assert.ErrorIs(t, err, ErrJobNotActive)

	count, err := db.CountSegments(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	ok, err = db.CompleteTranscriptionJob(ctx, second)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = db.FailTranscriptionJob(ctx, second, "too late")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecoverStaleAssets_Integration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	asset := createTestAsset(t, db, "application/pdf")

	_, err := db.BeginRun(ctx, asset.ID, asset.AccountID, uuid.New(), StartableStatuses, "", "")
	require.NoError(t, err)

	ids, err := db.RecoverStaleAssets(ctx, time.Now().Add(time.Minute), "interrupted")
	require.NoError(t, err)
	assert.Contains(t, ids, asset.ID)

	got, err := db.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, AssetStatusError, got.Status)
	assert.Nil(t, got.RunID)
}
