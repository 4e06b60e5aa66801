// Package transcription tracks long-running audio/video transcription jobs.
//
// Each asset has at most one job row. Begin replaces it with a fresh id, so
// every late write from a superseded attempt matches no row and is dropped.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/asset-pipeline/internal/db"
	"github.com/jonathan/asset-pipeline/internal/fetch"
	"github.com/jonathan/asset-pipeline/internal/storage"
	"github.com/jonathan/asset-pipeline/internal/worker"
)

// Defaults
const (
	DefaultMaxMediaBytes int64 = 100 << 20
	DefaultBatchSize           = 50
	maxErrorMessageChars       = 500
)

// Progress checkpoints of a background transcription
const (
	progressFetched     = 10
	progressTranscribed = 60
	progressAppended    = 95
)

// Store is the persistence used by the manager; *db.DB implements it.
type Store interface {
	ResetTranscriptionJob(ctx context.Context, assetID, jobID uuid.UUID, engine string) (*db.TranscriptionJob, error)
	GetTranscriptionJobByAsset(ctx context.Context, assetID uuid.UUID) (*db.TranscriptionJob, error)
	UpdateTranscriptionProgress(ctx context.Context, jobID uuid.UUID, percent int) (bool, error)
	CompleteTranscriptionJob(ctx context.Context, jobID uuid.UUID) (bool, error)
	FailTranscriptionJob(ctx context.Context, jobID uuid.UUID, message string) (bool, error)
	AppendSegments(ctx context.Context, jobID uuid.UUID, segments []db.SegmentInput) (int, error)
	CountSegments(ctx context.Context, assetID uuid.UUID) (int, error)
	ListSegments(ctx context.Context, assetID uuid.UUID) ([]db.TranscriptSegment, error)
}

// Submitter schedules background work; *worker.Pool implements it.
type Submitter interface {
	Submit(ctx context.Context, task worker.Task) error
}

// Config tunes a Manager. Zero values use the defaults.
type Config struct {
	MaxMediaBytes int64
	BatchSize     int
}

// Status is the polling view of an asset's transcription.
type Status struct {
	Job          *db.TranscriptionJob `json:"job"`
	SegmentCount int                  `json:"segment_count"`
}

// Manager creates transcription jobs and runs them on the worker pool.
type Manager struct {
	store       Store
	pool        Submitter
	resolver    storage.Resolver
	transcriber Transcriber
	fetchOpts   fetch.Options
	logger      *slog.Logger

	maxMediaBytes int64
	batchSize     int
}

// NewManager creates a manager.
func NewManager(store Store, pool Submitter, resolver storage.Resolver, transcriber Transcriber, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:         store,
		pool:          pool,
		resolver:      resolver,
		transcriber:   transcriber,
		fetchOpts:     *fetch.DefaultOptions(),
		logger:        logger,
		maxMediaBytes: cfg.MaxMediaBytes,
		batchSize:     cfg.BatchSize,
	}
	if m.maxMediaBytes <= 0 {
		m.maxMediaBytes = DefaultMaxMediaBytes
	}
	if m.batchSize <= 0 {
		m.batchSize = DefaultBatchSize
	}
	return m
}

// MaxMediaBytes returns the size ceiling enforced by Begin.
func (m *Manager) MaxMediaBytes() int64 {
	return m.maxMediaBytes
}

// Begin resets the asset's job to QUEUED with a fresh id, discards earlier
// segments and schedules the transcription. Media over the size ceiling is
// rejected with *TooLargeError before anything is written. An unknown size
// (zero) is looked up from storage first.
func (m *Manager) Begin(ctx context.Context, assetID uuid.UUID, storageKey, mimeType, fileName string, sizeBytes int64) (uuid.UUID, error) {
	if sizeBytes <= 0 {
		sizeBytes = m.storedSize(ctx, assetID, storageKey)
	}
	if sizeBytes > m.maxMediaBytes {
		return uuid.Nil, &TooLargeError{SizeBytes: sizeBytes, Limit: m.maxMediaBytes}
	}

	job, err := m.store.ResetTranscriptionJob(ctx, assetID, uuid.New(), m.transcriber.Name())
	if err != nil {
		return uuid.Nil, err
	}

	media := mediaRef{
		assetID:    assetID,
		storageKey: storageKey,
		mimeType:   mimeType,
		fileName:   fileName,
	}
	task := worker.Task{
		Name: "transcribe",
		Key:  assetID.String(),
		Run: func(ctx context.Context) error {
			return m.run(ctx, job.ID, media)
		},
	}
	if err := m.pool.Submit(ctx, task); err != nil {
		_, _ = m.Fail(context.WithoutCancel(ctx), job.ID, fmt.Errorf("could not schedule transcription: %w", err))
		return uuid.Nil, fmt.Errorf("failed to schedule transcription: %w", err)
	}

	m.logger.Info("transcription queued", "asset_id", assetID, "job_id", job.ID, "engine", job.Engine)
	return job.ID, nil
}

// storedSize asks storage for the object's length. It returns -1 when the
// size cannot be determined; the download limit still applies then.
func (m *Manager) storedSize(ctx context.Context, assetID uuid.UUID, storageKey string) int64 {
	if m.resolver == nil {
		return -1
	}
	url, err := m.resolver.DownloadURL(ctx, storageKey)
	if err != nil {
		m.logger.Warn("could not resolve media for size check", "asset_id", assetID, "error", err)
		return -1
	}
	size, err := fetch.Size(ctx, url, &m.fetchOpts)
	if err != nil {
		m.logger.Warn("could not determine media size", "asset_id", assetID, "error", err)
		return -1
	}
	return size
}

// ReportProgress records progress, clamped to [0,100]. Returns false without
// writing when percent is below the recorded value or the job is no longer active.
func (m *Manager) ReportProgress(ctx context.Context, jobID uuid.UUID, percent int) (bool, error) {
	percent = max(0, min(100, percent))
	return m.store.UpdateTranscriptionProgress(ctx, jobID, percent)
}

// AppendSegments appends an ordered batch to the job's transcript.
func (m *Manager) AppendSegments(ctx context.Context, jobID uuid.UUID, segments []Segment) error {
	inputs := make([]db.SegmentInput, 0, len(segments))
	for _, s := range segments {
		inputs = append(inputs, db.SegmentInput{
			Text:  fetch.StripInvalid(s.Text),
			Start: s.StartMs,
			End:   s.EndMs,
			Unit:  db.SegmentUnitMillis,
		})
	}

	if _, err := m.store.AppendSegments(ctx, jobID, inputs); err != nil {
		if errors.Is(err, db.ErrJobNotActive) {
			return &JobNotActiveError{JobID: jobID}
		}
		return err
	}
	return nil
}

// Complete marks the job COMPLETED.
func (m *Manager) Complete(ctx context.Context, jobID uuid.UUID) (bool, error) {
	return m.store.CompleteTranscriptionJob(ctx, jobID)
}

// Fail marks the job FAILED with a truncated description of cause.
func (m *Manager) Fail(ctx context.Context, jobID uuid.UUID, cause error) (bool, error) {
	msg := "transcription failed"
	if cause != nil {
		msg = truncate(cause.Error(), maxErrorMessageChars)
	}
	return m.store.FailTranscriptionJob(ctx, jobID, msg)
}

// AbortJob fails the job if it is still active. Returns false when the job
// already finished or was replaced by a newer attempt, which is left alone.
func (m *Manager) AbortJob(ctx context.Context, jobID uuid.UUID, reason string) (bool, error) {
	return m.store.FailTranscriptionJob(ctx, jobID, reason)
}

// GetStatus returns the asset's job and, once it is COMPLETED, the number of
// stored segments. Job is nil when the asset never had one.
func (m *Manager) GetStatus(ctx context.Context, assetID uuid.UUID) (*Status, error) {
	job, err := m.store.GetTranscriptionJobByAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	status := &Status{Job: job}
	if job == nil || job.Status != db.JobStatusCompleted {
		return status, nil
	}

	count, err := m.store.CountSegments(ctx, assetID)
	if err != nil {
		return nil, err
	}
	status.SegmentCount = count
	return status, nil
}

// Segments returns the transcript of a COMPLETED job in order, or nil when
// the transcript is not final yet.
func (m *Manager) Segments(ctx context.Context, assetID uuid.UUID) ([]db.TranscriptSegment, error) {
	job, err := m.store.GetTranscriptionJobByAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.Status != db.JobStatusCompleted {
		return nil, nil
	}
	return m.store.ListSegments(ctx, assetID)
}

// Transcript joins the segments of a COMPLETED job into plain text.
func (m *Manager) Transcript(ctx context.Context, assetID uuid.UUID) (string, error) {
	segments, err := m.Segments(ctx, assetID)
	if err != nil {
		return "", err
	}
	lines := make([]string, 0, len(segments))
	for _, s := range segments {
		if text := strings.TrimSpace(s.Text); text != "" {
			lines = append(lines, text)
		}
	}
	return strings.Join(lines, "\n"), nil
}

type mediaRef struct {
	assetID    uuid.UUID
	storageKey string
	mimeType   string
	fileName   string
}

// run is the background transcription. Every progress write doubles as a
// checkpoint: once it is rejected the job was cancelled or replaced and the
// task stops quietly.
func (m *Manager) run(ctx context.Context, jobID uuid.UUID, ref mediaRef) error {
	logger := m.logger.With("asset_id", ref.assetID, "job_id", jobID)
	start := time.Now()

	data, err := m.download(ctx, ref.storageKey)
	if err != nil {
		return m.failRun(ctx, logger, jobID, err)
	}
	if ok, err := m.ReportProgress(ctx, jobID, progressFetched); err != nil || !ok {
		return m.stopRun(logger, "fetched", err)
	}

	segments, err := m.transcriber.Transcribe(ctx, Media{MIMEType: ref.mimeType, FileName: ref.fileName, Data: data})
	if err != nil {
		return m.failRun(ctx, logger, jobID, &StageError{Stage: "transcribing", Message: "transcriber failed", Cause: err})
	}
	if ok, err := m.ReportProgress(ctx, jobID, progressTranscribed); err != nil || !ok {
		return m.stopRun(logger, "transcribed", err)
	}

	for i := 0; i < len(segments); i += m.batchSize {
		end := min(i+m.batchSize, len(segments))
		if err := m.AppendSegments(ctx, jobID, segments[i:end]); err != nil {
			var inactive *JobNotActiveError
			if errors.As(err, &inactive) {
				return m.stopRun(logger, "appending", nil)
			}
			return m.failRun(ctx, logger, jobID, &StageError{Stage: "storing", Message: "could not store segments", Cause: err})
		}

		percent := progressTranscribed + (progressAppended-progressTranscribed)*end/len(segments)
		if ok, err := m.ReportProgress(ctx, jobID, percent); err != nil || !ok {
			return m.stopRun(logger, "appending", err)
		}
	}

	ok, err := m.Complete(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return m.stopRun(logger, "completing", nil)
	}
	logger.Info("transcription completed", "segments", len(segments), "duration", time.Since(start))
	return nil
}

func (m *Manager) download(ctx context.Context, storageKey string) ([]byte, error) {
	url, err := m.resolver.DownloadURL(ctx, storageKey)
	if err != nil {
		return nil, &StageError{Stage: "retrieval", Message: "could not resolve storage key", Cause: err}
	}
	opts := m.fetchOpts
	opts.MaxBytes = m.maxMediaBytes
	obj, err := fetch.Get(ctx, url, &opts)
	if err != nil {
		return nil, &StageError{Stage: "retrieval", Message: "could not download media", Cause: err}
	}
	return obj.Body, nil
}

// failRun records err on the job. The write uses a detached context so a
// timed-out task still leaves a FAILED row behind.
func (m *Manager) failRun(ctx context.Context, logger *slog.Logger, jobID uuid.UUID, cause error) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if _, err := m.Fail(writeCtx, jobID, cause); err != nil {
		logger.Error("failed to record transcription failure", "error", err)
	}
	return cause
}

func (m *Manager) stopRun(logger *slog.Logger, stage string, err error) error {
	if err != nil {
		return err
	}
	logger.Info("transcription superseded, stopping", "stage", stage)
	return nil
}

// truncate shortens s to at most n runes
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "...(truncated)"
}
