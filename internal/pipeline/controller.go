// Package pipeline owns the asset processing state machine.
//
// Ownership of a run lives in the database: every transition is a single
// conditional UPDATE and a run keeps the asset only while assets.run_id holds
// its token. Cancellation and retries replace or clear that token, and the
// run notices at its next checkpoint.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/asset-pipeline/internal/db"
	"github.com/jonathan/asset-pipeline/internal/enrich"
	"github.com/jonathan/asset-pipeline/internal/extract"
	"github.com/jonathan/asset-pipeline/internal/transcription"
	"github.com/jonathan/asset-pipeline/internal/worker"
)

// Store is the persistence used by the controller; *db.DB implements it.
type Store interface {
	GetAsset(ctx context.Context, id uuid.UUID) (*db.Asset, error)
	GetAssetForAccount(ctx context.Context, id, accountID uuid.UUID) (*db.Asset, error)
	BeginRun(ctx context.Context, id, accountID, runID uuid.UUID, from []string, storageKey, fileType string) (*db.Asset, error)
	Heartbeat(ctx context.Context, id, runID uuid.UUID) (bool, error)
	FinalizeSuccess(ctx context.Context, id, runID uuid.UUID, content *db.DerivedContent) (bool, error)
	FinalizeFailure(ctx context.Context, id, runID uuid.UUID, note string) (bool, error)
	CancelRun(ctx context.Context, id, accountID uuid.UUID, note string) (bool, error)
	RecoverStaleAssets(ctx context.Context, cutoff time.Time, note string) ([]uuid.UUID, error)
	CreateAssetRun(ctx context.Context, runID, assetID uuid.UUID, trigger string) error
	CompleteAssetRun(ctx context.Context, runID uuid.UUID, outcome string, errorMsg *string) error
}

// Extractor is implemented by *extract.Dispatcher.
type Extractor interface {
	Extract(ctx context.Context, req extract.Request) (*extract.Content, error)
}

// Transcripts is implemented by *transcription.Manager.
type Transcripts interface {
	GetStatus(ctx context.Context, assetID uuid.UUID) (*transcription.Status, error)
	Transcript(ctx context.Context, assetID uuid.UUID) (string, error)
	AbortJob(ctx context.Context, jobID uuid.UUID, reason string) (bool, error)
}

// Enricher is implemented by *enrich.Invoker.
type Enricher interface {
	Enrich(ctx context.Context, in enrich.Input) (*enrich.Metadata, error)
}

// Submitter is implemented by *worker.Pool.
type Submitter interface {
	Submit(ctx context.Context, task worker.Task) error
}

// StartRequest triggers processing. Empty StorageKey and DeclaredType keep
// the values stored on the asset.
type StartRequest struct {
	AssetID      uuid.UUID
	AccountID    uuid.UUID
	StorageKey   string
	DeclaredType string
	Trigger      string
}

// StartResult reports whether a new run was accepted.
type StartResult struct {
	Accepted       bool      `json:"accepted"`
	AlreadyRunning bool      `json:"already_running"`
	RunID          uuid.UUID `json:"run_id,omitempty"`
}

// CancelResult reports the outcome of a cancel request.
type CancelResult struct {
	Cancelled bool   `json:"cancelled"`
	Message   string `json:"message"`
}

// Config tunes the controller.
type Config struct {
	// PollInterval is how often a run checks a pending transcription.
	PollInterval time.Duration
	// TranscriptionTimeout bounds how long a run waits for a transcription.
	TranscriptionTimeout time.Duration
}

// Defaults
const (
	DefaultPollInterval         = 2 * time.Second
	DefaultTranscriptionTimeout = 30 * time.Minute
)

// Controller starts, cancels and finalizes processing runs.
type Controller struct {
	store       Store
	extractor   Extractor
	transcripts Transcripts
	enricher    Enricher
	pool        Submitter
	cfg         Config
	logger      *slog.Logger
	onProgress  ProgressCallback
	now         func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithProgress registers a callback for run progress events.
func WithProgress(fn ProgressCallback) Option {
	return func(c *Controller) { c.onProgress = fn }
}

// WithClock overrides the clock used by RecoverStale.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates a controller.
func NewController(store Store, extractor Extractor, transcripts Transcripts, enricher Enricher, pool Submitter, cfg Config, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.TranscriptionTimeout <= 0 {
		cfg.TranscriptionTimeout = DefaultTranscriptionTimeout
	}
	c := &Controller{
		store:       store,
		extractor:   extractor,
		transcripts: transcripts,
		enricher:    enricher,
		pool:        pool,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// StartProcessing moves a PENDING or ERROR asset to PROCESSING and queues a
// run. When the asset is already PROCESSING the call is a no-op reporting
// AlreadyRunning.
func (c *Controller) StartProcessing(ctx context.Context, req StartRequest) (*StartResult, error) {
	if req.Trigger == "" {
		req.Trigger = db.RunTriggerStart
	}
	return c.start(ctx, req, db.StartableStatuses)
}

// RetryProcessing re-runs an asset with its stored storage key and type.
// PROCESSED assets may be retried; their derived content is overwritten.
func (c *Controller) RetryProcessing(ctx context.Context, assetID, accountID uuid.UUID) (*StartResult, error) {
	return c.start(ctx, StartRequest{AssetID: assetID, AccountID: accountID, Trigger: db.RunTriggerRetry}, db.RetryableStatuses)
}

func (c *Controller) start(ctx context.Context, req StartRequest, from []string) (*StartResult, error) {
	runID := uuid.New()
	var asset *db.Asset
	for attempt := 0; ; attempt++ {
		var err error
		asset, err = c.store.BeginRun(ctx, req.AssetID, req.AccountID, runID, from, req.StorageKey, req.DeclaredType)
		if err != nil {
			return nil, err
		}
		if asset != nil {
			break
		}
		current, err := c.store.GetAssetForAccount(ctx, req.AssetID, req.AccountID)
		if err != nil {
			return nil, err
		}
		switch {
		case current == nil:
			return nil, &NotFoundError{AssetID: req.AssetID}
		case current.Status == db.AssetStatusProcessing:
			c.logger.Info("asset already processing", "asset_id", req.AssetID)
			return &StartResult{AlreadyRunning: true}, nil
		case attempt == 0 && canStart(current.Status, from):
			// a run finished between the update and the read
			continue
		default:
			return nil, &InvalidStateError{AssetID: req.AssetID, Operation: "process", Status: current.Status}
		}
	}

	logger := c.logger.With("asset_id", asset.ID, "run_id", runID)
	if err := c.store.CreateAssetRun(ctx, runID, asset.ID, req.Trigger); err != nil {
		logger.Warn("failed to record run start", "error", err)
	}

	task := worker.Task{
		Name: "process_asset",
		Key:  asset.ID.String(),
		Run: func(ctx context.Context) error {
			return c.run(ctx, asset, runID)
		},
	}
	if err := c.pool.Submit(ctx, task); err != nil {
		logger.Error("failed to queue run", "error", err)
		c.Finalize(context.WithoutCancel(ctx), asset.ID, runID, nil, fmt.Errorf("could not schedule processing: %w", err))
		return nil, fmt.Errorf("failed to queue processing: %w", err)
	}

	logger.Info("processing accepted", "trigger", req.Trigger, "file_type", asset.FileType)
	return &StartResult{Accepted: true, RunID: runID}, nil
}

func canStart(status string, from []string) bool {
	return slices.Contains(from, status) && db.CanTransition(status, db.AssetStatusProcessing)
}

// CancelProcessing moves a PROCESSING asset to ERROR with CancelNote and
// invalidates its run, which stops at its next checkpoint. Returns
// *InvalidStateError when nothing was running.
func (c *Controller) CancelProcessing(ctx context.Context, assetID, accountID uuid.UUID) (*CancelResult, error) {
	current, err := c.store.GetAssetForAccount(ctx, assetID, accountID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, &NotFoundError{AssetID: assetID}
	}
	// only the job live before the cancel is stopped; a retry may start another
	var jobID uuid.UUID
	if current.Status == db.AssetStatusProcessing {
		jobID = c.activeJob(ctx, assetID)
	}

	ok, err := c.store.CancelRun(ctx, assetID, accountID, CancelNote)
	if err != nil {
		return nil, err
	}
	if !ok {
		status := current.Status
		if status == db.AssetStatusProcessing {
			// finished between the read and the cancel
			if latest, err := c.store.GetAsset(ctx, assetID); err == nil && latest != nil {
				status = latest.Status
			}
		}
		return nil, &InvalidStateError{AssetID: assetID, Operation: "cancel", Status: status}
	}

	logger := c.logger.With("asset_id", assetID)
	if current.RunID != nil {
		logger = logger.With("run_id", *current.RunID)
		if err := c.store.CompleteAssetRun(ctx, *current.RunID, db.RunOutcomeCancelled, nil); err != nil {
			logger.Warn("failed to record run cancellation", "error", err)
		}
	}
	if jobID != uuid.Nil {
		c.abortTranscription(ctx, assetID, jobID, "cancelled")
	}

	logger.Info("processing cancelled")
	return &CancelResult{Cancelled: true, Message: CancelNote}, nil
}

// Finalize ends a run: PROCESSED with derived content when runErr is nil,
// otherwise ERROR with a note describing runErr. When the results cannot be
// written the asset moves to ERROR with SaveFailedNote. It only applies while
// runID still owns the asset and reports whether it did.
func (c *Controller) Finalize(ctx context.Context, assetID, runID uuid.UUID, content *db.DerivedContent, runErr error) bool {
	_, applied := c.finalize(ctx, assetID, runID, content, runErr)
	return applied
}

// finalize also returns the recorded run outcome.
func (c *Controller) finalize(ctx context.Context, assetID, runID uuid.UUID, content *db.DerivedContent, runErr error) (string, bool) {
	logger := c.logger.With("asset_id", assetID, "run_id", runID)

	var (
		applied bool
		err     error
		outcome = db.RunOutcomeProcessed
		note    *string
	)
	if runErr == nil {
		applied, err = c.store.FinalizeSuccess(ctx, assetID, runID, content)
	} else {
		msg := ErrorNote(runErr)
		outcome, note = db.RunOutcomeError, &msg
		applied, err = c.store.FinalizeFailure(ctx, assetID, runID, msg)
	}
	if err != nil && runErr == nil {
		logger.Error("failed to save run results", "error", err)
		msg := SaveFailedNote
		outcome, note = db.RunOutcomeError, &msg
		applied, err = c.store.FinalizeFailure(ctx, assetID, runID, msg)
	}
	if err != nil {
		// the recovery sweep moves the asset to ERROR later
		logger.Error("failed to finalize run", "error", err, "run_error", runErr)
		return "", false
	}
	if !applied {
		logger.Info("run superseded, result discarded")
		outcome, note = db.RunOutcomeSuperseded, nil
	}

	if err := c.store.CompleteAssetRun(ctx, runID, outcome, note); err != nil {
		logger.Warn("failed to record run outcome", "error", err)
	}
	return outcome, applied
}

// RecoverStale moves assets stuck in PROCESSING for longer than olderThan to
// ERROR with InterruptedNote and stops transcriptions started before the
// cutoff.
func (c *Controller) RecoverStale(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error) {
	cutoff := c.now().Add(-olderThan)
	ids, err := c.store.RecoverStaleAssets(ctx, cutoff, InterruptedNote)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if c.transcripts == nil {
			break
		}
		status, err := c.transcripts.GetStatus(ctx, id)
		if err != nil {
			c.logger.Warn("failed to read transcription of recovered asset", "asset_id", id, "error", err)
			continue
		}
		if job := status.Job; job != nil && !job.IsTerminal() && job.CreatedAt.Before(cutoff) {
			c.abortTranscription(ctx, id, job.ID, "interrupted")
		}
	}
	if len(ids) > 0 {
		c.logger.Warn("recovered stale assets", "count", len(ids), "older_than", olderThan)
	}
	return ids, nil
}

// activeJob returns the id of the asset's QUEUED or RUNNING transcription
// job, or uuid.Nil.
func (c *Controller) activeJob(ctx context.Context, assetID uuid.UUID) uuid.UUID {
	if c.transcripts == nil {
		return uuid.Nil
	}
	status, err := c.transcripts.GetStatus(ctx, assetID)
	if err != nil {
		c.logger.Warn("failed to read transcription", "asset_id", assetID, "error", err)
		return uuid.Nil
	}
	if status.Job == nil || status.Job.IsTerminal() {
		return uuid.Nil
	}
	return status.Job.ID
}

// abortTranscription fails jobID if it is still active. Newer jobs of the
// same asset are left alone.
func (c *Controller) abortTranscription(ctx context.Context, assetID, jobID uuid.UUID, reason string) {
	if c.transcripts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	logger := c.logger.With("asset_id", assetID, "job_id", jobID)
	aborted, err := c.transcripts.AbortJob(ctx, jobID, reason)
	switch {
	case err != nil:
		logger.Warn("failed to stop transcription", "error", err)
	case aborted:
		logger.Info("transcription stopped", "reason", reason)
	}
}
