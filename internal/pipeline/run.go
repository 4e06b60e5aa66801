package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/asset-pipeline/internal/db"
	"github.com/jonathan/asset-pipeline/internal/enrich"
	"github.com/jonathan/asset-pipeline/internal/extract"
)

// Run stages reported in progress events
const (
	StageStarted      = "started"
	StageExtracting   = "extracting"
	StageTranscribing = "transcribing"
	StageEnriching    = "enriching"
	StageProcessed    = "processed"
	StageFailed       = "failed"
	StageStopped      = "stopped"
)

// ProgressEvent describes a step of a run.
type ProgressEvent struct {
	AssetID  uuid.UUID `json:"asset_id"`
	RunID    uuid.UUID `json:"run_id"`
	Stage    string    `json:"stage"`
	Message  string    `json:"message,omitempty"`
	Progress int       `json:"progress,omitempty"`
}

// ProgressCallback is called for each progress event of a run
type ProgressCallback func(event ProgressEvent)

// errSuperseded stops a run that lost ownership of its asset
var errSuperseded = errors.New("run no longer owns the asset")

// run executes extraction, enrichment and finalization for one asset. It
// stops without finalizing as soon as a checkpoint shows the run was
// cancelled or superseded.
func (c *Controller) run(ctx context.Context, asset *db.Asset, runID uuid.UUID) error {
	logger := c.logger.With("asset_id", asset.ID, "run_id", runID)
	start := time.Now()
	c.emit(asset.ID, runID, StageStarted, "", 0)

	content, err := c.execute(ctx, logger, asset, runID)
	if errors.Is(err, errSuperseded) {
		logger.Info("run stopped at checkpoint", "duration", time.Since(start))
		c.emit(asset.ID, runID, StageStopped, "run was cancelled or superseded", 0)
		if err := c.store.CompleteAssetRun(context.WithoutCancel(ctx), runID, db.RunOutcomeSuperseded, nil); err != nil {
			logger.Warn("failed to record run outcome", "error", err)
		}
		return nil
	}

	// finalize even when the task context expired
	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err != nil {
		logger.Warn("run failed", "error", err, "duration", time.Since(start))
		if c.Finalize(finalizeCtx, asset.ID, runID, nil, err) {
			c.emit(asset.ID, runID, StageFailed, ErrorNote(err), 0)
		}
		return nil
	}

	outcome, applied := c.finalize(finalizeCtx, asset.ID, runID, content, nil)
	switch {
	case !applied:
		c.emit(asset.ID, runID, StageStopped, "run was cancelled or superseded", 0)
	case outcome == db.RunOutcomeError:
		c.emit(asset.ID, runID, StageFailed, SaveFailedNote, 0)
	default:
		logger.Info("run processed", "duration", time.Since(start))
		c.emit(asset.ID, runID, StageProcessed, "", 100)
	}
	return nil
}

func (c *Controller) execute(ctx context.Context, logger *slog.Logger, asset *db.Asset, runID uuid.UUID) (*db.DerivedContent, error) {
	if err := c.checkpoint(ctx, asset.ID, runID); err != nil {
		return nil, err
	}

	c.emit(asset.ID, runID, StageExtracting, asset.FileType, 0)
	req := extract.Request{
		AssetID:      asset.ID,
		StorageKey:   asset.StorageKey,
		DeclaredType: asset.FileType,
	}
	if asset.FileName != nil {
		req.FileName = *asset.FileName
	}
	if asset.SizeBytes != nil {
		req.SizeBytes = *asset.SizeBytes
	}
	content, err := c.extractor.Extract(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.checkpoint(ctx, asset.ID, runID); err != nil {
		if content.Pending != nil {
			c.abortTranscription(ctx, asset.ID, content.Pending.JobID, stopReason(err))
		}
		return nil, err
	}

	text := content.Text
	if content.Pending != nil {
		logger.Info("waiting for transcription", "job_id", content.Pending.JobID)
		text, err = c.awaitTranscript(ctx, asset.ID, runID, content.Pending.JobID)
		if err != nil {
			return nil, err
		}
	}

	if err := c.checkpoint(ctx, asset.ID, runID); err != nil {
		return nil, err
	}
	c.emit(asset.ID, runID, StageEnriching, "", 0)
	md, err := c.enricher.Enrich(ctx, enrich.Input{
		Family:           content.Family,
		Text:             text,
		ImageDescription: content.ImageDescription,
	})
	if err != nil {
		return nil, err
	}

	if err := c.checkpoint(ctx, asset.ID, runID); err != nil {
		return nil, err
	}
	return &db.DerivedContent{
		ExtractedText: &text,
		ContentType:   md.ContentType,
		AudienceTags:  md.AudienceTags,
		PainTags:      md.PainTags,
		Highlights:    md.Highlights,
		BrandVoice:    md.BrandVoice,
	}, nil
}

// checkpoint refreshes the run's heartbeat and returns errSuperseded once the
// run no longer owns the asset
func (c *Controller) checkpoint(ctx context.Context, assetID, runID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	owned, err := c.store.Heartbeat(ctx, assetID, runID)
	if err != nil {
		return err
	}
	if !owned {
		return errSuperseded
	}
	return nil
}

// stopReason names why a run gave up on its transcription job
func stopReason(err error) string {
	switch {
	case errors.Is(err, errSuperseded):
		return "cancelled"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "interrupted"
	default:
		return "run failed"
	}
}

// awaitTranscript polls the transcription job until it finishes. Each poll is
// a checkpoint. The job is failed when the run stops waiting before it ends.
func (c *Controller) awaitTranscript(ctx context.Context, assetID, runID, jobID uuid.UUID) (string, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.cfg.TranscriptionTimeout)
	defer deadline.Stop()

	lastProgress := -1
	for {
		select {
		case <-ctx.Done():
			c.abortTranscription(ctx, assetID, jobID, "interrupted")
			return "", ctx.Err()
		case <-deadline.C:
			c.abortTranscription(ctx, assetID, jobID, "timed out")
			return "", &extract.ExtractionError{
				Family:  extract.FamilyMedia,
				Message: fmt.Sprintf("transcription did not finish within %s", c.cfg.TranscriptionTimeout),
			}
		case <-ticker.C:
		}

		if err := c.checkpoint(ctx, assetID, runID); err != nil {
			c.abortTranscription(ctx, assetID, jobID, stopReason(err))
			return "", err
		}
		status, err := c.transcripts.GetStatus(ctx, assetID)
		if err != nil {
			c.abortTranscription(ctx, assetID, jobID, stopReason(err))
			return "", err
		}
		job := status.Job
		if job == nil || job.ID != jobID {
			return "", &extract.ExtractionError{Family: extract.FamilyMedia, Message: "transcription job was replaced"}
		}

		switch job.Status {
		case db.JobStatusCompleted:
			text, err := c.transcripts.Transcript(ctx, assetID)
			if err != nil {
				return "", err
			}
			if text == "" {
				return "", &extract.ExtractionError{Family: extract.FamilyMedia, Message: "recording contains no transcribable speech"}
			}
			return text, nil
		case db.JobStatusFailed:
			msg := "transcription failed"
			if job.ErrorMessage != nil {
				msg += ": " + *job.ErrorMessage
			}
			return "", &extract.ExtractionError{Family: extract.FamilyMedia, Message: msg}
		default:
			if job.Progress != lastProgress {
				lastProgress = job.Progress
				c.emit(assetID, runID, StageTranscribing, job.Status, job.Progress)
			}
		}
	}
}

func (c *Controller) emit(assetID, runID uuid.UUID, stage, message string, progress int) {
	if c.onProgress == nil {
		return
	}
	c.onProgress(ProgressEvent{AssetID: assetID, RunID: runID, Stage: stage, Message: message, Progress: progress})
}
