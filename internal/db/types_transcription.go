package db

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus constants
const (
	JobStatusQueued    = "QUEUED"
	JobStatusRunning   = "RUNNING"
	JobStatusCompleted = "COMPLETED"
	JobStatusFailed    = "FAILED"
)

// Segment position units
const (
	SegmentUnitMillis = "ms"
	SegmentUnitPage   = "page"
)

// TranscriptionJob tracks one audio/video extraction attempt for an asset
type TranscriptionJob struct {
	ID           uuid.UUID  `json:"id"`
	AssetID      uuid.UUID  `json:"asset_id"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	Engine       string     `json:"engine"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the job reached COMPLETED or FAILED.
func (j *TranscriptionJob) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// TranscriptSegment is one ordered span of transcribed speech
type TranscriptSegment struct {
	AssetID uuid.UUID `json:"asset_id"`
	Seq     int       `json:"seq"`
	Text    string    `json:"text"`
	Start   int       `json:"start"`
	End     int       `json:"end"`
	Unit    string    `json:"unit"`
}

// SegmentInput represents input for appending a transcript segment
type SegmentInput struct {
	Text  string
	Start int
	End   int
	Unit  string
}

// AssetRun outcome constants
const (
	RunOutcomeProcessed  = "processed"
	RunOutcomeError      = "error"
	RunOutcomeCancelled  = "cancelled"
	RunOutcomeSuperseded = "superseded"
)

// AssetRun trigger constants
const (
	RunTriggerStart = "start"
	RunTriggerRetry = "retry"
	RunTriggerCLI   = "cli"
)

// AssetRun is the audit record of one processing run
type AssetRun struct {
	ID           uuid.UUID  `json:"id"`
	AssetID      uuid.UUID  `json:"asset_id"`
	Trigger      string     `json:"trigger"`
	Outcome      *string    `json:"outcome,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	DurationMs   *int       `json:"duration_ms,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}
