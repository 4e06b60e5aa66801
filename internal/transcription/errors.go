package transcription

import (
	"fmt"

	"github.com/google/uuid"
)

// TooLargeError is returned by Begin when media exceeds the size ceiling.
// No job row is written.
type TooLargeError struct {
	SizeBytes int64
	Limit     int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("media is %d MB, the limit is %d MB", e.SizeBytes>>20, e.Limit>>20)
}

// JobNotActiveError is returned when a write targets a job that finished or
// was replaced by a newer attempt.
type JobNotActiveError struct {
	JobID uuid.UUID
}

func (e *JobNotActiveError) Error() string {
	return fmt.Sprintf("transcription job %s is no longer active", e.JobID)
}

// StageError reports which step of a background transcription failed.
type StageError struct {
	Stage   string
	Message string
	Cause   error
}

func (e *StageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}
