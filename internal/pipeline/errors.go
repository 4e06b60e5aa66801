package pipeline

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonathan/asset-pipeline/internal/enrich"
	"github.com/jonathan/asset-pipeline/internal/extract"
	"github.com/jonathan/asset-pipeline/internal/fetch"
	"github.com/jonathan/asset-pipeline/internal/transcription"
)

// NotFoundError is returned when the asset does not exist or belongs to
// another account.
type NotFoundError struct {
	AssetID uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("asset %s not found", e.AssetID)
}

// InvalidStateError is returned when an operation is not valid for the
// asset's current status. No state was changed.
type InvalidStateError struct {
	AssetID   uuid.UUID
	Operation string
	Status    string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s asset %s in status %s", e.Operation, e.AssetID, e.Status)
}

// Fixed processing notes
const (
	CancelNote      = "Processing was cancelled by user. You can retry processing at any time."
	InterruptedNote = "Processing was interrupted. Please retry."
	NotRunningNote  = "Asset is not currently processing"
	SaveFailedNote  = "Processing finished but the results could not be saved. Please retry."
	maxNoteChars    = 500
	truncatedSuffix = "...(truncated)"
)

// ErrorNote renders a run failure as the user-facing processing note,
// prefixed by failure category and truncated.
func ErrorNote(err error) string {
	var (
		tooLarge    *transcription.TooLargeError
		unsupported *extract.UnsupportedTypeError
		retrieval   *extract.RetrievalError
		extraction  *extract.ExtractionError
		analysis    *enrich.AnalysisServiceError
	)

	var note string
	switch {
	case errors.As(err, &tooLarge), errors.Is(err, fetch.ErrTooLarge):
		note = "File is too large to process: " + err.Error()
	case errors.As(err, &unsupported):
		note = "Unsupported file type: " + err.Error()
	case errors.As(err, &retrieval):
		note = "Could not retrieve the file from storage: " + err.Error()
	case errors.As(err, &extraction):
		note = "Content extraction failed: " + err.Error()
	case errors.As(err, &analysis):
		note = "AI analysis failed: " + err.Error()
	default:
		note = "Processing failed: " + err.Error()
	}
	return truncateNote(note)
}

func truncateNote(s string) string {
	s = fetch.StripInvalid(s)
	r := []rune(s)
	if len(r) <= maxNoteChars {
		return s
	}
	return string(r[:maxNoteChars]) + truncatedSuffix
}
