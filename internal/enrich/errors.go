package enrich

import "fmt"

// AnalysisServiceError is returned when the AI collaborator fails or answers
// with something that does not match the expected shape.
type AnalysisServiceError struct {
	Call    string
	Message string
	Cause   error
}

func (e *AnalysisServiceError) Error() string {
	msg := e.Message
	if e.Call != "" {
		msg = e.Call + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *AnalysisServiceError) Unwrap() error {
	return e.Cause
}
