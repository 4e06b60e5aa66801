package extract

import "fmt"

// UnsupportedTypeError is returned when no extraction strategy handles a file type.
type UnsupportedTypeError struct {
	DeclaredType string
	FileName     string
}

func (e *UnsupportedTypeError) Error() string {
	if e.FileName != "" {
		return fmt.Sprintf("%s (%s)", e.DeclaredType, e.FileName)
	}
	return e.DeclaredType
}

// RetrievalError is returned when the stored object cannot be downloaded.
type RetrievalError struct {
	StorageKey string
	Message    string
	Cause      error
}

func (e *RetrievalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *RetrievalError) Unwrap() error {
	return e.Cause
}

// ExtractionError is returned when a downloaded object cannot be turned into content.
type ExtractionError struct {
	Family  Family
	Format  string
	Message string
	Cause   error
}

func (e *ExtractionError) Error() string {
	msg := e.Message
	if e.Format != "" {
		msg = e.Format + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ExtractionError) Unwrap() error {
	return e.Cause
}
