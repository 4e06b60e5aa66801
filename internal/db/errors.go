package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrJobNotActive is returned when a write targets a transcription job that is
// terminal or has been superseded by a newer attempt.
var ErrJobNotActive = errors.New("transcription job is not active")

// ConstraintError represents a write rejected by a table constraint
type ConstraintError struct {
	Constraint string
	Message    string
	Cause      error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("constraint %s violated: %s", e.Constraint, e.Message)
}

func (e *ConstraintError) Unwrap() error {
	return e.Cause
}

// wrapError converts PostgreSQL constraint failures into ConstraintError and
// wraps everything else with the operation name.
func wrapError(err error, op string) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	switch pgErr.Code {
	case "23505": // unique_violation
		return &ConstraintError{Constraint: pgErr.ConstraintName, Message: "duplicate value", Cause: err}
	case "23503": // foreign_key_violation
		return &ConstraintError{Constraint: pgErr.ConstraintName, Message: "referenced row does not exist", Cause: err}
	case "23514": // check_violation
		return &ConstraintError{Constraint: pgErr.ConstraintName, Message: "value fails check constraint", Cause: err}
	default:
		return fmt.Errorf("failed to %s (postgres code %s): %w", op, pgErr.Code, err)
	}
}
