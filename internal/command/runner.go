// Package command runs external tools (pdftotext, ffmpeg, whisper) behind an interface tests can stub.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Result captures one command invocation.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes external commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// Error reports a failed command with its stderr.
type Error struct {
	Command  string
	ExitCode int
	Stderr   string
	Cause    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner creates a runner that logs each invocation.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{logger: logger}
}

// Run executes name with args and returns its output. A non-zero exit is
// reported as *Error.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	start := time.Now()
	r.logger.Debug("running command", "cmd_line", strings.Join(append([]string{name}, args...), " "))

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	res := Result{Stdout: out.Bytes(), Stderr: errb.Bytes()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		stderr := Truncate(strings.TrimSpace(errb.String()), 8<<10)
		r.logger.Error("exec failed", "cmd", name, "duration_ms", time.Since(start).Milliseconds(),
			"exit_code", res.ExitCode, "error", err, "stderr", stderr)
		return res, &Error{Command: name, ExitCode: res.ExitCode, Stderr: stderr, Cause: err}
	}

	r.logger.Debug("exec ok", "cmd", name, "duration_ms", time.Since(start).Milliseconds(),
		"stdout_bytes", out.Len(), "stderr_bytes", errb.Len())
	return res, nil
}

// Truncate shortens s to at most max bytes plus a marker.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
