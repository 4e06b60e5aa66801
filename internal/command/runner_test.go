package command

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := NewExecRunner(slog.New(slog.NewTextHandler(io.Discard, nil)))

	t.Run("success", func(t *testing.T) {
		res, err := r.Run(context.Background(), "sh", "-c", "printf hello")
		require.NoError(t, err)
		assert.Equal(t, "hello", string(res.Stdout))
		assert.Equal(t, 0, res.ExitCode)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		res, err := r.Run(context.Background(), "sh", "-c", "echo broken >&2; exit 3")
		require.Error(t, err)
		assert.Equal(t, 3, res.ExitCode)

		var cmdErr *Error
		require.True(t, errors.As(err, &cmdErr))
		assert.Equal(t, "broken", cmdErr.Stderr)
		assert.Contains(t, err.Error(), "exited with code 3")
	})

	t.Run("missing binary", func(t *testing.T) {
		res, err := r.Run(context.Background(), "definitely-not-a-real-binary-xyz")
		require.Error(t, err)
		assert.Equal(t, -1, res.ExitCode)
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab...(truncated)", Truncate("abcdef", 2))
}
