package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesStdout(t *testing.T) {
	var lines []string
	stdout, _, err := Run(context.Background(), "printf", []string{"a\\nb\\n"}, Opts{
		OnStdout: func(l string) { lines = append(lines, l) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, lines)
	assert.Empty(t, stdout) // PreserveStdout not requested
}

func TestRunPreservesStdout(t *testing.T) {
	stdout, _, err := Run(context.Background(), "printf", []string{"hello\\n"}, Opts{
		PreserveStdout: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", stdout)
}

func TestRunNonZeroExitFails(t *testing.T) {
	_, _, err := Run(context.Background(), "sh", []string{"-c", "exit 3"}, Opts{})
	require.Error(t, err)
	var failed *Failed
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 3, failed.ExitCode)
}

func TestRunAbortPreSet(t *testing.T) {
	abort := NewAbort()
	abort.Set()
	_, _, err := Run(context.Background(), "sh", []string{"-c", "sleep 2; exit 1"}, Opts{Abort: abort})
	require.NoError(t, err)
}

func TestRunWritesStdin(t *testing.T) {
	stdout, _, err := Run(context.Background(), "cat", nil, Opts{
		Stdin:          []byte("piped-in"),
		PreserveStdout: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "piped-in", stdout)
}
