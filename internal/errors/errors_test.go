package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodes(t *testing.T) {
	codes := []string{
		ErrConfig,
		ErrSSH,
		ErrSession,
		ErrExec,
		ErrTransfer,
		ErrProbe,
	}

	seen := make(map[string]bool)
	for _, code := range codes {
		assert.NotEmpty(t, code, "error code should not be empty")
		assert.False(t, seen[code], "error code %q should be unique", code)
		seen[code] = true
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		code       string
		message    string
		suggestion string
	}{
		{
			name:       "config error",
			code:       ErrConfig,
			message:    "Device 'board' has no host",
			suggestion: "Set host under devices.board",
		},
		{
			name:       "ssh error",
			code:       ErrSSH,
			message:    "ssh master for board exited",
			suggestion: "Check credentials with: ssh board",
		},
		{
			name:       "session error",
			code:       ErrSession,
			message:    "Device shell exited unexpectedly",
			suggestion: "Reconnect the device",
		},
		{
			name:       "transfer error",
			code:       ErrTransfer,
			message:    "sftp failed to start",
			suggestion: "Install the openssh client",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message, tt.suggestion)

			require.NotNil(t, err)
			assert.Equal(t, tt.code, err.Code)
			assert.Equal(t, tt.message, err.Message)
			assert.Equal(t, tt.suggestion, err.Suggestion)
			assert.Nil(t, err.Cause)
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	err := WrapWithCode(
		errors.New("Permission denied (publickey)"),
		ErrSSH,
		"Couldn't authenticate to board",
		"Run: rdev test board",
	)

	output := err.Error()
	lines := strings.Split(output, "\n")

	assert.True(t, strings.HasPrefix(lines[0], "✗"))
	assert.Contains(t, lines[0], "Couldn't authenticate to board")
	assert.Contains(t, output, "Permission denied (publickey)")
	assert.Contains(t, output, "Run: rdev test board")
}

func TestErrorWithoutSuggestion(t *testing.T) {
	output := New(ErrExec, "Command failed", "").Error()
	assert.Equal(t, "✗ Command failed\n", output)
}

func TestWrap(t *testing.T) {
	cause := errors.New("underlying network error")
	wrapped := Wrap(cause, "SSH connection failed")

	assert.Equal(t, ErrSSH, wrapped.Code, "Wrap should default to ErrSSH code")
	assert.Equal(t, cause, wrapped.Cause)
	assert.True(t, errors.Is(wrapped, cause))
}

func TestIsCode(t *testing.T) {
	err := New(ErrTransfer, "rsync failed", "")

	assert.True(t, IsCode(err, ErrTransfer))
	assert.True(t, IsCode(fmt.Errorf("deploy: %w", err), ErrTransfer))
	assert.False(t, IsCode(err, ErrSSH))
	assert.False(t, IsCode(errors.New("standard error"), ErrConfig))
	assert.False(t, IsCode(nil, ErrConfig))
}

func TestDisconnected(t *testing.T) {
	err := Disconnected("board")

	assert.Equal(t, ErrSSH, err.Code)
	assert.Contains(t, err.Message, "board")
	assert.Contains(t, err.Message, "disconnected")
	assert.Contains(t, err.Suggestion, "rdev connect board")
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantOk   bool
	}{
		{"exit error", NewExitError(42), 42, true},
		{"wrapped exit error", fmt.Errorf("remote: %w", NewExitError(3)), 3, true},
		{"standard error", errors.New("boom"), 0, false},
		{"nil", nil, 0, false},
		{"structured error", New(ErrExec, "test", ""), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, ok := GetExitCode(tt.err)
			assert.Equal(t, tt.wantOk, ok)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestExitError_Error(t *testing.T) {
	assert.Equal(t, "exit code 137", NewExitError(137).Error())
}
