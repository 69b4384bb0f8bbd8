package process

import (
	stderrors "errors"
	"os/exec"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyhilliard/rdev/internal/errors"
)

func runShell(t *testing.T, script string) error {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	return exec.Command("/bin/sh", "-c", script).Run()
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Result{Status: Succeeded}, Classify(nil, false))

	r := Classify(stderrors.New("exec: \"ssh\": executable file not found"), true)
	assert.Equal(t, FailedToStart, r.Status)

	r = Classify(runShell(t, "exit 3"), false)
	assert.Equal(t, Exited, r.Status)
	assert.Equal(t, 3, r.ExitCode)

	r = Classify(runShell(t, "kill -9 $$"), false)
	assert.Equal(t, Crashed, r.Status)
}

func TestClassifySSH_255IsAlwaysACrash(t *testing.T) {
	err := runShell(t, "exit 255")

	assert.Equal(t, Exited, Classify(err, false).Status, "plain processes keep their exit code meaning")

	r := ClassifySSH(err, false)
	assert.Equal(t, Crashed, r.Status)
	assert.Equal(t, 255, r.ExitCode)

	assert.Equal(t, Exited, ClassifySSH(runShell(t, "exit 254"), false).Status)
}

func TestResult_Err(t *testing.T) {
	assert.NoError(t, Result{Status: Succeeded}.Err(errors.ErrExec, "app"))

	err := Result{Status: Exited, ExitCode: 2, ErrorString: "boom"}.Err(errors.ErrTransfer, "rsync to board")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrTransfer))
	assert.Contains(t, err.Error(), "rsync to board exited with code 2")
	code, ok := errors.GetExitCode(err)
	assert.True(t, ok)
	assert.Equal(t, 2, code)

	err = Result{Status: Crashed}.Err(errors.ErrExec, "app")
	assert.Contains(t, err.Error(), "app crashed")
	_, ok = errors.GetExitCode(err)
	assert.False(t, ok)

	err = Result{Status: FailedToStart}.Err(errors.ErrExec, "app")
	assert.Contains(t, err.Error(), "app failed to start")
}

func TestResult_WithStderr(t *testing.T) {
	r := Result{Status: FailedToStart, ErrorString: "exit status 255"}.
		WithStderr("Cannot establish SSH connection.", []byte("Permission denied\n"))
	assert.Equal(t, "Cannot establish SSH connection.\nexit status 255\nPermission denied", r.ErrorString)

	r = Result{}.WithStderr("", nil)
	assert.Empty(t, r.ErrorString)
}
