package testing

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	stdtesting "testing"

	"github.com/rileyhilliard/rdev/internal/util"
)

// FakeSSH configures the stand-in ssh binary written by WriteFakeSSH.
type FakeSSH struct {
	// LogFile receives one line per invocation holding the arguments.
	LogFile string
	// MasterFails makes -M invocations print an auth error and exit 255.
	MasterFails bool
}

// WriteFakeSSH writes an executable script that behaves like ssh pointed at
// the local machine. Master invocations (-M) print the LocalCommand echo and
// stay up until killed. Everything else runs the last argument with /bin/sh,
// so "ssh host /bin/sh" becomes an interactive shell on stdin. The test is
// skipped on Windows.
func WriteFakeSSH(t stdtesting.TB, opts FakeSSH) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake ssh needs a POSIX shell")
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	if opts.LogFile != "" {
		b.WriteString("printf '%s\\n' \"$*\" >> " + util.ShellQuote(opts.LogFile) + "\n")
	}
	b.WriteString(`master=0
last=
for a in "$@"; do
  [ "$a" = "-M" ] && master=1
  last="$a"
done
if [ "$master" = 1 ]; then
`)
	if opts.MasterFails {
		b.WriteString("  echo 'Permission denied (publickey).' >&2\n  exit 255\n")
	} else {
		b.WriteString("  echo\n  exec sleep 3600\n")
	}
	b.WriteString("fi\nexec /bin/sh -c \"$last\"\n")

	path := filepath.Join(t.TempDir(), "ssh")
	if err := os.WriteFile(path, []byte(b.String()), 0755); err != nil {
		t.Fatalf("write fake ssh: %v", err)
	}
	return path
}

// Invocations returns the argument lines recorded in a fake ssh log file.
func Invocations(t stdtesting.TB, logFile string) []string {
	t.Helper()
	data, err := os.ReadFile(logFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("read fake ssh log: %v", err)
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

// FakeTool configures a stand-in binary written by WriteFakeTool.
type FakeTool struct {
	// LogFile receives one line per invocation holding the arguments.
	LogFile string
	// StdinFile receives everything written to the tool's stdin.
	StdinFile string
	// Stdout and Stderr are printed before exiting.
	Stdout string
	Stderr string
	// ExitCode is the tool's exit status.
	ExitCode int
	// Sleep keeps the tool running for that many seconds before exiting.
	Sleep int
}

// WriteFakeTool writes an executable script named name that records its
// invocation and exits as configured. Use it for sftp and rsync. The test
// is skipped on Windows.
func WriteFakeTool(t stdtesting.TB, name string, opts FakeTool) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tools need a POSIX shell")
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	if opts.LogFile != "" {
		b.WriteString("printf '%s\\n' \"$*\" >> " + util.ShellQuote(opts.LogFile) + "\n")
	}
	if opts.StdinFile != "" {
		b.WriteString("cat >> " + util.ShellQuote(opts.StdinFile) + "\n")
	}
	if opts.Sleep > 0 {
		b.WriteString("sleep " + strconv.Itoa(opts.Sleep) + "\n")
	}
	if opts.Stdout != "" {
		b.WriteString("printf '%s' " + util.ShellQuote(opts.Stdout) + "\n")
	}
	if opts.Stderr != "" {
		b.WriteString("printf '%s' " + util.ShellQuote(opts.Stderr) + " >&2\n")
	}
	b.WriteString("exit " + strconv.Itoa(opts.ExitCode) + "\n")

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(b.String()), 0755); err != nil {
		t.Fatalf("write fake %s: %v", name, err)
	}
	return path
}
