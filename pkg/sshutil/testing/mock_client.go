package testing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rileyhilliard/rdev/pkg/sshutil"
)

// CommandResponse defines a canned response for a specific command pattern.
type CommandResponse struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Error    error
}

// MockClient simulates a device reachable over SSH. It parses the shell
// commands rdev sends (test, stat, mkdir, cat, rm, env, uname, kill, ...)
// and executes them against a virtual filesystem and environment.
type MockClient struct {
	mu       sync.Mutex
	host     string
	address  string
	fs       *MockFS
	closed   bool
	commands map[string]CommandResponse // pattern -> response
	history  []string

	env         map[string]string
	envNulFlag  bool
	unameSystem string
}

var _ sshutil.SSHClient = (*MockClient)(nil)

// NewMockClient creates a new mock SSH client with an empty filesystem.
// The environment supports env -0 until SetEnvNulSupport(false).
func NewMockClient(host string) *MockClient {
	return &MockClient{
		host:        host,
		address:     host + ":22",
		fs:          NewMockFS(),
		commands:    make(map[string]CommandResponse),
		env:         map[string]string{"HOME": "/root", "PATH": "/usr/bin:/bin", "SHELL": "/bin/sh"},
		envNulFlag:  true,
		unameSystem: "Linux",
	}
}

// Exec runs a command against the virtual device.
func (m *MockClient) Exec(cmd string) (stdout, stderr []byte, exitCode int, err error) {
	return m.ExecInput(cmd, nil)
}

// ExecInput runs a command with stdin.
func (m *MockClient) ExecInput(cmd string, input []byte) (stdout, stderr []byte, exitCode int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, -1, errors.New("connection closed")
	}
	m.history = append(m.history, cmd)

	if resp, ok := m.commands[cmd]; ok {
		return resp.Stdout, resp.Stderr, resp.ExitCode, resp.Error
	}
	for pattern, resp := range m.commands {
		if matched, _ := regexp.MatchString(pattern, cmd); matched {
			return resp.Stdout, resp.Stderr, resp.ExitCode, resp.Error
		}
	}

	return m.parseAndExecute(cmd, input)
}

// ExecStream runs a command and writes output to the provided writers.
func (m *MockClient) ExecStream(cmd string, stdout, stderr io.Writer) (exitCode int, err error) {
	return m.ExecStreamContext(context.Background(), cmd, stdout, stderr)
}

// ExecStreamContext runs a command with context cancellation support.
func (m *MockClient) ExecStreamContext(ctx context.Context, cmd string, stdout, stderr io.Writer) (exitCode int, err error) {
	select {
	case <-ctx.Done():
		return 130, ctx.Err()
	default:
	}

	out, errOut, code, execErr := m.Exec(cmd)
	if execErr != nil {
		return -1, execErr
	}
	if stdout != nil && len(out) > 0 {
		stdout.Write(out)
	}
	if stderr != nil && len(errOut) > 0 {
		stderr.Write(errOut)
	}
	return code, nil
}

// Handler adapts the mock to an in-process Server exec handler.
func (m *MockClient) Handler() ExecHandler {
	return func(cmd string, stdin io.Reader, stdout, stderr io.Writer) int {
		input, _ := io.ReadAll(stdin)
		out, errOut, code, err := m.ExecInput(cmd, input)
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 255
		}
		stdout.Write(out)
		stderr.Write(errOut)
		return code
	}
}

// Close marks the connection as closed.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetHost returns the host name.
func (m *MockClient) GetHost() string {
	return m.host
}

// GetAddress returns the host:port address.
func (m *MockClient) GetAddress() string {
	return m.address
}

// SetCommandResponse registers a canned response for a command pattern.
// The pattern can be an exact string or a regex pattern.
func (m *MockClient) SetCommandResponse(pattern string, resp CommandResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands[pattern] = resp
}

// SetEnv replaces the device environment.
func (m *MockClient) SetEnv(env map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.env = make(map[string]string, len(env))
	for k, v := range env {
		m.env[k] = v
	}
}

// SetEnvNulSupport toggles whether `env -0` works, to mimic minimal
// userlands whose env has no -0 flag.
func (m *MockClient) SetEnvNulSupport(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envNulFlag = ok
}

// SetUname sets what `uname -s` reports.
func (m *MockClient) SetUname(system string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unameSystem = system
}

// History returns every command received, in order.
func (m *MockClient) History() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.history...)
}

// GetFS returns the mock filesystem for direct manipulation in tests.
func (m *MockClient) GetFS() *MockFS {
	return m.fs
}

// parseAndExecute handles the shell commands rdev sends.
func (m *MockClient) parseAndExecute(cmd string, input []byte) (stdout, stderr []byte, exitCode int, err error) {
	cmd = strings.TrimSuffix(cmd, " 2>/dev/null")
	cmd = strings.TrimSuffix(cmd, " 2>&1")
	cmd = strings.TrimSpace(cmd)

	switch {
	case strings.HasPrefix(cmd, "mkdir "):
		return m.handleMkdir(cmd)
	case strings.HasPrefix(cmd, "cat >"):
		return m.handleCatWrite(cmd, input)
	case strings.HasPrefix(cmd, "cat "):
		return m.handleCatRead(cmd)
	case strings.HasPrefix(cmd, "rm "):
		return m.handleRm(cmd)
	case strings.HasPrefix(cmd, "test "), strings.HasPrefix(cmd, "[ "):
		return m.handleTest(cmd)
	case strings.HasPrefix(cmd, "stat "):
		return m.handleStat(cmd)
	case strings.HasPrefix(cmd, "chmod "):
		return m.handleChmod(cmd)
	case cmd == "env -0", cmd == "env":
		return m.handleEnv(cmd == "env -0")
	case strings.HasPrefix(cmd, "which "):
		return m.handleWhich(cmd)
	case strings.HasPrefix(cmd, "uname"):
		return m.handleUname(cmd)
	case cmd == "echo" || strings.HasPrefix(cmd, "echo "):
		return []byte(strings.TrimSpace(strings.TrimPrefix(cmd, "echo")) + "\n"), nil, 0, nil
	}

	// Unknown command (kill, sleep, true, ...) succeeds silently.
	return nil, nil, 0, nil
}

// handleMkdir processes: mkdir [-p] path
func (m *MockClient) handleMkdir(cmd string) ([]byte, []byte, int, error) {
	args := strings.TrimSpace(strings.TrimPrefix(cmd, "mkdir "))

	createParents := false
	if strings.HasPrefix(args, "-p ") {
		createParents = true
		args = strings.TrimSpace(strings.TrimPrefix(args, "-p "))
	}

	p := extractPath(args)
	if p == "" {
		return nil, []byte("mkdir: missing operand"), 1, nil
	}

	if createParents {
		if err := m.fs.MkdirAll(p); err != nil {
			return nil, []byte("mkdir: cannot create directory: " + err.Error()), 1, nil
		}
		return nil, nil, 0, nil
	}

	if err := m.fs.Mkdir(p); err != nil {
		return nil, []byte(fmt.Sprintf("mkdir: cannot create directory '%s': %s", p, err)), 1, nil
	}
	return nil, nil, 0, nil
}

// handleCatWrite processes: cat > path, content from stdin.
func (m *MockClient) handleCatWrite(cmd string, input []byte) ([]byte, []byte, int, error) {
	p := extractPath(strings.TrimPrefix(cmd, "cat >"))
	if p == "" {
		return nil, []byte("cat: missing output file"), 1, nil
	}
	if !m.fs.IsDir(path.Dir(p)) {
		return nil, []byte(fmt.Sprintf("sh: can't create %s: nonexistent directory", p)), 1, nil
	}
	if err := m.fs.WriteFile(p, input); err != nil {
		return nil, []byte(fmt.Sprintf("sh: can't create %s: %s", p, err)), 1, nil
	}
	return nil, nil, 0, nil
}

// handleCatRead processes: cat path
func (m *MockClient) handleCatRead(cmd string) ([]byte, []byte, int, error) {
	p := extractPath(strings.TrimPrefix(cmd, "cat "))
	if p == "" {
		return nil, []byte("cat: missing file operand"), 1, nil
	}

	content, err := m.fs.ReadFile(p)
	if err != nil {
		return nil, []byte("cat: " + p + ": No such file or directory"), 1, nil
	}
	return content, nil, 0, nil
}

// handleRm processes: rm [-f|-rf] path
func (m *MockClient) handleRm(cmd string) ([]byte, []byte, int, error) {
	args := strings.TrimSpace(strings.TrimPrefix(cmd, "rm "))
	force, recursive := false, false
	for strings.HasPrefix(args, "-") {
		flag, rest, _ := strings.Cut(args, " ")
		force = force || strings.Contains(flag, "f")
		recursive = recursive || strings.Contains(flag, "r")
		args = strings.TrimSpace(rest)
	}

	p := extractPath(args)
	if p == "" {
		return nil, []byte("rm: missing operand"), 1, nil
	}
	if !m.fs.Exists(p) {
		if force {
			return nil, nil, 0, nil
		}
		return nil, []byte(fmt.Sprintf("rm: cannot remove '%s': No such file or directory", p)), 1, nil
	}
	if m.fs.IsDir(p) && !recursive {
		return nil, []byte(fmt.Sprintf("rm: cannot remove '%s': Is a directory", p)), 1, nil
	}
	_ = m.fs.Remove(p)
	return nil, nil, 0, nil
}

// handleTest processes: test -X path or [ -X path ]
func (m *MockClient) handleTest(cmd string) ([]byte, []byte, int, error) {
	expr := strings.TrimPrefix(cmd, "test ")
	if strings.HasPrefix(cmd, "[ ") {
		expr = strings.TrimSuffix(strings.TrimPrefix(cmd, "[ "), " ]")
	}
	op, rest, _ := strings.Cut(expr, " ")
	p := extractPath(rest)

	var ok bool
	switch op {
	case "-d":
		ok = m.fs.IsDir(p)
	case "-f":
		ok = m.fs.IsFile(p)
	case "-e":
		ok = m.fs.Exists(p)
	case "-x":
		ok = m.fs.Exists(p) && m.fs.Mode(p)&0111 != 0
	case "-r", "-w":
		ok = m.fs.Exists(p)
	}
	if ok {
		return nil, nil, 0, nil
	}
	return nil, nil, 1, nil
}

// handleStat processes: stat -t path (GNU terse format).
func (m *MockClient) handleStat(cmd string) ([]byte, []byte, int, error) {
	args := strings.TrimSpace(strings.TrimPrefix(cmd, "stat "))
	for strings.HasPrefix(args, "-") {
		_, rest, _ := strings.Cut(args, " ")
		args = strings.TrimSpace(rest)
	}
	p := extractPath(args)
	if !m.fs.Exists(p) {
		return nil, []byte(fmt.Sprintf("stat: cannot stat '%s': No such file or directory", p)), 1, nil
	}

	raw := uint32(m.fs.Mode(p))
	if m.fs.IsDir(p) {
		raw |= 0x4000
	} else {
		raw |= 0x8000
	}
	mtime := m.fs.ModTime().Unix()
	// name size blocks rawmode uid gid dev ino nlink major minor atime mtime ctime birth blksize
	line := fmt.Sprintf("%s %d 8 %x 0 0 fd00 1234 1 0 0 %d %d %d 0 4096\n",
		p, m.fs.Size(p), raw, mtime, mtime, mtime)
	return []byte(line), nil, 0, nil
}

// handleChmod processes: chmod <octal> path
func (m *MockClient) handleChmod(cmd string) ([]byte, []byte, int, error) {
	modeStr, rest, _ := strings.Cut(strings.TrimPrefix(cmd, "chmod "), " ")
	mode, err := strconv.ParseUint(modeStr, 8, 32)
	if err != nil {
		return nil, []byte("chmod: invalid mode: " + modeStr), 1, nil
	}
	p := extractPath(rest)
	if err := m.fs.Chmod(p, os.FileMode(mode)); err != nil {
		return nil, []byte(fmt.Sprintf("chmod: cannot access '%s': No such file or directory", p)), 1, nil
	}
	return nil, nil, 0, nil
}

// handleEnv processes: env and env -0
func (m *MockClient) handleEnv(nul bool) ([]byte, []byte, int, error) {
	if nul && !m.envNulFlag {
		return nil, []byte("env: unrecognized option: 0\nBusyBox v1.24.1 multi-call binary.\n"), 1, nil
	}

	keys := make([]string, 0, len(m.env))
	for k := range m.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sep := byte('\n')
	if nul {
		sep = 0
	}
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k + "=" + m.env[k])
		buf.WriteByte(sep)
	}
	return buf.Bytes(), nil, 0, nil
}

// handleWhich processes: which <command>
func (m *MockClient) handleWhich(cmd string) ([]byte, []byte, int, error) {
	cmdName := strings.TrimSpace(strings.TrimPrefix(cmd, "which "))

	knownCommands := map[string]string{
		"rsync":       "/usr/bin/rsync",
		"sh":          "/bin/sh",
		"cat":         "/bin/cat",
		"mkdir":       "/bin/mkdir",
		"rm":          "/bin/rm",
		"stat":        "/usr/bin/stat",
		"readlink":    "/bin/readlink",
		"base64":      "/usr/bin/base64",
		"sftp-server": "/usr/lib/openssh/sftp-server",
	}

	if p, ok := knownCommands[cmdName]; ok {
		return []byte(p + "\n"), nil, 0, nil
	}
	return nil, nil, 1, nil
}

// handleUname processes: uname [-s|-r|-m|-a|-rsm]
func (m *MockClient) handleUname(cmd string) ([]byte, []byte, int, error) {
	switch strings.TrimSpace(strings.TrimPrefix(cmd, "uname")) {
	case "", "-s":
		return []byte(m.unameSystem + "\n"), nil, 0, nil
	case "-r":
		return []byte("5.15.0-generic\n"), nil, 0, nil
	case "-m":
		return []byte("aarch64\n"), nil, 0, nil
	case "-rsm":
		return []byte(m.unameSystem + " 5.15.0-generic aarch64\n"), nil, 0, nil
	}
	return []byte(m.unameSystem + " mockdevice 5.15.0-generic #1 SMP aarch64 GNU/Linux\n"), nil, 0, nil
}

// extractPath extracts a path from a command argument.
// Handles double quotes, single quotes with '\'' escapes, and bare words.
func extractPath(arg string) string {
	arg = strings.TrimSpace(arg)

	if strings.HasPrefix(arg, "\"") {
		if end := strings.Index(arg[1:], "\""); end != -1 {
			return arg[1 : end+1]
		}
	}
	if strings.HasPrefix(arg, "'") {
		var b strings.Builder
		rest := arg
		for strings.HasPrefix(rest, "'") {
			end := strings.Index(rest[1:], "'")
			if end == -1 {
				break
			}
			b.WriteString(rest[1 : end+1])
			rest = rest[end+2:]
			if !strings.HasPrefix(rest, "\\''") {
				return b.String()
			}
			b.WriteString("'")
			rest = rest[2:]
		}
		return b.String()
	}

	if parts := strings.Fields(arg); len(parts) > 0 {
		return parts[0]
	}
	return ""
}
