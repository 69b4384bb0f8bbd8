package process

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rileyhilliard/rdev/internal/errors"
)

// commandNotFoundPatterns detect "command not found" from common device
// shells. They only apply with exit code 127.
var commandNotFoundPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bash: (\S+): command not found`),
	regexp.MustCompile(`(?i)sh: \d+: (\S+): not found`),
	regexp.MustCompile(`(?i)-bash: (\S+): No such file or directory`),
	regexp.MustCompile(`(?i)exec: (?:line \d+: )?(\S+): not found`),
	regexp.MustCompile(`(?i)(\S+): not found`),
	regexp.MustCompile(`(?i)(\S+): command not found`),
}

// notExecutablePattern matches exec failing on a file without +x (126).
var notExecutablePattern = regexp.MustCompile(`(?i)(\S+): Permission denied`)

// IsCommandNotFound checks if the error output indicates a missing command.
// Returns the command name (if extractable) and whether it's a
// command-not-found error.
func IsCommandNotFound(stderr string, exitCode int) (string, bool) {
	if exitCode != 127 {
		return "", false
	}
	for _, pattern := range commandNotFoundPatterns {
		if matches := pattern.FindStringSubmatch(stderr); len(matches) > 1 {
			return strings.TrimSuffix(matches[1], ":"), true
		}
	}
	return "", true
}

// Diagnose returns an actionable error for exit codes that mean the
// command itself is the problem (127 not found, 126 not executable), or nil.
func Diagnose(command, stderr string, exitCode int) error {
	if name, notFound := IsCommandNotFound(stderr, exitCode); notFound {
		if name == "" {
			name = firstWord(command)
		}
		return errors.New(errors.ErrExec,
			fmt.Sprintf("'%s' not found on the device", name),
			fmt.Sprintf(`The device shell couldn't find '%s'.

This can happen if:
- The program isn't installed or deployed on the device
- It lives outside the non-interactive PATH

Fixes:

1. Use the full path to the executable

2. Check the device's PATH:
   rdev exec -- sh -c 'echo $PATH'

3. Enable source_profile for the device so /etc/profile and ~/.profile are read`, name))
	}

	if exitCode == 126 {
		name := firstWord(command)
		if m := notExecutablePattern.FindStringSubmatch(stderr); len(m) > 1 {
			name = strings.TrimSuffix(m[1], ":")
		}
		return errors.New(errors.ErrExec,
			fmt.Sprintf("'%s' is not executable on the device", name),
			fmt.Sprintf("Mark it executable: rdev exec -- chmod +x %s", name))
	}
	return nil
}

func firstWord(command string) string {
	if parts := strings.Fields(command); len(parts) > 0 {
		return parts[0]
	}
	return "command"
}
