package connection

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/pkg/sshutil"
)

// FailReason categorizes why an ssh connection could not be established.
type FailReason int

const (
	FailUnknown FailReason = iota
	FailTimeout
	FailRefused
	FailUnreachable
	FailAuth
	FailHostKey
	FailNoBinary
)

// String returns a human-readable description of the failure reason.
func (r FailReason) String() string {
	switch r {
	case FailTimeout:
		return "connection timed out"
	case FailRefused:
		return "connection refused"
	case FailUnreachable:
		return "host unreachable"
	case FailAuth:
		return "authentication failed"
	case FailHostKey:
		return "host key verification failed"
	case FailNoBinary:
		return "ssh not installed"
	default:
		return "unknown error"
	}
}

// Suggestion returns what the user should try for this failure.
func (r FailReason) Suggestion(p sshutil.Parameters) string {
	switch r {
	case FailTimeout:
		return fmt.Sprintf("Make sure %s is powered on and reachable, or raise the device timeout", p.Host)
	case FailRefused:
		return fmt.Sprintf("Is sshd running on %s, listening on port %d?", p.Host, p.EffectivePort())
	case FailUnreachable:
		return "Can't route to the device. Check the network, VPN or the link device"
	case FailAuth:
		return fmt.Sprintf("Check the key or password for %s. Try: ssh %s", p.UserAtHost(), p.UserAtHost())
	case FailHostKey:
		return "The device's host key changed or is unknown. Fix ~/.ssh/known_hosts, or relax host_key_checking for this device"
	case FailNoBinary:
		return "Install OpenSSH, or point ssh_binary in the config at it"
	default:
		return fmt.Sprintf("Try connecting by hand to see more: ssh -v %s", p.UserAtHost())
	}
}

// Categorize picks a FailReason from ssh's error output.
func Categorize(output string) FailReason {
	s := strings.ToLower(output)

	switch {
	case strings.Contains(s, "binary") && strings.Contains(s, "not found"):
		return FailNoBinary
	case strings.Contains(s, "timed out") || strings.Contains(s, "timeout"):
		return FailTimeout
	case strings.Contains(s, "connection refused"):
		return FailRefused
	case strings.Contains(s, "no route to host") ||
		strings.Contains(s, "network is unreachable") ||
		strings.Contains(s, "host is down") ||
		strings.Contains(s, "could not resolve hostname"):
		return FailUnreachable
	case strings.Contains(s, "permission denied") ||
		strings.Contains(s, "unable to authenticate") ||
		strings.Contains(s, "no supported methods") ||
		strings.Contains(s, "authentication failed") ||
		strings.Contains(s, "too many authentication failures"):
		return FailAuth
	case strings.Contains(s, "host key"):
		return FailHostKey
	}
	return FailUnknown
}

// ConnectError builds the structured error for a failed connection, with
// the diagnostic output as its cause.
func ConnectError(p sshutil.Parameters, output string) error {
	reason := Categorize(output)
	return errors.WrapWithCode(stderrors.New(strings.TrimSpace(output)), errors.ErrSSH,
		fmt.Sprintf("Can't connect to %s: %s", p, reason),
		reason.Suggestion(p))
}
