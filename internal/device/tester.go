package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/rileyhilliard/rdev/internal/transfer"
)

// CheckStatus is the outcome of one device check.
type CheckStatus int

const (
	StatusPass CheckStatus = iota
	StatusWarn
	StatusFail
)

func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// MarshalText makes statuses readable in JSON output.
func (s CheckStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CheckResult is what one check found.
type CheckResult struct {
	Name       string      `json:"name"`
	Status     CheckStatus `json:"status"`
	Message    string      `json:"message"`
	Suggestion string      `json:"suggestion,omitempty"`
}

// Report collects the results of a device test.
type Report struct {
	Device       string                `json:"device"`
	Results      []CheckResult         `json:"results"`
	Capabilities transfer.Capabilities `json:"capabilities"`
}

// Passed reports whether no check failed. Warnings pass.
func (r Report) Passed() bool {
	for _, res := range r.Results {
		if res.Status == StatusFail {
			return false
		}
	}
	return true
}

// Tester checks that a device is usable: the shell answers, the system is
// identified, and sftp and rsync are tried so transfers know which fast
// method works.
type Tester struct {
	dev *Device
	// Progress, when set, receives each result as it is produced.
	Progress func(CheckResult)
}

// NewTester returns a tester for d.
func NewTester(d *Device) *Tester {
	return &Tester{dev: d}
}

// Run connects if needed and runs every check. The confirmed transfer
// capabilities are stored on the device.
func (t *Tester) Run(ctx context.Context) Report {
	d := t.dev
	report := Report{Device: d.Name()}
	add := func(r CheckResult) {
		report.Results = append(report.Results, r)
		if t.Progress != nil {
			t.Progress(r)
		}
	}

	if err := d.TryToConnect(ctx); err != nil {
		add(CheckResult{
			Name:       "connect",
			Status:     StatusFail,
			Message:    fmt.Sprintf("Couldn't open a shell on %s", d.Parameters().UserAtHost()),
			Suggestion: firstLine(err.Error()),
		})
		return report
	}
	add(CheckResult{Name: "connect", Status: StatusPass, Message: fmt.Sprintf("Shell session on %s", d.Parameters().UserAtHost())})

	add(t.echo(ctx))
	add(t.uname(ctx))

	r, err := d.remote(d.Name())
	if err != nil {
		add(CheckResult{Name: "transfer", Status: StatusFail, Message: err.Error()})
		return report
	}

	sftpErr := d.engine.ProbeSftp(ctx, r)
	d.setCapability(transfer.MethodSftp, sftpErr == nil)
	add(probeResult("sftp", sftpErr))

	rsyncErr := d.engine.ProbeRsync(ctx, r)
	d.setCapability(transfer.MethodRsync, rsyncErr == nil)
	add(probeResult("rsync", rsyncErr))

	report.Capabilities = d.Capabilities()
	return report
}

func (t *Tester) echo(ctx context.Context) CheckResult {
	const word = "rdev-echo"
	res, err := t.dev.RunInShell(ctx, "echo "+word, nil)
	switch {
	case err != nil:
		return CheckResult{Name: "echo", Status: StatusFail, Message: "Shell didn't answer", Suggestion: firstLine(err.Error())}
	case strings.TrimSpace(string(res.Stdout)) != word:
		return CheckResult{
			Name:       "echo",
			Status:     StatusFail,
			Message:    fmt.Sprintf("Shell echoed %q", strings.TrimSpace(string(res.Stdout))),
			Suggestion: "Login scripts that print output confuse the session; make them quiet for non-interactive shells",
		}
	}
	return CheckResult{Name: "echo", Status: StatusPass, Message: "Shell round trip works"}
}

func (t *Tester) uname(ctx context.Context) CheckResult {
	res, err := t.dev.RunInShell(ctx, "uname -rsm", nil)
	if err != nil || !res.OK() {
		return CheckResult{Name: "system", Status: StatusWarn, Message: "Couldn't identify the system"}
	}
	return CheckResult{Name: "system", Status: StatusPass, Message: strings.TrimSpace(string(res.Stdout))}
}

// probeResult reports a failed probe as a warning since transfers fall
// back to generic copying.
func probeResult(name string, err error) CheckResult {
	if err == nil {
		return CheckResult{Name: name, Status: StatusPass, Message: name + " transfers work"}
	}
	return CheckResult{
		Name:       name,
		Status:     StatusWarn,
		Message:    fmt.Sprintf("%s doesn't work; transfers use generic copying", name),
		Suggestion: firstLine(err.Error()),
	}
}

func firstLine(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), "✗ ")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
