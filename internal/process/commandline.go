package process

import (
	"strings"

	"github.com/rileyhilliard/rdev/internal/util"
	"github.com/rileyhilliard/rdev/pkg/sshutil"
)

// Marker brackets the remote shell's PID in the output: __qtc<pid>__qtc.
const Marker = "__qtc"

// InnerCommand renders the remote shell sequence for setup: optional
// profile sourcing, cd, the PID marker (without a terminal), env exports,
// then exec of the real command so the PID stays the same.
func InnerCommand(setup Setup) string {
	var b strings.Builder

	if setup.SourceProfile {
		b.WriteString(". /etc/profile 2> /dev/null; . ~/.profile 2> /dev/null; ")
	}
	if setup.WorkingDir != "" {
		b.WriteString("cd " + util.ShellQuotePreserveTilde(setup.WorkingDir) + " && ")
	}
	if setup.Terminal == TerminalOff {
		b.WriteString("echo " + Marker + "$$" + Marker + " && ")
	}
	for _, kv := range setup.Env {
		name, value, _ := strings.Cut(kv, "=")
		if name == "" {
			continue
		}
		b.WriteString("export " + name + "=" + util.ShellQuote(value) + " && ")
	}

	b.WriteString("exec ")
	if setup.ShellCommand != "" {
		b.WriteString("/bin/sh -c " + util.ShellQuote(setup.ShellCommand))
	} else {
		b.WriteString(util.JoinArgs(append([]string{setup.Command}, setup.Args...)...))
	}
	return b.String()
}

// CommandLine builds the ssh arguments for running setup on params. A
// non-empty socket routes the invocation through a shared master.
func CommandLine(params sshutil.Parameters, setup Setup, socket string) []string {
	args := params.ConnectionOptions()

	if setup.Terminal != TerminalOff {
		args = append(args, "-tt")
	}
	if display(params, setup) != "" {
		args = append(args, "-X")
	}
	for _, fwd := range setup.PortForwards {
		args = append(args, "-L", fwd)
	}
	args = append(args, sshutil.ControlPathOptions(socket)...)

	return append(args, params.Host, InnerCommand(setup))
}

func display(params sshutil.Parameters, setup Setup) string {
	if setup.X11Display != "" {
		return setup.X11Display
	}
	return params.X11DisplayName
}
