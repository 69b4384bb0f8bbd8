package sshutil

import (
	"os"
	"strconv"
	"strings"

	"github.com/rileyhilliard/rdev/internal/util"
)

// ConnectionOptions returns the ssh command line options describing p,
// without the destination host. The same list works for ssh, sftp and
// rsync's -e wrapper.
func (p Parameters) ConnectionOptions() []string {
	secs := int(p.EffectiveTimeout().Seconds())
	if secs < 1 {
		secs = 1
	}

	args := []string{
		"-o", "StrictHostKeyChecking=" + p.HostKeyChecking.sshOption(),
		"-o", "Port=" + strconv.Itoa(p.EffectivePort()),
		"-o", "ConnectTimeout=" + strconv.Itoa(secs),
		"-o", "ServerAliveInterval=" + strconv.Itoa(ServerAliveInterval),
	}
	if p.UserName != "" {
		args = append(args, "-o", "User="+p.UserName)
	}
	if p.HostKeyChecking == HostKeyNone {
		args = append(args, "-o", "UserKnownHostsFile=/dev/null")
	}

	switch p.AuthType {
	case AuthPassword:
		// No BatchMode: it would stop ssh from asking, askpass or tty.
		args = append(args,
			"-o", "PubkeyAuthentication=no",
			"-o", "PreferredAuthentications=password,keyboard-interactive")
	case AuthSpecificKey:
		args = append(args, "-o", "IdentitiesOnly=yes", "-i", p.PrivateKeyFile)
		args = append(args, "-o", "BatchMode=yes")
	default:
		args = append(args, "-o", "BatchMode=yes")
	}

	if jump := JumpSpec(p.Chain()); jump != "" {
		args = append(args, "-J", jump)
	}
	return args
}

// CommandEnv returns the environment for an ssh, sftp or rsync process
// talking to p. When a password may be asked for anywhere along the link
// chain and an askpass program is set, ssh is forced to use it instead of
// the terminal. Otherwise it returns nil: inherit the caller's environment.
// Without askpass, password devices need an interactive terminal.
func (p Parameters) CommandEnv() []string {
	askpass := ""
	for _, hop := range append(p.Chain(), p) {
		if hop.AuthType == AuthPassword && hop.AskPass != "" {
			askpass = hop.AskPass
		}
	}
	if askpass == "" {
		return nil
	}
	return append(os.Environ(), "SSH_ASKPASS="+askpass, "SSH_ASKPASS_REQUIRE=force")
}

// JumpSpec renders a ProxyJump list ("user@a:22,user@b:2222") for the hops
// in connection order. Returns "" for no hops.
func JumpSpec(hops []Parameters) string {
	if len(hops) == 0 {
		return ""
	}
	parts := make([]string, len(hops))
	for i, h := range hops {
		parts[i] = h.UserAtHost() + ":" + strconv.Itoa(h.EffectivePort())
	}
	return strings.Join(parts, ",")
}

// ControlPathOptions returns the options that route an invocation through an
// existing master's control socket. Empty socket means no sharing.
func ControlPathOptions(socket string) []string {
	if socket == "" {
		return nil
	}
	return []string{"-o", "ControlPath=" + socket}
}

// MasterArgs builds the argument list for a multiplexing master process.
// The master runs no command (-N) and echoes an empty line through
// LocalCommand once authentication succeeded, which callers use as the
// "connected" signal.
func MasterArgs(p Parameters, socket string) []string {
	args := []string{
		"-M", "-N",
		"-o", "ControlPersist=no",
		"-o", "ControlPath=" + socket,
		"-o", "PermitLocalCommand=yes",
		"-o", "LocalCommand=echo",
	}
	args = append(args, p.ConnectionOptions()...)
	return append(args, p.Host)
}

// RemoteShell renders the ssh invocation rsync should use for its transport
// (the value of rsync -e). It reuses socket when one is given.
func RemoteShell(sshBinary string, p Parameters, socket string) string {
	args := append([]string{sshBinary}, p.ConnectionOptions()...)
	args = append(args, ControlPathOptions(socket)...)
	return util.JoinArgs(args...)
}
