package sshutil

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/kevinburke/ssh_config"
	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/logger"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Client wraps a native SSH connection with additional metadata.
// It backs the fast file access path; command execution normally goes
// through the ssh binary.
type Client struct {
	*ssh.Client
	Host    string // The original host/alias used to connect
	Address string // The resolved address (host:port)

	jump *Client
}

// matchWarningOnce ensures the SSH config Match directive warning is only shown once per process.
var matchWarningOnce sync.Once

var log = logger.NewEnvLogger("[sshutil]")

// Dial establishes a native SSH connection described by p. Jump hosts in
// p.Link are dialed first and the final hop is tunneled through them.
//
// Settings missing from p (hostname alias, port, user, identity file) are
// resolved from ~/.ssh/config when available.
func Dial(ctx context.Context, p Parameters) (*Client, error) {
	if err := p.Validate(); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Invalid connection parameters",
			"Check the device's host and authentication settings")
	}

	settings := resolveSSHSettings(p)

	config, err := buildSSHConfig(settings, p)
	if err != nil {
		var rdErr *errors.Error
		if stderrors.As(err, &rdErr) {
			return nil, err
		}
		return nil, errors.WrapWithCode(err, errors.ErrSSH,
			fmt.Sprintf("Couldn't set up SSH for '%s'", p.Host),
			"Check your keys are loaded: ssh-add -l")
	}

	address := settings.address()

	var jump *Client
	var conn net.Conn
	if p.Link != nil {
		jump, err = Dial(ctx, *p.Link)
		if err != nil {
			return nil, err
		}
		conn, err = jump.Client.Dial("tcp", address)
		if err != nil {
			jump.Close()
			return nil, errors.WrapWithCode(err, errors.ErrSSH,
				fmt.Sprintf("Can't reach '%s' at %s through %s", p.Host, address, jump.Host),
				suggestionForDialError(err))
		}
	} else {
		dialer := net.Dialer{Timeout: p.EffectiveTimeout()}
		conn, err = dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrSSH,
				fmt.Sprintf("Can't reach '%s' at %s", p.Host, address),
				suggestionForDialError(err))
		}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()
		if jump != nil {
			jump.Close()
		}

		var hostKeyErr *HostKeyMismatchError
		if stderrors.As(err, &hostKeyErr) {
			return nil, errors.New(errors.ErrSSH,
				hostKeyErr.Error(),
				hostKeyErr.Suggestion())
		}

		suggestion := suggestionForHandshakeError(err, settings.encryptedKeys)
		return nil, errors.WrapWithCode(err, errors.ErrSSH,
			fmt.Sprintf("SSH handshake with '%s' didn't go through", p.Host),
			suggestion)
	}

	return &Client{
		Client:  ssh.NewClient(sshConn, chans, reqs),
		Host:    p.Host,
		Address: address,
		jump:    jump,
	}, nil
}

// NewClient wraps an already established connection.
func NewClient(c *ssh.Client, host string) *Client {
	return &Client{Client: c, Host: host, Address: c.RemoteAddr().String()}
}

// Close closes the SSH connection and any jump connection underneath it.
func (c *Client) Close() error {
	var err error
	if c.Client != nil {
		err = c.Client.Close()
	}
	if c.jump != nil {
		c.jump.Close()
	}
	return err
}

// GetHost returns the original host/alias used to connect.
func (c *Client) GetHost() string {
	return c.Host
}

// GetAddress returns the resolved host:port address.
func (c *Client) GetAddress() string {
	return c.Address
}

// sshSettings holds resolved SSH connection parameters.
type sshSettings struct {
	hostname      string
	port          string
	user          string
	identityFile  string
	encryptedKeys []string // Keys that exist but are encrypted
}

func (s *sshSettings) address() string {
	return net.JoinHostPort(s.hostname, s.port)
}

// resolveSSHSettings fills whatever p leaves open from ~/.ssh/config.
// Explicit values in p always win.
func resolveSSHSettings(p Parameters) *sshSettings {
	settings := &sshSettings{
		hostname:     p.Host,
		port:         strconv.Itoa(p.EffectivePort()),
		user:         p.UserName,
		identityFile: p.PrivateKeyFile,
	}
	if settings.user == "" {
		settings.user = currentUser()
	}

	sshConfigPath := filepath.Join(homeDir(), ".ssh", "config")

	// kevinburke/ssh_config doesn't understand Match, so only the part of
	// the file before the first Match block is parsed.
	content, matchLine, err := preprocessSSHConfig(sshConfigPath)
	if err != nil {
		return settings
	}

	cfg, err := ssh_config.Decode(bytes.NewReader(content))
	if err != nil {
		return settings
	}

	hostFound := false

	if hostname, _ := cfg.Get(p.Host, "HostName"); hostname != "" {
		settings.hostname = hostname
		hostFound = true
	}
	if port, _ := cfg.Get(p.Host, "Port"); port != "" && p.Port <= 0 {
		settings.port = port
		hostFound = true
	}
	if user, _ := cfg.Get(p.Host, "User"); user != "" && p.UserName == "" {
		settings.user = user
		hostFound = true
	}
	if identity, _ := cfg.Get(p.Host, "IdentityFile"); identity != "" && p.PrivateKeyFile == "" {
		settings.identityFile = expandPath(identity)
		hostFound = true
	}

	if matchLine > 0 && !hostFound {
		matchWarningOnce.Do(func() {
			log.Warn("Host '%s' not found in SSH config (config has a Match block at line %d that may hide later entries). "+
				"If this host is defined after line %d, move it earlier in ~/.ssh/config.",
				p.Host, matchLine, matchLine)
		})
	}

	return settings
}

// buildSSHConfig creates an SSH client config with authentication methods.
// It also populates settings.encryptedKeys with any keys that exist but are encrypted.
func buildSSHConfig(settings *sshSettings, p Parameters) (*ssh.ClientConfig, error) {
	if p.AuthType == AuthPassword {
		return nil, errors.New(errors.ErrSSH,
			fmt.Sprintf("Native connection to '%s' can't use password authentication", p.Host),
			"Password devices only work through the ssh binary; switch the device to key authentication for the fast path")
	}

	var authMethods []ssh.AuthMethod

	tryKeyFile := func(keyPath string) {
		keyAuth, err := keyFileAuth(keyPath)
		if err != nil {
			var encErr *EncryptedKeyError
			if stderrors.As(err, &encErr) {
				settings.encryptedKeys = append(settings.encryptedKeys, keyPath)
			}
			return
		}
		authMethods = append(authMethods, keyAuth)
	}

	if p.AuthType == AuthSpecificKey {
		tryKeyFile(expandPath(p.PrivateKeyFile))
	} else {
		if agentAuth := sshAgentAuth(); agentAuth != nil {
			authMethods = append(authMethods, agentAuth)
		}
		if settings.identityFile != "" {
			tryKeyFile(settings.identityFile)
		}
		for _, keyPath := range defaultKeyFiles() {
			if keyPath == settings.identityFile {
				continue
			}
			tryKeyFile(keyPath)
		}
	}

	if len(authMethods) == 0 {
		msg := "No SSH auth methods available"
		suggestion := "Check your keys are loaded: ssh-add -l"

		if len(settings.encryptedKeys) > 0 {
			msg = fmt.Sprintf("Found SSH key(s) but they're encrypted: %s", strings.Join(settings.encryptedKeys, ", "))
			suggestion = addKeySuggestion("Add your key(s) to the agent:\n", settings.encryptedKeys)
		}

		return nil, errors.New(errors.ErrSSH, msg, suggestion)
	}

	var hostKeyCallback ssh.HostKeyCallback
	switch p.HostKeyChecking {
	case HostKeyNone:
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // device explicitly configured without host key checking
	default:
		knownHostsPath := filepath.Join(homeDir(), ".ssh", "known_hosts")
		var err error
		hostKeyCallback, err = createHostKeyCallback(knownHostsPath, p.HostKeyChecking == HostKeyAllowNoMatch)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            settings.user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         p.EffectiveTimeout(),
	}, nil
}

// agentConn holds the reusable SSH agent connection.
var (
	agentConn     net.Conn
	agentClient   agent.ExtendedAgent
	agentConnOnce sync.Once
)

// sshAgentAuth returns an auth method using the SSH agent if available.
// Returns nil if the agent has no keys loaded.
func sshAgentAuth() ssh.AuthMethod {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil
	}

	agentConnOnce.Do(func() {
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return
		}
		agentConn = conn
		agentClient = agent.NewClient(conn)
	})

	if agentClient == nil {
		return nil
	}

	// An empty agent causes auth failures when placed before other methods.
	signers, err := agentClient.Signers()
	if err != nil || len(signers) == 0 {
		return nil
	}

	return ssh.PublicKeysCallback(agentClient.Signers)
}

// CloseAgent closes the SSH agent connection if one is open.
func CloseAgent() {
	if agentConn != nil {
		agentConn.Close()
	}
}

// keyFileAuth returns an auth method using a private key file.
// Returns EncryptedKeyError if the key requires a passphrase.
func keyFileAuth(keyPath string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if stderrors.As(err, &missing) || isEncryptedPEM(key) {
			return nil, &EncryptedKeyError{Path: keyPath}
		}
		return nil, err
	}

	return ssh.PublicKeys(signer), nil
}

func defaultKeyFiles() []string {
	return []string{
		filepath.Join(homeDir(), ".ssh", "id_ed25519"),
		filepath.Join(homeDir(), ".ssh", "id_rsa"),
		filepath.Join(homeDir(), ".ssh", "id_ecdsa"),
	}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.Getenv("HOME")
	}
	return home
}

func currentUser() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "root"
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}

func addKeySuggestion(header string, keys []string) string {
	var sb strings.Builder
	sb.WriteString(header)
	for _, key := range keys {
		if runtime.GOOS == "darwin" {
			sb.WriteString(fmt.Sprintf("  ssh-add --apple-use-keychain %s\n", key))
		} else {
			sb.WriteString(fmt.Sprintf("  ssh-add %s\n", key))
		}
	}
	sb.WriteString("\nNot sure which key? Check with: ssh -v <host>")
	return sb.String()
}

func suggestionForDialError(err error) string {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") {
		return "Is SSH running on the device? Try: ssh <host>"
	}
	if strings.Contains(errStr, "no route to host") || strings.Contains(errStr, "network is unreachable") {
		return "Can't route to the device. Check your network connection."
	}
	if strings.Contains(errStr, "timeout") {
		return "Connection timed out. The device might be offline or blocked by a firewall."
	}
	return "Make sure the device is reachable: ping <host>"
}

func suggestionForHandshakeError(err error, encryptedKeys []string) string {
	errStr := err.Error()
	if strings.Contains(errStr, "unable to authenticate") || strings.Contains(errStr, "no supported methods") {
		if len(encryptedKeys) > 0 {
			return addKeySuggestion("Your key(s) are encrypted. Add them to the agent:\n", encryptedKeys)
		}
		return "Auth failed. Check your keys are loaded: ssh-add -l"
	}
	if strings.Contains(errStr, "host key") {
		return "Host key issue. Try connecting manually first: ssh <host>"
	}
	return "Something went wrong during SSH setup. Try: ssh <host>"
}

// EncryptedKeyError is returned when an SSH key requires a passphrase.
type EncryptedKeyError struct {
	Path string
}

func (e *EncryptedKeyError) Error() string {
	return fmt.Sprintf("SSH key at %s is encrypted (passphrase protected)", e.Path)
}

// HostKeyMismatchError provides helpful context when known_hosts verification fails.
type HostKeyMismatchError struct {
	Hostname     string
	ReceivedType string
	KnownHosts   string
	Want         []knownhosts.KnownKey
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key mismatch for %s: server sent %s key", e.Hostname, e.ReceivedType)
}

// Suggestion returns actionable steps to fix the host key mismatch.
func (e *HostKeyMismatchError) Suggestion() string {
	host := e.Hostname
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	var wantTypes []string
	for _, k := range e.Want {
		wantTypes = append(wantTypes, k.Key.Type())
	}
	wantStr := "unknown"
	if len(wantTypes) > 0 {
		wantStr = strings.Join(wantTypes, ", ")
	}

	return fmt.Sprintf(
		"The device's host key doesn't match what's in known_hosts.\n"+
			"  Known types: %s\n"+
			"  Device sent: %s\n\n"+
			"  If the device was reflashed, remove the old entry:\n"+
			"    ssh-keygen -R %s",
		wantStr, e.ReceivedType, host)
}

// preprocessSSHConfig reads the SSH config and returns content up to the first Match directive.
// Also returns the line number where Match was found (0 if not found).
func preprocessSSHConfig(configPath string) ([]byte, int, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, 0, err
	}

	lines := strings.Split(string(content), "\n")
	var result []string
	matchLine := 0

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToLower(trimmed), "match ") {
			matchLine = i + 1
			break
		}
		result = append(result, line)
	}

	return []byte(strings.Join(result, "\n")), matchLine, nil
}

func isEncryptedPEM(data []byte) bool {
	return bytes.Contains(data, []byte("ENCRYPTED"))
}

// createHostKeyCallback wraps the knownhosts callback to provide better error
// messages. With acceptUnknown, hosts absent from known_hosts are let through
// while changed keys are still refused.
func createHostKeyCallback(knownHostsPath string, acceptUnknown bool) (ssh.HostKeyCallback, error) {
	if _, err := os.Stat(knownHostsPath); os.IsNotExist(err) {
		dir := filepath.Dir(knownHostsPath)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create .ssh directory: %w", err)
		}
		if err := os.WriteFile(knownHostsPath, []byte{}, 0600); err != nil {
			return nil, fmt.Errorf("failed to create known_hosts: %w", err)
		}
	}

	callback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, err
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := callback(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if stderrors.As(err, &keyErr) {
			if len(keyErr.Want) > 0 {
				return &HostKeyMismatchError{
					Hostname:     hostname,
					ReceivedType: key.Type(),
					KnownHosts:   knownHostsPath,
					Want:         keyErr.Want,
				}
			}
			if acceptUnknown {
				return nil
			}
		}
		return err
	}, nil
}
