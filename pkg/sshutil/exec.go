package sshutil

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/rileyhilliard/rdev/internal/errors"
	"golang.org/x/crypto/ssh"
)

// Exec runs a command on the remote host and returns the output.
// Exit code is -1 if the command couldn't be executed at all.
func (c *Client) Exec(cmd string) (stdout, stderr []byte, exitCode int, err error) {
	var stdoutBuf, stderrBuf bytes.Buffer
	exitCode, err = c.run(cmd, nil, &stdoutBuf, &stderrBuf)
	if err != nil {
		return nil, nil, exitCode, err
	}
	return stdoutBuf.Bytes(), stderrBuf.Bytes(), exitCode, nil
}

// ExecInput runs a command with stdin fed from input.
func (c *Client) ExecInput(cmd string, input []byte) (stdout, stderr []byte, exitCode int, err error) {
	var stdoutBuf, stderrBuf bytes.Buffer
	exitCode, err = c.run(cmd, bytes.NewReader(input), &stdoutBuf, &stderrBuf)
	if err != nil {
		return nil, nil, exitCode, err
	}
	return stdoutBuf.Bytes(), stderrBuf.Bytes(), exitCode, nil
}

// ExecStream runs a command and streams output to the provided writers.
func (c *Client) ExecStream(cmd string, stdout, stderr io.Writer) (exitCode int, err error) {
	return c.run(cmd, nil, stdout, stderr)
}

// Alive sends a keepalive request and reports whether the server answered.
func (c *Client) Alive() bool {
	_, _, err := c.Client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

func (c *Client) run(cmd string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	session, err := c.Client.NewSession()
	if err != nil {
		return -1, errors.WrapWithCode(err, errors.ErrSSH,
			"Failed to create SSH session",
			"Connection may have been closed. Try reconnecting.")
	}
	defer session.Close()

	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = stderr

	if err := session.Run(cmd); err != nil {
		var exitErr *ssh.ExitError
		if stderrors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return -1, errors.WrapWithCode(err, errors.ErrExec,
			fmt.Sprintf("Failed to execute command: %s", cmd),
			"Check if the command exists on the device.")
	}
	return 0, nil
}
