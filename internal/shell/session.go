// Package shell keeps one long-lived /bin/sh running on a device and runs
// short commands through it one at a time.
//
// Every command is wrapped in a frame: it runs in a subshell, then the
// session prints a per-command marker and the exit code on stdout and the
// same marker on stderr. Output is collected until both markers arrive.
// Standard input for a command is sent inline as a base64 here-document, so
// the session's own stdin is never handed to a command.
package shell

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/logger"
	"github.com/rileyhilliard/rdev/pkg/sshutil"
)

// handshakeSlack is added to the connection timeout for the first round trip.
const handshakeSlack = 5 * time.Second

// closeGrace is how long Close waits for the shell to exit on EOF before
// killing the ssh process.
const closeGrace = 2 * time.Second

// maxStray bounds the stderr kept from between commands.
const maxStray = 4096

const markerPrefix = "rdev"

// markerLine matches a frame marker line, with or without the exit code.
var markerLine = regexp.MustCompile(`^` + markerPrefix + `[0-9a-f]{32}( -?[0-9]+)?$`)

// Result is the outcome of one command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// OK reports whether the command exited with code 0.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// Options configures Start.
type Options struct {
	SSHBinary string
	Params    sshutil.Parameters
	Log       logger.Logger
}

// Session is one /bin/sh on a device, reached through its own ssh process.
type Session struct {
	host  string
	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   <-chan []byte
	errs  <-chan []byte
	log   logger.Logger

	queue chan *request
	done  chan struct{}

	// stray holds stderr that arrived between commands, owned by work.
	stray []byte

	stopping  atomic.Bool
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

type request struct {
	ctx     context.Context
	command string
	stdin   []byte
	reply   chan reply
}

type reply struct {
	res Result
	err error
}

// Start launches ssh with /bin/sh as the remote command and waits for a
// first round trip to succeed.
func Start(ctx context.Context, opts Options) (*Session, error) {
	log := opts.Log
	if log == nil {
		log = logger.Noop()
	}
	bin := opts.SSHBinary
	if bin == "" {
		bin = "ssh"
	}

	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrSSH,
			fmt.Sprintf("Can't find the ssh binary '%s'", bin),
			"Install OpenSSH, or point ssh_binary in the config at it")
	}

	args := append(opts.Params.ConnectionOptions(), "-T", opts.Params.Host, "/bin/sh")
	cmd := exec.Command(path, args...)
	cmd.Env = opts.Params.CommandEnv()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrSession, "Failed to set up the device shell", "")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrSession, "Failed to set up the device shell", "")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrSession, "Failed to set up the device shell", "")
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrSSH,
			fmt.Sprintf("Failed to start ssh for %s", opts.Params.Host),
			"Check that the ssh binary is executable")
	}
	log.Debug("shell started for %s (pid %d)", opts.Params.UserAtHost(), cmd.Process.Pid)

	outDone := make(chan struct{})
	errDone := make(chan struct{})
	s := &Session{
		host:  opts.Params.Host,
		cmd:   cmd,
		stdin: stdin,
		out:   pump(stdout, outDone),
		errs:  pump(stderr, errDone),
		log:   log,
		queue: make(chan *request),
		done:  make(chan struct{}),
	}

	go s.wait(outDone, errDone)
	go s.work()

	hctx, cancel := context.WithTimeout(ctx, opts.Params.EffectiveTimeout()+handshakeSlack)
	defer cancel()
	res, err := s.Run(hctx, "echo", nil)
	if err == nil && !res.OK() {
		err = fmt.Errorf("handshake exited with code %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	if err != nil {
		s.Close()
		return nil, errors.WrapWithCode(err, errors.ErrSSH,
			fmt.Sprintf("Couldn't open a shell on %s", opts.Params.UserAtHost()),
			"Check that 'ssh "+opts.Params.UserAtHost()+"' works from this machine")
	}
	return s, nil
}

// pump copies r into a channel of chunks until EOF.
func pump(r io.Reader, finished chan<- struct{}) <-chan []byte {
	ch := make(chan []byte, 16)
	go func() {
		defer close(finished)
		defer close(ch)
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				ch <- append([]byte(nil), buf[:n]...)
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

func (s *Session) wait(outDone, errDone <-chan struct{}) {
	<-outDone
	<-errDone
	err := s.cmd.Wait()

	if !s.stopping.Load() {
		if err == nil {
			err = fmt.Errorf("remote shell exited")
		}
		s.mu.Lock()
		if s.err == nil {
			s.err = errors.WrapWithCode(err, errors.ErrSession,
				fmt.Sprintf("Lost the shell on %s", s.host),
				"The device may have rebooted or dropped off the network")
		}
		s.mu.Unlock()
		s.log.Warn("shell on %s exited unexpectedly: %v", s.host, err)
	} else {
		s.log.Debug("shell on %s closed", s.host)
	}
	close(s.done)
}

// work executes queued commands in order. Output arriving between commands
// is drained and dropped.
func (s *Session) work() {
	out, errs := s.out, s.errs
	for {
		select {
		case req := <-s.queue:
			if err := req.ctx.Err(); err != nil {
				req.reply <- reply{err: err}
				continue
			}
			if err := s.Err(); err != nil {
				req.reply <- reply{err: err}
				continue
			}
			if out == nil || errs == nil {
				req.reply <- reply{err: s.exitedError(nil)}
				continue
			}
			res, err := s.exec(req, &out, &errs)
			req.reply <- reply{res: res, err: err}

		case b, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			s.log.Debug("dropping %d stray stdout bytes from %s", len(b), s.host)

		case b, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.stray = append(s.stray, b...)
			if len(s.stray) > maxStray {
				s.stray = s.stray[len(s.stray)-maxStray:]
			}

		case <-s.done:
			return
		}
	}
}

func (s *Session) exec(req *request, out, errs *<-chan []byte) (Result, error) {
	marker := markerPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := io.WriteString(s.stdin, frameScript(req.command, req.stdin, marker)); err != nil {
		return Result{}, s.exitedError(nil)
	}

	var stdout, stderr bytes.Buffer
	var res Result
	outDone, errDone := false, false

	for !outDone || !errDone {
		select {
		case b, ok := <-*out:
			if !ok {
				*out = nil
				if *errs != nil {
					for b := range *errs {
						stderr.Write(b)
					}
					*errs = nil
				}
				return Result{}, s.exitedError(stderr.Bytes())
			}
			if outDone {
				continue
			}
			stdout.Write(b)
			if body, code, found := cutStdout(stdout.Bytes(), marker); found {
				res.Stdout = append([]byte(nil), body...)
				res.ExitCode = code
				outDone = true
			}

		case b, ok := <-*errs:
			if !ok {
				*errs = nil
				if *out != nil {
					for range *out {
					}
					*out = nil
				}
				return Result{}, s.exitedError(stderr.Bytes())
			}
			if errDone {
				continue
			}
			stderr.Write(b)
			if body, found := cutStderr(stderr.Bytes(), marker); found {
				res.Stderr = append([]byte(nil), body...)
				errDone = true
			}

		case <-req.ctx.Done():
			s.abandon(req.command, req.ctx.Err())
			return Result{}, req.ctx.Err()
		}
	}
	return res, nil
}

// abandon kills ssh after a command outlived its caller. The shell is out
// of step with the frames from then on, so the session counts as lost: Err
// reports it and Done closes once ssh is gone.
func (s *Session) abandon(command string, cause error) {
	if s.stopping.Load() {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = errors.WrapWithCode(cause, errors.ErrSession,
			fmt.Sprintf("Gave up waiting for '%s' on %s", command, s.host),
			"The shell is restarted when the device reconnects")
	}
	s.mu.Unlock()
	s.log.Warn("command on %s did not finish in time (%v), dropping the shell", s.host, cause)
	_ = s.cmd.Process.Kill()
}

func (s *Session) exitedError(stderr []byte) error {
	return errors.New(errors.ErrSession,
		fmt.Sprintf("The shell on %s exited", s.host),
		withoutMarkers(string(s.stray)+string(stderr)))
}

// withoutMarkers drops frame marker lines from shell output and trims it.
func withoutMarkers(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if !markerLine.MatchString(strings.TrimSpace(l)) {
			kept = append(kept, l)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// frameScript renders command as a framed block for the session shell.
func frameScript(command string, stdin []byte, marker string) string {
	var b strings.Builder
	if stdin == nil {
		fmt.Fprintf(&b, "(\n%s\n) </dev/null\n", command)
	} else {
		fmt.Fprintf(&b, "base64 -d <<'%s' | (\n", marker)
		enc := base64.StdEncoding.EncodeToString(stdin)
		for len(enc) > 76 {
			b.WriteString(enc[:76])
			b.WriteByte('\n')
			enc = enc[76:]
		}
		if enc != "" {
			b.WriteString(enc)
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s\n%s\n)\n", marker, command)
	}
	fmt.Fprintf(&b, "printf '\\n%%s %%d\\n' %s \"$?\"\n", marker)
	fmt.Fprintf(&b, "printf '\\n%%s\\n' %s >&2\n", marker)
	return b.String()
}

// cutStdout finds "\n<marker> <code>\n" and returns what precedes it.
func cutStdout(buf []byte, marker string) ([]byte, int, bool) {
	tag := []byte("\n" + marker + " ")
	i := bytes.Index(buf, tag)
	if i < 0 {
		return nil, 0, false
	}
	rest := buf[i+len(tag):]
	j := bytes.IndexByte(rest, '\n')
	if j < 0 {
		return nil, 0, false
	}
	code, err := strconv.Atoi(string(rest[:j]))
	if err != nil {
		code = -1
	}
	return buf[:i], code, true
}

// cutStderr finds "\n<marker>\n" and returns what precedes it.
func cutStderr(buf []byte, marker string) ([]byte, bool) {
	before, _, found := bytes.Cut(buf, []byte("\n"+marker+"\n"))
	return before, found
}

// Run executes command in the session and waits for it. stdin, when not nil,
// becomes the command's standard input. Commands run strictly in the order
// they were submitted. Cancelling ctx before the command starts just drops
// it; cancelling while it runs kills the session (see Err).
func (s *Session) Run(ctx context.Context, command string, stdin []byte) (Result, error) {
	req := &request{ctx: ctx, command: command, stdin: stdin, reply: make(chan reply, 1)}

	select {
	case s.queue <- req:
	case <-s.done:
		return Result{}, s.closedError()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case r := <-req.reply:
		return r.res, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Done is closed once the shell process has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the shell exited. It is nil while running and after a
// requested Close; non-nil means the shell died on its own or a command
// was cancelled while running.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) closedError() error {
	if err := s.Err(); err != nil {
		return err
	}
	return errors.New(errors.ErrSession,
		fmt.Sprintf("The shell on %s is closed", s.host),
		"Reconnect the device")
}

// Close ends the shell. It closes stdin and kills ssh if the shell doesn't
// exit promptly. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.stopping.Store(true)
		s.stdin.Close()
		select {
		case <-s.done:
		case <-time.After(closeGrace):
			_ = s.cmd.Process.Kill()
			<-s.done
		}
	})
	return nil
}
