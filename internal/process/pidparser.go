package process

import (
	"bytes"
	"io"
	"strconv"
	"sync"
)

// maxTail bounds the stderr kept for diagnostics.
const maxTail = 4096

// pidParser sits between ssh's output and the consumer. Output is held back
// until __qtc<pid>__qtc shows up on stdout. Then the stdout after the marker
// and all stderr so far are flushed once, and later writes pass through.
// Stdout before the marker (login banners, profile noise) is dropped.
type pidParser struct {
	mu      sync.Mutex
	found   bool
	pid     int
	out     bytes.Buffer
	errs    bytes.Buffer
	tail    []byte
	stdout  io.Writer
	stderr  io.Writer
	started func(pid int)
}

func newPIDParser(stdout, stderr io.Writer, started func(pid int)) *pidParser {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	return &pidParser{stdout: stdout, stderr: stderr, started: started}
}

func (p *pidParser) Stdout() io.Writer { return parserWriter{p, false} }
func (p *pidParser) Stderr() io.Writer { return parserWriter{p, true} }

type parserWriter struct {
	p      *pidParser
	stderr bool
}

func (w parserWriter) Write(b []byte) (int, error) {
	if w.stderr {
		w.p.writeErr(b)
	} else {
		w.p.writeOut(b)
	}
	return len(b), nil
}

func (p *pidParser) writeOut(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.found {
		_, _ = p.stdout.Write(b)
		return
	}

	p.out.Write(b)
	pid, rest, ok := findPID(p.out.Bytes())
	if !ok {
		return
	}

	p.found = true
	p.pid = pid
	if len(rest) > 0 {
		_, _ = p.stdout.Write(rest)
	}
	if p.errs.Len() > 0 {
		_, _ = p.stderr.Write(p.errs.Bytes())
	}
	p.out.Reset()
	p.errs.Reset()
	if p.started != nil {
		p.started(pid)
	}
}

func (p *pidParser) writeErr(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tail = append(p.tail, b...)
	if len(p.tail) > maxTail {
		p.tail = p.tail[len(p.tail)-maxTail:]
	}

	if p.found {
		_, _ = p.stderr.Write(b)
		return
	}
	p.errs.Write(b)
}

// Found reports whether the PID marker was seen.
func (p *pidParser) Found() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.found
}

// PID returns the parsed PID, 0 if not found yet.
func (p *pidParser) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// StderrTail returns the last few KB of stderr seen so far.
func (p *pidParser) StderrTail() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.tail...)
}

// findPID looks for Marker<digits>Marker in buf and returns the PID and the
// bytes after the closing marker, minus the newline echo printed with it.
func findPID(buf []byte) (int, []byte, bool) {
	m := []byte(Marker)
	offset := 0
	for {
		i := bytes.Index(buf[offset:], m)
		if i < 0 {
			return 0, nil, false
		}
		start := offset + i + len(m)
		j := bytes.Index(buf[start:], m)
		if j < 0 {
			return 0, nil, false
		}
		digits := buf[start : start+j]
		if pid, err := strconv.Atoi(string(digits)); err == nil && pid > 0 {
			rest := buf[start+j+len(m):]
			if len(rest) == 0 {
				// Wait for the newline so it isn't passed through later.
				return 0, nil, false
			}
			if rest[0] == '\n' {
				rest = rest[1:]
			} else if len(rest) > 1 && rest[0] == '\r' && rest[1] == '\n' {
				rest = rest[2:]
			}
			return pid, rest, true
		}
		offset = start
	}
}
