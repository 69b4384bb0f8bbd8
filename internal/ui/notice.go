package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Notice shows device connection progress. It implements device.Notifier.
type Notice struct {
	mu       sync.Mutex
	out      io.Writer
	animated bool
	quiet    bool
	active   map[string]*Spinner
}

// NewNotice returns a Notice writing to out, usually stderr.
func NewNotice(out io.Writer, animated bool) *Notice {
	return &Notice{out: out, animated: animated, active: make(map[string]*Spinner)}
}

// SetQuiet hides progress. Lost connections are still reported.
func (n *Notice) SetQuiet(quiet bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.quiet = quiet
}

func (n *Notice) Connecting(device string) {
	n.mu.Lock()
	if n.quiet {
		n.mu.Unlock()
		return
	}
	prev := n.active[device]
	s := NewSpinner(n.out, fmt.Sprintf("Connecting to %s", device), n.animated)
	n.active[device] = s
	n.mu.Unlock()

	if prev != nil {
		prev.Skip()
	}
	s.Start()
}

func (n *Notice) Connected(device string, fast bool, os string) {
	path := "shell"
	if fast {
		path = "sftp"
	}
	label := fmt.Sprintf("Connected to %s (%s, %s file access)", device, os, path)

	if s := n.take(device); s != nil {
		s.SetLabel(label)
		s.Success()
	}
}

func (n *Notice) ConnectFailed(device string, err error) {
	if s := n.take(device); s != nil {
		s.SetLabel(fmt.Sprintf("Couldn't connect to %s", device))
		s.Fail()
	}
}

func (n *Notice) Lost(device string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	msg := fmt.Sprintf("Lost connection to %s", device)
	if err != nil {
		msg += ": " + firstLine(err.Error())
	}
	fmt.Fprintf(n.out, "%s %s\n", styled(ColorError).Render(SymbolFail), msg)
}

func (n *Notice) take(device string) *Spinner {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.active[device]
	delete(n.active, device)
	return s
}

func firstLine(s string) string {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), SymbolFail))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
