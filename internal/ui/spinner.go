package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// SpinnerState is where a spinner is in its life.
type SpinnerState int

const (
	SpinnerPending SpinnerState = iota
	SpinnerInProgress
	SpinnerSuccess
	SpinnerFailed
	SpinnerSkipped
)

var spinnerFrames = []string{"◐", "◓", "◑", "◒"}

// Spinner shows one in-progress line that ends in a final status line.
// Without animation it prints the start line once and then the result.
type Spinner struct {
	mu        sync.Mutex
	out       io.Writer
	label     string
	state     SpinnerState
	frame     int
	started   time.Time
	animated  bool
	stop      chan struct{}
	done      chan struct{}
	lastWidth int
}

// NewSpinner returns a spinner writing to out. animated should be true
// only when out is a terminal.
func NewSpinner(out io.Writer, label string, animated bool) *Spinner {
	return &Spinner{out: out, label: label, animated: animated}
}

// Start shows the spinner. Calling Start twice is a no-op.
func (s *Spinner) Start() {
	s.mu.Lock()
	if s.state != SpinnerPending {
		s.mu.Unlock()
		return
	}
	s.state = SpinnerInProgress
	s.started = time.Now()
	if !s.animated {
		fmt.Fprintf(s.out, "%s %s...\n", styled(ColorSecondary).Render(SymbolProgress), s.label)
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.renderLocked()
	s.mu.Unlock()

	go s.animate()
}

// SetLabel changes the label, including the one shown by the final line.
func (s *Spinner) SetLabel(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.label = label
}

// Label returns the current label.
func (s *Spinner) Label() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.label
}

// State returns the current state.
func (s *Spinner) State() SpinnerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Success ends the spinner with a success line.
func (s *Spinner) Success() { s.finish(SpinnerSuccess) }

// Fail ends the spinner with a failure line.
func (s *Spinner) Fail() { s.finish(SpinnerFailed) }

// Skip ends the spinner with a skipped line.
func (s *Spinner) Skip() { s.finish(SpinnerSkipped) }

func (s *Spinner) finish(state SpinnerState) {
	s.mu.Lock()
	if s.state != SpinnerInProgress {
		s.mu.Unlock()
		return
	}
	stop, done := s.stop, s.done
	s.state = state
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()

	var symbol string
	var style lipgloss.Style
	switch state {
	case SpinnerSuccess:
		symbol, style = SymbolComplete, styled(ColorSuccess)
	case SpinnerFailed:
		symbol, style = SymbolFail, styled(ColorError)
	default:
		symbol, style = SymbolSkipped, styled(ColorWarning)
	}
	fmt.Fprintf(s.out, "%s %s %s\n", style.Render(symbol), s.label,
		styled(ColorMuted).Render(formatDuration(time.Since(s.started))))
}

func (s *Spinner) animate() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.frame++
			s.renderLocked()
			s.mu.Unlock()
		}
	}
}

func (s *Spinner) renderLocked() {
	frame := spinnerFrames[s.frame%len(spinnerFrames)]
	color := spinnerColors[(s.frame/2)%len(spinnerColors)]
	line := fmt.Sprintf("%s %s...", styled(color).Render(frame), s.label)
	s.clearLocked()
	fmt.Fprint(s.out, line)
	s.lastWidth = lipgloss.Width(line)
}

func (s *Spinner) clearLocked() {
	if s.lastWidth > 0 {
		fmt.Fprint(s.out, "\r"+strings.Repeat(" ", s.lastWidth)+"\r")
		s.lastWidth = 0
	}
}

// formatDuration formats short durations for status lines, e.g. "0.3s".
func formatDuration(d time.Duration) string {
	secs := d.Seconds()
	if secs < 0.1 {
		return fmt.Sprintf("%.2fs", secs)
	}
	return fmt.Sprintf("%.1fs", secs)
}
