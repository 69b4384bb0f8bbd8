package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/rileyhilliard/rdev/internal/transfer"
)

// TransferProgress renders transfer events as one status line with a bar.
// Handle is safe to call from the transfer worker goroutines.
type TransferProgress struct {
	mu        sync.Mutex
	out       io.Writer
	label     string
	bar       progress.Model
	animated  bool
	started   time.Time
	percent   float64
	stage     string
	detail    string
	files     int
	lastWidth int
}

// NewTransferProgress returns a progress line writing to out. Without
// animation only the final line is printed.
func NewTransferProgress(out io.Writer, label string, animated bool) *TransferProgress {
	bar := progress.New(
		progress.WithSolidFill(string(ColorSuccess)),
		progress.WithWidth(30),
		progress.WithoutPercentage(),
	)
	bar.EmptyColor = string(ColorMuted)

	return &TransferProgress{
		out:      out,
		label:    label,
		bar:      bar,
		animated: animated,
		started:  time.Now(),
	}
}

// Handle records one event and redraws the line.
func (p *TransferProgress) Handle(ev transfer.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case transfer.ProgressDir:
		p.stage = "creating directories"
		p.percent = fraction(ev.Done, ev.Total)
		p.detail = ev.Path
	case transfer.ProgressFile:
		p.stage = "copying"
		p.percent = fraction(ev.Done, ev.Total)
		p.detail = fmt.Sprintf("%d/%d %s", ev.Done, ev.Total, ev.Path)
		p.files = ev.Done
	case transfer.ProgressRsync:
		if ev.Rsync == nil {
			return
		}
		p.stage = "syncing"
		p.percent = float64(ev.Rsync.Percentage) / 100
		parts := []string{humanize.IBytes(uint64(ev.Rsync.BytesTransferred)), ev.Rsync.Speed}
		if ev.Rsync.TimeRemaining != "" && ev.Rsync.TimeRemaining != "0:00:00" {
			parts = append(parts, "ETA "+ev.Rsync.TimeRemaining)
		}
		p.detail = strings.Join(parts, " · ")
		if ev.Rsync.FileCount > 0 {
			p.files = ev.Rsync.FileCount
		}
	default:
		return
	}

	if p.animated {
		p.renderLocked()
	}
}

// Finish replaces the progress line with the outcome.
func (p *TransferProgress) Finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked()

	timing := styled(ColorMuted).Render(formatDuration(time.Since(p.started)))
	if err != nil {
		fmt.Fprintf(p.out, "%s %s %s\n", styled(ColorError).Render(SymbolFail), p.label, timing)
		return
	}
	summary := p.label
	if p.files > 0 {
		summary += fmt.Sprintf(" (%d files)", p.files)
	}
	fmt.Fprintf(p.out, "%s %s %s\n", styled(ColorSuccess).Render(SymbolComplete), summary, timing)
}

func (p *TransferProgress) renderLocked() {
	line := fmt.Sprintf("%s %s %s %3.0f%% %s",
		styled(ColorSecondary).Render(SymbolProgress),
		p.label,
		p.bar.ViewAs(p.percent),
		p.percent*100,
		styled(ColorMuted).Render(p.stage+" "+p.detail),
	)
	p.clearLocked()
	fmt.Fprint(p.out, line)
	p.lastWidth = lipgloss.Width(line)
}

func (p *TransferProgress) clearLocked() {
	if p.lastWidth > 0 {
		fmt.Fprint(p.out, "\r"+strings.Repeat(" ", p.lastWidth)+"\r")
		p.lastWidth = 0
	}
}

func fraction(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	f := float64(done) / float64(total)
	if f > 1 {
		return 1
	}
	return f
}
