package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// watchHistory is how many transitions the watch view keeps on screen.
const watchHistory = 8

// watchSpinner matches the standalone Spinner's animation.
var watchSpinner = spinner.Spinner{
	Frames: []string{"◐", "◓", "◑", "◒"},
	FPS:    time.Second / 10,
}

// StateChangeMsg reports a device state transition to a WatchModel.
type StateChangeMsg struct {
	From, To string
	At       time.Time
}

// WatchModel is a Bubble Tea model showing one device's live connection
// state until the user quits or the connection drops.
type WatchModel struct {
	name    string
	address string
	state   string
	since   time.Time
	history []string
	spinner spinner.Model
	lost    bool
	quit    bool
}

// NewWatchModel returns a watch view for a device currently in state.
func NewWatchModel(name, address, state string) WatchModel {
	sp := spinner.New()
	sp.Spinner = watchSpinner
	sp.Style = styled(ColorSecondary)
	return WatchModel{
		name:    name,
		address: address,
		state:   state,
		since:   time.Now(),
		spinner: sp,
	}
}

// Lost reports whether the view ended because the connection dropped.
func (m WatchModel) Lost() bool { return m.lost }

func (m WatchModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quit = true
			return m, tea.Quit
		}
	case StateChangeMsg:
		m.state = msg.To
		m.since = msg.At
		m.history = append(m.history, fmt.Sprintf("%s  %s -> %s", msg.At.Format("15:04:05"), msg.From, msg.To))
		if len(m.history) > watchHistory {
			m.history = m.history[len(m.history)-watchHistory:]
		}
		if msg.To == "disconnected" {
			m.lost = true
			return m, tea.Quit
		}
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m WatchModel) View() string {
	var b strings.Builder
	b.WriteString(lipgloss.NewStyle().Bold(true).Render(m.name))
	b.WriteString("  " + styled(ColorMuted).Render(m.address) + "\n\n")

	var icon string
	switch m.state {
	case "ready":
		icon = styled(ColorSuccess).Render(SymbolComplete)
	case "disconnected":
		icon = styled(ColorError).Render(SymbolFail)
	default:
		icon = m.spinner.View()
	}
	fmt.Fprintf(&b, "%s %s %s\n", icon, m.state,
		styled(ColorMuted).Render("for "+time.Since(m.since).Truncate(time.Second).String()))

	if len(m.history) > 0 {
		b.WriteString("\n")
		for _, h := range m.history {
			b.WriteString("  " + styled(ColorMuted).Render(h) + "\n")
		}
	}
	if !m.lost && !m.quit {
		b.WriteString("\n" + styled(ColorMuted).Render("q to disconnect") + "\n")
	}
	return b.String()
}
