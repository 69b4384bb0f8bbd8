package ui

import (
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

// TableColumn is a column title and width.
type TableColumn struct {
	Title string
	Width int
}

// RenderTable renders rows as a static table. Columns with a zero width
// are sized to their widest cell.
func RenderTable(columns []TableColumn, rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}

	cols := make([]table.Column, len(columns))
	for i, c := range columns {
		width := c.Width
		if width == 0 {
			width = lipgloss.Width(c.Title)
			for _, r := range rows {
				if i < len(r) && lipgloss.Width(r[i]) > width {
					width = lipgloss.Width(r[i])
				}
			}
		}
		cols[i] = table.Column{Title: c.Title, Width: width}
	}
	tableRows := make([]table.Row, len(rows))
	for i, r := range rows {
		tableRows[i] = table.Row(r)
	}

	t := table.New(
		table.WithColumns(cols),
		table.WithRows(tableRows),
		table.WithFocused(false),
		table.WithHeight(len(rows)+1),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(ColorMuted).
		BorderBottom(true).
		Bold(true)
	s.Cell = s.Cell.Foreground(ColorPrimary)
	// Nothing is focused, so the selected row looks like any other.
	s.Selected = s.Cell
	t.SetStyles(s)
	return t.View()
}

// CheckRow is one line of a check report.
type CheckRow struct {
	Status     string // "pass", "warn" or "fail"
	Name       string
	Message    string
	Suggestion string
}

// RenderChecks renders check results with a status symbol per line and
// suggestions under anything that didn't pass.
func RenderChecks(title string, rows []CheckRow) string {
	var b strings.Builder
	b.WriteString(lipgloss.NewStyle().Bold(true).Render(title))
	b.WriteString("\n")

	width := 0
	for _, r := range rows {
		if len(r.Name) > width {
			width = len(r.Name)
		}
	}

	for _, r := range rows {
		var icon string
		switch r.Status {
		case "pass":
			icon = styled(ColorSuccess).Render(SymbolComplete)
		case "warn":
			icon = styled(ColorWarning).Render(SymbolWarning)
		case "fail":
			icon = styled(ColorError).Render(SymbolFail)
		default:
			icon = styled(ColorMuted).Render(SymbolPending)
		}
		b.WriteString("  " + icon + " " + r.Name + strings.Repeat(" ", width-len(r.Name)) + "  " + r.Message + "\n")
		if r.Suggestion != "" && r.Status != "pass" {
			for _, line := range strings.Split(r.Suggestion, "\n") {
				b.WriteString("      " + styled(ColorMuted).Render(line) + "\n")
			}
		}
	}
	return b.String()
}
