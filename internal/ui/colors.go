package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// ANSI palette. Plain color numbers follow the user's terminal theme.
const (
	ColorSuccess lipgloss.Color = "2"
	ColorError   lipgloss.Color = "1"
	ColorWarning lipgloss.Color = "3"
	ColorInfo    lipgloss.Color = "6"

	ColorPrimary   lipgloss.Color = "7"
	ColorSecondary lipgloss.Color = "4"
	ColorMuted     lipgloss.Color = "8"
)

// spinnerColors cycle while a spinner animates.
var spinnerColors = []lipgloss.Color{ColorSecondary, ColorInfo, "5", ColorInfo}

// DisableColors renders every style as plain text (--no-color, NO_COLOR).
func DisableColors() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// ColorsEnabled reports whether styles produce escape sequences.
func ColorsEnabled() bool {
	return lipgloss.ColorProfile() != termenv.Ascii
}

func styled(c lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(c)
}
