// Package ui renders rdev's terminal output with Lip Gloss.
//
//	Spinner          - one in-progress line that ends in a status line
//	Notice           - device connection notices (connecting, connected, lost)
//	TransferProgress - push/pull progress bar fed by transfer events
//	RenderTable      - static tables for listings
//	RenderChecks     - pass/warn/fail reports from rdev test
//	WatchModel       - Bubble Tea view of a held connection
//
// Colors are ANSI palette numbers so output follows the terminal theme.
// DisableColors switches to plain text for --no-color and NO_COLOR.
package ui
