// Package ui provides the styles used for plugin host terminal output.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/felixgeelhaar/pluginhost/internal/domain/lifecycle"
)

// Theme colors (Catppuccin Mocha inspired).
var (
	ColorPrimary = lipgloss.AdaptiveColor{Light: "#1e66f5", Dark: "#89b4fa"} // Blue
	ColorSuccess = lipgloss.AdaptiveColor{Light: "#40a02b", Dark: "#a6e3a1"} // Green
	ColorWarning = lipgloss.AdaptiveColor{Light: "#df8e1d", Dark: "#f9e2af"} // Yellow
	ColorError   = lipgloss.AdaptiveColor{Light: "#d20f39", Dark: "#f38ba8"} // Red
	ColorMuted   = lipgloss.AdaptiveColor{Light: "#6c6f85", Dark: "#6c7086"} // Overlay0
)

// Styles contains reusable lipgloss styles for CLI reports.
type Styles struct {
	Title   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Info    lipgloss.Style
	Muted   lipgloss.Style
}

// DefaultStyles returns the default report styles.
func DefaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary),
		Success: lipgloss.NewStyle().
			Foreground(ColorSuccess),
		Warning: lipgloss.NewStyle().
			Foreground(ColorWarning),
		Error: lipgloss.NewStyle().
			Foreground(ColorError),
		Info: lipgloss.NewStyle().
			Foreground(ColorPrimary),
		Muted: lipgloss.NewStyle().
			Foreground(ColorMuted),
	}
}

// Title title-cases a word for display.
func Title(word string) string {
	return cases.Title(language.English).String(word)
}

// StateLabel renders a lifecycle state as a colored, title-cased label.
func (s Styles) StateLabel(state lifecycle.State) string {
	label := Title(string(state))
	switch state {
	case lifecycle.StateStarted:
		return s.Success.Render(label)
	case lifecycle.StateFailed:
		return s.Error.Render(label)
	case lifecycle.StateResolved:
		return s.Info.Render(label)
	case lifecycle.StateStopped, lifecycle.StateDeleted:
		return s.Muted.Render(label)
	default:
		return label
	}
}

// Symbol returns a status marker: a check for ok, a warning sign for
// degraded and a cross otherwise.
func (s Styles) Symbol(ok, degraded bool) string {
	switch {
	case ok && degraded:
		return s.Warning.Render("!")
	case ok:
		return s.Success.Render("✓")
	default:
		return s.Error.Render("✗")
	}
}
