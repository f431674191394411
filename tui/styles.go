package tui

import "github.com/charmbracelet/lipgloss"

// Theme colors
var (
	colorPrimary = lipgloss.Color("#7C3AED")
	colorAccent  = lipgloss.Color("#06B6D4")
	colorMuted   = lipgloss.Color("#6B7280")
	colorError   = lipgloss.Color("#EF4444")
	colorWarning = lipgloss.Color("#F59E0B")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	userStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	agentStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError)
	statusStyle  = lipgloss.NewStyle().Foreground(colorWarning).Italic(true)
	spinnerStyle = lipgloss.NewStyle().Foreground(colorAccent)
	inputStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 1)
)
