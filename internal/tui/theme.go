// Package tui provides shared theme and styles for the relayctl dashboard.
package tui

import "github.com/charmbracelet/lipgloss"

// Colors — brand palette.
var (
	ColorPrimary   = lipgloss.Color("#7C3AED") // violet
	ColorSecondary = lipgloss.Color("#6366F1") // indigo
	ColorAccent    = lipgloss.Color("#F59E0B") // amber

	ColorSuccess = lipgloss.Color("#10B981") // emerald
	ColorWarning = lipgloss.Color("#F59E0B") // amber
	ColorError   = lipgloss.Color("#EF4444") // red
	ColorMuted   = lipgloss.Color("#6B7280") // gray-500
	ColorText    = lipgloss.Color("#E5E7EB") // gray-200
	ColorSubtle  = lipgloss.Color("#9CA3AF") // gray-400
)

// Shared styles used across the dashboard.
var (
	// Title is the main heading style.
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary).
		MarginBottom(1)

	// Subtitle for secondary headings.
	Subtitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorSecondary)

	// Description for helper text.
	Description = lipgloss.NewStyle().
			Foreground(ColorSubtle)

	// Selected highlights the currently focused item.
	Selected = lipgloss.NewStyle().
			Foreground(ColorPrimary).
			Bold(true)

	// Dimmed for non-focused items.
	Dimmed = lipgloss.NewStyle().
		Foreground(ColorMuted)

	// Success for positive messages.
	Success = lipgloss.NewStyle().
		Foreground(ColorSuccess)

	// ErrorStyle for error messages (avoiding collision with builtin error).
	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	// WarningStyle for warning messages.
	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	// Help for keybind hints at the bottom.
	Help = lipgloss.NewStyle().
		Foreground(ColorMuted)

	// ActiveDot represents connected status.
	ActiveDot = lipgloss.NewStyle().
			Foreground(ColorSuccess).
			Render("●")

	// InactiveDot represents disconnected status.
	InactiveDot = lipgloss.NewStyle().
			Foreground(ColorError).
			Render("●")

	// WarnDot represents reconnecting status.
	WarnDot = lipgloss.NewStyle().
		Foreground(ColorWarning).
		Render("●")
)

// StatusDot returns a colored dot for broker connection status.
func StatusDot(connected bool, reconnecting bool) string {
	if reconnecting {
		return WarnDot
	}
	if connected {
		return ActiveDot
	}
	return InactiveDot
}

// StatusText returns a colored status label.
func StatusText(connected bool, reconnecting bool) string {
	if reconnecting {
		return WarningStyle.Render("reconnecting")
	}
	if connected {
		return Success.Render("connected")
	}
	return ErrorStyle.Render("disconnected")
}

// EnvelopeStyle returns a style for the given envelope type tag, so the
// logs panel can color LOG/DELIVER/ERROR traffic the way a level-based
// logger would.
func EnvelopeStyle(envType string) lipgloss.Style {
	switch envType {
	case "ERROR", "NACK":
		return lipgloss.NewStyle().Foreground(ColorError)
	case "BUSY":
		return lipgloss.NewStyle().Foreground(ColorWarning)
	case "LOG":
		return lipgloss.NewStyle().Foreground(ColorMuted)
	case "DELIVER", "SEND":
		return lipgloss.NewStyle().Foreground(ColorSuccess)
	default:
		return lipgloss.NewStyle().Foreground(ColorText)
	}
}
