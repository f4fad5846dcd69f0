package ralph

import "github.com/charmbracelet/lipgloss"

// Color constants
const (
	ColorPrimary   = "39"  // Blue
	ColorSuccess   = "42"  // Green
	ColorWarning   = "214" // Orange
	ColorError     = "196" // Red
	ColorMuted     = "245" // Gray
	ColorHighlight = "212" // Pink
)

// RalphStyles contains the styles for operator output.
type RalphStyles struct {
	Title     lipgloss.Style
	Status    lipgloss.Style
	Success   lipgloss.Style
	Error     lipgloss.Style
	Warning   lipgloss.Style
	Muted     lipgloss.Style
	FeatureID lipgloss.Style
	Command   lipgloss.Style
}

// DefaultStyles returns the default ralph styles
func DefaultStyles() RalphStyles {
	return RalphStyles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(ColorPrimary)),
		Status: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorMuted)),
		Success: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorSuccess)),
		Error: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(ColorError)),
		Warning: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorWarning)),
		Muted: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorMuted)),
		FeatureID: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(ColorPrimary)),
		Command: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorHighlight)),
	}
}

// Status icons
const (
	IconRunning  = "●"
	IconSuccess  = "✓"
	IconFailed   = "✗"
	IconRejected = "↺"
	IconQuestion = "?"
	IconPending  = "○"
	IconWarning  = "!"
)

// StatusIcon returns the icon for an iteration outcome or terminal state.
func StatusIcon(s State) string {
	switch s {
	case StateIterationOK, StateDone:
		return IconSuccess
	case StateAgentFailed, StateExhausted:
		return IconFailed
	case StateCIRejected:
		return IconRejected
	default:
		return IconRunning
	}
}

// StatusStyle returns the style for an iteration outcome or terminal state.
func (s RalphStyles) StatusStyle(st State) lipgloss.Style {
	switch st {
	case StateIterationOK, StateDone:
		return s.Success
	case StateAgentFailed, StateExhausted:
		return s.Error
	case StateCIRejected:
		return s.Warning
	default:
		return s.Status
	}
}
