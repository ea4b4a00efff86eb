package tui

import "github.com/charmbracelet/lipgloss"

// Styles contains all lipgloss styles for the watcher
type Styles struct {
	// Header styling
	Title lipgloss.Style
	Timer lipgloss.Style
	RunID lipgloss.Style

	// Status styling
	StatusQueued  lipgloss.Style
	StatusRunning lipgloss.Style
	StatusSuccess lipgloss.Style
	StatusFailed  lipgloss.Style

	// Progress styling
	Stage          lipgloss.Style
	ProgressFilled lipgloss.Style
	ProgressEmpty  lipgloss.Style
	Counts         lipgloss.Style

	// Event lines
	EventTime  lipgloss.Style
	EventInfo  lipgloss.Style
	EventWarn  lipgloss.Style
	EventError lipgloss.Style

	// Footer styling
	Footer    lipgloss.Style
	FooterKey lipgloss.Style
}

// DefaultStyles returns the default watcher styles
func DefaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		Timer: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		RunID: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),

		StatusQueued:  lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		StatusSuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),

		Stage:          lipgloss.NewStyle().Foreground(lipgloss.Color("250")).Italic(true),
		ProgressFilled: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		ProgressEmpty:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		Counts:         lipgloss.NewStyle().Foreground(lipgloss.Color("250")),

		EventTime:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		EventInfo:  lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		EventWarn:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		EventError: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),

		Footer:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")).MarginTop(1),
		FooterKey: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
	}
}

// Icons used in the watcher
const (
	IconQueued  = "⏳"
	IconRunning = "●"
	IconSuccess = "✓"
	IconFailed  = "✗"
)
