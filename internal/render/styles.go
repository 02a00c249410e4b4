// Package render prints live conversations, review reports and stored
// transcripts to a terminal.
package render

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/vinayprograms/codereview/internal/review"
)

// Component color scheme - each component has a distinct, consistent color.
var (
	// Structural / metadata
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Gray - timestamps, metadata

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Gray - labels

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")) // White - values

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")) // White bold - headers

	// Tools - Blue
	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")) // Blue

	// Policy decisions - Cyan
	policyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	// Sub-agents - Magenta
	subagentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("13"))

	// Outcomes
	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")) // Green

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")) // Red

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11")) // Yellow

	// Timeline
	seqStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")).
			Width(5).
			Align(lipgloss.Right)

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	divider = lipgloss.NewStyle().
		Foreground(lipgloss.Color("8")).
		Render(strings.Repeat("━", 60))
)

// severityIcon returns the marker shown before an issue.
func severityIcon(s review.Severity) string {
	switch s {
	case review.SeverityCritical:
		return "🔴"
	case review.SeverityHigh:
		return "🟠"
	case review.SeverityMedium:
		return "🟡"
	default:
		return "🟢"
	}
}

func severityStyle(s review.Severity) lipgloss.Style {
	switch s {
	case review.SeverityCritical, review.SeverityHigh:
		return errorStyle
	case review.SeverityMedium:
		return warnStyle
	default:
		return successStyle
	}
}

func outcomeStyle(outcome string) lipgloss.Style {
	switch outcome {
	case "success":
		return successStyle
	case "cancelled", "running":
		return warnStyle
	default:
		return errorStyle
	}
}

func actionStyle(action string) lipgloss.Style {
	switch action {
	case "allow":
		return successStyle
	case "deny":
		return errorStyle
	default:
		return valueStyle
	}
}
