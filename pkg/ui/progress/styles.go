package progress

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"taskbridge/pkg/manus"
)

// theme groups the styles of the wait view and task summaries.
type theme struct {
	title      lipgloss.Style
	label      lipgloss.Style
	value      lipgloss.Style
	link       lipgloss.Style
	statusOK   lipgloss.Style
	statusBusy lipgloss.Style
	statusErr  lipgloss.Style
	hint       lipgloss.Style
	reply      lipgloss.Style
	box        lipgloss.Style
}

func defaultTheme() theme {
	return theme{
		title: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("24")),
		label: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")).
			Width(8),
		value: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")),
		link: lipgloss.NewStyle().
			Foreground(lipgloss.Color("44")).
			Underline(true),
		statusOK: lipgloss.NewStyle().
			Foreground(lipgloss.Color("114")).
			Bold(true),
		statusBusy: lipgloss.NewStyle().
			Foreground(lipgloss.Color("222")).
			Bold(true),
		statusErr: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			Bold(true),
		hint: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
		reply: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("44")).
			Padding(0, 1),
		box: lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("24")).
			Padding(0, 1),
	}
}

func (t theme) status(status string) lipgloss.Style {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case manus.StatusCompleted:
		return t.statusOK
	case manus.StatusRunning, manus.StatusPending, "":
		return t.statusBusy
	case manus.StatusFailed:
		return t.statusErr
	default:
		return t.value
	}
}
