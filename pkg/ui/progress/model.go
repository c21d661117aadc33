// Package progress renders remote task state in the terminal: a spinner
// while a task runs and a summary once it stops.
package progress

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"taskbridge/pkg/manus"
)

type pollMsg struct {
	task manus.Task
}

type doneMsg struct {
	task manus.Task
	err  error
}

type model struct {
	taskID  string
	theme   theme
	spinner spinner.Model
	started time.Time
	now     func() time.Time

	polls int
	last  manus.Task
	done  bool
	err   error
}

func newModel(taskID string) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	return &model{
		taskID:  taskID,
		theme:   defaultTheme(),
		spinner: spin,
		started: time.Now(),
		now:     time.Now,
	}
}

func (m *model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc", "q":
			m.done = true
			m.err = context.Canceled
			return m, tea.Quit
		}
		return m, nil
	case pollMsg:
		m.polls++
		m.last = typed.task
		return m, nil
	case doneMsg:
		m.done = true
		m.err = typed.err
		if typed.task.ID != "" || typed.task.Status != "" {
			m.last = typed.task
		}
		return m, tea.Quit
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	}

	return m, nil
}

func (m *model) View() string {
	if m.done {
		// The summary is printed after the program exits.
		return ""
	}

	status := m.last.Status
	if status == "" {
		status = "submitted"
	}
	elapsed := m.now().Sub(m.started).Round(time.Second)

	line := fmt.Sprintf("%s waiting for %s  %s  %s",
		m.spinner.View(),
		m.theme.value.Render(m.taskID),
		m.theme.status(m.last.Status).Render(status),
		m.theme.hint.Render(fmt.Sprintf("%d polls · %s", m.polls, elapsed)),
	)

	parts := []string{line}
	if url := m.last.Metadata.TaskURL; url != "" {
		parts = append(parts, "  "+m.theme.link.Render(url))
	}
	parts = append(parts, m.theme.hint.Render("  q/esc stop waiting"))
	return strings.Join(parts, "\n") + "\n"
}

// Summary renders a task for terminal output: title, status, link and the
// assistant text of its transcript.
func Summary(task manus.Task) string {
	th := defaultTheme()

	title := task.Metadata.TaskTitle
	if strings.TrimSpace(title) == "" {
		title = "Task " + task.ID
	}

	rows := []string{
		th.title.Render(title),
		row(th, "id", th.value.Render(task.ID)),
		row(th, "status", th.status(task.Status).Render(displayOr(task.Status, "unknown"))),
	}
	if task.Metadata.TaskURL != "" {
		rows = append(rows, row(th, "url", th.link.Render(task.Metadata.TaskURL)))
	}

	text := strings.TrimSpace(strings.Join(task.AssistantText(), "\n\n"))
	if text != "" {
		rows = append(rows, th.reply.Render(text))
	}
	if files := outputFiles(task); len(files) > 0 {
		rows = append(rows, row(th, "files", th.value.Render(strings.Join(files, "\n"))))
	}

	return th.box.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func row(th theme, label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, th.label.Render(label), value)
}

func outputFiles(task manus.Task) []string {
	var files []string
	for _, turn := range task.Output {
		if turn.Role != manus.RoleAssistant {
			continue
		}
		for _, item := range turn.Content {
			if item.Type == manus.ContentOutputFile && item.FileURL != "" {
				files = append(files, item.FileURL)
			}
		}
	}
	return files
}

func displayOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
