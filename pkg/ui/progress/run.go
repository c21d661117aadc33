package progress

import (
	"context"
	"errors"
	"io"

	tea "github.com/charmbracelet/bubbletea"

	"taskbridge/pkg/manus"
)

// WaitFunc polls a task until it stops, reporting every snapshot to onPoll.
type WaitFunc func(ctx context.Context, onPoll func(manus.Task)) (manus.Task, error)

// Wait runs wait behind a spinner and returns its result. Quitting the view
// early cancels wait and returns context.Canceled.
func Wait(ctx context.Context, taskID string, wait WaitFunc, opts ...tea.ProgramOption) (manus.Task, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	program := tea.NewProgram(newModel(taskID), append([]tea.ProgramOption{tea.WithContext(waitCtx)}, opts...)...)

	go func() {
		task, err := wait(waitCtx, func(task manus.Task) {
			program.Send(pollMsg{task: task})
		})
		program.Send(doneMsg{task: task, err: err})
	}()

	final, err := program.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return manus.Task{}, err
	}

	m, ok := final.(*model)
	if !ok || !m.done {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return manus.Task{}, ctxErr
		}
		return manus.Task{}, context.Canceled
	}
	return m.last, m.err
}

// Headless returns program options for non-interactive output such as tests
// and piped stdout.
func Headless(out io.Writer) []tea.ProgramOption {
	return []tea.ProgramOption{tea.WithInput(nil), tea.WithOutput(out), tea.WithoutRenderer()}
}
