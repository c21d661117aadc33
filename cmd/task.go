package cmd

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"taskbridge/pkg/manus"
	"taskbridge/pkg/ui/progress"

	"github.com/spf13/cobra"
)

var (
	promptText     string
	taskFiles      []string
	taskURLs       []string
	inlineFiles    []string
	continueTaskID string
	taskProfile    string
	taskMode       string
	waitAfter      bool
	outputJSON     bool
	plainOutput    bool
	pollInterval   time.Duration
	pollTimeout    time.Duration
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create, inspect and wait on remote tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create [prompt]",
	Short: "Create a task, or continue one with --task-id",
	Long:  "Uploads any --file attachments, adds --url and --inline ones, creates the task and prints its id and link. With --wait it then polls until the task stops.",
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := resolvePrompt(args)
		sources := attachmentSources{files: taskFiles, urls: taskURLs, inline: inlineFiles}
		if prompt == "" && sources.empty() {
			return errors.New("a prompt or at least one --file, --url or --inline attachment is required")
		}

		client, cfg, err := newTaskClient("cmd.task")
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		req := manus.CreateTaskRequest{
			Prompt:       prompt,
			AgentProfile: firstNonEmpty(taskProfile, cfg.Manus.AgentProfile),
			TaskMode:     firstNonEmpty(taskMode, cfg.Manus.TaskMode),
			TaskID:       strings.TrimSpace(continueTaskID),
			Connectors:   cfg.Manus.Connectors,
		}
		created, err := createTask(ctx, client, cmd.OutOrStdout(), req, sources)
		if err != nil {
			return err
		}
		if !waitAfter {
			return nil
		}

		return waitTask(ctx, client, cmd.OutOrStdout(), created.TaskID, waitSettings{
			interval: durationOr(pollInterval, cfg.Manus.PollInterval()),
			timeout:  durationOr(pollTimeout, cfg.Manus.PollTimeout()),
			plain:    plainOutput,
		})
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show a task and its transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newTaskClient("cmd.task")
		if err != nil {
			return err
		}
		return getTask(cmd.Context(), client, cmd.OutOrStdout(), args[0], outputJSON)
	},
}

var taskWaitCmd = &cobra.Command{
	Use:   "wait <task-id>",
	Short: "Poll a task until it stops running",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := newTaskClient("cmd.task")
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return waitTask(ctx, client, cmd.OutOrStdout(), args[0], waitSettings{
			interval: durationOr(pollInterval, cfg.Manus.PollInterval()),
			timeout:  durationOr(pollTimeout, cfg.Manus.PollTimeout()),
			plain:    plainOutput,
		})
	},
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskCreateCmd, taskGetCmd, taskWaitCmd)

	taskCreateCmd.Flags().StringVarP(&promptText, "prompt", "p", "", "prompt text to send")
	taskCreateCmd.Flags().StringArrayVarP(&taskFiles, "file", "f", nil, "file to upload and attach (repeatable)")
	taskCreateCmd.Flags().StringArrayVar(&taskURLs, "url", nil, "public URL to attach (repeatable)")
	taskCreateCmd.Flags().StringArrayVar(&inlineFiles, "inline", nil, "small file to attach base64-encoded without uploading (repeatable)")
	taskCreateCmd.Flags().StringVar(&continueTaskID, "task-id", "", "continue an existing task")
	taskCreateCmd.Flags().StringVar(&taskProfile, "profile", "", "agent profile (defaults to manus.agent_profile)")
	taskCreateCmd.Flags().StringVar(&taskMode, "mode", "", "task mode (defaults to manus.task_mode)")
	taskCreateCmd.Flags().BoolVarP(&waitAfter, "wait", "w", false, "wait for the task to stop")

	taskGetCmd.Flags().BoolVar(&outputJSON, "json", false, "print the raw task JSON")

	for _, c := range []*cobra.Command{taskCreateCmd, taskWaitCmd} {
		c.Flags().DurationVar(&pollInterval, "interval", 0, "poll interval (defaults to manus.poll_interval_seconds)")
		c.Flags().DurationVar(&pollTimeout, "timeout", 0, "give up after this long (defaults to manus.poll_timeout_seconds)")
		c.Flags().BoolVar(&plainOutput, "plain", false, "print poll updates as lines instead of a spinner")
	}
}

// resolvePrompt prefers --prompt over positional arguments.
func resolvePrompt(args []string) string {
	if value := strings.TrimSpace(promptText); value != "" {
		return value
	}

	if len(args) == 0 {
		return ""
	}

	return strings.TrimSpace(strings.Join(args, " "))
}

// attachmentSources lists task inputs by how they reach the remote API.
type attachmentSources struct {
	files  []string
	urls   []string
	inline []string
}

func (a attachmentSources) empty() bool {
	return len(a.files) == 0 && len(a.urls) == 0 && len(a.inline) == 0
}

// createTask uploads files, creates the task and prints what came back.
func createTask(ctx context.Context, client *manus.Client, out io.Writer, req manus.CreateTaskRequest, sources attachmentSources) (manus.CreatedTask, error) {
	for _, filePath := range sources.files {
		attachment, err := uploadPath(ctx, client, filePath)
		if err != nil {
			return manus.CreatedTask{}, err
		}
		fmt.Fprintf(out, "uploaded %s as %s\n", attachment.Filename, attachment.FileID)
		req.Attachments = append(req.Attachments, attachment)
	}
	for _, raw := range sources.urls {
		attachment, err := urlAttachment(raw)
		if err != nil {
			return manus.CreatedTask{}, err
		}
		req.Attachments = append(req.Attachments, attachment)
	}
	for _, filePath := range sources.inline {
		attachment, err := inlineAttachment(filePath)
		if err != nil {
			return manus.CreatedTask{}, err
		}
		req.Attachments = append(req.Attachments, attachment)
	}

	created, err := client.CreateTask(ctx, req)
	if err != nil {
		return manus.CreatedTask{}, err
	}

	verb := "created"
	if req.TaskID != "" {
		verb = "continued"
	}
	fmt.Fprintf(out, "%s task %s\n", verb, created.TaskID)
	if created.TaskTitle != "" {
		fmt.Fprintf(out, "title: %s\n", created.TaskTitle)
	}
	if created.TaskURL != "" {
		fmt.Fprintf(out, "url:   %s\n", created.TaskURL)
	}
	return created, nil
}

func urlAttachment(raw string) (manus.Attachment, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return manus.Attachment{}, fmt.Errorf("attachment url %q must be an absolute http(s) URL", raw)
	}

	attachment := manus.Attachment{URL: parsed.String()}
	if name := path.Base(parsed.Path); name != "/" && name != "." {
		attachment.Filename = name
	}
	return attachment, nil
}

// inlineAttachment embeds the file as base64, typed by extension and then
// by content sniffing.
func inlineAttachment(filePath string) (manus.Attachment, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return manus.Attachment{}, fmt.Errorf("read %s: %w", filePath, err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(filePath))
	if mimeType == "" {
		mimeType = http.DetectContentType(content)
	}

	return manus.Attachment{
		FileData: base64.StdEncoding.EncodeToString(content),
		Filename: filepath.Base(filePath),
		MimeType: mimeType,
	}, nil
}

func uploadPath(ctx context.Context, client *manus.Client, path string) (manus.Attachment, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return manus.Attachment{}, fmt.Errorf("read %s: %w", path, err)
	}

	name := filepath.Base(path)
	fileID, err := client.UploadFile(ctx, name, content)
	if err != nil {
		return manus.Attachment{}, err
	}
	return manus.Attachment{FileID: fileID, Filename: name}, nil
}

func getTask(ctx context.Context, client *manus.Client, out io.Writer, taskID string, asJSON bool) error {
	task, err := client.GetTask(ctx, strings.TrimSpace(taskID))
	if err != nil {
		return err
	}

	if asJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(task)
	}

	fmt.Fprintln(out, progress.Summary(task))
	return nil
}

type waitSettings struct {
	interval time.Duration
	timeout  time.Duration
	plain    bool
}

// waitTask polls until the task stops and prints its summary. A poll
// timeout is reported with the last known status.
func waitTask(ctx context.Context, client *manus.Client, out io.Writer, taskID string, settings waitSettings) error {
	taskID = strings.TrimSpace(taskID)
	wait := func(ctx context.Context, onPoll func(manus.Task)) (manus.Task, error) {
		return client.WaitForCompletion(ctx, taskID, manus.WaitOptions{
			Interval: settings.interval,
			Timeout:  settings.timeout,
			OnPoll:   onPoll,
		})
	}

	var (
		task manus.Task
		err  error
	)
	if settings.plain {
		polls := 0
		task, err = wait(ctx, func(t manus.Task) {
			polls++
			fmt.Fprintf(out, "poll %d: %s\n", polls, t.Status)
		})
	} else {
		task, err = progress.Wait(ctx, taskID, wait)
	}

	if errors.Is(err, manus.ErrPollTimeout) {
		return fmt.Errorf("task %s still %s after %s; check later with \"taskbridge task get %s\": %w",
			taskID, firstNonEmpty(task.Status, "running"), settings.timeout, taskID, err)
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(out, progress.Summary(task))
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
