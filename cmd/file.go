package cmd

import (
	"context"
	"fmt"
	"io"

	"taskbridge/pkg/manus"

	"github.com/spf13/cobra"
)

var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "Manage task input files",
}

var fileUploadCmd = &cobra.Command{
	Use:   "upload <path>...",
	Short: "Upload files and print their ids for use as attachments",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newTaskClient("cmd.file")
		if err != nil {
			return err
		}
		return uploadFiles(cmd.Context(), client, cmd.OutOrStdout(), args)
	},
}

func init() {
	rootCmd.AddCommand(fileCmd)
	fileCmd.AddCommand(fileUploadCmd)
}

// uploadFiles prints one "name<TAB>file id" line per uploaded file and stops
// at the first failure.
func uploadFiles(ctx context.Context, client *manus.Client, out io.Writer, paths []string) error {
	for _, path := range paths {
		attachment, err := uploadPath(ctx, client, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%s\n", attachment.Filename, attachment.FileID)
	}
	return nil
}
