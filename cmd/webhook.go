package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"taskbridge/pkg/manus"

	"github.com/spf13/cobra"
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Register or delete the task event webhook",
}

var webhookRegisterCmd = &cobra.Command{
	Use:   "register [url]",
	Short: "Register a callback URL for task events",
	Long:  "Registers url, or manus.webhook_url (WEBHOOK_URL) when omitted, and prints the webhook id.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := newTaskClient("cmd.webhook")
		if err != nil {
			return err
		}

		callbackURL := cfg.Manus.WebhookURL
		if len(args) == 1 {
			callbackURL = args[0]
		}
		return registerWebhook(cmd.Context(), client, cmd.OutOrStdout(), callbackURL)
	},
}

var webhookDeleteCmd = &cobra.Command{
	Use:   "delete <webhook-id>",
	Short: "Delete a registered webhook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newTaskClient("cmd.webhook")
		if err != nil {
			return err
		}
		if err := client.DeleteWebhook(cmd.Context(), strings.TrimSpace(args[0])); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted webhook %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(webhookCmd)
	webhookCmd.AddCommand(webhookRegisterCmd, webhookDeleteCmd)
}

func registerWebhook(ctx context.Context, client *manus.Client, out io.Writer, callbackURL string) error {
	callbackURL = strings.TrimSpace(callbackURL)
	if callbackURL == "" {
		return errors.New("webhook url is required (argument, manus.webhook_url or WEBHOOK_URL)")
	}

	webhookID, err := client.RegisterWebhook(ctx, callbackURL)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "registered webhook %s for %s\n", webhookID, callbackURL)
	return nil
}
