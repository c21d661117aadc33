/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"taskbridge/pkg/config"
	"taskbridge/pkg/logger"
	"taskbridge/pkg/manus"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "taskbridge",
	Short: "Bridge chat threads to remote agent tasks",
	Long: `taskbridge connects Slack and Telegram conversations to remote agent tasks.

Run "taskbridge serve" for the webhook server, or use the task, file and webhook
commands to talk to the task API directly.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// loadRuntime loads config and installs the configured logger as default.
func loadRuntime(component string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)

	return cfg, logger.Component(appLogger, component), nil
}

// newTaskClient builds the remote task client used by the CLI commands.
func newTaskClient(component string) (*manus.Client, *config.Config, error) {
	cfg, _, err := loadRuntime(component)
	if err != nil {
		return nil, nil, err
	}

	client, err := manus.New(cfg.Manus, manus.WithLogger(slog.Default()))
	if err != nil {
		return nil, nil, err
	}
	return client, cfg, nil
}
