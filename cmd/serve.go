package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"taskbridge/pkg/binding"
	"taskbridge/pkg/bridge"
	"taskbridge/pkg/bus"
	"taskbridge/pkg/channel"
	"taskbridge/pkg/channel/slack"
	"taskbridge/pkg/channel/telegram"
	"taskbridge/pkg/config"
	"taskbridge/pkg/dedup"
	"taskbridge/pkg/manus"
	"taskbridge/pkg/metrics"
	"taskbridge/pkg/server"

	"github.com/spf13/cobra"
)

var (
	registerOnStart bool
	shutdownGrace   time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server",
	Long:  "Runs the bridge: Slack and task event webhooks, Telegram polling, health, readiness and metrics endpoints.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, log, err := loadRuntime("cmd.serve")
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			log.Error("Configuration invalid", "error", err)
			return err
		}

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(runCtx, cfg, log)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&registerOnStart, "register-webhook", false, "register manus.webhook_url on start and delete it on exit")
	serveCmd.Flags().DurationVar(&shutdownGrace, "shutdown-grace", 30*time.Second, "how long to drain queued jobs on exit")
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	client, err := manus.New(cfg.Manus, manus.WithLogger(slog.Default()))
	if err != nil {
		return err
	}

	store, deduper, err := openState(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to open binding store", "driver", cfg.Store.Driver, "error", err)
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("Failed to close binding store", "error", err)
		}
	}()

	b, err := bridge.New(client, store, bridge.OptionsFromConfig(cfg), slog.Default())
	if err != nil {
		return err
	}

	platforms, adapters, err := enabledChannels(cfg, slog.Default())
	if err != nil {
		log.Error("Channel configuration invalid", "error", err)
		return err
	}
	for _, platform := range platforms {
		b.RegisterPlatform(platform)
	}

	m := metrics.New()
	jobs := bus.New(bus.Options{
		Workers:   cfg.Server.Workers,
		QueueSize: cfg.Server.QueueSize,
		OnFinish:  m.ObserveJob,
	})
	b.SetEventPublisher(jobs)

	svc, err := server.NewService(server.Options{
		Config:        cfg,
		Bridge:        b,
		Jobs:          jobs,
		Dedup:         deduper,
		Metrics:       m,
		Adapters:      adapters,
		Log:           slog.Default(),
		ShutdownGrace: shutdownGrace,
	})
	if err != nil {
		return err
	}

	if registerOnStart {
		webhookID, err := client.RegisterWebhook(ctx, cfg.Manus.WebhookURL)
		if err != nil {
			log.Error("Failed to register task webhook", "url", cfg.Manus.WebhookURL, "error", err)
			return err
		}
		log.Info("Task webhook registered", "webhook_id", webhookID, "url", cfg.Manus.WebhookURL)
		defer func() {
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := client.DeleteWebhook(cleanupCtx, webhookID); err != nil {
				log.Warn("Failed to delete task webhook", "webhook_id", webhookID, "error", err)
				return
			}
			log.Info("Task webhook deleted", "webhook_id", webhookID)
		}()
	}

	log.Info("Bridge started",
		"channels", enabledChannelNames(platforms),
		"store", cfg.Store.Driver,
		"dedup_ttl", cfg.Bridge.DedupTTL(),
		"workers", cfg.Server.Workers,
	)
	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Bridge runtime failed", "error", err)
		return err
	}
	return nil
}

// openState builds the binding store and the delivery deduper. The redis
// driver shares one client between both; other drivers dedup in memory.
func openState(ctx context.Context, cfg *config.Config, log *slog.Logger) (binding.Store, dedup.Deduper, error) {
	ttl := cfg.Bridge.DedupTTL()

	if cfg.Store.Driver == config.StoreRedis {
		client, err := binding.NewRedisClient(ctx, cfg.Store)
		if err != nil {
			return nil, nil, err
		}
		store := binding.NewRedisStore(client, cfg.Store.KeyPrefix, cfg.Bridge.BindingTTL())
		if ttl <= 0 {
			return store, dedup.Nop{}, nil
		}
		return store, dedup.NewRedis(client, cfg.Store.KeyPrefix, ttl), nil
	}

	store, err := binding.Open(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	if ttl <= 0 {
		return store, dedup.Nop{}, nil
	}
	return store, dedup.NewMemory(0, ttl), nil
}

// enabledChannels builds every enabled chat platform. Telegram is also an
// inbound adapter; Slack arrives through the webhook route instead.
func enabledChannels(cfg *config.Config, log *slog.Logger) ([]channel.Platform, []channel.Adapter, error) {
	var (
		platforms []channel.Platform
		adapters  []channel.Adapter
	)

	if cfg.Channels.Slack.Enabled {
		platform, err := slack.New(cfg.Channels.Slack, log)
		if err != nil {
			return nil, nil, fmt.Errorf("configure %s channel: %w", slack.PlatformName, err)
		}
		platforms = append(platforms, platform)
	}

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, log)
		if err != nil {
			return nil, nil, fmt.Errorf("configure %s channel: %w", telegram.PlatformName, err)
		}
		platforms = append(platforms, adapter)
		adapters = append(adapters, adapter)
	}

	if len(platforms) == 0 {
		return nil, nil, errors.New("no channels are enabled")
	}

	return platforms, adapters, nil
}

func enabledChannelNames(platforms []channel.Platform) string {
	names := make([]string, 0, len(platforms))
	for _, platform := range platforms {
		names = append(names, platform.Name())
	}

	return strings.Join(names, ",")
}
