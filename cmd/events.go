package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eaglebank/transactional-ms/shared/events"
	sharedredis "github.com/eaglebank/transactional-ms/shared/redis"
)

var (
	tailGroup     string
	tailConsumer  string
	tailFromStart bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect transaction notifications",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print notifications from the Redis notification stream as they arrive",
	RunE:  runEventsTail,
}

func init() {
	hostname, _ := os.Hostname()
	eventsTailCmd.Flags().StringVar(&tailGroup, "group", "txms-tail", "consumer group name")
	eventsTailCmd.Flags().StringVar(&tailConsumer, "consumer", "tail-"+hostname, "consumer name within the group")
	eventsTailCmd.Flags().BoolVar(&tailFromStart, "from-start", false, "read the stream from its first entry when creating the group")

	eventsCmd.AddCommand(eventsTailCmd)
	rootCmd.AddCommand(eventsCmd)
}

func runEventsTail(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := sharedredis.NewClient(ctx, sharedredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	startID := "$"
	if tailFromStart {
		startID = "0"
	}
	out := json.NewEncoder(cmd.OutOrStdout())
	subscriber := events.NewSubscriber(client.Client, events.SubscriberConfig{
		Group:    tailGroup,
		Consumer: tailConsumer,
		Stream:   cfg.Notifications.Redis.Stream,
		StartID:  startID,
		Logger:   logger,
		Handler: func(_ context.Context, event events.NotificationEvent) error {
			if err := out.Encode(event); err != nil {
				return fmt.Errorf("failed to print event: %w", err)
			}
			return nil
		},
	})

	if err := subscriber.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
