package main

import (
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"github.com/warp/token-ledger/events"
)

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().StringP("user", "u", "", "User to reward")
	publishCmd.Flags().StringP("reward", "r", "", "Reward name, e.g. daily")
	publishCmd.Flags().String("event-id", "", "Event id (default: a new ULID)")
	_ = publishCmd.MarkFlagRequired("user")
	_ = publishCmd.MarkFlagRequired("reward")
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Send one reward event to the configured queue",
	Long: `Publishes a reward trigger event the same way engagement services do.
Re-running with the same --event-id credits at most once.`,
	Args: cobra.NoArgs,
	RunE: runPublish,
}

func runPublish(cmd *cobra.Command, _ []string) error {
	event := events.RewardEvent{}
	event.UserID, _ = cmd.Flags().GetString("user")
	event.Reward, _ = cmd.Flags().GetString("reward")
	event.EventID, _ = cmd.Flags().GetString("event-id")
	if event.EventID == "" {
		event.EventID = ulid.Make().String()
	}

	cfg, _, err := setup(cmd)
	if err != nil {
		return err
	}

	pub, err := events.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Queue)
	if err != nil {
		return err
	}
	defer pub.Close()

	if err := pub.Publish(cmd.Context(), event); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", event.EventID)
	return nil
}
