package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"admitflow/internal/config"
	"admitflow/internal/events"
	"admitflow/internal/models"
	"admitflow/internal/workflow"

	"github.com/spf13/cobra"
)

var (
	eventSubject uint
	eventPayload string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Work with the domain event exchange",
}

var eventsPublishCmd = &cobra.Command{
	Use:   "publish <trigger_type>",
	Short: "Publish a domain event to the configured exchange",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		evt := workflow.Event{Trigger: models.TriggerType(args[0]), SubjectID: eventSubject}
		if eventPayload != "" {
			if err := json.Unmarshal([]byte(eventPayload), &evt.Payload); err != nil {
				return fmt.Errorf("payload: %w", err)
			}
		}
		if !evt.Trigger.Valid() {
			return fmt.Errorf("unknown trigger type %q", args[0])
		}

		pub, err := events.DialPublisher(cfg.Events)
		if err != nil {
			return err
		}
		defer pub.Close()

		if err := pub.Publish(context.Background(), evt); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "published %s for subject %d\n", evt.Trigger, evt.SubjectID)
		return nil
	},
}

func init() {
	eventsPublishCmd.Flags().UintVar(&eventSubject, "subject", 0, "application id the event refers to")
	eventsPublishCmd.Flags().StringVar(&eventPayload, "payload", "", "JSON object merged into the rule context")
	eventsCmd.AddCommand(eventsPublishCmd)
	rootCmd.AddCommand(eventsCmd)
}
