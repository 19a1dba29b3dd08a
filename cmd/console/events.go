package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ducanh19020217/fall-detection/internal/models"
)

var (
	eventLimit  int
	eventSource int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent fall events",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		stack, cleanup, err := openStack(ctx, true)
		if err != nil {
			return err
		}
		defer cleanup()

		events, err := stack.API.RecentEvents(ctx, eventLimit)
		if err != nil {
			return fmt.Errorf("fetching events: %w", err)
		}
		if eventSource > 0 {
			filtered := events[:0]
			for _, ev := range events {
				if ev.SourceID == eventSource {
					filtered = append(filtered, ev)
				}
			}
			events = filtered
		}

		if jsonOutput {
			if events == nil {
				events = []models.DetectionEvent{}
			}
			return printJSON(events)
		}

		rows := make([][]string, 0, len(events))
		for _, ev := range events {
			state := "open"
			if ev.IsResolved {
				state = "resolved"
				if ev.ResponderName != nil {
					state += " by " + *ev.ResponderName
				}
			}
			rows = append(rows, []string{
				strconv.Itoa(ev.ID),
				formatTime(ev.Timestamp.Time),
				strconv.Itoa(ev.SourceID),
				strconv.Itoa(ev.TrackID),
				fmt.Sprintf("%.2f", ev.FallScore),
				state,
			})
		}
		return printTable(os.Stdout, []string{"ID", "TIME", "SOURCE", "TRACK", "SCORE", "STATE"}, rows)
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)

	eventsCmd.Flags().IntVarP(&eventLimit, "limit", "n", 20, "Number of events to fetch")
	eventsCmd.Flags().IntVar(&eventSource, "source", 0, "Only show events from this source id")
}
