package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ducanh19020217/fall-detection/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which sources the service is processing",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		stack, cleanup, err := openStack(ctx, true)
		if err != nil {
			return err
		}
		defer cleanup()

		active, err := stack.API.PipelineStatus(ctx)
		if err != nil {
			return fmt.Errorf("fetching pipeline status: %w", err)
		}
		catalog, err := stack.API.ListSources(ctx)
		if err != nil {
			return fmt.Errorf("fetching sources: %w", err)
		}

		sort.Ints(active)
		if jsonOutput {
			return printJSON(models.PipelineStatus{ActiveSourceIDs: active})
		}

		names := make(map[int]string, len(catalog))
		for _, src := range catalog {
			names[src.ID] = src.Name
		}

		rows := make([][]string, 0, len(active))
		for _, id := range active {
			name, ok := names[id]
			if !ok {
				name = "(not in catalog)"
			}
			rows = append(rows, []string{strconv.Itoa(id), name})
		}
		if len(rows) == 0 {
			fmt.Println("No active pipelines.")
			return nil
		}
		return printTable(os.Stdout, []string{"SOURCE", "NAME"}, rows)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
