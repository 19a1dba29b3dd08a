package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ducanh19020217/fall-detection/internal/probe"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List camera sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		stack, cleanup, err := openStack(ctx, true)
		if err != nil {
			return err
		}
		defer cleanup()

		catalog, err := stack.API.ListSources(ctx)
		if err != nil {
			return fmt.Errorf("fetching sources: %w", err)
		}
		if jsonOutput {
			return printJSON(catalog)
		}

		rows := make([][]string, 0, len(catalog))
		for _, src := range catalog {
			group := "-"
			if src.Group != nil {
				group = src.Group.Name
			}
			active := "no"
			if src.IsActive {
				active = "yes"
			}
			rows = append(rows, []string{
				strconv.Itoa(src.ID),
				src.Name,
				string(src.Type),
				group,
				active,
				probe.Redact(src.SourceURL),
			})
		}
		return printTable(os.Stdout, []string{"ID", "NAME", "TYPE", "GROUP", "ACTIVE", "URL"}, rows)
	},
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
}
