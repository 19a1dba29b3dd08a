package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe <source-id>",
	Short: "Check that an RTSP source delivers media",
	Long: `Connects to the camera URL of an RTSP source, sets up every track and
counts RTP packets for a short while. Nothing is started on the service.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sourceID, err := strconv.Atoi(args[0])
		if err != nil || sourceID <= 0 {
			return fmt.Errorf("invalid source id %q", args[0])
		}

		ctx := cmd.Context()
		stack, cleanup, err := openStack(ctx, true)
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := stack.Console.Probe(ctx, sourceID)
		if err != nil {
			return fmt.Errorf("probe failed: %w", err)
		}
		if jsonOutput {
			return printJSON(res)
		}

		fmt.Printf("URL:      %s\n", res.URL)
		fmt.Printf("Packets:  %d (%d bytes) in %s\n", res.Packets, res.Bytes, res.Duration)
		if res.Receiving() {
			fmt.Printf("First:    %s\n", res.FirstPacket)
		}
		fmt.Println()

		rows := make([][]string, 0, len(res.Medias))
		for _, m := range res.Medias {
			rows = append(rows, []string{m.Type, orDash(strings.Join(m.Formats, ",")), strconv.FormatUint(m.Packets, 10)})
		}
		if err := printTable(os.Stdout, []string{"MEDIA", "FORMATS", "PACKETS"}, rows); err != nil {
			return err
		}
		if !res.Receiving() {
			return fmt.Errorf("no media received from source %d", sourceID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}
