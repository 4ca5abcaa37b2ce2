package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BertoldVdb/sdspi/blockserver/discovery"
	"github.com/spf13/cobra"
)

var (
	discoverTimeout int
	discoverSerial  string
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find block servers on the local network",
	Args:  cobra.NoArgs,
	RunE:  runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	discoverCmd.Flags().IntVar(&discoverTimeout, "timeout", 3, "Timeout in seconds")
	discoverCmd.Flags().StringVar(&discoverSerial, "serial", "", "Only show servers exporting this card")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	results, err := discovery.Browse(context.Background(), time.Duration(discoverTimeout)*time.Second, discoverSerial)
	if err != nil {
		return err
	}

	if len(results) == 0 {
		return errors.New("no servers found")
	}

	out := cmd.OutOrStdout()
	for _, r := range results {
		fmt.Fprintf(out, "%s (%s)\n", r.Instance, r.Addr)
		for _, c := range r.Cards {
			fmt.Fprintf(out, "  %s  %s  %d blocks\n", r.URL(c), c.Serial, c.Blocks)
		}
	}
	return nil
}
