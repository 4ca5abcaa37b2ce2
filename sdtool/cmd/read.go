package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/BertoldVdb/sdspi/sdcard"
	"github.com/spf13/cobra"
)

var readRaw bool

var readCmd = &cobra.Command{
	Use:   "read <block> [count]",
	Short: "Print blocks as a hex dump",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runRead,
}

func init() {
	rootCmd.AddCommand(readCmd)
	readCmd.Flags().BoolVar(&readRaw, "raw", false, "Write binary data instead of a hex dump")
}

func runRead(cmd *cobra.Command, args []string) error {
	start, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid block number: %w", err)
	}

	count := uint64(1)
	if len(args) > 1 {
		count, err = strconv.ParseUint(args[1], 0, 16)
		if err != nil || count == 0 {
			return fmt.Errorf("invalid block count %q", args[1])
		}
	}

	out := cmd.OutOrStdout()
	if readRaw && isTerminal(out) {
		return errors.New("refusing to write binary data to a terminal")
	}

	r, err := openReader()
	if err != nil {
		return err
	}
	defer r.Close()

	buf := make([]byte, count*sdcard.BlockSize)
	if err := r.ReadBlocks(buf, int64(start)); err != nil {
		return err
	}

	if readRaw {
		_, err = out.Write(buf)
		return err
	}

	for i := uint64(0); i < count; i++ {
		fmt.Fprintf(out, "Block %d:\n", start+i)
		fmt.Fprint(out, hex.Dump(buf[i*sdcard.BlockSize:(i+1)*sdcard.BlockSize]))
	}
	return nil
}
