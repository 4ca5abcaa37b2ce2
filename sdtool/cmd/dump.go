package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BertoldVdb/sdspi/sdcard"
	"github.com/spf13/cobra"
)

var (
	dumpStart uint32
	dumpCount uint32
)

const dumpChunk = 64

var dumpCmd = &cobra.Command{
	Use:   "dump <file>",
	Short: "Copy the card to an image file",
	Long: `Copy blocks from the card to a file. Without --count the whole card is
copied. Use "-" to write to standard output.`,
	Args: cobra.ExactArgs(1),
	RunE: runDump,
}

func init() {
	rootCmd.AddCommand(dumpCmd)
	dumpCmd.Flags().Uint32Var(&dumpStart, "start", 0, "First block")
	dumpCmd.Flags().Uint32Var(&dumpCount, "count", 0, "Number of blocks, 0 for all")
}

func runDump(cmd *cobra.Command, args []string) (err error) {
	out := cmd.OutOrStdout()
	if args[0] == "-" && isTerminal(out) {
		return errors.New("refusing to write binary data to a terminal")
	}

	r, err := openReader()
	if err != nil {
		return err
	}
	defer r.Close()

	capacity, err := r.Capacity()
	if err != nil {
		return err
	}
	if dumpStart >= capacity {
		return fmt.Errorf("start block %d is past the end of the card (%d blocks)", dumpStart, capacity)
	}

	count := dumpCount
	if count == 0 || count > capacity-dumpStart {
		count = capacity - dumpStart
	}

	if args[0] != "-" {
		f, ferr := os.Create(args[0])
		if ferr != nil {
			return ferr
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		out = f
	}

	progress := cmd.ErrOrStderr()
	begin := time.Now()
	lastReport := begin

	buf := make([]byte, dumpChunk*sdcard.BlockSize)
	for done := uint32(0); done < count; {
		n := min(count-done, dumpChunk)
		chunk := buf[:n*sdcard.BlockSize]

		if err := r.ReadBlocks(chunk, int64(dumpStart+done)); err != nil {
			return err
		}
		if _, err := out.Write(chunk); err != nil {
			return err
		}
		done += n

		if time.Since(lastReport) > time.Second || done == count {
			lastReport = time.Now()
			rate := float64(done) * sdcard.BlockSize / time.Since(begin).Seconds() / 1024
			fmt.Fprintf(progress, "\r%d/%d blocks, %.1f KiB/s", done, count, rate)
		}
	}
	fmt.Fprintln(progress)

	return nil
}
