package cmd

import (
	"fmt"
	"strings"

	"github.com/BertoldVdb/sdspi/sdcard"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show card registers and capacity",
	Args:  cobra.NoArgs,
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Width(14)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

func runInfo(cmd *cobra.Command, args []string) error {
	r, err := openReader()
	if err != nil {
		return err
	}
	defer r.Close()

	csd, err := r.ReadCSD()
	if err != nil {
		return fmt.Errorf("read CSD: %w", err)
	}

	cid, err := r.ReadCID()
	if err != nil {
		return fmt.Errorf("read CID: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), renderInfo(devicePath, r.OCR(), csd, cid))
	return nil
}

func formatSize(blocks uint32) string {
	size := float64(blocks) * sdcard.BlockSize
	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}

	i := 0
	for size >= 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", size, units[i])
}

func renderInfo(path string, ocr uint32, csd *sdcard.CSD, cid *sdcard.CID) string {
	rows := [][2]string{
		{"Manufacturer", fmt.Sprintf("0x%02x (OEM %q)", cid.Manufacturer, cid.OEM)},
		{"Product", fmt.Sprintf("%s rev %s", cid.Product, cid.Revision)},
		{"Serial", fmt.Sprintf("%08x", cid.Serial)},
		{"Date", fmt.Sprintf("%04d-%02d", cid.Year, cid.Month)},
		{"CSD version", fmt.Sprintf("%d", csd.Version)},
		{"Blocks", fmt.Sprintf("%d", csd.Blocks)},
		{"Capacity", formatSize(csd.Blocks)},
		{"OCR", fmt.Sprintf("%08x", ocr)},
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(path))
	for _, row := range rows {
		b.WriteString("\n")
		b.WriteString(labelStyle.Render(row[0]))
		b.WriteString(valueStyle.Render(row[1]))
	}

	return boxStyle.Render(b.String())
}
