package cmd

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strings"
	"syscall"

	"github.com/BertoldVdb/sdspi/blockserver/blockclient"
	"github.com/BertoldVdb/sdspi/sdcard"
	"github.com/BertoldVdb/sdspi/sdcard/cardopen"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	devicePath string
	username   string
	verbose    bool
	ignoreCRC  bool
)

var rootCmd = &cobra.Command{
	Use:   "sdtool",
	Short: "SD card SPI mode reader",
	Long: `sdtool - read SDHC/SDXC cards in SPI mode.

Devices:
  platform:<spi port>:<cs pin>[:<max frequency>]  hardware SPI, GPIO chip select
  gpio:<sck>:<mosi>:<miso>:<cs>                   bit-banged host GPIO
  usb:[serial]                                    bit-banged MCP2221A
  buspirate:<serial port>                         Bus Pirate binary SPI mode
  image:<file>                                    simulated card
  http://host:port/<index or serial>              card exported by blockserver

For a server started with -apikey, pass --username; the password is read from
the SDTOOL_PASSWORD environment variable or prompted for.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&devicePath, "device", "d", "usb:", "Device path or server URL")
	rootCmd.PersistentFlags().StringVar(&username, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log card communication")
	rootCmd.PersistentFlags().BoolVar(&ignoreCRC, "ignore-crc", false, "Do not verify data block checksums")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// blockReader is satisfied by a local card and by a block server client.
type blockReader interface {
	io.ReaderAt
	io.Closer
	ReadBlocks(dst []byte, start int64) error
	ReadCSD() (*sdcard.CSD, error)
	ReadCID() (*sdcard.CID, error)
	OCR() uint32
	Capacity() (uint32, error)
}

func openReader() (blockReader, error) {
	if strings.HasPrefix(devicePath, "http://") || strings.HasPrefix(devicePath, "https://") {
		return openRemote(devicePath)
	}

	var logFunc sdcard.LogFunc
	if verbose {
		logFunc = log.Printf
	}

	card, err := cardopen.OpenCard(devicePath, sdcard.Config{IgnoreDataCRC: ignoreCRC}, logFunc)
	if err != nil {
		return nil, err
	}
	return card, nil
}

func openRemote(rawURL string) (blockReader, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	if username != "" {
		password, err := readPassword()
		if err != nil {
			return nil, err
		}
		u.User = url.UserPassword(username, password)
	}

	c, err := blockclient.New(strings.TrimSuffix(u.String(), "/"))
	if err != nil {
		return nil, err
	}
	return c, nil
}

func readPassword() (string, error) {
	if p := os.Getenv("SDTOOL_PASSWORD"); p != "" {
		return p, nil
	}

	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", errors.New("no password in SDTOOL_PASSWORD and stdin is not a terminal")
	}

	fmt.Fprint(os.Stderr, "Password: ")
	p, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	return string(p), err
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
