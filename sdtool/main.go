// sdtool inspects and copies SD cards attached over SPI, or exported by a
// block server.
package main

import (
	"os"

	"github.com/BertoldVdb/sdspi/sdtool/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
