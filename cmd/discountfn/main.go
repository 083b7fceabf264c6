// Command discountfn runs the product discount function outside the host.
//
// The run subcommand follows the host's contract: the function-input document
// is read from stdin and the function-output document is written to stdout.
// Diagnostics go to stderr as JSON log lines.
package main

import (
	"fmt"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd(defaultDeps()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "discountfn:", err)
		os.Exit(1)
	}
}
