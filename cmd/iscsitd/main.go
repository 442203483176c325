// Command iscsitd is an iSCSI target protocol engine.
package main

import (
	"fmt"
	"os"

	"github.com/blocktier/iscsit/cmd/iscsitd/commands"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
