// Package commands implements the CLI commands for iscsitctl.
package commands

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
//
// iscsitctl has no admin surface yet: iscsitd exposes no management API
// (LUN add/remove, session listing) for it to talk to. It exists so the
// binary's shape and version reporting are in place before that surface
// is designed, the way a client ships ahead of its server's API.
var rootCmd = &cobra.Command{
	Use:   "iscsitctl",
	Short: "iscsitctl - administration client for iscsitd",
	Long: `iscsitctl is the administration client for iscsitd.

There is no remote management surface yet; this binary currently only
reports its own version.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}

// Exit prints an error and exits with code 1.
func Exit(format string, args ...any) {
	PrintErr(format, args...)
	os.Exit(1)
}
