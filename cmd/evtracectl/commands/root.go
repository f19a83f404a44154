// Package commands implements the CLI commands for evtracectl.
package commands

import (
	"os"

	"github.com/marmos91/evtrace/cmd/evtracectl/cmdutil"
	"github.com/spf13/cobra"
)

// Version information injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "evtracectl",
	Short: "evtrace control client",
	Long: `evtracectl is the command-line client for the evtrace tracing daemon.

It speaks the session-control protocol (collect_tracing2/stop_tracing) over
the daemon's local Unix domain socket.

Use "evtracectl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cmdutil.Flags.SocketPath, _ = cmd.Flags().GetString("socket")
		cmdutil.Flags.Output, _ = cmd.Root().PersistentFlags().GetString("output")
		cmdutil.Flags.Force, _ = cmd.Flags().GetBool("force")
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("socket", cmdutil.DefaultSocketPath, "Path to the daemon's control socket")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format (table|json|yaml)")
	rootCmd.PersistentFlags().Bool("force", false, "Skip interactive confirmation")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(stopCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the client version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("evtracectl %s (commit %s, built %s)\n", Version, Commit, Date)
		return nil
	},
}

// Exit prints an error and exits with code 1.
func Exit(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
	os.Exit(1)
}
