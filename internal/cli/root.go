package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "maidel",
	Short: "Supervisor and bridge for the assistant backend process",
	Long: `maidel launches the assistant backend as a child process, speaks its
line-delimited JSON protocol over stdio, and exposes send, status and
restart to view layers over a unix socket.

Running 'maidel' without a subcommand is equivalent to 'maidel serve'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(historyCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to maidel.json config file (default: search up directory tree)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides log_level in config")
	rootCmd.PersistentFlags().String("socket", "", "Daemon socket path; overrides bridge.socket_path in config")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
