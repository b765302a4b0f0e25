package cmd

import (
	"fmt"

	"github.com/GethosTheWalrus/ollamacord/ollamacord"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"ollamacord version=%s commit=%s built=%s\n",
			ollamacord.Version,
			ollamacord.CommitSHA,
			ollamacord.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
