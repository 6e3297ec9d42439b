package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shawkym/mxview/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long:  `Display the current version of mxview and the Client-Server API it speaks.`,
	Run:   runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func runVersion(cmd *cobra.Command, args []string) {
	fmt.Fprintln(cmd.OutOrStdout(), version.GetVersionString())
	fmt.Fprintf(cmd.OutOrStdout(), "Matrix Client-Server API: %s\n", version.APIVersion)
}
