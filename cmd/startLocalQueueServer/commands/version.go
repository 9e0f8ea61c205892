package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildVersion is overridden at link time via -ldflags
// "-X .../commands.buildVersion=...".
var buildVersion = "dev"

// VersionCmd prints the binary's build version, independent of the
// --emcee-version flag a caller passes to serve (that one only affects
// what queueServerVersion reports about a *running* server).
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the startLocalQueueServer binary version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildVersion)
	},
}
