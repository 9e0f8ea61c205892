package commands

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/AutoQASpace/emcee-queueserver/internal/app"
	"github.com/AutoQASpace/emcee-queueserver/internal/platform/shutdown"
)

var (
	queueServerConfiguration string
	emceeVersion             string
	portFile                 string
)

// RootCmd is the whole CLI surface: `startLocalQueueServer
// --queue-server-configuration <path> --emcee-version <v>`. Running it
// with no subcommand starts the server; `version` is an additional
// operator convenience that prints the binary's build version. The
// queueServerVersion endpoint reports --emcee-version instead.
var RootCmd = &cobra.Command{
	Use:   "startLocalQueueServer",
	Short: "Start the local emcee test-execution queue server",
	RunE:  runServe,
}

func init() {
	RootCmd.Flags().StringVar(&queueServerConfiguration, "queue-server-configuration", "", "path to the queue server's TOML configuration file (required)")
	RootCmd.Flags().StringVar(&emceeVersion, "emcee-version", "dev", "version string reported by queueServerVersion")
	RootCmd.Flags().StringVar(&portFile, "port-file", "", "path to write the bound listen port, for collocated tooling to discover it")
	_ = RootCmd.MarkFlagRequired("queue-server-configuration")

	RootCmd.AddCommand(VersionCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := app.New(app.Options{
		ConfigPath:   queueServerConfiguration,
		PortFilePath: portFile,
		EmceeVersion: emceeVersion,
	})
	if err != nil {
		return errors.Wrap(err, "fatal init failure")
	}
	defer a.Close()

	ctx, cancel := shutdown.NotifyContext(cmd.Context())
	defer cancel()

	if err := a.Run(ctx); err != nil {
		if errors.Is(err, app.ErrIdleTimeout) {
			a.Log.Info("exiting: idle-termination policy fired")
			return nil
		}
		return err
	}
	return nil
}
