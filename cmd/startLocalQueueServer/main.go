// Command startLocalQueueServer boots the emcee-style test-execution
// queue server: see internal/app for the assembled process and
// internal/httpapi for the endpoints it serves.
package main

import (
	"fmt"
	"os"

	"github.com/AutoQASpace/emcee-queueserver/cmd/startLocalQueueServer/commands"
)

func main() {
	if err := commands.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
