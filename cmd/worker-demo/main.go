// Command worker-demo exercises the claim -> run -> retry -> shutdown
// pipeline end-to-end, against a real Redis instance (run) or an
// in-process fake broker (demo), using the bundled memjob reference
// Job rather than a real persistence layer.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "worker-demo",
	Short: "Exercise the job queue worker core against Redis or an in-process fake broker",
	Long: `worker-demo drives a single worker against a real Redis instance (run)
or an in-process fake broker (demo) using an in-memory reference Job
implementation, so the full claim, run,
retry-with-backoff, and graceful-shutdown pipeline can be observed
without standing up a persistence layer.

Examples:
  worker-demo run --redis-addr 127.0.0.1:6379 --job-type email --count 20
  worker-demo demo --count 20`,
}

func main() {
	rootCmd.AddCommand(runCmd, demoCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
