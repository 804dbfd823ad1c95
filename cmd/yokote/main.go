// Command yokote runs workloads against the simulated driver stack and
// inspects the snapshots it writes.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "yokote",
	Short: "Yokote CLI runs demo workloads on the simulated driver stack.",
	Long: `Yokote CLI runs demo workloads on the simulated driver stack. ` +
		`The demo command builds two devices, creates processes and queues, and ` +
		`moves memory between processes. The inspect command pretty-prints the ` +
		`.ykdump snapshots the driver saves when a queue cannot be stopped.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}
